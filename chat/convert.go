package chat

import (
	"convsync/models"
	"convsync/storage"
)

func toParticipants(rows []storage.Participant) []models.Participant {
	participants := make([]models.Participant, 0, len(rows))
	for _, row := range rows {
		participants = append(participants, models.Participant{
			UserID:      row.UserID,
			DisplayName: row.DisplayName,
			AvatarURL:   row.AvatarURL,
			JoinedAt:    row.JoinedAt,
		})
	}
	return participants
}

func toLastMessage(snapshot *storage.LastMessage) *models.LastMessage {
	if snapshot == nil {
		return nil
	}
	return &models.LastMessage{
		ID:         snapshot.MessageID,
		SenderID:   snapshot.SenderID,
		SenderName: snapshot.SenderName,
		Preview:    snapshot.Preview,
		CreatedAt:  snapshot.CreatedAt,
		IsDeleted:  snapshot.IsDeleted,
	}
}

func toConversation(summary storage.ConversationSummary) models.Conversation {
	return models.Conversation{
		ID:                summary.ID,
		IsGroup:           summary.IsGroup,
		Title:             summary.Title,
		CreatedBy:         summary.CreatedBy,
		Participants:      toParticipants(summary.Participants),
		LastMessage:       toLastMessage(summary.LastMessage),
		UnreadCount:       summary.UnreadCount,
		LastReadMessageID: summary.LastReadMessageID,
		CreatedAt:         summary.CreatedAt,
		UpdatedAt:         summary.UpdatedAt,
	}
}

// toMessage converts a stored row; deleted messages lose their content.
func toMessage(row storage.Message) models.Message {
	msg := models.Message{
		ID:              row.ID,
		ConversationID:  row.ConversationID,
		SenderID:        row.SenderID,
		SenderName:      row.SenderName,
		SenderAvatarURL: row.SenderAvatarURL,
		Content:         row.Content,
		ContentFormat:   models.ContentFormat(row.ContentFormat),
		CreatedAt:       row.CreatedAt,
		EditedAt:        row.EditedAt,
		IsDeleted:       row.IsDeleted,
	}
	if msg.IsDeleted {
		msg.Content = ""
	}
	return msg
}

func toMessages(rows []storage.Message) []models.Message {
	messages := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, toMessage(row))
	}
	return messages
}
