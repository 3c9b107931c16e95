package models

import "sort"

// Participant is a member of a conversation with resolved display info.
type Participant struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	JoinedAt    int64  `json:"joined_at"`
}

// LastMessage is the denormalized snapshot used by conversation lists.
type LastMessage struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Preview    string `json:"preview"`
	CreatedAt  int64  `json:"created_at"`
	IsDeleted  bool   `json:"is_deleted"`
}

// Conversation is a 1:1 or group thread as seen by one viewer.
type Conversation struct {
	ID                int64         `json:"id"`
	IsGroup           bool          `json:"is_group"`
	Title             *string       `json:"title,omitempty"`
	CreatedBy         int64         `json:"created_by"`
	Participants      []Participant `json:"participants"`
	LastMessage       *LastMessage  `json:"last_message,omitempty"`
	UnreadCount       int64         `json:"unread_count"`
	LastReadMessageID int64         `json:"last_read_message_id"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
}

// SortConversations orders conversations most recently updated first, newest id on ties.
func SortConversations(conversations []Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		if conversations[i].UpdatedAt != conversations[j].UpdatedAt {
			return conversations[i].UpdatedAt > conversations[j].UpdatedAt
		}
		return conversations[i].ID > conversations[j].ID
	})
}

// ReadState is a participant's read cursor after marking a conversation read.
type ReadState struct {
	ConversationID    int64 `json:"conversation_id"`
	LastReadMessageID int64 `json:"last_read_message_id"`
	UnreadCount       int64 `json:"unread_count"`
}
