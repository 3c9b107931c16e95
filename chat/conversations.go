package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"convsync/logging"
	"convsync/models"
	"convsync/storage"
)

// MessageInput is an optional first message sent with a new conversation.
type MessageInput struct {
	Content   string
	Format    models.ContentFormat
	ClientKey string
}

// CreateOptions tunes CreateOrGetConversation.
type CreateOptions struct {
	Title          string
	IsGroup        bool
	InitialMessage *MessageInput
}

// CreateResult reports whether the conversation already existed.
type CreateResult struct {
	Conversation   models.Conversation
	Existing       bool
	InitialMessage *models.Message
}

// AddParticipantsResult lists the users actually added.
type AddParticipantsResult struct {
	Conversation models.Conversation
	Added        []int64
}

// ConversationService creates, lists and grows conversations.
type ConversationService struct {
	guard
	messages *MessageService
}

// NewConversationService wires a ConversationService. messages sends initial
// messages and must share the same store.
func NewConversationService(store Store, messages *MessageService, opts Options) *ConversationService {
	opts = opts.withDefaults()
	if messages == nil {
		messages = NewMessageService(store, opts)
	}
	return &ConversationService{
		guard:    guard{store: store, log: logging.Component(opts.Logger, "conversations"), metrics: opts.Metrics},
		messages: messages,
	}
}

// CreateOrGetConversation starts a conversation between the initiator and
// participantIDs. A 1:1 request for a pair that already talks returns the
// existing conversation with Existing set. Groups are always new.
//
// An initial message, when given, is validated before anything is written and
// appended to whichever conversation is returned in the same transaction that
// creates it.
func (s *ConversationService) CreateOrGetConversation(ctx context.Context, initiatorID int64, participantIDs []int64, opts CreateOptions) (*CreateResult, error) {
	if initiatorID <= 0 {
		return nil, invalidInput("initiator id must be positive")
	}
	ids, err := normalizeIDs(participantIDs, initiatorID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, invalidInput("conversation needs at least one other participant")
	}

	title := strings.TrimSpace(opts.Title)
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, invalidInput("title exceeds %d characters", MaxTitleLength)
	}

	in := storage.NewConversation{
		CreatorID:      initiatorID,
		ParticipantIDs: ids,
		IsGroup:        opts.IsGroup,
	}
	if title != "" {
		in.Title = &title
	}
	var format string
	if opts.InitialMessage != nil {
		p, err := s.messages.prepare(opts.InitialMessage.Content, opts.InitialMessage.Format)
		if err != nil {
			return nil, err
		}
		format = string(p.format)
		in.InitialMessage = &storage.NewMessage{
			SenderID:      initiatorID,
			Content:       p.content,
			ContentFormat: format,
			Preview:       p.preview,
			ClientKey:     opts.InitialMessage.ClientKey,
		}
	}

	conv, first, created, err := s.store.CreateConversation(ctx, in)
	if err != nil {
		return nil, s.fail(ctx, "create_conversation", 0, initiatorID, err)
	}
	if created {
		s.metrics.RecordConversation("created")
		s.log.Info().
			Int64("conversation_id", conv.ID).
			Int64("initiator_id", initiatorID).
			Bool("is_group", conv.IsGroup).
			Int("participants", len(ids)+1).
			Msg("conversation created")
	} else {
		s.metrics.RecordConversation("existing")
	}

	result := &CreateResult{Existing: !created}
	if first != nil {
		s.metrics.RecordMessageAppended(format, false)
		msg := toMessage(*first)
		result.InitialMessage = &msg
	}

	view, err := s.GetConversation(ctx, conv.ID, initiatorID)
	if err != nil {
		return nil, err
	}
	result.Conversation = *view
	return result, nil
}

// GetConversation returns one conversation as seen by viewerID.
func (s *ConversationService) GetConversation(ctx context.Context, conversationID, viewerID int64) (*models.Conversation, error) {
	if conversationID <= 0 || viewerID <= 0 {
		return nil, invalidInput("conversation and viewer ids must be positive")
	}

	summary, err := s.store.GetConversationForUser(ctx, conversationID, viewerID)
	if err != nil {
		return nil, s.fail(ctx, "get_conversation", conversationID, viewerID, err)
	}

	conv := toConversation(*summary)
	return &conv, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *ConversationService) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	if userID <= 0 {
		return nil, invalidInput("user id must be positive")
	}

	summaries, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, "list_conversations", 0, userID, err)
	}

	conversations := make([]models.Conversation, 0, len(summaries))
	for _, summary := range summaries {
		conversations = append(conversations, toConversation(summary))
	}
	return conversations, nil
}

// AddParticipants adds users to a conversation the requester belongs to. Users
// already present are ignored. Growing past two members makes it a group.
func (s *ConversationService) AddParticipants(ctx context.Context, conversationID, requesterID int64, userIDs []int64) (*AddParticipantsResult, error) {
	if conversationID <= 0 || requesterID <= 0 {
		return nil, invalidInput("conversation and requester ids must be positive")
	}
	ids, err := normalizeIDs(userIDs, 0)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, invalidInput("no users to add")
	}

	added, err := s.store.AddParticipants(ctx, conversationID, requesterID, ids)
	if err != nil {
		return nil, s.fail(ctx, "add_participants", conversationID, requesterID, err)
	}
	if len(added) > 0 {
		s.log.Info().
			Int64("conversation_id", conversationID).
			Int64("requester_id", requesterID).
			Ints64("added", added).
			Msg("participants added")
	}

	view, err := s.GetConversation(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	return &AddParticipantsResult{Conversation: *view, Added: added}, nil
}

// normalizeIDs validates ids, drops duplicates and the excluded id, keeping order.
func normalizeIDs(ids []int64, exclude int64) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, invalidInput("user id %d must be positive", id)
		}
		if id == exclude {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
