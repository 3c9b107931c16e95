package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"convsync/logging"
	"convsync/models"
	"convsync/storage"
)

// AppendInput is one message to send. ClientKey is optional; reusing it makes
// the send idempotent.
type AppendInput struct {
	ConversationID int64
	SenderID       int64
	Content        string
	Format         models.ContentFormat
	ClientKey      string
}

// MessageService appends messages, serves history pages and keeps read cursors.
type MessageService struct {
	guard
	opts Options
}

// NewMessageService wires a MessageService to store.
func NewMessageService(store Store, opts Options) *MessageService {
	opts = opts.withDefaults()
	return &MessageService{
		guard: guard{store: store, log: logging.Component(opts.Logger, "messages"), metrics: opts.Metrics},
		opts:  opts,
	}
}

// prepared is validated, sanitized content ready for storage.
type prepared struct {
	content string
	format  models.ContentFormat
	preview string
}

func (s *MessageService) prepare(content string, format models.ContentFormat) (prepared, error) {
	if format == "" {
		format = models.FormatPlain
	}
	if !format.Valid() {
		return prepared{}, invalidInput("unknown content format %q", format)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return prepared{}, invalidInput("content exceeds %d characters", MaxContentLength)
	}

	clean := s.opts.Sanitizer.Sanitize(format, content)
	if strings.TrimSpace(clean) == "" {
		return prepared{}, invalidInput("content is empty")
	}
	return prepared{
		content: clean,
		format:  format,
		preview: s.opts.Sanitizer.Preview(format, clean, s.opts.PreviewLength),
	}, nil
}

// AppendMessage stores a message from a participant and returns it with its
// allocated id. The conversation snapshot, updatedAt and the other participants'
// unread counters move in the same transaction.
func (s *MessageService) AppendMessage(ctx context.Context, in AppendInput) (*models.Message, error) {
	if in.ConversationID <= 0 || in.SenderID <= 0 {
		return nil, invalidInput("conversation and sender ids must be positive")
	}
	p, err := s.prepare(in.Content, in.Format)
	if err != nil {
		return nil, err
	}

	row, duplicate, err := s.store.AppendMessage(ctx, storage.NewMessage{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        p.content,
		ContentFormat:  string(p.format),
		Preview:        p.preview,
		ClientKey:      in.ClientKey,
	})
	if err != nil {
		return nil, s.fail(ctx, "append_message", in.ConversationID, in.SenderID, err)
	}

	s.metrics.RecordMessageAppended(string(p.format), duplicate)
	s.log.Debug().
		Int64("conversation_id", row.ConversationID).
		Int64("message_id", row.ID).
		Bool("duplicate", duplicate).
		Msg("message appended")

	msg := toMessage(*row)
	return &msg, nil
}

// FetchMessages returns one page of history for a participant.
//
// With Before the page holds the newest messages older than the cursor and
// HasMore reports whether older ones remain. With After, or no cursor, messages
// come oldest first; After pages report further newer messages in HasMore.
func (s *MessageService) FetchMessages(ctx context.Context, conversationID, viewerID int64, q models.PageQuery) (*models.MessagePage, error) {
	if q.Before != nil && q.After != nil {
		return nil, invalidInput("before and after are mutually exclusive")
	}
	if (q.Before != nil && *q.Before < 0) || (q.After != nil && *q.After < 0) {
		return nil, invalidInput("cursor must not be negative")
	}
	if q.Limit < 0 {
		return nil, invalidInput("limit must not be negative")
	}
	if conversationID <= 0 || viewerID <= 0 {
		return nil, invalidInput("conversation and viewer ids must be positive")
	}

	if err := s.store.CheckParticipant(ctx, conversationID, viewerID); err != nil {
		return nil, s.fail(ctx, "fetch_messages", conversationID, viewerID, err)
	}

	page, err := s.store.GetMessages(ctx, conversationID, storage.MessageQuery{
		Before: q.Before,
		After:  q.After,
		Limit:  q.Limit,
	})
	if err != nil {
		return nil, s.fail(ctx, "fetch_messages", conversationID, viewerID, err)
	}

	out := &models.MessagePage{
		Messages: toMessages(page.Messages),
		HasMore:  page.HasMore,
	}
	if n := len(out.Messages); n > 0 {
		out.OldestID = out.Messages[0].ID
		out.NewestID = out.Messages[n-1].ID
	}
	return out, nil
}

// MarkConversationAsRead moves the user's cursor to the newest message at the
// time of the call. Calling it again is harmless.
func (s *MessageService) MarkConversationAsRead(ctx context.Context, conversationID, userID int64) (*models.ReadState, error) {
	if conversationID <= 0 || userID <= 0 {
		return nil, invalidInput("conversation and user ids must be positive")
	}

	participant, err := s.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return nil, s.fail(ctx, "mark_read", conversationID, userID, err)
	}

	s.metrics.RecordReadMarked()
	return &models.ReadState{
		ConversationID:    conversationID,
		LastReadMessageID: participant.LastReadMessageID,
		UnreadCount:       participant.UnreadCount,
	}, nil
}

// EditMessage replaces the content of the editor's own message.
func (s *MessageService) EditMessage(ctx context.Context, conversationID, messageID, editorID int64, content string) (*models.Message, error) {
	if conversationID <= 0 || messageID <= 0 || editorID <= 0 {
		return nil, invalidInput("ids must be positive")
	}

	if err := s.store.CheckParticipant(ctx, conversationID, editorID); err != nil {
		return nil, s.fail(ctx, "edit_message", conversationID, editorID, err)
	}
	current, err := s.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, s.fail(ctx, "edit_message", conversationID, editorID, err)
	}
	format := models.ContentFormat(current.ContentFormat)

	p, err := s.prepare(content, format)
	if err != nil {
		return nil, err
	}

	row, err := s.store.EditMessage(ctx, conversationID, messageID, editorID, p.content, p.preview)
	if err != nil {
		return nil, s.fail(ctx, "edit_message", conversationID, editorID, err)
	}

	msg := toMessage(*row)
	return &msg, nil
}

// DeleteMessage soft-deletes the requester's own message.
func (s *MessageService) DeleteMessage(ctx context.Context, conversationID, messageID, requesterID int64) error {
	if conversationID <= 0 || messageID <= 0 || requesterID <= 0 {
		return invalidInput("ids must be positive")
	}
	if err := s.store.DeleteMessage(ctx, conversationID, messageID, requesterID); err != nil {
		return s.fail(ctx, "delete_message", conversationID, requesterID, err)
	}
	return nil
}

// ReconcileUnread rebuilds unread counters from cursors. conversationID 0
// covers every conversation. It returns the number of corrected counters.
func (s *MessageService) ReconcileUnread(ctx context.Context, conversationID int64) (int64, error) {
	if conversationID < 0 {
		return 0, invalidInput("conversation id must not be negative")
	}

	started := time.Now()
	corrected, err := s.store.RecountUnread(ctx, conversationID)
	logging.LogStoreOperation(s.log, "recount_unread", time.Since(started), err)
	if err != nil {
		return 0, translate("reconcile_unread", err)
	}

	if corrected > 0 {
		s.metrics.RecordUnreadDrift(corrected)
		s.log.Warn().
			Int64("conversation_id", conversationID).
			Int64("corrected", corrected).
			Msg("unread counters drifted from cursors")
	}
	return corrected, nil
}

// PruneMessageKeys forgets client keys older than retention.
func (s *MessageService) PruneMessageKeys(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = storage.DefaultMessageKeyRetention
	}

	cutoff := s.opts.Now().Add(-retention).UnixMilli()
	started := time.Now()
	pruned, err := s.store.PruneMessageKeys(ctx, cutoff)
	logging.LogStoreOperation(s.log, "prune_message_keys", time.Since(started), err)
	if err != nil {
		return 0, translate("prune_message_keys", err)
	}
	return pruned, nil
}
