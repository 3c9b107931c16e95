// Package chat implements the conversation and message services on top of a
// transactional store.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"convsync/metrics"
	"convsync/storage"
)

const (
	// DefaultPreviewLength is the rune budget of a conversation list preview.
	DefaultPreviewLength = 140
	// MaxContentLength caps a single message, in runes.
	MaxContentLength = 10000
	// MaxTitleLength caps a group title, in runes.
	MaxTitleLength = 200
)

// Store is the persistence the services need. *storage.Store implements it.
type Store interface {
	CreateConversation(ctx context.Context, in storage.NewConversation) (*storage.Conversation, *storage.Message, bool, error)
	GetConversationForUser(ctx context.Context, conversationID, userID int64) (*storage.ConversationSummary, error)
	ListConversationsForUser(ctx context.Context, userID int64) ([]storage.ConversationSummary, error)
	AddParticipants(ctx context.Context, conversationID, requesterID int64, userIDs []int64) ([]int64, error)
	CheckParticipant(ctx context.Context, conversationID, userID int64) error

	AppendMessage(ctx context.Context, in storage.NewMessage) (*storage.Message, bool, error)
	GetMessages(ctx context.Context, conversationID int64, q storage.MessageQuery) (*storage.MessagePage, error)
	GetMessage(ctx context.Context, conversationID, messageID int64) (*storage.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, editorID int64, content, preview string) (*storage.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID, requesterID int64) error
	MarkRead(ctx context.Context, conversationID, userID int64) (*storage.Participant, error)
	RecountUnread(ctx context.Context, conversationID int64) (int64, error)
	PruneMessageKeys(ctx context.Context, cutoffTimestamp int64) (int64, error)

	LogAuditEvent(ctx context.Context, event storage.AuditEvent) error
}

// Options configures both services. The zero value logs nothing, records no
// metrics and uses the default sanitizer.
type Options struct {
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	Sanitizer     Sanitizer
	PreviewLength int
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Sanitizer == nil {
		o.Sanitizer = NewHTMLSanitizer()
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = DefaultPreviewLength
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// guard funnels store errors through the taxonomy and audits refusals.
type guard struct {
	store   Store
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func (g guard) fail(ctx context.Context, op string, conversationID, userID int64, err error) error {
	translated := translate(op, err)
	switch {
	case errors.Is(translated, ErrNotAuthorized):
		g.metrics.RecordAccessDenied(op)
		g.audit(ctx, op, conversationID, userID)
	case errors.Is(translated, ErrTransientIO):
		g.log.Error().
			Err(err).
			Str("operation", op).
			Int64("conversation_id", conversationID).
			Int64("user_id", userID).
			Msg("store operation failed")
	}
	return translated
}

func (g guard) audit(ctx context.Context, op string, conversationID, userID int64) {
	details, _ := json.Marshal(map[string]string{"operation": op})
	event := storage.AuditEvent{
		EventType: storage.AuditEventAccessDenied,
		Details:   string(details),
		Severity:  storage.AuditSeverityWarning,
	}
	if userID > 0 {
		event.UserID = &userID
	}
	if conversationID > 0 {
		event.ConversationID = &conversationID
	}
	if err := g.store.LogAuditEvent(context.WithoutCancel(ctx), event); err != nil {
		g.log.Warn().Err(err).Str("operation", op).Msg("record access denial")
	}
}
