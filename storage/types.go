package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrNotParticipant indicates the acting user is not a member of the conversation.
	ErrNotParticipant = errors.New("storage: user is not a participant")
	// ErrNotSender indicates a message mutation by someone other than its sender.
	ErrNotSender = errors.New("storage: user is not the message sender")
	// ErrMessageDeleted indicates a mutation of a soft-deleted message.
	ErrMessageDeleted = errors.New("storage: message is deleted")
)

const (
	// ContentFormatPlain is opaque text rendered escaped.
	ContentFormatPlain = "plain"
	// ContentFormatHTML is sanitized HTML.
	ContentFormatHTML = "html"
)

const (
	// AuditSeverityInfo indicates informational audit context.
	AuditSeverityInfo = "info"
	// AuditSeverityWarning indicates potentially suspicious behavior.
	AuditSeverityWarning = "warning"
	// AuditSeverityCritical indicates serious failures.
	AuditSeverityCritical = "critical"
)

// User is a cached entry of the external user directory.
type User struct {
	ID          int64
	DisplayName string
	Email       string
	AvatarURL   string
	CreatedAt   int64
	LastSeenAt  *int64
}

// LastMessage is the denormalized snapshot of the newest message of a conversation.
type LastMessage struct {
	MessageID  int64
	SenderID   int64
	SenderName string
	Preview    string
	CreatedAt  int64
	IsDeleted  bool
}

// Conversation is the SQLite representation of a conversation row.
type Conversation struct {
	ID            int64
	IsGroup       bool
	Title         *string
	DirectKey     *string
	CreatedBy     int64
	LastMessageID int64
	LastMessage   *LastMessage
	CreatedAt     int64
	UpdatedAt     int64
}

// Participant joins a user to a conversation with per-user read state.
// DisplayName and AvatarURL are resolved from the users table and may be empty.
type Participant struct {
	ConversationID    int64
	UserID            int64
	JoinedAt          int64
	UnreadCount       int64
	LastReadMessageID int64
	DisplayName       string
	AvatarURL         string
}

// ConversationSummary is a conversation as seen by one participant.
type ConversationSummary struct {
	Conversation
	UnreadCount       int64
	LastReadMessageID int64
	Participants      []Participant
}

// Message is the SQLite representation of a chat message.
type Message struct {
	ConversationID  int64
	ID              int64
	SenderID        int64
	SenderName      string
	SenderAvatarURL string
	Content         string
	ContentFormat   string
	CreatedAt       int64
	EditedAt        *int64
	IsDeleted       bool
}

// NewConversation describes a conversation to create.
type NewConversation struct {
	CreatorID      int64
	ParticipantIDs []int64
	IsGroup        bool
	Title          *string
	// InitialMessage, when set, is appended in the same transaction. Its
	// ConversationID is ignored and a zero SenderID means the creator.
	InitialMessage *NewMessage
}

// NewMessage describes a message to append. Preview feeds the conversation snapshot.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Content        string
	ContentFormat  string
	Preview        string
	ClientKey      string
}

// MessageQuery selects one page of a conversation. At most one cursor may be set;
// with neither set the most recent page is returned.
type MessageQuery struct {
	Before *int64
	After  *int64
	Limit  int
}

// MessagePage is a page of messages ordered oldest first.
type MessagePage struct {
	Messages []Message
	HasMore  bool
}

// AuditEvent stores structured access-control events.
type AuditEvent struct {
	ID             int64
	EventType      string
	UserID         *int64
	ConversationID *int64
	Details        string
	Severity       string
	Timestamp      int64
}

// AuditEventFilter narrows GetAuditEvents query results.
type AuditEventFilter struct {
	EventType     string
	UserID        int64
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateContentFormat(format string) error {
	switch format {
	case ContentFormatPlain, ContentFormatHTML:
		return nil
	default:
		return fmt.Errorf("invalid content format %q", format)
	}
}

func validateAuditSeverity(severity string) error {
	switch severity {
	case AuditSeverityInfo, AuditSeverityWarning, AuditSeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid audit event severity %q", severity)
	}
}

// DirectKey returns the canonical key of the 1:1 conversation between a and b.
func DirectKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// inPlaceholders returns "?, ?, ?" for n arguments.
func inPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		buf = append(buf, '?')
	}
	return string(buf)
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
