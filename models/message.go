package models

import "time"

// ContentFormat tells renderers how to treat message content.
type ContentFormat string

const (
	// FormatPlain is opaque text that must be escaped when rendered.
	FormatPlain ContentFormat = "plain"
	// FormatHTML is content already passed through the sanitizer.
	FormatHTML ContentFormat = "html"
)

// Valid reports whether f is a known format.
func (f ContentFormat) Valid() bool {
	return f == FormatPlain || f == FormatHTML
}

// Message is one entry of a conversation. IDs increase strictly within a conversation.
// Content is empty when IsDeleted is set.
type Message struct {
	ID              int64         `json:"id"`
	ConversationID  int64         `json:"conversation_id"`
	SenderID        int64         `json:"sender_id"`
	SenderName      string        `json:"sender_name"`
	SenderAvatarURL string        `json:"sender_avatar_url,omitempty"`
	Content         string        `json:"content"`
	ContentFormat   ContentFormat `json:"content_format"`
	CreatedAt       int64         `json:"created_at"`
	EditedAt        *int64        `json:"edited_at,omitempty"`
	IsDeleted       bool          `json:"is_deleted"`
}

// CreatedTime returns CreatedAt as a time.Time.
func (m Message) CreatedTime() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// PageQuery selects a page of messages. Before and After are mutually exclusive.
type PageQuery struct {
	Before *int64 `json:"before,omitempty"`
	After  *int64 `json:"after,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// BeforeID builds a query for messages older than id.
func BeforeID(id int64, limit int) PageQuery {
	return PageQuery{Before: &id, Limit: limit}
}

// AfterID builds a query for messages newer than id.
func AfterID(id int64, limit int) PageQuery {
	return PageQuery{After: &id, Limit: limit}
}

// MessagePage is a page of messages ordered oldest first.
//
// For backward pages HasMore reports older history and OldestID is the next
// Before cursor. For After pages HasMore reports further newer messages.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	OldestID int64     `json:"oldest_id"`
	NewestID int64     `json:"newest_id"`
}
