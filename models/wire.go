package models

const (
	// HeaderUserID carries the authenticated user id, set by the marketplace gateway.
	HeaderUserID = "X-User-ID"
	// APIBasePath prefixes every API route.
	APIBasePath = "/api/v1"
)

// ConversationView is a conversation with its name resolved for the viewer.
type ConversationView struct {
	Conversation
	DisplayName string `json:"display_name"`
}

// MessageRequest is the body of a send, and of the optional first message of
// a new conversation.
type MessageRequest struct {
	Content       string        `json:"content"`
	ContentFormat ContentFormat `json:"content_format,omitempty"`
	ClientKey     string        `json:"client_key,omitempty"`
}

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	ParticipantIDs []int64         `json:"participant_ids"`
	Title          string          `json:"title,omitempty"`
	IsGroup        bool            `json:"is_group,omitempty"`
	InitialMessage *MessageRequest `json:"initial_message,omitempty"`
}

// CreateConversationResponse reports whether an existing 1:1 was returned.
type CreateConversationResponse struct {
	Conversation   ConversationView `json:"conversation"`
	Existing       bool             `json:"existing"`
	InitialMessage *Message         `json:"initial_message,omitempty"`
}

// AddParticipantsRequest is the body of POST /conversations/:id/participants.
type AddParticipantsRequest struct {
	UserIDs []int64 `json:"user_ids"`
}

// AddParticipantsResponse lists the users that were not members before.
type AddParticipantsResponse struct {
	Conversation ConversationView `json:"conversation"`
	Added        []int64          `json:"added"`
}

// EditMessageRequest is the body of PATCH .../messages/:messageId.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// UserRequest is the body of PUT /users/:id.
type UserRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
