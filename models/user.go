package models

// User is a directory entry.
type User struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Presence is the online state of one user.
type Presence struct {
	UserID     int64  `json:"user_id"`
	IsOnline   bool   `json:"is_online"`
	LastSeenAt *int64 `json:"last_seen_at,omitempty"`
}
