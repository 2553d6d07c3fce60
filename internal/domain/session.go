package domain

import "time"

// Role identifies the author of a transcript message.
type Role string

// Transcript roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session transcript.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is the in-memory lifecycle state of a session.
type SessionState string

// Session states.
const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
)

// StoredSession is the durable header of a session.
type StoredSession struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	ProfileID      string    `json:"profile_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SessionSummary is the listing view of a durable session.
type SessionSummary struct {
	SessionID      string    `json:"session_id"`
	ProfileID      string    `json:"profile_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int       `json:"message_count"`
	Preview        string    `json:"preview,omitempty"`
}
