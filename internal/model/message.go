package model

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents one entry in a user's chat history.
// Messages are immutable once stored; ID is assigned by the message store
// and is strictly monotonic within a user.
type Message struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"-"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	CorrelationID *int64    `json:"correlationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NotificationEvent carries a newly produced message to the notification
// router. Events are delivery triggers only; durability lives in the store.
type NotificationEvent struct {
	UserID  string
	Message *Message
}
