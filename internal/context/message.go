package context

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a model-agnostic chat message used across the relay pipeline.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Entry is a stored Message stamped with the time the store accepted it.
type Entry struct {
	Message
	Timestamp time.Time `json:"timestamp"`
}
