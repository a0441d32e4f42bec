package models

import "time"

// Conversation is a chat session. Its messages live in the conversation store.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Confirmation is an externally supplied decision for a CONFIRM-mode tool call.
type Confirmation struct {
	ConversationID string    `json:"conversation_id"`
	ToolCallID     string    `json:"tool_call_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Approved       bool      `json:"approved"`
	DecidedBy      string    `json:"decided_by,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}
