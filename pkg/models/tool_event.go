package models

import (
	"encoding/json"
	"time"
)

// ToolEvent represents a status transition of a tool call, streamed to callers
// so they can render progress and confirmation prompts.
type ToolEvent struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Status     ToolCallStatus  `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}
