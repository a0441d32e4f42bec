package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the variants of a message Part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message is a single conversation entry made of ordered parts.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Parts          []Part         `json:"parts"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Part is a tagged union; exactly one payload field is set, matching Type.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolCallPart builds a tool call part.
func ToolCallPart(call ToolCall) Part {
	return Part{Type: PartToolCall, ToolCall: &call}
}

// ToolResultPart builds a tool result part.
func ToolResultPart(result ToolResult) Part {
	return Part{Type: PartToolResult, ToolResult: &result}
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Status ToolCallStatus  `json:"status"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	Denied     bool   `json:"denied,omitempty"`
}

// NewTextMessage creates a message holding a single text part.
func NewTextMessage(role Role, text string) *Message {
	return &Message{
		Role:      role,
		Parts:     []Part{TextPart(text)},
		CreatedAt: time.Now(),
	}
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool call parts in order.
func (m *Message) ToolCalls() []ToolCall {
	if m == nil {
		return nil
	}
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool result parts in order.
func (m *Message) ToolResults() []ToolResult {
	if m == nil {
		return nil
	}
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// ResultFor returns the result attached for the given call id, if any.
func (m *Message) ResultFor(callID string) (*ToolResult, bool) {
	if m == nil {
		return nil, false
	}
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil && p.ToolResult.ToolCallID == callID {
			r := *p.ToolResult
			return &r, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the message so the copy's parts can be
// rewritten without touching the original.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.clone()
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (p Part) clone() Part {
	out := p
	if p.ToolCall != nil {
		call := *p.ToolCall
		if p.ToolCall.Input != nil {
			call.Input = append(json.RawMessage(nil), p.ToolCall.Input...)
		}
		out.ToolCall = &call
	}
	if p.ToolResult != nil {
		res := *p.ToolResult
		out.ToolResult = &res
	}
	return out
}
