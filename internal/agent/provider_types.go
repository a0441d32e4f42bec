package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/chatline/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of communicating with a vendor API
// while presenting a unified streaming interface to the completion driver.
// Implementations must be safe for concurrent use.
//
// See Also:
//   - providers.AnthropicProvider
//   - providers.OpenAIProvider
//   - providers.GoogleProvider
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one LLM completion request.
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages contains the sanitized conversation in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools is the active tool subset for this turn. Empty disables tool calling.
	Tools []Tool `json:"-"`

	// MaxTokens limits the length of the generated response.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is a provider-neutral message.
//
// Role values: "user", "assistant", "tool". Tool results always travel in a
// "tool" message that directly follows the assistant message holding the
// matching calls.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Processing Example:
//
//	for chunk := range chunks {
//	    switch {
//	    case chunk.Error != nil:
//	        return chunk.Error
//	    case chunk.ToolCall != nil:
//	        calls = append(calls, *chunk.ToolCall)
//	    case chunk.Text != "":
//	        fmt.Print(chunk.Text)
//	    case chunk.Done:
//	        break
//	    }
//	}
type CompletionChunk struct {
	// Text contains partial response text
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred (streaming is terminated)
	Error error `json:"-"`

	// InputTokens is only populated in the final chunk.
	InputTokens int `json:"input_tokens,omitempty"`

	// OutputTokens is only populated in the final chunk.
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available LLM model.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool defines the interface for executable tools.
//
// Implementing a Tool:
//
//	type cityInput struct {
//	    City string `json:"city"`
//	}
//
//	func (w *Weather) Name() string             { return "getWeatherInformation" }
//	func (w *Weather) Description() string      { return "show the weather in a given city to the user" }
//	func (w *Weather) Schema() json.RawMessage  { return agent.SchemaFor[cityInput]() }
//
//	func (w *Weather) Execute(ctx context.Context, env agent.ToolEnv, params json.RawMessage) (*agent.ToolResult, error) {
//	    var in cityInput
//	    if err := json.Unmarshal(params, &in); err != nil {
//	        return nil, err
//	    }
//	    return &agent.ToolResult{Content: lookup(ctx, in.City)}, nil
//	}
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with arguments already validated against Schema.
	Execute(ctx context.Context, env ToolEnv, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	// Content is the tool's output
	Content string `json:"content"`

	// IsError indicates this result represents an error condition
	IsError bool `json:"is_error,omitempty"`
}

// FinishReason explains why a turn ended.
type FinishReason string

const (
	FinishStop                 FinishReason = "stop"
	FinishAwaitingConfirmation FinishReason = "awaiting_confirmation"
	FinishMaxSteps             FinishReason = "max_steps"
	FinishError                FinishReason = "error"
	FinishCanceled             FinishReason = "canceled"
)

// Finish is the terminal chunk of a turn.
type Finish struct {
	Reason FinishReason `json:"reason"`

	// Message is the last message of the conversation when the turn ended.
	Message *models.Message `json:"message,omitempty"`

	// Steps is the number of completion requests issued during the turn.
	Steps int `json:"steps"`
}

// ResponseChunk represents a streaming response chunk from the runtime.
// Exactly one of Text, ToolEvent, Error, or Finish is set. The last chunk of
// every turn carries Finish.
type ResponseChunk struct {
	Text      string            `json:"text,omitempty"`
	ToolEvent *models.ToolEvent `json:"tool_event,omitempty"`
	Finish    *Finish           `json:"finish,omitempty"`
	Error     error             `json:"-"`
}

// MarshalJSON renders Error as a string so chunks can be streamed as NDJSON.
func (c *ResponseChunk) MarshalJSON() ([]byte, error) {
	type alias ResponseChunk
	out := struct {
		*alias
		Error string `json:"error,omitempty"`
	}{alias: (*alias)(c)}
	if c.Error != nil {
		out.Error = c.Error.Error()
	}
	return json.Marshal(out)
}
