package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrUnknownTool indicates a requested tool is not registered
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool indicates a tool name was registered twice
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidArguments indicates tool arguments failed schema validation
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrHandlerFailure indicates a tool body returned an error
	ErrHandlerFailure = errors.New("tool handler failed")

	// ErrInvalidSchedule indicates a malformed trigger spec or unknown task ID
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrNotAwaiting indicates a confirmation names a call that is not open
	// in the conversation's latest message
	ErrNotAwaiting = errors.New("tool call is not awaiting confirmation")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrNoScheduler indicates a tool needed the task scheduler but none was wired
	ErrNoScheduler = errors.New("no task scheduler configured")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")
)

// ToolErrorType categorizes tool execution errors for logs and metrics.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates invalid parameters were passed
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorTimeout indicates the tool timed out
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorNetwork indicates a network error
	ToolErrorNetwork ToolErrorType = "network"

	// ToolErrorPermission indicates a permission error
	ToolErrorPermission ToolErrorType = "permission"

	// ToolErrorRateLimit indicates the tool was rate limited
	ToolErrorRateLimit ToolErrorType = "rate_limit"

	// ToolErrorExecution indicates a runtime error during execution
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool panicked
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorUnknown indicates an unclassified error
	ToolErrorUnknown ToolErrorType = "unknown"
)

// IsRetryable returns true if this error type suggests retrying the operation may succeed.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit:
		return true
	default:
		return false
	}
}

// ToolError represents a classified failure of a single tool call.
type ToolError struct {
	// Type categorizes the error
	Type ToolErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error

	// Attempts is the number of attempts made
	Attempts int
}

func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[tool:%s]", e.Type)
	if e.ToolName != "" {
		b.WriteString(" " + e.ToolName)
	}
	switch {
	case e.Message != "":
		b.WriteString(" " + e.Message)
	case e.Cause != nil:
		b.WriteString(" " + e.Cause.Error())
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (attempts=%d)", e.Attempts)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a new ToolError with automatic error classification.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ToolErrorUnknown,
		Attempts: 1,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}

	return err
}

// WithType overrides the inferred error type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the tool call ID for correlating errors with specific calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithAttempts sets the number of execution attempts that were made.
func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

// toolErrorPatterns classifies errors that carry no sentinel. The first
// matching group wins.
var toolErrorPatterns = []struct {
	typ     ToolErrorType
	needles []string
}{
	{ToolErrorTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ToolErrorNetwork, []string{"connection", "network", "dns", "refused", "unreachable", "no such host"}},
	{ToolErrorRateLimit, []string{"rate limit", "too many requests", "429"}},
	{ToolErrorPermission, []string{"permission", "forbidden", "unauthorized"}},
	{ToolErrorInvalidInput, []string{"invalid", "validation", "required", "missing"}},
}

func classifyToolError(err error) ToolErrorType {
	switch {
	case err == nil:
		return ToolErrorUnknown
	case errors.Is(err, ErrUnknownTool):
		return ToolErrorNotFound
	case errors.Is(err, ErrInvalidArguments):
		return ToolErrorInvalidInput
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	}

	msg := strings.ToLower(err.Error())
	for _, group := range toolErrorPatterns {
		for _, needle := range group.needles {
			if strings.Contains(msg, needle) {
				return group.typ
			}
		}
	}
	return ToolErrorExecution
}

// GetToolError extracts a ToolError from an error chain using errors.As.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// CompletionStreamError reports a failure to obtain or read a completion
// from the model provider.
type CompletionStreamError struct {
	// Provider is the provider name
	Provider string

	// Step is the 1-based completion step within the turn
	Step int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *CompletionStreamError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("completion stream %s (step %d): %v", e.Provider, e.Step, e.Cause)
	}
	return fmt.Sprintf("completion stream (step %d): %v", e.Step, e.Cause)
}

// Unwrap returns the underlying error.
func (e *CompletionStreamError) Unwrap() error {
	return e.Cause
}
