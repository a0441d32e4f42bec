package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/chatline/internal/observability"
	"github.com/haasonsaas/chatline/pkg/models"
)

// ToolExecConfig configures tool execution behavior including concurrency,
// timeouts, and retry settings.
type ToolExecConfig struct {
	// Concurrency is the maximum number of concurrent tool executions.
	// Default: 4.
	Concurrency int

	// PerToolTimeout bounds each handler invocation. Zero disables the bound.
	PerToolTimeout time.Duration

	// MaxAttempts is the number of attempts per tool call (default 1).
	MaxAttempts int

	// RetryBackoff waits between retries.
	RetryBackoff time.Duration
}

// DefaultToolExecConfig returns 4 concurrent tools and a 30 second timeout.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
		MaxAttempts:    1,
	}
}

// ToolExecutor handles concurrent tool execution with timeouts and retry logic.
type ToolExecutor struct {
	config  ToolExecConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewToolExecutor creates a tool executor. Zero concurrency and attempts
// fall back to defaults.
func NewToolExecutor(config ToolExecConfig, logger *slog.Logger, metrics *observability.Metrics) *ToolExecutor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.PerToolTimeout < 0 {
		config.PerToolTimeout = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{
		config:  config,
		logger:  logger.With("component", "tool-exec"),
		metrics: metrics,
	}
}

// SetTracer enables a span per tool call.
func (e *ToolExecutor) SetTracer(tracer *observability.Tracer) {
	e.tracer = tracer
}

// ToolExecRequest pairs a call with the tool that serves it.
type ToolExecRequest struct {
	Call models.ToolCall
	Def  *ToolDefinition
}

// ToolExecResult contains the result of a tool execution including timing
// and timeout information.
type ToolExecResult struct {
	Index     int
	ToolCall  models.ToolCall
	Result    models.ToolResult
	Err       *ToolError
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// ExecuteConcurrently runs every request, bounded by the concurrency limit,
// and waits for all of them. Results are returned in request order. A failing
// call never prevents the others from running.
func (e *ToolExecutor) ExecuteConcurrently(ctx context.Context, env ToolEnv, reqs []ToolExecRequest) []ToolExecResult {
	results := make([]ToolExecResult, len(reqs))

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(idx int, req ToolExecRequest) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				toolErr := NewToolError(req.Call.Name, ctx.Err()).WithToolCallID(req.Call.ID)
				results[idx] = ToolExecResult{
					Index:    idx,
					ToolCall: req.Call,
					Result:   errorResult(req.Call.ID, "tool execution canceled"),
					Err:      toolErr,
				}
				return
			}

			results[idx] = e.executeOne(ctx, env, idx, req)
		}(i, req)
	}

	wg.Wait()
	return results
}

func (e *ToolExecutor) executeOne(ctx context.Context, env ToolEnv, idx int, req ToolExecRequest) ToolExecResult {
	call := req.Call
	callEnv := env
	callEnv.ToolCallID = call.ID

	ctx, span := e.tracer.TraceToolCall(ctx, call.Name, call.ID)
	defer span.End()

	startTime := time.Now()
	var (
		result   models.ToolResult
		toolErr  *ToolError
		timedOut bool
		attempts int
	)

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		attempts = attempt
		toolCtx := observability.AddToolCallID(ctx, call.ID)
		cancel := context.CancelFunc(func() {})
		if e.config.PerToolTimeout > 0 {
			toolCtx, cancel = context.WithTimeout(toolCtx, e.config.PerToolTimeout)
		}
		result, toolErr, timedOut = e.executeWithTimeout(toolCtx, callEnv, req)
		cancel()

		if toolErr == nil || !toolErr.Type.IsRetryable() || attempt == e.config.MaxAttempts {
			break
		}
		e.logger.Warn("retrying tool call",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"attempt", attempt,
			"error", toolErr)
		if e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				result = errorResult(call.ID, "tool execution canceled")
				toolErr = NewToolError(call.Name, ctx.Err()).WithToolCallID(call.ID)
				attempt = e.config.MaxAttempts
			}
		}
	}
	if toolErr != nil {
		toolErr.WithAttempts(attempts)
		e.tracer.RecordError(span, toolErr)
	}

	endTime := time.Now()
	status := "ok"
	if toolErr != nil {
		status = string(toolErr.Type)
	}
	e.metrics.ObserveToolExecution(call.Name, req.Def.Mode.String(), status, endTime.Sub(startTime))

	return ToolExecResult{
		Index:     idx,
		ToolCall:  call,
		Result:    result,
		Err:       toolErr,
		StartTime: startTime,
		EndTime:   endTime,
		TimedOut:  timedOut,
	}
}

// executeWithTimeout executes a single tool call with timeout handling.
func (e *ToolExecutor) executeWithTimeout(ctx context.Context, env ToolEnv, req ToolExecRequest) (models.ToolResult, *ToolError, bool) {
	call := req.Call
	type execResult struct {
		result *ToolResult
		err    error
	}

	resultChan := make(chan execResult, 1)

	go func() {
		var res execResult
		defer func() {
			if r := recover(); r != nil {
				res = execResult{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
			select {
			case resultChan <- res:
			default:
			}
		}()
		res.result, res.err = req.Def.Tool.Execute(ctx, env, call.Input)
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("tool execution timed out, result will be discarded",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"conversation_id", env.ConversationID,
				"timeout", e.config.PerToolTimeout)
			toolErr := NewToolError(call.Name, ErrToolTimeout).WithToolCallID(call.ID)
			return errorResult(call.ID, fmt.Sprintf("Error: tool %s timed out after %v", call.Name, e.config.PerToolTimeout)), toolErr, true
		}
		toolErr := NewToolError(call.Name, ctx.Err()).WithToolCallID(call.ID)
		return errorResult(call.ID, "tool execution canceled"), toolErr, false
	case res := <-resultChan:
		if res.err != nil {
			toolErr := NewToolError(call.Name, fmt.Errorf("%w: %w", ErrHandlerFailure, res.err)).WithToolCallID(call.ID)
			detail := res.err.Error()
			// A handler that classified its own failure keeps that type.
			if inner, ok := GetToolError(res.err); ok {
				toolErr.WithType(inner.Type)
				detail = inner.Message
			}
			return errorResult(call.ID, fmt.Sprintf("Error executing %s: %s", call.Name, detail)), toolErr, false
		}
		if res.result == nil {
			return models.ToolResult{ToolCallID: call.ID}, nil, false
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    res.result.Content,
			IsError:    res.result.IsError,
		}, nil, false
	}
}

func errorResult(callID, content string) models.ToolResult {
	return models.ToolResult{ToolCallID: callID, Content: content, IsError: true}
}

// ExecuteSingle runs one tool outside of a conversation turn.
func (e *ToolExecutor) ExecuteSingle(ctx context.Context, env ToolEnv, def *ToolDefinition, input json.RawMessage) (*ToolResult, error) {
	res := e.executeOne(ctx, env, 0, ToolExecRequest{
		Call: models.ToolCall{ID: env.ToolCallID, Name: def.Name(), Input: input},
		Def:  def,
	})
	if res.Err != nil {
		return nil, res.Err
	}
	return &ToolResult{Content: res.Result.Content, IsError: res.Result.IsError}, nil
}
