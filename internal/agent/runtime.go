package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/chatline/internal/observability"
	"github.com/haasonsaas/chatline/internal/sessions"
	"github.com/haasonsaas/chatline/pkg/models"
)

// DefaultMaxSteps bounds completion requests per turn.
const DefaultMaxSteps = 10

// RuntimeConfig configures the turn runtime.
type RuntimeConfig struct {
	// MaxSteps is the completion request ceiling per turn. Default: 10.
	MaxSteps int

	// Model overrides the provider's default model.
	Model string

	// SystemPrompt is prepended to the generated tool and date instructions.
	SystemPrompt string

	// MaxTokens limits each completion. Zero leaves it to the provider.
	MaxTokens int

	// HistoryLimit caps how many recent messages are sent to the model.
	// Zero sends the whole conversation.
	HistoryLimit int
}

// DefaultRuntimeConfig returns the runtime defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxSteps:  DefaultMaxSteps,
		MaxTokens: 4096,
	}
}

// RuntimeOption customizes a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the runtime logger.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger.With("component", "runtime")
		}
	}
}

// WithLocker replaces the in-process conversation locker.
func WithLocker(locker sessions.Locker) RuntimeOption {
	return func(r *Runtime) {
		if locker != nil {
			r.locker = locker
		}
	}
}

// WithSelector sets the per-turn tool selector. The default offers every
// registered tool.
func WithSelector(selector ToolSelector) RuntimeOption {
	return func(r *Runtime) {
		if selector != nil {
			r.selector = selector
		}
	}
}

// WithRuntimeMetrics records turn and confirmation metrics.
func WithRuntimeMetrics(metrics *observability.Metrics) RuntimeOption {
	return func(r *Runtime) {
		r.metrics = metrics
	}
}

// WithRuntimeTracer records a span per turn.
func WithRuntimeTracer(tracer *observability.Tracer) RuntimeOption {
	return func(r *Runtime) {
		r.tracer = tracer
	}
}

// WithClock overrides the time source used for prompts and message stamps.
func WithClock(now func() time.Time) RuntimeOption {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// Runtime runs conversation turns: it resolves open tool calls, asks the
// model for the next message, and repeats until the model stops, a call
// needs confirmation, or the step ceiling is reached.
//
// Turns on one conversation are serialized through a sessions.Locker.
// Store writes are detached from the request context so an aborted request
// still leaves a consistent conversation behind.
type Runtime struct {
	config       RuntimeConfig
	driver       *CompletionDriver
	orchestrator *Orchestrator
	store        sessions.Store
	locker       sessions.Locker
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	now          func() time.Time

	mu        sync.RWMutex
	scheduler TaskScheduler
	selector  ToolSelector
}

// NewRuntime creates a runtime.
func NewRuntime(driver *CompletionDriver, orchestrator *Orchestrator, store sessions.Store, config RuntimeConfig, opts ...RuntimeOption) *Runtime {
	if config.MaxSteps <= 0 {
		config.MaxSteps = DefaultMaxSteps
	}
	if orchestrator == nil {
		orchestrator = NewOrchestrator(nil, nil, nil)
	}
	r := &Runtime{
		config:       config,
		driver:       driver,
		orchestrator: orchestrator,
		store:        store,
		locker:       sessions.NewLocalLocker(0),
		selector:     ToolSelectorFunc(func([]*models.Message) ToolSelection { return AllTools() }),
		logger:       slog.Default().With("component", "runtime"),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SetScheduler wires the task scheduler handed to tools through ToolEnv.
func (r *Runtime) SetScheduler(scheduler TaskScheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduler = scheduler
}

// SetSelector replaces the tool selector used by turns that start afterwards.
func (r *Runtime) SetSelector(selector ToolSelector) {
	if selector == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selector = selector
}

func (r *Runtime) toolSelector() ToolSelector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selector
}

func (r *Runtime) taskScheduler() TaskScheduler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scheduler
}

// Store returns the conversation store.
func (r *Runtime) Store() sessions.Store {
	return r.store
}

// Run starts a turn. A nil msg resumes the conversation, which is how a turn
// is re-evaluated after confirmations arrive.
//
// The returned channel is closed after a chunk carrying Finish. Callers must
// drain it.
func (r *Runtime) Run(ctx context.Context, conversationID string, msg *models.Message) (<-chan *ResponseChunk, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if r.store == nil {
		return nil, errors.New("no conversation store configured")
	}
	if r.driver == nil {
		return nil, ErrNoProvider
	}
	if _, err := r.store.GetConversation(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	chunks := make(chan *ResponseChunk, 32)
	go func() {
		defer close(chunks)
		r.runTurn(ctx, conversationID, msg, chunks)
	}()
	return chunks, nil
}

// turn holds the state of one Run call.
type turn struct {
	ctx            context.Context
	storeCtx       context.Context
	conversationID string
	out            chan<- *ResponseChunk
	span           trace.Span
	steps          int
	last           *models.Message
}

func (t *turn) emit(chunk *ResponseChunk) {
	select {
	case t.out <- chunk:
		return
	case <-t.ctx.Done():
	}
	// Keep terminal chunks when the buffer has room after cancellation.
	select {
	case t.out <- chunk:
	default:
	}
}

func (r *Runtime) runTurn(ctx context.Context, conversationID string, msg *models.Message, out chan<- *ResponseChunk) {
	ctx = observability.AddConversationID(ctx, conversationID)
	ctx, span := r.tracer.TraceTurn(ctx, conversationID)
	defer span.End()

	t := &turn{
		ctx:            ctx,
		storeCtx:       context.WithoutCancel(ctx),
		conversationID: conversationID,
		out:            out,
		span:           span,
	}

	if err := r.locker.Lock(ctx, conversationID); err != nil {
		if ctx.Err() != nil {
			r.finish(t, FinishCanceled)
			return
		}
		r.fail(t, fmt.Errorf("lock conversation: %w", err))
		return
	}
	defer r.locker.Unlock(conversationID)

	if msg != nil {
		msg = msg.Clone()
		if msg.Role == "" {
			msg.Role = models.RoleUser
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = r.now()
		}
		if err := r.store.AppendMessage(t.storeCtx, conversationID, msg); err != nil {
			r.fail(t, fmt.Errorf("append message: %w", err))
			return
		}
	}

	env := ToolEnv{ConversationID: conversationID, Scheduler: r.taskScheduler()}

	for {
		history, err := r.store.History(t.storeCtx, conversationID, r.config.HistoryLimit)
		if err != nil {
			r.fail(t, fmt.Errorf("load history: %w", err))
			return
		}
		if len(history) > 0 {
			t.last = history[len(history)-1]
		}

		if hasOpenCalls(t.last) {
			// Calls stay pending when the turn was aborted before dispatch.
			if ctx.Err() != nil {
				r.finish(t, FinishCanceled)
				return
			}
			confirmations, err := r.store.Confirmations(t.storeCtx, conversationID)
			if err != nil {
				r.fail(t, fmt.Errorf("load confirmations: %w", err))
				return
			}
			outcome := r.orchestrator.Process(ctx, env, t.last, confirmations, func(ev models.ToolEvent) {
				t.emit(&ResponseChunk{ToolEvent: &ev})
			})
			if outcome.Changed {
				if err := r.store.ReplaceLastMessage(t.storeCtx, conversationID, outcome.Message); err != nil {
					r.fail(t, fmt.Errorf("save tool results: %w", err))
					return
				}
				history[len(history)-1] = outcome.Message
				t.last = outcome.Message
			}
			if !outcome.ShouldResubmit() {
				r.finish(t, FinishAwaitingConfirmation)
				return
			}
		}

		if ctx.Err() != nil {
			r.finish(t, FinishCanceled)
			return
		}
		if t.steps >= r.config.MaxSteps {
			r.logger.Warn("turn reached step ceiling", "conversation_id", conversationID, "steps", t.steps)
			r.finish(t, FinishMaxSteps)
			return
		}
		t.steps++

		assistant, err := r.step(t, history)
		if assistant != nil && len(assistant.Parts) > 0 {
			if appendErr := r.store.AppendMessage(t.storeCtx, conversationID, assistant); appendErr != nil {
				r.fail(t, fmt.Errorf("append assistant message: %w", appendErr))
				return
			}
			t.last = assistant
		}
		switch {
		case err != nil && ctx.Err() != nil:
			r.finish(t, FinishCanceled)
			return
		case err != nil:
			r.fail(t, err)
			return
		case assistant == nil || len(assistant.ToolCalls()) == 0:
			r.finish(t, FinishStop)
			return
		}
		for _, call := range assistant.ToolCalls() {
			t.emit(&ResponseChunk{ToolEvent: &models.ToolEvent{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Status:     models.ToolCallPending,
				Input:      call.Input,
				At:         r.now(),
			}})
		}
	}
}

// step issues one completion request and collects the assistant message.
// On a stream error the partial message is still returned.
func (r *Runtime) step(t *turn, history []*models.Message) (*models.Message, error) {
	sanitized := Sanitize(history)

	var tools []Tool
	if sel := r.toolSelector().Select(sanitized); !sel.IsEmpty() {
		defs, err := r.orchestrator.Registry().Resolve(sel)
		if err != nil {
			return nil, fmt.Errorf("resolve tools: %w", err)
		}
		tools = AsLLMTools(defs)
	}

	req := &CompletionRequest{
		Model:     r.config.Model,
		System:    BuildSystemPrompt(r.config.SystemPrompt, tools, r.now()),
		Messages:  toCompletionMessages(sanitized),
		Tools:     tools,
		MaxTokens: r.config.MaxTokens,
	}

	stream, err := r.driver.Stream(t.ctx, t.steps, req)
	if err != nil {
		return nil, err
	}

	var (
		text  strings.Builder
		calls []models.ToolCall
	)
	var streamErr error
	for chunk := range stream {
		switch {
		case chunk.Error != nil:
			streamErr = chunk.Error
		case chunk.ToolCall != nil:
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			call.Status = models.ToolCallPending
			calls = append(calls, call)
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			t.emit(&ResponseChunk{Text: chunk.Text})
		}
	}
	if streamErr == nil && t.ctx.Err() != nil {
		streamErr = t.ctx.Err()
	}

	assistant := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: t.conversationID,
		Role:           models.RoleAssistant,
		CreatedAt:      r.now(),
	}
	if text.Len() > 0 {
		assistant.Parts = append(assistant.Parts, models.TextPart(text.String()))
	}
	// Calls from an interrupted stream are dropped; they were never complete.
	if streamErr == nil {
		for _, call := range calls {
			assistant.Parts = append(assistant.Parts, models.ToolCallPart(call))
		}
	}
	return assistant, streamErr
}

func (r *Runtime) finish(t *turn, reason FinishReason) {
	r.metrics.TurnFinished(string(reason))
	r.tracer.SetAttributes(t.span, "turn.finish_reason", string(reason), "turn.steps", t.steps)
	r.logger.Debug("turn finished", "conversation_id", t.conversationID, "reason", reason, "steps", t.steps)
	t.emit(&ResponseChunk{Finish: &Finish{
		Reason:  reason,
		Message: t.last.Clone(),
		Steps:   t.steps,
	}})
}

func (r *Runtime) fail(t *turn, err error) {
	r.tracer.RecordError(t.span, err)
	r.logger.Error("turn failed", "conversation_id", t.conversationID, "steps", t.steps, "error", err)
	t.emit(&ResponseChunk{Error: err})
	r.finish(t, FinishError)
}

// Confirm records a decision for a CONFIRM-mode call that is waiting in the
// conversation's latest message. It does not run the call; a later Run with a
// nil message does.
func (r *Runtime) Confirm(ctx context.Context, conversationID, toolCallID string, approved bool, decidedBy string) error {
	if toolCallID == "" {
		return fmt.Errorf("%w: empty tool call id", ErrNotAwaiting)
	}
	if err := r.locker.Lock(ctx, conversationID); err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}
	defer r.locker.Unlock(conversationID)

	history, err := r.store.History(ctx, conversationID, 1)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 || !isOpenCall(history[0], toolCallID) {
		return fmt.Errorf("%w: %s", ErrNotAwaiting, toolCallID)
	}

	if err := r.store.SaveConfirmation(ctx, &models.Confirmation{
		ConversationID: conversationID,
		ToolCallID:     toolCallID,
		MessageID:      history[0].ID,
		Approved:       approved,
		DecidedBy:      decidedBy,
		DecidedAt:      r.now(),
	}); err != nil {
		return fmt.Errorf("save confirmation: %w", err)
	}
	r.metrics.ConfirmationRecorded(approved)
	r.logger.Info("tool call confirmation recorded",
		"conversation_id", conversationID,
		"tool_call_id", toolCallID,
		"approved", approved,
		"decided_by", decidedBy)
	return nil
}

// hasOpenCalls reports whether msg is an assistant message with at least one
// call that has no result yet.
func hasOpenCalls(msg *models.Message) bool {
	if msg == nil || msg.Role != models.RoleAssistant {
		return false
	}
	for _, call := range msg.ToolCalls() {
		if isOpenCall(msg, call.ID) {
			return true
		}
	}
	return false
}

func isOpenCall(msg *models.Message, callID string) bool {
	if msg == nil || msg.Role != models.RoleAssistant {
		return false
	}
	if _, answered := msg.ResultFor(callID); answered {
		return false
	}
	for _, call := range msg.ToolCalls() {
		if call.ID != callID {
			continue
		}
		return call.Status == "" ||
			call.Status == models.ToolCallPending ||
			call.Status == models.ToolCallAwaitingConfirmation
	}
	return false
}

// toCompletionMessages converts sanitized history into provider-neutral
// messages. Results attached to an assistant message travel in a "tool"
// message directly after it.
func toCompletionMessages(history []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			if text := msg.Text(); text != "" {
				out = append(out, CompletionMessage{Role: "user", Content: text})
			}
		case models.RoleAssistant:
			cm := CompletionMessage{
				Role:      "assistant",
				Content:   msg.Text(),
				ToolCalls: msg.ToolCalls(),
			}
			if cm.Content == "" && len(cm.ToolCalls) == 0 {
				continue
			}
			out = append(out, cm)
			if results := msg.ToolResults(); len(results) > 0 {
				out = append(out, CompletionMessage{Role: "tool", ToolResults: results})
			}
		}
	}
	return out
}
