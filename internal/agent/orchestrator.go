package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/chatline/pkg/models"
)

// DeniedResultContent is the result text attached to a call the user refused.
const DeniedResultContent = "Error: User denied access to tool execution"

// EventFunc receives tool status transitions. It is called synchronously
// from Process, never from handler goroutines.
type EventFunc func(models.ToolEvent)

// Outcome summarizes one orchestration pass over a message.
type Outcome struct {
	// Message is the updated copy. The input message is never modified.
	Message *models.Message

	// Resolved counts calls that reached a terminal state in this pass.
	Resolved int

	// Awaiting counts calls still waiting for a confirmation.
	Awaiting int

	// Changed reports whether Message differs from the input.
	Changed bool
}

// ShouldResubmit reports whether the model must see the new results now.
// Any call still awaiting confirmation holds the whole message back.
func (o Outcome) ShouldResubmit() bool {
	return o.Resolved > 0 && o.Awaiting == 0
}

// Orchestrator drives the per-call state machine for tool calls in an
// assistant message:
//
//	pending ──▶ in_progress ──▶ completed | failed
//	   │             ▲
//	   ▼             │ approved
//	awaiting_confirmation ──▶ denied
//
// Unknown tools and invalid arguments fail without running a handler.
// Failures always become tool results; Process never returns an error.
type Orchestrator struct {
	registry *ToolRegistry
	executor *ToolExecutor
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator over a registry and executor.
func NewOrchestrator(registry *ToolRegistry, executor *ToolExecutor, logger *slog.Logger) *Orchestrator {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if executor == nil {
		executor = NewToolExecutor(DefaultToolExecConfig(), logger, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		executor: executor,
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// Registry returns the tool registry.
func (o *Orchestrator) Registry() *ToolRegistry {
	return o.registry
}

// Process advances every pending or awaiting tool call in msg.
//
// Calls that enter in_progress run concurrently and are all joined before
// Process returns. Handlers run on a context detached from ctx cancellation
// so an aborted request still leaves every dispatched call terminal; the
// executor's per-tool timeout bounds them instead.
func (o *Orchestrator) Process(ctx context.Context, env ToolEnv, msg *models.Message, confirmations map[string]models.Confirmation, emit EventFunc) Outcome {
	out := Outcome{Message: msg.Clone()}
	if out.Message == nil {
		return out
	}
	m := out.Message

	existing := make(map[string]struct{})
	for _, r := range m.ToolResults() {
		existing[r.ToolCallID] = struct{}{}
	}

	results := make(map[int]models.ToolResult)
	var (
		dispatch    []ToolExecRequest
		dispatchIdx []int
	)

	transition := func(idx int, next models.ToolCallStatus, result *models.ToolResult) {
		call := m.Parts[idx].ToolCall
		if !call.Status.CanTransition(next) {
			o.logger.Warn("ignoring backward tool call transition",
				"tool", call.Name, "tool_call_id", call.ID,
				"from", call.Status, "to", next)
			return
		}
		call.Status = next
		out.Changed = true
		if result != nil {
			results[idx] = *result
			if next.IsTerminal() {
				out.Resolved++
			}
		}
		if emit != nil {
			ev := models.ToolEvent{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Status:     next,
				At:         o.now(),
			}
			if next == models.ToolCallAwaitingConfirmation || next == models.ToolCallInProgress {
				ev.Input = call.Input
			}
			if result != nil {
				if result.IsError {
					ev.Error = result.Content
				} else {
					ev.Output = result.Content
				}
			}
			emit(ev)
		}
	}

	for i := range m.Parts {
		p := &m.Parts[i]
		if p.Type != models.PartToolCall || p.ToolCall == nil {
			continue
		}
		call := p.ToolCall
		if call.Status == "" {
			call.Status = models.ToolCallPending
		}
		if call.Status != models.ToolCallPending && call.Status != models.ToolCallAwaitingConfirmation {
			continue
		}
		if _, answered := existing[call.ID]; answered {
			continue
		}

		def, ok := o.registry.Lookup(call.Name)
		if !ok {
			toolErr := NewToolError(call.Name, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)).WithToolCallID(call.ID)
			o.logger.Warn("model requested unknown tool", "tool", call.Name, "tool_call_id", call.ID, "error", toolErr)
			transition(i, models.ToolCallFailed, &models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Error: unknown tool %q", call.Name),
				IsError:    true,
			})
			continue
		}

		if def.Mode == ModeConfirm {
			conf, decided := confirmations[call.ID]
			// Providers may reuse call IDs across turns, so a decision only
			// counts for the message it was recorded against.
			if decided && conf.MessageID != m.ID {
				decided = false
			}
			if !decided {
				if call.Status != models.ToolCallAwaitingConfirmation {
					transition(i, models.ToolCallAwaitingConfirmation, nil)
				}
				out.Awaiting++
				continue
			}
			if !conf.Approved {
				o.logger.Info("tool call denied", "tool", call.Name, "tool_call_id", call.ID, "decided_by", conf.DecidedBy)
				transition(i, models.ToolCallDenied, &models.ToolResult{
					ToolCallID: call.ID,
					Content:    DeniedResultContent,
					Denied:     true,
				})
				continue
			}
		}

		if err := ValidateArguments(def.Tool.Schema(), call.Input); err != nil {
			o.logger.Warn("tool arguments rejected", "tool", call.Name, "tool_call_id", call.ID, "error", err)
			transition(i, models.ToolCallFailed, &models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Error: invalid arguments for %s: %v", call.Name, err),
				IsError:    true,
			})
			continue
		}

		transition(i, models.ToolCallInProgress, nil)
		dispatch = append(dispatch, ToolExecRequest{Call: *call, Def: def})
		dispatchIdx = append(dispatchIdx, i)
	}

	if len(dispatch) > 0 {
		execCtx := context.WithoutCancel(ctx)
		for j, res := range o.executor.ExecuteConcurrently(execCtx, env, dispatch) {
			next := models.ToolCallCompleted
			if res.Err != nil || res.Result.IsError {
				next = models.ToolCallFailed
			}
			if res.Err != nil {
				o.logger.Warn("tool call failed",
					"tool", res.ToolCall.Name,
					"tool_call_id", res.ToolCall.ID,
					"error_type", res.Err.Type,
					"error", res.Err)
			}
			result := res.Result
			result.ToolCallID = res.ToolCall.ID
			transition(dispatchIdx[j], next, &result)
		}
	}

	for i := range m.Parts {
		if r, ok := results[i]; ok {
			m.Parts = append(m.Parts, models.ToolResultPart(r))
		}
	}
	return out
}
