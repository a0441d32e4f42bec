// Package tasks connects the durable scheduler to conversations: tools use it
// to create and cancel follow-up tasks, and due tasks re-enter their
// conversation as a new turn.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/internal/cron"
	"github.com/haasonsaas/chatline/internal/observability"
	"github.com/haasonsaas/chatline/pkg/models"
)

// ErrInvalidSchedule is returned for malformed triggers, dates in the past
// and unknown task IDs.
var ErrInvalidSchedule = agent.ErrInvalidSchedule

// FirePrefix starts the synthetic user message injected when a task fires.
const FirePrefix = "Running scheduled task: "

// TurnRunner starts a conversation turn. *agent.Runtime satisfies it.
type TurnRunner interface {
	Run(ctx context.Context, conversationID string, msg *models.Message) (<-chan *agent.ResponseChunk, error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger.With("component", "task-bridge")
		}
	}
}

// WithMetrics records task fires.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// Bridge implements agent.TaskScheduler over a cron.Scheduler and handles
// the scheduler's fires by running a turn in the owning conversation.
type Bridge struct {
	scheduler *cron.Scheduler
	runner    TurnRunner
	logger    *slog.Logger
	metrics   *observability.Metrics
}

var (
	_ agent.TaskScheduler = (*Bridge)(nil)
	_ cron.Handler        = (*Bridge)(nil)
)

// NewBridge creates a bridge and installs it as the scheduler's handler.
func NewBridge(scheduler *cron.Scheduler, runner TurnRunner, opts ...Option) (*Bridge, error) {
	if scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if runner == nil {
		return nil, errors.New("turn runner is required")
	}
	b := &Bridge{
		scheduler: scheduler,
		runner:    runner,
		logger:    slog.Default().With("component", "task-bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}
	scheduler.SetHandler(b)
	return b, nil
}

// Schedule creates a task for the conversation.
func (b *Bridge) Schedule(ctx context.Context, conversationID string, trigger models.TriggerSpec, description string) (*models.ScheduledTask, error) {
	task, err := b.scheduler.Schedule(ctx, conversationID, trigger, description)
	if err != nil {
		if errors.Is(err, cron.ErrInvalidTrigger) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSchedule, strings.TrimPrefix(err.Error(), cron.ErrInvalidTrigger.Error()+": "))
		}
		return nil, err
	}
	return task, nil
}

// List returns the conversation's pending tasks ordered by next run.
func (b *Bridge) List(ctx context.Context, conversationID string) ([]*models.ScheduledTask, error) {
	return b.scheduler.List(ctx, conversationID)
}

// Cancel removes one of the conversation's tasks.
func (b *Bridge) Cancel(ctx context.Context, conversationID, taskID string) error {
	if err := b.scheduler.Cancel(ctx, conversationID, taskID); err != nil {
		if errors.Is(err, cron.ErrTaskNotFound) {
			return fmt.Errorf("%w: task %s not found", ErrInvalidSchedule, taskID)
		}
		return err
	}
	return nil
}

// Executions returns the recorded fires of one of the conversation's tasks,
// newest first. History outlives one-shot tasks, so a task that already ran
// and was removed still reports its fires.
func (b *Bridge) Executions(ctx context.Context, conversationID, taskID string, limit int) ([]*cron.TaskExecution, error) {
	execs, err := b.scheduler.Executions(ctx, taskID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*cron.TaskExecution, 0, len(execs))
	for _, exec := range execs {
		if exec.ConversationID == conversationID {
			out = append(out, exec)
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	pending, err := b.scheduler.List(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, task := range pending {
		if task.ID == taskID {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: task %s not found", ErrInvalidSchedule, taskID)
}

// Fire runs a turn for a due task. The turn takes the same conversation lock
// as live requests, so it waits for any turn already in flight.
func (b *Bridge) Fire(ctx context.Context, task *models.ScheduledTask) (err error) {
	defer func() { b.metrics.TaskFired(err) }()

	msg := models.NewTextMessage(models.RoleUser, FirePrefix+task.Description)
	msg.Metadata = map[string]any{"scheduled_task_id": task.ID}

	chunks, err := b.runner.Run(ctx, task.ConversationID, msg)
	if err != nil {
		return fmt.Errorf("start turn: %w", err)
	}

	var (
		turnErr error
		finish  *agent.Finish
	)
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			turnErr = chunk.Error
		}
		if chunk.Finish != nil {
			finish = chunk.Finish
		}
	}
	if turnErr != nil {
		return turnErr
	}
	if finish == nil {
		return errors.New("turn ended without finishing")
	}

	b.logger.Info("scheduled task ran",
		"task_id", task.ID,
		"conversation_id", task.ConversationID,
		"reason", finish.Reason,
		"steps", finish.Steps)
	return nil
}
