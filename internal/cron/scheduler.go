package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatline/pkg/models"
)

// Scheduler owns scheduled tasks: it creates them from triggers, persists
// them in a Store and fires the Handler for each task that comes due.
// One-shot tasks are removed after they fire; cron tasks are rescheduled.
type Scheduler struct {
	store        Store
	executions   ExecutionStore
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration
	batchSize    int
	timezone     string
	retention    time.Duration
	lastPrune    time.Time

	mu      sync.Mutex
	handler Handler
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHandler configures the handler fired for due tasks.
func WithHandler(handler Handler) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.handler = handler
		}
	}
}

// WithExecutionStore records every fire in store.
func WithExecutionStore(store ExecutionStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.executions = store
		}
	}
}

// WithExecutionRetention drops recorded fires older than d. Zero keeps them
// forever.
func WithExecutionRetention(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// WithBatchSize limits how many due tasks are fired per tick.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithTimezone sets the location cron expressions are evaluated in.
func WithTimezone(tz string) Option {
	return func(s *Scheduler) {
		s.timezone = strings.TrimSpace(tz)
	}
}

// NewScheduler creates a scheduler over store.
func NewScheduler(store Store, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	scheduler := &Scheduler{
		store:        store,
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: time.Second,
		batchSize:    50,
	}
	for _, opt := range opts {
		opt(scheduler)
	}
	if scheduler.timezone != "" {
		if _, err := time.LoadLocation(scheduler.timezone); err != nil {
			return nil, fmt.Errorf("invalid scheduler timezone %q: %w", scheduler.timezone, err)
		}
	}
	return scheduler, nil
}

// SetHandler updates the handler after initialization.
func (s *Scheduler) SetHandler(handler Handler) {
	if s == nil || handler == nil {
		return
	}
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Schedule creates a task for conversationID that fires per trigger.
func (s *Scheduler) Schedule(ctx context.Context, conversationID string, trigger models.TriggerSpec, description string) (*models.ScheduledTask, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("conversation id is required")
	}
	now := s.now()
	schedule, err := NewSchedule(trigger, now, s.timezone)
	if err != nil {
		return nil, err
	}
	next, ok, err := schedule.Next(now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no next run scheduled", ErrInvalidTrigger)
	}
	if trigger.Type == models.TriggerScheduled {
		at := schedule.At
		trigger.Date = &at
	}

	task := &models.ScheduledTask{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Trigger:        trigger,
		Description:    description,
		NextRunAt:      next,
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}
	s.logger.Info("task scheduled",
		"task_id", task.ID,
		"conversation_id", conversationID,
		"trigger", string(trigger.Type),
		"next_run", next)
	return task, nil
}

// List returns the tasks of a conversation, or every task for "".
func (s *Scheduler) List(ctx context.Context, conversationID string) ([]*models.ScheduledTask, error) {
	return s.store.List(ctx, conversationID)
}

// Cancel removes a task. Tasks of other conversations are reported as not found.
func (s *Scheduler) Cancel(ctx context.Context, conversationID, taskID string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if conversationID != "" && task.ConversationID != conversationID {
		return ErrTaskNotFound
	}
	if err := s.store.Delete(ctx, taskID); err != nil {
		return err
	}
	s.logger.Info("task canceled", "task_id", taskID, "conversation_id", task.ConversationID)
	return nil
}

// Executions returns recorded fires of a task, newest first.
func (s *Scheduler) Executions(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error) {
	if s.executions == nil {
		return nil, nil
	}
	return s.executions.List(ctx, taskID, limit)
}

// Start begins firing due tasks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the scheduler loop to stop.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires due tasks immediately (primarily for tests).
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	tasks, err := s.store.Due(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("load due tasks", "error", err)
		return 0
	}

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()

	count := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		err := s.fire(ctx, handler, task)
		if err != nil {
			s.logger.Warn("scheduled task failed", "task_id", task.ID, "conversation_id", task.ConversationID, "error", err)
		}
		s.advance(ctx, task, now, err)
		count++
	}
	s.pruneExecutions(ctx, now)
	return count
}

// pruneExecutions applies the retention window at most once per hour.
func (s *Scheduler) pruneExecutions(ctx context.Context, now time.Time) {
	if s.executions == nil || s.retention <= 0 || now.Sub(s.lastPrune) < time.Hour {
		return
	}
	s.lastPrune = now
	pruned, err := s.executions.Prune(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Warn("prune task executions", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Debug("pruned task executions", "count", pruned)
	}
}

func (s *Scheduler) fire(ctx context.Context, handler Handler, task *models.ScheduledTask) (err error) {
	exec := &TaskExecution{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		ConversationID: task.ConversationID,
		Status:         ExecutionRunning,
		StartedAt:      s.now(),
	}
	if s.executions != nil {
		_ = s.executions.Create(ctx, exec)
		defer func() {
			exec.CompletedAt = s.now()
			exec.Duration = exec.CompletedAt.Sub(exec.StartedAt)
			exec.Status = ExecutionSucceeded
			if err != nil {
				exec.Status = ExecutionFailed
				exec.Error = err.Error()
			}
			_ = s.executions.Update(context.WithoutCancel(ctx), exec)
		}()
	}

	if handler == nil {
		return errors.New("task handler not configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return handler.Fire(ctx, task)
}

// advance removes a fired one-shot task or moves a recurring one forward.
// A task canceled during its own fire stays gone.
func (s *Scheduler) advance(ctx context.Context, task *models.ScheduledTask, now time.Time, fireErr error) {
	storeCtx := context.WithoutCancel(ctx)
	if !task.Trigger.Recurring() {
		if err := s.store.Delete(storeCtx, task.ID); err != nil && !errors.Is(err, ErrTaskNotFound) {
			s.logger.Error("remove fired task", "task_id", task.ID, "error", err)
		}
		return
	}

	schedule, err := NewSchedule(task.Trigger, now, s.timezone)
	var next time.Time
	if err == nil {
		var ok bool
		next, ok, err = schedule.Next(now)
		if err == nil && !ok {
			err = errors.New("no next run scheduled")
		}
	}
	if err != nil {
		s.logger.Error("reschedule task", "task_id", task.ID, "error", err)
		if err := s.store.Delete(storeCtx, task.ID); err != nil && !errors.Is(err, ErrTaskNotFound) {
			s.logger.Error("remove unschedulable task", "task_id", task.ID, "error", err)
		}
		return
	}

	ran := now
	task.LastRunAt = &ran
	task.NextRunAt = next
	task.LastError = ""
	if fireErr != nil {
		task.LastError = fireErr.Error()
	}
	if err := s.store.Update(storeCtx, task); err != nil && !errors.Is(err, ErrTaskNotFound) {
		s.logger.Error("update recurring task", "task_id", task.ID, "error", err)
	}
}
