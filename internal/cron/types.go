// Package cron persists scheduled tasks and fires them when they come due.
package cron

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/chatline/pkg/models"
)

var (
	// ErrTaskNotFound is returned for unknown task IDs, including tasks that
	// belong to a different conversation.
	ErrTaskNotFound = errors.New("cron: task not found")

	// ErrInvalidTrigger is returned when a trigger cannot produce a run time.
	ErrInvalidTrigger = errors.New("cron: invalid trigger")
)

// Store persists scheduled tasks.
type Store interface {
	Create(ctx context.Context, task *models.ScheduledTask) error
	Get(ctx context.Context, id string) (*models.ScheduledTask, error)
	Delete(ctx context.Context, id string) error
	// List returns a conversation's tasks ordered by next run time.
	List(ctx context.Context, conversationID string) ([]*models.ScheduledTask, error)
	// Due returns up to limit tasks whose next run is at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error)
	Update(ctx context.Context, task *models.ScheduledTask) error
}

// Handler executes a due task.
type Handler interface {
	Fire(ctx context.Context, task *models.ScheduledTask) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, task *models.ScheduledTask) error

// Fire executes the handler function.
func (f HandlerFunc) Fire(ctx context.Context, task *models.ScheduledTask) error {
	return f(ctx, task)
}
