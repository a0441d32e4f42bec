package cron

import (
	"context"
	"sync"
	"time"
)

// ExecutionStatus represents the status of a task execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// TaskExecution captures a single fire of a scheduled task.
type TaskExecution struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	ConversationID string          `json:"conversation_id"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
	Duration       time.Duration   `json:"duration,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// ExecutionStore persists task execution history.
type ExecutionStore interface {
	Create(ctx context.Context, exec *TaskExecution) error
	Update(ctx context.Context, exec *TaskExecution) error
	List(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// MemoryExecutionStore keeps execution history in memory.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*TaskExecution
	order      []string
}

// NewMemoryExecutionStore creates an in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]*TaskExecution),
	}
}

// Create stores a new execution record.
func (s *MemoryExecutionStore) Create(ctx context.Context, exec *TaskExecution) error {
	if exec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; !exists {
		s.order = append(s.order, exec.ID)
	}
	clone := *exec
	s.executions[exec.ID] = &clone
	return nil
}

// Update updates an execution record.
func (s *MemoryExecutionStore) Update(ctx context.Context, exec *TaskExecution) error {
	if exec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; !exists {
		s.order = append(s.order, exec.ID)
	}
	clone := *exec
	s.executions[exec.ID] = &clone
	return nil
}

// List returns the most recent executions first, optionally filtered by task.
func (s *MemoryExecutionStore) List(ctx context.Context, taskID string, limit int) ([]*TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*TaskExecution
	for i := len(s.order) - 1; i >= 0; i-- {
		exec, ok := s.executions[s.order[i]]
		if !ok {
			continue
		}
		if taskID != "" && exec.TaskID != taskID {
			continue
		}
		clone := *exec
		result = append(result, &clone)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Prune removes executions that started before the cutoff.
func (s *MemoryExecutionStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	newOrder := make([]string, 0, len(s.order))
	for _, id := range s.order {
		exec, ok := s.executions[id]
		if !ok {
			continue
		}
		if exec.StartedAt.Before(cutoff) {
			delete(s.executions, id)
			pruned++
			continue
		}
		newOrder = append(newOrder, id)
	}
	s.order = newOrder
	return pruned, nil
}
