package cron

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/chatline/internal/storage"
	"github.com/haasonsaas/chatline/pkg/models"
)

// MemoryStore keeps scheduled tasks in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.ScheduledTask
}

// NewMemoryStore creates an in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*models.ScheduledTask)}
}

func (s *MemoryStore) Create(ctx context.Context, task *models.ScheduledTask) error {
	if task == nil || task.ID == "" {
		return errors.New("task with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, conversationID string) ([]*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ScheduledTask
	for _, task := range s.tasks {
		if conversationID != "" && task.ConversationID != conversationID {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sortByNextRun(out)
	return out, nil
}

func (s *MemoryStore) Due(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ScheduledTask
	for _, task := range s.tasks {
		if task.NextRunAt.IsZero() || task.NextRunAt.After(now) {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sortByNextRun(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, task *models.ScheduledTask) error {
	if task == nil {
		return errors.New("task is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// SQLStore persists tasks in the scheduled_tasks table.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore creates a task store over an opened, migrated database.
func NewSQLStore(db *storage.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &SQLStore{db: db}, nil
}

const taskColumns = `id, conversation_id, trigger_spec, description, next_run_at, last_run_at, last_error, created_at`

func (s *SQLStore) Create(ctx context.Context, task *models.ScheduledTask) error {
	if task == nil || task.ID == "" {
		return errors.New("task with id is required")
	}
	trigger, err := json.Marshal(task.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.ConversationID, string(trigger), task.Description,
		nullTime(task.NextRunAt), nullTimePtr(task.LastRunAt), task.LastError, task.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?
	`), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM scheduled_tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, conversationID string) ([]*models.ScheduledTask, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if conversationID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY next_run_at, id`)
	} else {
		rows, err = s.db.QueryContext(ctx, s.db.Rebind(`
			SELECT `+taskColumns+` FROM scheduled_tasks
			WHERE conversation_id = ?
			ORDER BY next_run_at, id
		`), conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *SQLStore) Due(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id
		LIMIT ?
	`), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *SQLStore) Update(ctx context.Context, task *models.ScheduledTask) error {
	if task == nil {
		return errors.New("task is required")
	}
	trigger, err := json.Marshal(task.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE scheduled_tasks
		SET trigger_spec = ?, description = ?, next_run_at = ?, last_run_at = ?, last_error = ?
		WHERE id = ?
	`), string(trigger), task.Description, nullTime(task.NextRunAt), nullTimePtr(task.LastRunAt), task.LastError, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.ScheduledTask, error) {
	var (
		task    models.ScheduledTask
		trigger string
		nextRun sql.NullTime
		lastRun sql.NullTime
	)
	if err := row.Scan(&task.ID, &task.ConversationID, &trigger, &task.Description,
		&nextRun, &lastRun, &task.LastError, &task.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(trigger), &task.Trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	if nextRun.Valid {
		task.NextRunAt = nextRun.Time
	}
	if lastRun.Valid {
		t := lastRun.Time
		task.LastRunAt = &t
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*models.ScheduledTask, error) {
	defer rows.Close()
	var out []*models.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func sortByNextRun(tasks []*models.ScheduledTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].NextRunAt.Equal(tasks[j].NextRunAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].NextRunAt.Before(tasks[j].NextRunAt)
	})
}

func cloneTask(task *models.ScheduledTask) *models.ScheduledTask {
	if task == nil {
		return nil
	}
	clone := *task
	if task.Trigger.Date != nil {
		d := *task.Trigger.Date
		clone.Trigger.Date = &d
	}
	if task.LastRunAt != nil {
		t := *task.LastRunAt
		clone.LastRunAt = &t
	}
	return &clone
}
