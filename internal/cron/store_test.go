package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/chatline/internal/storage"
	"github.com/haasonsaas/chatline/pkg/models"
)

func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			db, err := storage.Open(context.Background(), storage.Config{Driver: storage.DriverSQLite, DSN: ":memory:"})
			if err != nil {
				t.Fatalf("storage.Open() error = %v", err)
			}
			t.Cleanup(func() { _ = db.Close() })
			store, err := NewSQLStore(db)
			if err != nil {
				t.Fatalf("NewSQLStore() error = %v", err)
			}
			return store
		},
	}
}

func TestStore_CRUDAndDue(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	date := base.Add(2 * time.Hour)

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory()

			tasks := []*models.ScheduledTask{
				{ID: "t1", ConversationID: "c1", Description: "soon", NextRunAt: base.Add(time.Minute), CreatedAt: base,
					Trigger: models.TriggerSpec{Type: models.TriggerDelayed, DelayInSeconds: 60}},
				{ID: "t2", ConversationID: "c1", Description: "later", NextRunAt: date, CreatedAt: base,
					Trigger: models.TriggerSpec{Type: models.TriggerScheduled, Date: &date}},
				{ID: "t3", ConversationID: "c2", Description: "hourly", NextRunAt: base.Add(30 * time.Minute), CreatedAt: base,
					Trigger: models.TriggerSpec{Type: models.TriggerCron, Cron: "0 * * * *"}},
			}
			for _, task := range tasks {
				if err := store.Create(ctx, task); err != nil {
					t.Fatalf("Create(%s) error = %v", task.ID, err)
				}
			}

			got, err := store.Get(ctx, "t2")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Trigger.Date == nil || !got.Trigger.Date.Equal(date) {
				t.Errorf("trigger date = %v, want %v", got.Trigger.Date, date)
			}
			if got.Description != "later" || got.ConversationID != "c1" {
				t.Errorf("task = %+v", got)
			}

			list, err := store.List(ctx, "c1")
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(list) != 2 || list[0].ID != "t1" || list[1].ID != "t2" {
				t.Fatalf("List(c1) = %v", taskIDs(list))
			}

			due, err := store.Due(ctx, base.Add(45*time.Minute), 10)
			if err != nil {
				t.Fatalf("Due() error = %v", err)
			}
			if ids := taskIDs(due); len(ids) != 2 || ids[0] != "t1" || ids[1] != "t3" {
				t.Fatalf("Due() = %v, want [t1 t3]", ids)
			}

			ran := base.Add(time.Hour)
			got.LastRunAt = &ran
			got.LastError = "boom"
			got.NextRunAt = base.Add(3 * time.Hour)
			if err := store.Update(ctx, got); err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			updated, _ := store.Get(ctx, "t2")
			if updated.LastError != "boom" || updated.LastRunAt == nil || !updated.NextRunAt.Equal(base.Add(3*time.Hour)) {
				t.Errorf("updated = %+v", updated)
			}

			if err := store.Delete(ctx, "t1"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := store.Delete(ctx, "t1"); !errors.Is(err, ErrTaskNotFound) {
				t.Errorf("second Delete() error = %v, want ErrTaskNotFound", err)
			}
			if _, err := store.Get(ctx, "t1"); !errors.Is(err, ErrTaskNotFound) {
				t.Errorf("Get() after delete error = %v, want ErrTaskNotFound", err)
			}
			if err := store.Update(ctx, &models.ScheduledTask{ID: "missing"}); !errors.Is(err, ErrTaskNotFound) {
				t.Errorf("Update(missing) error = %v, want ErrTaskNotFound", err)
			}
		})
	}
}

func taskIDs(tasks []*models.ScheduledTask) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
