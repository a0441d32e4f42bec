package agent

import (
	"reflect"
	"testing"

	"github.com/haasonsaas/chatline/pkg/models"
)

func call(id, name string, status models.ToolCallStatus) models.Part {
	return models.ToolCallPart(models.ToolCall{ID: id, Name: name, Status: status})
}

func result(id, content string) models.Part {
	return models.ToolResultPart(models.ToolResult{ToolCallID: id, Content: content})
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		in    []models.Part
		want  []models.Part
		empty bool
	}{
		{
			name: "answered call kept",
			in:   []models.Part{models.TextPart("checking"), call("a", "w", models.ToolCallCompleted), result("a", "sunny")},
			want: []models.Part{models.TextPart("checking"), call("a", "w", models.ToolCallCompleted), result("a", "sunny")},
		},
		{
			name: "unanswered call dropped",
			in:   []models.Part{models.TextPart("hold on"), call("a", "w", models.ToolCallAwaitingConfirmation)},
			want: []models.Part{models.TextPart("hold on")},
		},
		{
			name: "orphan result dropped",
			in:   []models.Part{models.TextPart("x"), result("ghost", "boo")},
			want: []models.Part{models.TextPart("x")},
		},
		{
			name:  "result before its call dropped",
			in:    []models.Part{result("a", "early"), call("a", "w", models.ToolCallCompleted)},
			empty: true,
		},
		{
			name: "duplicate results keep the first",
			in:   []models.Part{call("a", "w", models.ToolCallCompleted), result("a", "one"), result("a", "two")},
			want: []models.Part{call("a", "w", models.ToolCallCompleted), result("a", "one")},
		},
		{
			name:  "message with only an open call is removed",
			in:    []models.Part{call("a", "w", models.ToolCallPending)},
			empty: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &models.Message{ID: "m1", Role: models.RoleAssistant, Parts: tt.in}
			got := Sanitize([]*models.Message{msg})
			if tt.empty {
				if len(got) != 0 {
					t.Fatalf("Sanitize() = %d messages, want 0", len(got))
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("Sanitize() = %d messages, want 1", len(got))
			}
			if !reflect.DeepEqual(got[0].Parts, tt.want) {
				t.Errorf("parts = %+v, want %+v", got[0].Parts, tt.want)
			}
		})
	}
}

func TestSanitize_DoesNotModifyInput(t *testing.T) {
	msg := &models.Message{ID: "m1", Role: models.RoleAssistant, Parts: []models.Part{
		models.TextPart("hi"),
		call("a", "w", models.ToolCallPending),
	}}
	before := msg.Clone()

	Sanitize([]*models.Message{msg})

	if !reflect.DeepEqual(msg, before) {
		t.Error("Sanitize() modified its input")
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	history := []*models.Message{
		models.NewTextMessage(models.RoleUser, "weather in Paris?"),
		{ID: "m2", Role: models.RoleAssistant, Parts: []models.Part{
			call("a", "w", models.ToolCallCompleted),
			call("b", "w", models.ToolCallAwaitingConfirmation),
			result("a", "sunny"),
			result("zzz", "orphan"),
		}},
		nil,
		{ID: "m3", Role: models.RoleAssistant},
	}

	once := Sanitize(history)
	twice := Sanitize(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Sanitize is not idempotent:\n once: %+v\ntwice: %+v", once, twice)
	}
	if len(once) != 2 {
		t.Fatalf("len = %d, want 2", len(once))
	}
	if calls := once[1].ToolCalls(); len(calls) != 1 || calls[0].ID != "a" {
		t.Errorf("calls = %+v, want only a", calls)
	}
}

func TestSanitize_EveryKeptCallHasResult(t *testing.T) {
	history := []*models.Message{{ID: "m", Role: models.RoleAssistant, Parts: []models.Part{
		call("a", "w", models.ToolCallCompleted),
		call("b", "w", models.ToolCallFailed),
		call("c", "w", models.ToolCallInProgress),
		result("b", "err"),
		result("a", "ok"),
	}}}

	for _, msg := range Sanitize(history) {
		for _, c := range msg.ToolCalls() {
			if _, ok := msg.ResultFor(c.ID); !ok {
				t.Errorf("kept call %s has no result", c.ID)
			}
		}
		ids := map[string]bool{}
		for _, c := range msg.ToolCalls() {
			ids[c.ID] = true
		}
		for _, r := range msg.ToolResults() {
			if !ids[r.ToolCallID] {
				t.Errorf("kept result %s has no call", r.ToolCallID)
			}
		}
	}
}
