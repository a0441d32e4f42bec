package agent

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatline/pkg/models"
)

func newTestOrchestrator(t *testing.T, tools map[*funcTool]ExecutionMode) *Orchestrator {
	t.Helper()
	registry := NewToolRegistry()
	for tool, mode := range tools {
		if err := registry.Register(tool, mode); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.name, err)
		}
	}
	return NewOrchestrator(registry, NewToolExecutor(ToolExecConfig{PerToolTimeout: time.Second}, nil, nil), nil)
}

type eventLog []models.ToolEvent

func (l *eventLog) emit(ev models.ToolEvent) { *l = append(*l, ev) }

func (l eventLog) statuses(callID string) []models.ToolCallStatus {
	var out []models.ToolCallStatus
	for _, ev := range l {
		if ev.ToolCallID == callID {
			out = append(out, ev.Status)
		}
	}
	return out
}

func callStatus(msg *models.Message, id string) models.ToolCallStatus {
	for _, c := range msg.ToolCalls() {
		if c.ID == id {
			return c.Status
		}
	}
	return ""
}

func TestOrchestrator_AutomaticCallCompletes(t *testing.T) {
	weather := staticTool("getWeatherInformation", "The weather in Paris is Sunny.")
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{weather: ModeAutomatic})
	msg := assistantCalls(models.ToolCall{ID: "c1", Name: "getWeatherInformation", Input: json.RawMessage(`{"city":"Paris"}`)})

	var events eventLog
	out := o.Process(context.Background(), ToolEnv{ConversationID: "conv"}, msg, nil, events.emit)

	if out.Resolved != 1 || out.Awaiting != 0 || !out.Changed || !out.ShouldResubmit() {
		t.Fatalf("outcome = %+v", out)
	}
	if got := callStatus(out.Message, "c1"); got != models.ToolCallCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	res, ok := out.Message.ResultFor("c1")
	if !ok || res.Content != "The weather in Paris is Sunny." {
		t.Errorf("result = %+v, %v", res, ok)
	}
	want := []models.ToolCallStatus{models.ToolCallInProgress, models.ToolCallCompleted}
	if got := events.statuses("c1"); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if callStatus(msg, "c1") != models.ToolCallPending {
		t.Error("Process must not modify its input message")
	}
}

func TestOrchestrator_ConfirmCallAwaitsWithoutRunning(t *testing.T) {
	sched := staticTool("scheduleTask", "scheduled")
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{sched: ModeConfirm})
	msg := assistantCalls(models.ToolCall{ID: "c1", Name: "scheduleTask", Input: json.RawMessage(`{}`)})

	out := o.Process(context.Background(), ToolEnv{}, msg, nil, nil)

	if out.Awaiting != 1 || out.Resolved != 0 || out.ShouldResubmit() {
		t.Fatalf("outcome = %+v", out)
	}
	if got := callStatus(out.Message, "c1"); got != models.ToolCallAwaitingConfirmation {
		t.Errorf("status = %s", got)
	}
	if sched.calls.Load() != 0 {
		t.Error("handler ran without a confirmation")
	}

	again := o.Process(context.Background(), ToolEnv{}, out.Message, map[string]models.Confirmation{}, nil)
	if again.Changed || again.Awaiting != 1 {
		t.Errorf("second pass without confirmation should be a no-op: %+v", again)
	}
}

func TestOrchestrator_ApprovedCallRuns(t *testing.T) {
	sched := staticTool("scheduleTask", "scheduled")
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{sched: ModeConfirm})
	msg := assistantCalls(models.ToolCall{ID: "c1", Name: "scheduleTask", Status: models.ToolCallAwaitingConfirmation})

	var events eventLog
	out := o.Process(context.Background(), ToolEnv{}, msg, map[string]models.Confirmation{
		"c1": {ToolCallID: "c1", MessageID: "assistant-1", Approved: true},
	}, events.emit)

	if !out.ShouldResubmit() || sched.calls.Load() != 1 {
		t.Fatalf("outcome = %+v, calls = %d", out, sched.calls.Load())
	}
	want := []models.ToolCallStatus{models.ToolCallInProgress, models.ToolCallCompleted}
	if got := events.statuses("c1"); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestOrchestrator_DecisionForOtherMessageIgnored(t *testing.T) {
	sched := staticTool("scheduleTask", "scheduled")
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{sched: ModeConfirm})
	msg := assistantCalls(models.ToolCall{ID: "c1", Name: "scheduleTask"})

	out := o.Process(context.Background(), ToolEnv{}, msg, map[string]models.Confirmation{
		"c1": {ToolCallID: "c1", MessageID: "assistant-0", Approved: true},
	}, nil)

	if sched.calls.Load() != 0 {
		t.Fatal("handler ran on a decision recorded for another message")
	}
	if out.Awaiting != 1 || callStatus(out.Message, "c1") != models.ToolCallAwaitingConfirmation {
		t.Errorf("outcome = %+v", out)
	}
}

func TestOrchestrator_DeniedCallNeverRuns(t *testing.T) {
	sched := staticTool("scheduleTask", "scheduled")
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{sched: ModeConfirm})
	msg := assistantCalls(models.ToolCall{ID: "c1", Name: "scheduleTask", Status: models.ToolCallAwaitingConfirmation})

	out := o.Process(context.Background(), ToolEnv{}, msg, map[string]models.Confirmation{
		"c1": {ToolCallID: "c1", MessageID: "assistant-1", Approved: false},
	}, nil)

	if sched.calls.Load() != 0 {
		t.Fatal("denied handler must not run")
	}
	if got := callStatus(out.Message, "c1"); got != models.ToolCallDenied {
		t.Errorf("status = %s, want denied", got)
	}
	res, ok := out.Message.ResultFor("c1")
	if !ok || res.Content != DeniedResultContent || !res.Denied {
		t.Errorf("result = %+v", res)
	}
	if !out.ShouldResubmit() {
		t.Error("a denial is terminal and should be resubmitted")
	}
}

func TestOrchestrator_UnknownAndInvalidCallsFail(t *testing.T) {
	weather := &funcTool{name: "getWeatherInformation", schema: SchemaFor[cityArgs]()}
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{weather: ModeAutomatic})
	msg := assistantCalls(
		models.ToolCall{ID: "u", Name: "launchRockets"},
		models.ToolCall{ID: "v", Name: "getWeatherInformation", Input: json.RawMessage(`{"city":7}`)},
	)

	out := o.Process(context.Background(), ToolEnv{}, msg, nil, nil)

	if weather.calls.Load() != 0 {
		t.Error("handler ran with invalid arguments")
	}
	for _, id := range []string{"u", "v"} {
		if got := callStatus(out.Message, id); got != models.ToolCallFailed {
			t.Errorf("%s status = %s, want failed", id, got)
		}
		res, ok := out.Message.ResultFor(id)
		if !ok || !res.IsError || !strings.HasPrefix(res.Content, "Error:") {
			t.Errorf("%s result = %+v", id, res)
		}
	}
	if out.Resolved != 2 {
		t.Errorf("resolved = %d, want 2", out.Resolved)
	}
}

func TestOrchestrator_MixedModesHoldResubmit(t *testing.T) {
	weather := staticTool("getWeatherInformation", "sunny")
	sched := staticTool("scheduleTask", "scheduled")
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{weather: ModeAutomatic, sched: ModeConfirm})
	msg := assistantCalls(
		models.ToolCall{ID: "w", Name: "getWeatherInformation"},
		models.ToolCall{ID: "s", Name: "scheduleTask"},
	)

	out := o.Process(context.Background(), ToolEnv{}, msg, nil, nil)

	if out.Resolved != 1 || out.Awaiting != 1 || out.ShouldResubmit() {
		t.Fatalf("outcome = %+v", out)
	}
	if weather.calls.Load() != 1 {
		t.Error("automatic call should run even while another awaits")
	}
}

func TestOrchestrator_SkipsAnsweredCalls(t *testing.T) {
	weather := staticTool("getWeatherInformation", "sunny")
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{weather: ModeAutomatic})
	msg := assistantCalls(models.ToolCall{ID: "c1", Name: "getWeatherInformation", Status: models.ToolCallCompleted})
	msg.Parts = append(msg.Parts, models.ToolResultPart(models.ToolResult{ToolCallID: "c1", Content: "old"}))

	out := o.Process(context.Background(), ToolEnv{}, msg, nil, nil)

	if out.Changed || weather.calls.Load() != 0 {
		t.Errorf("terminal calls should be left alone: %+v", out)
	}
}

func TestOrchestrator_HandlersSurviveCanceledContext(t *testing.T) {
	weather := &funcTool{
		name: "getWeatherInformation",
		fn: func(ctx context.Context, _ ToolEnv, _ json.RawMessage) (*ToolResult, error) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &ToolResult{Content: "sunny"}, nil
		},
	}
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{weather: ModeAutomatic})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := o.Process(ctx, ToolEnv{}, assistantCalls(models.ToolCall{ID: "c1", Name: "getWeatherInformation"}), nil, nil)

	if got := callStatus(out.Message, "c1"); got != models.ToolCallCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestOrchestrator_PassesEnvToHandler(t *testing.T) {
	var seen ToolEnv
	tool := &funcTool{
		name: "envTool",
		fn: func(_ context.Context, env ToolEnv, _ json.RawMessage) (*ToolResult, error) {
			seen = env
			return &ToolResult{Content: "ok"}, nil
		},
	}
	o := newTestOrchestrator(t, map[*funcTool]ExecutionMode{tool: ModeAutomatic})

	o.Process(context.Background(), ToolEnv{ConversationID: "conv-9"}, assistantCalls(models.ToolCall{ID: "c1", Name: "envTool"}), nil, nil)

	if seen.ConversationID != "conv-9" || seen.ToolCallID != "c1" {
		t.Errorf("env = %+v", seen)
	}
}
