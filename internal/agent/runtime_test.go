package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/chatline/internal/observability"
	"github.com/haasonsaas/chatline/internal/sessions"
	"github.com/haasonsaas/chatline/pkg/models"
)

type runtimeFixture struct {
	runtime  *Runtime
	store    *sessions.MemoryStore
	provider LLMProvider
	convID   string
}

func newRuntimeFixture(t *testing.T, provider LLMProvider, config RuntimeConfig, tools map[*funcTool]ExecutionMode, opts ...RuntimeOption) *runtimeFixture {
	t.Helper()
	store := sessions.NewMemoryStore()
	conv := &models.Conversation{Title: "test"}
	if err := store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	registry := NewToolRegistry()
	for tool, mode := range tools {
		if err := registry.Register(tool, mode); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	orchestrator := NewOrchestrator(registry, NewToolExecutor(ToolExecConfig{PerToolTimeout: time.Second}, nil, nil), nil)
	rt := NewRuntime(NewCompletionDriver(provider, nil, nil, nil), orchestrator, store, config, opts...)
	return &runtimeFixture{runtime: rt, store: store, provider: provider, convID: conv.ID}
}

func (f *runtimeFixture) run(t *testing.T, text string) []*ResponseChunk {
	t.Helper()
	var msg *models.Message
	if text != "" {
		msg = models.NewTextMessage(models.RoleUser, text)
	}
	ch, err := f.runtime.Run(context.Background(), f.convID, msg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	chunks := collectChunks(ch)
	if finishOf(chunks) == nil {
		t.Fatalf("turn did not end with a finish chunk: %+v", chunks)
	}
	return chunks
}

func (f *runtimeFixture) history(t *testing.T) []*models.Message {
	t.Helper()
	history, err := f.store.History(context.Background(), f.convID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	return history
}

func textOf(chunks []*ResponseChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestRuntime_WeatherScenario(t *testing.T) {
	weather := &funcTool{
		name:   "getWeatherInformation",
		schema: SchemaFor[cityArgs](),
		fn: func(_ context.Context, _ ToolEnv, params json.RawMessage) (*ToolResult, error) {
			var in cityArgs
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, err
			}
			return &ToolResult{Content: "The weather in " + in.City + " is Sunny, 72°F with 40% humidity."}, nil
		},
	}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{toolCallChunk("call-1", "getWeatherInformation", `{"city":"Paris"}`), {Done: true}},
		{{Text: "It is sunny "}, {Text: "in Paris."}, {Done: true}},
	}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), map[*funcTool]ExecutionMode{weather: ModeAutomatic})

	chunks := f.run(t, "What's the weather in Paris?")

	finish := finishOf(chunks)
	if finish.Reason != FinishStop || finish.Steps != 2 {
		t.Fatalf("finish = %+v", finish)
	}
	if got := textOf(chunks); got != "It is sunny in Paris." {
		t.Errorf("streamed text = %q", got)
	}
	if weather.calls.Load() != 1 {
		t.Errorf("weather calls = %d, want 1", weather.calls.Load())
	}

	second := provider.request(1)
	var toolMsg *CompletionMessage
	for i := range second.Messages {
		if second.Messages[i].Role == "tool" {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil || len(toolMsg.ToolResults) != 1 || !strings.Contains(toolMsg.ToolResults[0].Content, "Sunny") {
		t.Fatalf("second request should carry the tool result: %+v", second.Messages)
	}
	if len(second.Tools) != 1 || !strings.Contains(second.System, "getWeatherInformation") {
		t.Errorf("tools were not offered: %d tools", len(second.Tools))
	}

	history := f.history(t)
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want 3", len(history))
	}
	if got := callStatus(history[1], "call-1"); got != models.ToolCallCompleted {
		t.Errorf("persisted call status = %s", got)
	}
	if history[2].Text() != "It is sunny in Paris." {
		t.Errorf("final message = %q", history[2].Text())
	}

	var statuses []models.ToolCallStatus
	for _, c := range chunks {
		if c.ToolEvent != nil {
			statuses = append(statuses, c.ToolEvent.Status)
		}
	}
	want := []models.ToolCallStatus{models.ToolCallPending, models.ToolCallInProgress, models.ToolCallCompleted}
	if len(statuses) != len(want) {
		t.Fatalf("tool events = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("tool events = %v, want %v", statuses, want)
			break
		}
	}
}

func TestRuntime_ConfirmationFlow(t *testing.T) {
	sched := staticTool("scheduleTask", `Task scheduled for type "delayed" : 60`)
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{{Text: "Let me schedule that."}, toolCallChunk("call-s", "scheduleTask", `{}`), {Done: true}},
		{{Text: "Scheduled."}, {Done: true}},
	}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), map[*funcTool]ExecutionMode{sched: ModeConfirm})

	first := finishOf(f.run(t, "schedule a reminder in a minute"))
	if first.Reason != FinishAwaitingConfirmation || first.Steps != 1 {
		t.Fatalf("first finish = %+v", first)
	}
	if got := callStatus(first.Message, "call-s"); got != models.ToolCallAwaitingConfirmation {
		t.Errorf("status = %s", got)
	}
	before := f.history(t)

	// Resuming without a decision changes nothing and asks the model nothing.
	again := finishOf(f.run(t, ""))
	if again.Reason != FinishAwaitingConfirmation || again.Steps != 0 {
		t.Errorf("repeat finish = %+v", again)
	}
	if provider.requestCount() != 1 {
		t.Errorf("requests = %d, want 1", provider.requestCount())
	}
	after := f.history(t)
	if len(after) != len(before) || callStatus(after[len(after)-1], "call-s") != models.ToolCallAwaitingConfirmation {
		t.Error("repeat turn must not change the conversation")
	}
	if sched.calls.Load() != 0 {
		t.Fatal("handler ran before confirmation")
	}

	if err := f.runtime.Confirm(context.Background(), f.convID, "call-s", true, "tester"); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	done := finishOf(f.run(t, ""))
	if done.Reason != FinishStop || done.Steps != 1 {
		t.Fatalf("resume finish = %+v", done)
	}
	if sched.calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", sched.calls.Load())
	}
}

func TestRuntime_ReusedCallIDNeedsFreshConfirmation(t *testing.T) {
	sched := staticTool("scheduleTask", "scheduled")
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{toolCallChunk("call_0", "scheduleTask", `{}`), {Done: true}},
		{{Text: "Scheduled."}, {Done: true}},
		{toolCallChunk("call_0", "scheduleTask", `{}`), {Done: true}},
	}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), map[*funcTool]ExecutionMode{sched: ModeConfirm})

	f.run(t, "schedule the first reminder")
	if err := f.runtime.Confirm(context.Background(), f.convID, "call_0", true, "tester"); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if finish := finishOf(f.run(t, "")); finish.Reason != FinishStop {
		t.Fatalf("resume finish = %+v", finish)
	}

	second := finishOf(f.run(t, "schedule another one"))
	if second.Reason != FinishAwaitingConfirmation {
		t.Fatalf("second finish = %+v, want awaiting confirmation", second)
	}
	if got := callStatus(second.Message, "call_0"); got != models.ToolCallAwaitingConfirmation {
		t.Errorf("status = %s, want awaiting_confirmation", got)
	}
	if sched.calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", sched.calls.Load())
	}
}

func TestRuntime_DeniedCall(t *testing.T) {
	sched := staticTool("scheduleTask", "scheduled")
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{toolCallChunk("call-s", "scheduleTask", `{}`), {Done: true}},
		{{Text: "Okay, I won't."}, {Done: true}},
	}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), map[*funcTool]ExecutionMode{sched: ModeConfirm})

	f.run(t, "schedule something")
	if err := f.runtime.Confirm(context.Background(), f.convID, "call-s", false, "tester"); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	finish := finishOf(f.run(t, ""))

	if finish.Reason != FinishStop {
		t.Fatalf("finish = %+v", finish)
	}
	if sched.calls.Load() != 0 {
		t.Error("denied handler must never run")
	}
	req := provider.request(1)
	found := false
	for _, m := range req.Messages {
		for _, r := range m.ToolResults {
			if r.ToolCallID == "call-s" && r.Content == DeniedResultContent {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("model should see the denial: %+v", req.Messages)
	}
}

func TestRuntime_ConfirmRejectsUnknownCall(t *testing.T) {
	f := newRuntimeFixture(t, &scriptedProvider{}, DefaultRuntimeConfig(), nil)
	f.run(t, "hello")

	err := f.runtime.Confirm(context.Background(), f.convID, "nope", true, "tester")
	if !errors.Is(err, ErrNotAwaiting) {
		t.Errorf("Confirm() error = %v, want ErrNotAwaiting", err)
	}
}

func TestRuntime_StepCeiling(t *testing.T) {
	loop := staticTool("getLocalTime", "noon")
	var scripts [][]*CompletionChunk
	for i := 0; i < 10; i++ {
		scripts = append(scripts, []*CompletionChunk{toolCallChunk("", "getLocalTime", `{}`), {Done: true}})
	}
	provider := &scriptedProvider{scripts: scripts}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	f := newRuntimeFixture(t, provider, RuntimeConfig{MaxSteps: 3}, map[*funcTool]ExecutionMode{loop: ModeAutomatic},
		WithRuntimeMetrics(metrics))

	finish := finishOf(f.run(t, "what time is it?"))

	if finish.Reason != FinishMaxSteps || finish.Steps != 3 {
		t.Fatalf("finish = %+v", finish)
	}
	if provider.requestCount() != 3 {
		t.Errorf("requests = %d, want 3", provider.requestCount())
	}
	if loop.calls.Load() != 3 {
		t.Errorf("tool calls = %d, want 3", loop.calls.Load())
	}
	for _, msg := range f.history(t) {
		for _, c := range msg.ToolCalls() {
			if c.ID == "" {
				t.Error("calls without an id should be assigned one")
			}
		}
	}
	if got := testutil.ToFloat64(metrics.Turns.WithLabelValues("max_steps")); got != 1 {
		t.Errorf("max_steps turns = %v, want 1", got)
	}
}

func TestRuntime_DefaultCeilingIsTen(t *testing.T) {
	rt := NewRuntime(nil, nil, nil, RuntimeConfig{})
	if rt.config.MaxSteps != 10 {
		t.Errorf("MaxSteps = %d, want 10", rt.config.MaxSteps)
	}
}

func TestRuntime_ProviderError(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{{Text: "Partial"}, {Error: errors.New("connection reset")}},
	}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), nil)

	chunks := f.run(t, "hi")

	finish := finishOf(chunks)
	if finish.Reason != FinishError {
		t.Fatalf("finish = %+v", finish)
	}
	var streamErr *CompletionStreamError
	errChunk := chunks[len(chunks)-2]
	if !errors.As(errChunk.Error, &streamErr) {
		t.Errorf("error chunk = %+v, want CompletionStreamError", errChunk)
	}
	history := f.history(t)
	if last := history[len(history)-1]; last.Role != models.RoleAssistant || last.Text() != "Partial" {
		t.Errorf("partial text should be kept: %+v", last)
	}
}

func TestRuntime_Cancellation(t *testing.T) {
	provider := &blockingProvider{chunks: []*CompletionChunk{{Text: "Thinking"}}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.runtime.Run(ctx, f.convID, models.NewTextMessage(models.RoleUser, "hi"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var finish *Finish
	for c := range ch {
		if c.Text != "" {
			cancel()
		}
		if c.Finish != nil {
			finish = c.Finish
		}
	}
	if finish == nil || finish.Reason != FinishCanceled {
		t.Fatalf("finish = %+v, want canceled", finish)
	}
	history := f.history(t)
	if last := history[len(history)-1]; last.Text() != "Thinking" {
		t.Errorf("partial text should be kept, last = %+v", last)
	}
}

func TestRuntime_NewMessageWhileAwaitingDropsStaleCall(t *testing.T) {
	sched := staticTool("scheduleTask", "scheduled")
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{toolCallChunk("call-s", "scheduleTask", `{}`), {Done: true}},
		{{Text: "Never mind then."}, {Done: true}},
	}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), map[*funcTool]ExecutionMode{sched: ModeConfirm})

	f.run(t, "schedule a task")
	finish := finishOf(f.run(t, "actually, forget it"))

	if finish.Reason != FinishStop {
		t.Fatalf("finish = %+v", finish)
	}
	for _, m := range provider.request(1).Messages {
		if len(m.ToolCalls) > 0 {
			t.Errorf("unanswered call leaked into the request: %+v", m)
		}
	}
}

func TestRuntime_SchedulerReachesTools(t *testing.T) {
	var seen TaskScheduler
	tool := &funcTool{
		name: "scheduleTask",
		fn: func(_ context.Context, env ToolEnv, _ json.RawMessage) (*ToolResult, error) {
			seen = env.Scheduler
			return &ToolResult{Content: "ok"}, nil
		},
	}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{toolCallChunk("c", "scheduleTask", `{}`), {Done: true}},
	}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), map[*funcTool]ExecutionMode{tool: ModeAutomatic})
	sched := &nopScheduler{}
	f.runtime.SetScheduler(sched)

	f.run(t, "schedule it")

	if seen != sched {
		t.Errorf("tool saw scheduler %v, want the wired one", seen)
	}
}

func TestRuntime_RunUnknownConversation(t *testing.T) {
	f := newRuntimeFixture(t, &scriptedProvider{}, DefaultRuntimeConfig(), nil)
	if _, err := f.runtime.Run(context.Background(), "missing", nil); !errors.Is(err, sessions.ErrNotFound) {
		t.Errorf("Run() error = %v, want sessions.ErrNotFound", err)
	}
}

// cancelOnCallsStore cancels the turn once an assistant message carrying
// tool calls has been persisted.
func TestRuntime_SetSelectorAppliesToNextTurn(t *testing.T) {
	weather := &funcTool{name: "getWeatherInformation", schema: SchemaFor[cityArgs]()}
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{{Text: "first"}, {Done: true}},
		{{Text: "second"}, {Done: true}},
	}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), map[*funcTool]ExecutionMode{weather: ModeAutomatic},
		WithSelector(KeywordSelector{Keywords: []string{"weather"}}))

	f.run(t, "how is the weather today")
	if got := len(provider.request(0).Tools); got != 1 {
		t.Fatalf("first turn tools = %d, want 1", got)
	}

	f.runtime.SetSelector(KeywordSelector{Keywords: []string{"umbrella"}})
	f.runtime.SetSelector(nil)
	f.run(t, "how is the weather today")
	if got := len(provider.request(1).Tools); got != 0 {
		t.Fatalf("second turn tools = %d, want 0", got)
	}
}

type cancelOnCallsStore struct {
	*sessions.MemoryStore
	cancel context.CancelFunc
}

func (s *cancelOnCallsStore) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if err := s.MemoryStore.AppendMessage(ctx, conversationID, msg); err != nil {
		return err
	}
	if len(msg.ToolCalls()) > 0 {
		s.cancel()
	}
	return nil
}

func TestRuntime_CancelBeforeDispatchSkipsTools(t *testing.T) {
	weather := staticTool("getWeatherInformation", "Sunny")
	provider := &scriptedProvider{scripts: [][]*CompletionChunk{
		{toolCallChunk("call-1", "getWeatherInformation", `{}`), {Done: true}},
	}}
	f := newRuntimeFixture(t, provider, DefaultRuntimeConfig(), map[*funcTool]ExecutionMode{weather: ModeAutomatic})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelOnCallsStore{MemoryStore: f.store, cancel: cancel}
	rt := NewRuntime(NewCompletionDriver(provider, nil, nil, nil), f.runtime.orchestrator, store, DefaultRuntimeConfig())

	ch, err := rt.Run(ctx, f.convID, models.NewTextMessage(models.RoleUser, "weather?"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	finish := finishOf(collectChunks(ch))
	if finish == nil || finish.Reason != FinishCanceled {
		t.Fatalf("finish = %+v, want canceled", finish)
	}
	if weather.calls.Load() != 0 {
		t.Errorf("handler calls = %d, want 0 after abort", weather.calls.Load())
	}
	history := f.history(t)
	if got := callStatus(history[len(history)-1], "call-1"); got != models.ToolCallPending {
		t.Errorf("status = %s, want pending", got)
	}
}

type nopScheduler struct{}

func (*nopScheduler) Schedule(context.Context, string, models.TriggerSpec, string) (*models.ScheduledTask, error) {
	return &models.ScheduledTask{}, nil
}

func (*nopScheduler) List(context.Context, string) ([]*models.ScheduledTask, error) {
	return nil, nil
}

func (*nopScheduler) Cancel(context.Context, string, string) error { return nil }
