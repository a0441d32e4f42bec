package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/internal/config"
	"github.com/haasonsaas/chatline/internal/cron"
	"github.com/haasonsaas/chatline/internal/observability"
	"github.com/haasonsaas/chatline/internal/tools/clock"
	"github.com/haasonsaas/chatline/internal/tools/schedule"
	"github.com/haasonsaas/chatline/internal/tools/weather"
	"github.com/haasonsaas/chatline/pkg/models"
)

type echoProvider struct{}

func (echoProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: "echo"}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func (echoProvider) Name() string          { return "echo" }
func (echoProvider) Models() []agent.Model { return nil }
func (echoProvider) SupportsTools() bool   { return true }

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatline.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "config", "tasks", "tools", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "chatline dev") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "schema"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), `"tool_concurrency"`) {
		t.Fatalf("schema missing agent fields: %s", out.String())
	}
}

func TestConfigValidate(t *testing.T) {
	good := writeConfig(t, "llm:\n  provider: openai\n")
	var out bytes.Buffer
	if err := runConfigValidate(&out, good); err != nil {
		t.Fatalf("runConfigValidate: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out.String()), ": ok") {
		t.Fatalf("output=%q", out.String())
	}

	bad := writeConfig(t, "llm:\n  provider: nope\nagent:\n  max_steps: -1\n")
	out.Reset()
	if err := runConfigValidate(&out, bad); err == nil {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(out.String(), "2 problem(s)") || !strings.Contains(out.String(), "agent.max_steps") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("CHATLINE_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Fatalf("default=%q", got)
	}
	t.Setenv("CHATLINE_CONFIG", "/etc/chatline.yaml")
	if got := resolveConfigPath(""); got != "/etc/chatline.yaml" {
		t.Fatalf("env=%q", got)
	}
	if got := resolveConfigPath("local.yaml"); got != "local.yaml" {
		t.Fatalf("explicit=%q", got)
	}
}

func TestNewToolRegistryModes(t *testing.T) {
	registry, err := newToolRegistry(config.ToolsConfig{
		Confirm:  []string{weather.ToolName},
		Disabled: []string{schedule.CancelToolName},
	})
	if err != nil {
		t.Fatalf("newToolRegistry: %v", err)
	}

	def, ok := registry.Lookup(weather.ToolName)
	if !ok || def.Mode != agent.ModeConfirm {
		t.Fatalf("weather should require confirmation: %+v", def)
	}
	for _, name := range []string{clock.ToolName, schedule.ScheduleToolName, schedule.ListToolName} {
		def, ok := registry.Lookup(name)
		if !ok || def.Mode != agent.ModeAutomatic {
			t.Fatalf("%s should run automatically", name)
		}
	}
	if _, ok := registry.Lookup(schedule.CancelToolName); ok {
		t.Fatalf("disabled tool was registered")
	}
}

func TestNewToolRegistryModeOverrides(t *testing.T) {
	registry, err := newToolRegistry(config.ToolsConfig{
		Confirm: []string{weather.ToolName},
		Modes: map[string]string{
			weather.ToolName:          "automatic",
			schedule.ScheduleToolName: "confirm",
		},
	})
	if err != nil {
		t.Fatalf("newToolRegistry: %v", err)
	}
	if def, ok := registry.Lookup(weather.ToolName); !ok || def.Mode != agent.ModeAutomatic {
		t.Fatalf("modes entry should override confirm list: %+v", def)
	}
	if def, ok := registry.Lookup(schedule.ScheduleToolName); !ok || def.Mode != agent.ModeConfirm {
		t.Fatalf("scheduleTask should require confirmation: %+v", def)
	}
}

func TestNewToolRegistryRejectsUnknownNames(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ToolsConfig
		want string
	}{
		{"confirm typo", config.ToolsConfig{Confirm: []string{"scheduleTsk"}}, `tools.confirm: "scheduleTsk"`},
		{"disabled typo", config.ToolsConfig{Disabled: []string{"getWeather"}}, `tools.disabled: "getWeather"`},
		{"modes typo", config.ToolsConfig{Modes: map[string]string{"cancelTask": "confirm"}}, `tools.modes: "cancelTask"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newToolRegistry(tt.cfg)
			if err == nil {
				t.Fatalf("expected error for unknown tool name")
			}
			if !strings.Contains(err.Error(), tt.want) || !strings.Contains(err.Error(), schedule.ScheduleToolName) {
				t.Fatalf("error=%v", err)
			}
		})
	}

	if _, err := newToolRegistry(config.ToolsConfig{Confirm: []string{"SCHEDULETASK"}}); err != nil {
		t.Fatalf("names match case-insensitively: %v", err)
	}
}

func TestNewToolExecutorUsesAgentSettings(t *testing.T) {
	cfg := config.Default().Agent
	cfg.ToolMaxAttempts = 3
	cfg.ToolRetryBackoff = time.Millisecond
	executor := newToolExecutor(cfg, discardLogger(), nil)

	var attempts int
	tool := &flakyTool{fail: 2, attempts: &attempts}
	res, err := executor.ExecuteSingle(context.Background(), agent.ToolEnv{}, &agent.ToolDefinition{Tool: tool}, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("ExecuteSingle: %v", err)
	}
	if res.Content != "ok" || attempts != 3 {
		t.Fatalf("content=%q attempts=%d", res.Content, attempts)
	}
}

type flakyTool struct {
	fail     int
	attempts *int
}

func (t *flakyTool) Name() string            { return "flaky" }
func (t *flakyTool) Description() string     { return "fails a few times" }
func (t *flakyTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func (t *flakyTool) Execute(context.Context, agent.ToolEnv, json.RawMessage) (*agent.ToolResult, error) {
	*t.attempts++
	if *t.attempts <= t.fail {
		return nil, agent.NewToolError("flaky", errors.New("upstream busy")).WithType(agent.ToolErrorNetwork)
	}
	return &agent.ToolResult{Content: "ok"}, nil
}

func TestToolsListCommand(t *testing.T) {
	path := writeConfig(t, "tools:\n  confirm: [scheduleTask]\n  disabled: [cancelScheduledTask]\n  clock:\n    base_url: \"off\"\n")
	var out bytes.Buffer
	if err := runToolsList(&out, path); err != nil {
		t.Fatalf("runToolsList: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "scheduleTask") || !strings.Contains(got, "confirm") {
		t.Fatalf("output=%q", got)
	}
	if strings.Contains(got, schedule.CancelToolName) {
		t.Fatalf("disabled tool listed: %q", got)
	}
}

func TestToolsRunCommand(t *testing.T) {
	path := writeConfig(t, "tools:\n  clock:\n    base_url: \"off\"\n")
	ctx := context.Background()

	var out bytes.Buffer
	if err := runToolsRun(ctx, &out, path, clock.ToolName, `{"location":"Tokyo"}`); err != nil {
		t.Fatalf("runToolsRun: %v", err)
	}
	if !strings.HasPrefix(out.String(), "The current time in Tokyo is") {
		t.Fatalf("output=%q", out.String())
	}

	if err := runToolsRun(ctx, io.Discard, path, "nope", "{}"); !errors.Is(err, agent.ErrUnknownTool) {
		t.Fatalf("unknown tool error=%v", err)
	}
	if err := runToolsRun(ctx, io.Discard, path, clock.ToolName, `{"location":42}`); !errors.Is(err, agent.ErrInvalidArguments) {
		t.Fatalf("bad arguments error=%v", err)
	}
}

func TestNewProviderRejectsUnknown(t *testing.T) {
	if _, err := newProvider(config.LLMConfig{Provider: "bedrock"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if _, err := newProvider(config.LLMConfig{Provider: config.ProviderOpenAI, APIKey: "sk-test"}); err != nil {
		t.Fatalf("openai provider: %v", err)
	}
}

func TestBuildAppServesTurns(t *testing.T) {
	cfg := config.Default()
	a, err := buildApp(context.Background(), cfg, discardLogger(), echoProvider{})
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { _ = a.close(context.Background()) })

	ts := httptest.NewServer(a.gateway.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/v1/conversations", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics output missing go collector")
	}
}

func TestApplyReload(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Clock.BaseURL = "off"
	var buf bytes.Buffer
	logs := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: "json", Output: &buf})
	a, err := buildApp(context.Background(), cfg, logs.Slog(), echoProvider{})
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { _ = a.close(context.Background()) })

	next := *cfg
	next.Logging.Level = "debug"
	next.Agent.ToolKeywords = []string{"forecast"}
	a.applyReload(&next, logs, false)

	if a.config.Logging.Level != "debug" || a.config.Agent.ToolKeywords[0] != "forecast" {
		t.Fatalf("live config not updated: %+v", a.config.Agent)
	}
	logs.Slog().Debug("debug after reload")
	if !strings.Contains(buf.String(), "debug after reload") {
		t.Fatalf("log level not applied: %s", buf.String())
	}
	if strings.Contains(buf.String(), "need a restart") {
		t.Fatalf("live-only change reported as needing restart: %s", buf.String())
	}

	next.Tools.Confirm = []string{"getWeatherInformation"}
	a.applyReload(&next, logs, false)
	if !strings.Contains(buf.String(), "need a restart") || !strings.Contains(buf.String(), `"tools_changed":true`) {
		t.Fatalf("tools change not reported: %s", buf.String())
	}
	if len(a.config.Tools.Confirm) != 0 {
		t.Fatalf("tools section applied live: %v", a.config.Tools.Confirm)
	}
}

func TestApplyReloadKeepsDebugLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Clock.BaseURL = "off"
	var buf bytes.Buffer
	logs := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "json", Output: &buf})
	a, err := buildApp(context.Background(), cfg, logs.Slog(), echoProvider{})
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { _ = a.close(context.Background()) })

	next := *cfg
	next.Logging.Level = "error"
	a.applyReload(&next, logs, true)

	logs.Slog().Debug("still debugging")
	if !strings.Contains(buf.String(), "still debugging") {
		t.Fatalf("--debug level overridden by reload: %s", buf.String())
	}
}

func TestTasksListFromSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "chatline.db")
	path := writeConfig(t, "storage:\n  driver: sqlite\n  dsn: "+dsn+"\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg.Storage)
	if err != nil {
		t.Fatalf("openDB: %v", err)
	}
	store, err := cron.NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	scheduler, err := cron.NewScheduler(store)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	when := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	if _, err := scheduler.Schedule(ctx, "conv-1", models.TriggerSpec{Type: models.TriggerScheduled, Date: &when}, "call mom"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	db.Close()

	var out bytes.Buffer
	if err := runTasksList(ctx, &out, path, "conv-1", false); err != nil {
		t.Fatalf("runTasksList: %v", err)
	}
	if !strings.Contains(out.String(), "call mom") || !strings.Contains(out.String(), "scheduled") {
		t.Fatalf("output=%q", out.String())
	}

	out.Reset()
	if err := runTasksList(ctx, &out, path, "conv-2", false); err != nil {
		t.Fatalf("runTasksList: %v", err)
	}
	if strings.TrimSpace(out.String()) != "No scheduled tasks found." {
		t.Fatalf("output=%q", out.String())
	}
}

func TestTasksListRequiresSQL(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\n")
	err := runTasksList(context.Background(), io.Discard, path, "conv-1", false)
	if err == nil || !strings.Contains(err.Error(), "sqlite or postgres") {
		t.Fatalf("expected storage error, got %v", err)
	}
}
