package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  api_key: test-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Fatalf("version=%d want %d", cfg.Version, CurrentVersion)
	}
	if cfg.LLM.Provider != ProviderAnthropic {
		t.Fatalf("provider=%q", cfg.LLM.Provider)
	}
	if cfg.Agent.MaxSteps != 10 || cfg.Agent.ToolConcurrency != 4 {
		t.Fatalf("agent defaults: %+v", cfg.Agent)
	}
	if cfg.Agent.EffectiveToolTimeout() != 30*time.Second {
		t.Fatalf("tool timeout=%v", cfg.Agent.EffectiveToolTimeout())
	}
	if cfg.Storage.Driver != StorageMemory {
		t.Fatalf("storage driver=%q", cfg.Storage.Driver)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Fatalf("addr=%q", cfg.Server.Addr())
	}
	if !cfg.Scheduler.IsEnabled() || !cfg.Observability.Metrics.IsEnabled() {
		t.Fatalf("scheduler and metrics should default on")
	}
	if cfg.Tools.Weather.BaseURL != "https://wttr.in" {
		t.Fatalf("weather base url=%q", cfg.Tools.Weather.BaseURL)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadReportsAllIssues(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: ollama
storage:
  driver: postgres
logging:
  level: loud
scheduler:
  timezone: Mars/Olympus
`)

	_, err := Load(path)
	var verr *ConfigValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ConfigValidationError, got %v", err)
	}
	for _, want := range []string{"llm.provider", "storage.dsn", "logging.level", "scheduler.timezone"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s issue in %v", want, err)
		}
	}
	if len(verr.Issues) != 4 {
		t.Fatalf("issues=%v", verr.Issues)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := writeConfig(t, `
version: 99
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "newer than this build") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CHATLINE_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  provider: openai
  api_key: ${CHATLINE_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Fatalf("api key=%q", cfg.LLM.APIKey)
	}
}

func TestLoadIncludesMerge(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte(`
agent:
  max_steps: 5
  tool_concurrency: 2
tools:
  confirm: [getWeatherInformation]
`), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "chatline.yaml")
	if err := os.WriteFile(main, []byte(`
$include: base.yaml
agent:
  max_steps: 7
`), 0o600); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxSteps != 7 || cfg.Agent.ToolConcurrency != 2 {
		t.Fatalf("agent=%+v", cfg.Agent)
	}
	if !cfg.Tools.RequiresConfirmation("getWeatherInformation") || cfg.Tools.RequiresConfirmation("getLocalTime") {
		t.Fatalf("confirm=%v", cfg.Tools.Confirm)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatline.json5")
	if err := os.WriteFile(path, []byte(`{
  // comments are allowed
  llm: { provider: "google", model: "gemini-2.0-flash" },
  storage: { driver: "sqlite", dsn: ":memory:" },
  agent: { tool_timeout: "-1s" },
}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Provider != ProviderGoogle || cfg.LLM.Model != "gemini-2.0-flash" {
		t.Fatalf("llm=%+v", cfg.LLM)
	}
	if cfg.Storage.Driver != StorageSQLite || cfg.Storage.DSN != ":memory:" {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
	if cfg.Agent.EffectiveToolTimeout() != 0 {
		t.Fatalf("negative tool_timeout should disable the bound, got %v", cfg.Agent.EffectiveToolTimeout())
	}
}

func TestLoadToolRetryAndModes(t *testing.T) {
	path := writeConfig(t, `
agent:
  tool_max_attempts: 3
  tool_retry_backoff: 250ms
tools:
  modes:
    scheduleTask: confirm
    getWeatherInformation: automatic
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.ToolMaxAttempts != 3 || cfg.Agent.ToolRetryBackoff != 250*time.Millisecond {
		t.Fatalf("agent=%+v", cfg.Agent)
	}
	if mode, ok := cfg.Tools.ModeFor("scheduletask"); !ok || mode != "confirm" {
		t.Fatalf("mode=%q ok=%v", mode, ok)
	}
	if _, ok := cfg.Tools.ModeFor("getLocalTime"); ok {
		t.Fatalf("unexpected mode for getLocalTime")
	}

	defaults := Default()
	if defaults.Agent.ToolMaxAttempts != 1 || defaults.Agent.ToolRetryBackoff != 500*time.Millisecond {
		t.Fatalf("default agent=%+v", defaults.Agent)
	}
}

func TestValidateRejectsBadToolMode(t *testing.T) {
	cfg := Default()
	cfg.Tools.Modes = map[string]string{"scheduleTask": "sometimes"}
	cfg.Agent.ToolMaxAttempts = -1
	err := cfg.Validate()
	var verr *ConfigValidationError
	if !errors.As(err, &verr) || len(verr.Issues) != 2 {
		t.Fatalf("expected two issues, got %v", err)
	}
	if !strings.Contains(err.Error(), "tools.modes.scheduleTask") {
		t.Fatalf("error=%v", err)
	}
}

func TestClockBaseURLOff(t *testing.T) {
	cfg := Default()
	cfg.Tools.Clock.BaseURL = "off"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.Tools.Weather.BaseURL = "ftp://example.com"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "tools.weather.base_url") {
		t.Fatalf("expected weather base_url issue, got %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, key := range []string{"llm", "agent", "tools", "storage", "scheduler", "reload"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Fatalf("schema missing %s", key)
		}
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chatline.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestExpandEnvDefaults(t *testing.T) {
	t.Setenv("CHATLINE_SET", "value")
	t.Setenv("CHATLINE_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"${CHATLINE_SET}", "value"},
		{"${CHATLINE_SET:-other}", "value"},
		{"${CHATLINE_EMPTY:-fallback}", "fallback"},
		{"${CHATLINE_UNSET_FOR_TEST}", ""},
		{"${CHATLINE_UNSET_FOR_TEST:-}", ""},
		{"host: ${CHATLINE_UNSET_FOR_TEST:-127.0.0.1}", "host: 127.0.0.1"},
		{"$HOME stays", "$HOME stays"},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadIncludeDepthLimit(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i <= maxIncludeDepth+1; i++ {
		body := fmt.Sprintf("$include: level%d.yaml\n", i+1)
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("level%d.yaml", i)), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	_, err := Load(filepath.Join(dir, "level0.yaml"))
	if err == nil || !strings.Contains(err.Error(), "nested deeper") {
		t.Fatalf("expected depth error, got %v", err)
	}
}
