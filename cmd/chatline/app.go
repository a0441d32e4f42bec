package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/internal/agent/providers"
	"github.com/haasonsaas/chatline/internal/config"
	"github.com/haasonsaas/chatline/internal/cron"
	"github.com/haasonsaas/chatline/internal/gateway"
	"github.com/haasonsaas/chatline/internal/observability"
	"github.com/haasonsaas/chatline/internal/sessions"
	"github.com/haasonsaas/chatline/internal/storage"
	"github.com/haasonsaas/chatline/internal/tasks"
	"github.com/haasonsaas/chatline/internal/tools/clock"
	"github.com/haasonsaas/chatline/internal/tools/schedule"
	"github.com/haasonsaas/chatline/internal/tools/weather"
)

// app holds the wired components of a running server.
type app struct {
	config    *config.Config
	logger    *slog.Logger
	db        *storage.DB
	runtime   *agent.Runtime
	scheduler *cron.Scheduler
	bridge    *tasks.Bridge
	gateway   *gateway.Server

	reloadMu sync.Mutex
	closers  []func(context.Context) error
}

// buildApp wires storage, the provider, tools, the runtime, the scheduler
// bridge and the gateway from cfg. The provider may be injected for tests.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, provider agent.LLMProvider) (*app, error) {
	a := &app{config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.close(context.Background()) //nolint:errcheck
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	a.closers = append(a.closers, shutdownTracer)

	store, taskStore, locker, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	if provider == nil {
		provider, err = newProvider(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("llm provider: %w", err)
		}
	}

	toolRegistry, err := newToolRegistry(cfg.Tools)
	if err != nil {
		return nil, err
	}
	executor := newToolExecutor(cfg.Agent, logger, metrics)
	executor.SetTracer(tracer)
	orchestrator := agent.NewOrchestrator(toolRegistry, executor, logger)

	driver := agent.NewCompletionDriver(provider, logger, metrics, tracer)
	logger.Info("agent ready",
		"llm_provider", driver.Provider().Name(),
		"tools", toolRegistry.Names(),
		"tool_max_attempts", cfg.Agent.ToolMaxAttempts)
	a.runtime = agent.NewRuntime(driver, orchestrator, store, agent.RuntimeConfig{
		MaxSteps:     cfg.Agent.MaxSteps,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxTokens:    cfg.LLM.MaxTokens,
		HistoryLimit: cfg.Agent.HistoryLimit,
	},
		agent.WithRuntimeLogger(logger),
		agent.WithRuntimeMetrics(metrics),
		agent.WithRuntimeTracer(tracer),
		agent.WithLocker(locker),
		agent.WithSelector(agent.KeywordSelector{Keywords: cfg.Agent.ToolKeywords}),
	)

	a.scheduler, err = cron.NewScheduler(taskStore,
		cron.WithLogger(logger),
		cron.WithExecutionStore(cron.NewMemoryExecutionStore()),
		cron.WithExecutionRetention(cfg.Scheduler.ExecutionRetention),
		cron.WithTickInterval(cfg.Scheduler.TickInterval),
		cron.WithBatchSize(cfg.Scheduler.BatchSize),
		cron.WithTimezone(cfg.Scheduler.Timezone),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	a.bridge, err = tasks.NewBridge(a.scheduler, a.runtime, tasks.WithLogger(logger), tasks.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("scheduler bridge: %w", err)
	}
	a.runtime.SetScheduler(a.bridge)

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.IsEnabled() {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	}
	a.gateway, err = gateway.New(gateway.Config{
		Addr:              cfg.Server.Addr(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MetricsPath:       cfg.Observability.Metrics.Path,
		MetricsHandler:    metricsHandler,
	}, a.runtime, store, a.bridge, gateway.WithLogger(logger), gateway.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// openStores returns the conversation store, task store and conversation
// locker for the configured driver.
func (a *app) openStores(ctx context.Context) (sessions.Store, cron.Store, sessions.Locker, error) {
	cfg := a.config.Storage
	if cfg.Driver == config.StorageMemory {
		return sessions.NewMemoryStore(), cron.NewMemoryStore(), sessions.NewLocalLocker(0), nil
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	store, err := sessions.NewSQLStore(db)
	if err != nil {
		return nil, nil, nil, err
	}
	taskStore, err := cron.NewSQLStore(db)
	if err != nil {
		return nil, nil, nil, err
	}

	lockCfg := sessions.DefaultDBLockerConfig()
	lockCfg.OwnerID = ownerID()
	lockCfg.TTL = cfg.LockTTL
	if lockCfg.RefreshInterval >= lockCfg.TTL {
		lockCfg.RefreshInterval = lockCfg.TTL / 3
	}
	dbLocker, err := sessions.NewDBLocker(db, lockCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return dbLocker.Close() })

	// The local lock comes first so turns inside this process queue without
	// polling the lease table.
	locker := sessions.ChainLocker{sessions.NewLocalLocker(0), dbLocker}
	return store, taskStore, locker, nil
}

func openDB(ctx context.Context, cfg config.StorageConfig) (*storage.DB, error) {
	storageCfg := storage.DefaultConfig()
	storageCfg.Driver = cfg.Driver
	storageCfg.DSN = cfg.DSN
	if cfg.MaxOpenConns > 0 {
		storageCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime > 0 {
		storageCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnectTimeout > 0 {
		storageCfg.ConnectTimeout = cfg.ConnectTimeout
	}
	db, err := storage.Open(ctx, storageCfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return db, nil
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "chatline"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// newProvider builds the configured LLM provider. An empty api_key falls back
// to the provider's conventional environment variable.
func newProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	switch cfg.Provider {
	case config.ProviderAnthropic:
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:         apiKey,
			BaseURL:        cfg.BaseURL,
			MaxRetries:     cfg.MaxRetries,
			RequestTimeout: cfg.RequestTimeout,
			DefaultModel:   cfg.Model,
		})
	case config.ProviderOpenAI:
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
		})
	case config.ProviderGoogle:
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// newToolRegistry registers the built-in tools. A tools.modes entry sets a
// tool's mode; otherwise tools listed in tools.confirm wait for confirmation
// and the rest run automatically. Names that match no built-in tool are
// rejected.
func newToolRegistry(cfg config.ToolsConfig) (*agent.ToolRegistry, error) {
	clockURL := cfg.Clock.BaseURL
	if strings.EqualFold(clockURL, "off") {
		clockURL = ""
	}
	builtin := []agent.Tool{
		weather.New(weather.Config{BaseURL: cfg.Weather.BaseURL, Timeout: cfg.Weather.Timeout}),
		clock.New(clock.Config{BaseURL: clockURL, Timeout: cfg.Clock.Timeout}),
	}
	builtin = append(builtin, schedule.Tools()...)

	if err := checkToolNames(cfg, builtin); err != nil {
		return nil, err
	}

	registry := agent.NewToolRegistry()
	for _, tool := range builtin {
		if cfg.IsDisabled(tool.Name()) {
			continue
		}
		mode := agent.ModeAutomatic
		if cfg.RequiresConfirmation(tool.Name()) {
			mode = agent.ModeConfirm
		}
		if raw, ok := cfg.ModeFor(tool.Name()); ok {
			parsed, err := agent.ParseExecutionMode(raw)
			if err != nil {
				return nil, fmt.Errorf("tools.modes.%s: %w", tool.Name(), err)
			}
			mode = parsed
		}
		if err := registry.Register(tool, mode); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", tool.Name(), err)
		}
	}
	return registry, nil
}

// newToolExecutor maps the agent settings onto the executor.
func newToolExecutor(cfg config.AgentConfig, logger *slog.Logger, metrics *observability.Metrics) *agent.ToolExecutor {
	return agent.NewToolExecutor(agent.ToolExecConfig{
		Concurrency:    cfg.ToolConcurrency,
		PerToolTimeout: cfg.EffectiveToolTimeout(),
		MaxAttempts:    cfg.ToolMaxAttempts,
		RetryBackoff:   cfg.ToolRetryBackoff,
	}, logger, metrics)
}

// checkToolNames fails on any configured tool name that is not built in.
func checkToolNames(cfg config.ToolsConfig, builtin []agent.Tool) error {
	known := make([]string, 0, len(builtin))
	for _, tool := range builtin {
		known = append(known, tool.Name())
	}
	isKnown := func(name string) bool {
		for _, k := range known {
			if strings.EqualFold(strings.TrimSpace(name), k) {
				return true
			}
		}
		return false
	}

	modeNames := make([]string, 0, len(cfg.Modes))
	for name := range cfg.Modes {
		modeNames = append(modeNames, name)
	}
	sort.Strings(modeNames)

	var unknown []string
	for _, group := range []struct {
		key   string
		names []string
	}{
		{"tools.confirm", cfg.Confirm},
		{"tools.disabled", cfg.Disabled},
		{"tools.modes", modeNames},
	} {
		for _, name := range group.names {
			if !isKnown(name) {
				unknown = append(unknown, fmt.Sprintf("%s: %q", group.key, name))
			}
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown tool names (%s); known tools are %s",
			strings.Join(unknown, ", "), strings.Join(known, ", "))
	}
	return nil
}

// start launches the scheduler loop and the HTTP listener.
func (a *app) start(ctx context.Context) error {
	if a.config.Scheduler.IsEnabled() {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		a.closers = append(a.closers, a.scheduler.Stop)
	}
	if err := a.gateway.Start(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, a.gateway.Shutdown)
	return nil
}

// watchConfig reloads path when it changes and applies what can change while
// serving. logs receives level changes unless debug pinned the level.
func (a *app) watchConfig(ctx context.Context, path string, logs *observability.Logger, debug bool) error {
	w, err := config.Watch(ctx, path, a.config.Reload.Debounce, a.logger, func(next *config.Config) {
		a.applyReload(next, logs, debug)
	})
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return w.Close() })
	return nil
}

// applyReload applies the logging level and tool keywords from next. A tool's
// execution mode is bound when it registers, and calls may already be waiting
// for confirmation under it, so changes to the tools section or any other
// section are only reported until the next restart.
func (a *app) applyReload(next *config.Config, logs *observability.Logger, debug bool) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	live := *a.config
	if next.Logging.Level != live.Logging.Level {
		if logs != nil && !debug {
			logs.SetLevel(next.Logging.Level)
		}
		live.Logging.Level = next.Logging.Level
		a.logger.Info("log level changed", "level", next.Logging.Level)
	}
	a.runtime.SetSelector(agent.KeywordSelector{Keywords: next.Agent.ToolKeywords})
	live.Agent.ToolKeywords = next.Agent.ToolKeywords

	pending := *next
	pending.Logging.Level = live.Logging.Level
	pending.Agent.ToolKeywords = live.Agent.ToolKeywords
	if !reflect.DeepEqual(&pending, &live) {
		a.logger.Warn("configuration changes need a restart to apply",
			"tools_changed", !reflect.DeepEqual(next.Tools, live.Tools))
	}
	a.config = &live
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// shutdownContext bounds graceful shutdown.
func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
