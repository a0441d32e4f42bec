package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatline/internal/agent"
	"github.com/haasonsaas/chatline/internal/config"
	"github.com/haasonsaas/chatline/internal/cron"
	"github.com/haasonsaas/chatline/internal/observability"
)

// resolveConfigPath picks the explicit path, then CHATLINE_CONFIG, then the
// default file name.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("CHATLINE_CONFIG")); p != "" {
		return p
	}
	return defaultConfigPath
}

// newLogger builds the process logger from config. debug forces debug level.
func newLogger(cfg config.LoggingConfig, debug bool) *observability.Logger {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Format,
		AddSource:      cfg.AddSource,
		RedactPatterns: cfg.RedactPatterns,
	})
}

// runServe loads configuration, wires the server and blocks until SIGINT or
// SIGTERM.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logs := newLogger(cfg.Logging, debug)
	logger := logs.Slog()
	slog.SetDefault(logger)
	logger.Info("starting chatline",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_provider", cfg.LLM.Provider,
		"storage", cfg.Storage.Driver,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		_ = a.close(context.Background()) //nolint:errcheck
		return err
	}
	if cfg.Reload.Enabled {
		if err := a.watchConfig(ctx, configPath, logs, debug); err != nil {
			_ = a.close(context.Background()) //nolint:errcheck
			return err
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := shutdownContext(cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	if _, err := out.Write(append(schema, '\n')); err != nil {
		return err
	}
	return nil
}

// runConfigValidate prints every problem in the file, one per line.
func runConfigValidate(out io.Writer, configPath string) error {
	_, err := config.Load(configPath)
	if err == nil {
		fmt.Fprintf(out, "%s: ok\n", configPath)
		return nil
	}
	var verr *config.ConfigValidationError
	if errors.As(err, &verr) {
		fmt.Fprintf(out, "%s: %d problem(s)\n", configPath, len(verr.Issues))
		for _, issue := range verr.Issues {
			fmt.Fprintf(out, "  - %s\n", issue)
		}
		return fmt.Errorf("config is invalid")
	}
	return err
}

// runTasksList reads tasks straight from the SQL task store. The memory
// driver keeps tasks inside the server process, so there is nothing to read.
func runTasksList(ctx context.Context, out io.Writer, configPath, conversationID string, jsonOutput bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("--conversation is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Storage.Driver == config.StorageMemory {
		return errors.New("tasks list needs storage.driver sqlite or postgres")
	}

	db, err := openDB(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := cron.NewSQLStore(db)
	if err != nil {
		return err
	}
	tasks, err := store.List(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No scheduled tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNEXT RUN\tDESCRIPTION")
	for _, task := range tasks {
		trigger := string(task.Trigger.Type)
		if task.Trigger.Recurring() {
			trigger += " (" + task.Trigger.Cron + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", task.ID, trigger, task.NextRunAt.Local().Format(time.RFC3339), task.Description)
	}
	return w.Flush()
}

// runToolsList prints every registered tool with its execution mode.
func runToolsList(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	registry, err := newToolRegistry(cfg.Tools)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tDESCRIPTION")
	for _, name := range registry.Names() {
		def, ok := registry.Lookup(name)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, def.Mode, def.Tool.Description())
	}
	return w.Flush()
}

// runToolsRun executes one tool directly. The operator running the command
// stands in for the confirmation, so execution modes do not apply. There is
// no scheduler outside the server, so the scheduling tools report it as
// unavailable.
func runToolsRun(ctx context.Context, out io.Writer, configPath, name, input string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	registry, err := newToolRegistry(cfg.Tools)
	if err != nil {
		return err
	}
	defs, err := registry.Resolve(agent.ToolsNamed(name))
	if err != nil {
		return err
	}
	def := defs[name]

	params := json.RawMessage(input)
	if strings.TrimSpace(input) == "" {
		params = json.RawMessage(`{}`)
	}
	if err := agent.ValidateArguments(def.Tool.Schema(), params); err != nil {
		return err
	}

	executor := newToolExecutor(cfg.Agent, newLogger(cfg.Logging, false).Slog(), nil)
	res, err := executor.ExecuteSingle(ctx, agent.ToolEnv{ToolCallID: "cli-" + uuid.NewString()}, def, params)
	if err != nil {
		if toolErr, ok := agent.GetToolError(err); ok {
			return fmt.Errorf("%s failed (%s): %s", name, toolErr.Type, toolErr.Message)
		}
		return err
	}
	fmt.Fprintln(out, res.Content)
	if res.IsError {
		return fmt.Errorf("%s reported an error", name)
	}
	return nil
}
