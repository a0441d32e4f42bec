// Package main provides the CLI entry point for chatline, a conversational
// assistant that gives a language model weather, local time and task
// scheduling tools.
//
// # Basic Usage
//
// Start the server:
//
//	chatline serve --config chatline.yaml
//
// Print or check the configuration schema:
//
//	chatline config schema
//	chatline config validate --config chatline.yaml
//
// List a conversation's scheduled tasks (SQL storage only):
//
//	chatline tasks list --conversation <id>
//
// # Environment Variables
//
//   - CHATLINE_CONFIG: Path to configuration file (default: chatline.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: used when llm.api_key
//     is empty, for the matching provider
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatline",
		Short: "chatline - conversational assistant with tool orchestration",
		Long: `chatline routes chat messages to a language model and lets the model call
tools: weather lookup, local time lookup and task scheduling. Tools can be
configured to wait for user confirmation before they run.

Supported LLM providers: Anthropic, OpenAI, Google Gemini`,
		Version:      versionString(),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildTasksCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}
