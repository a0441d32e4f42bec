package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "chatline.yaml"

// buildServeCmd creates the "serve" command that starts the HTTP gateway and
// the task scheduler.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chatline server",
		Long: `Start the chatline server.

The server will:
1. Load configuration from the specified file (or chatline.yaml)
2. Open conversation and task storage
3. Initialize the configured LLM provider and tools
4. Start the task scheduler
5. Serve the HTTP API, websocket chat and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  chatline serve

  # Start with custom config and debug logging
  chatline serve --config /etc/chatline/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}

	var configPath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file and report every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(schemaCmd, validateCmd)
	return cmd
}

// buildTasksCmd creates the "tasks" command group.
func buildTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect scheduled tasks",
	}

	var (
		configPath     string
		conversationID string
		jsonOutput     bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a conversation's scheduled tasks",
		Example: `  chatline tasks list --conversation 3f1c2a --config chatline.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), conversationID, jsonOutput)
		},
	}
	listCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	listCmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation ID")
	listCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print tasks as JSON")
	_ = listCmd.MarkFlagRequired("conversation") //nolint:errcheck

	cmd.AddCommand(listCmd)
	return cmd
}

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and try the built-in tools",
	}

	var configPath string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools and their execution modes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	listCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	var (
		runConfigPath string
		input         string
	)
	runCmd := &cobra.Command{
		Use:   "run <tool>",
		Short: "Run one tool outside of a conversation",
		Args:  cobra.ExactArgs(1),
		Example: `  chatline tools run getLocalTime --input '{"location":"Tokyo"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsRun(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(runConfigPath), args[0], input)
		},
	}
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to configuration file")
	runCmd.Flags().StringVar(&input, "input", "{}", "Tool arguments as a JSON object")

	cmd.AddCommand(listCmd, runCmd)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "chatline "+versionString())
		},
	}
}
