// Package main provides the CLI entry point for coachd, the coaching agent
// session engine.
//
// coachd runs a bounded tool-use loop per user turn over an event-sourced
// session log and exposes turns over HTTP, NDJSON and WebSocket.
//
// # Basic Usage
//
// Start the server:
//
//	coachd serve --config coachd.yaml
//
// Manage database migrations:
//
//	coachd migrate up
//	coachd migrate status
//
// Inspect sessions:
//
//	coachd sessions list --owner runner-1
//	coachd sessions events <session-id>
//
// # Environment Variables
//
//   - COACHD_CONFIG: Path to configuration file (default: coachd.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: referenced from the config as ${VAR}
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "coachd.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coachd",
		Short: "coachd - coaching agent session engine",
		Long: `coachd runs a coaching agent over an append-only session event log.

Each user turn loads relevant knowledge, rebuilds the prompt from the log and
drives the model through at most ten tool calls. Turns are served over HTTP,
NDJSON streams and WebSockets.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildSessionsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("COACHD_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

func addConfigFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "config", "c", "", "Path to YAML or JSON5 configuration file (default: $COACHD_CONFIG or coachd.yaml)")
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "coachd %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
