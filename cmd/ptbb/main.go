// Package main provides the CLI entry point for the ptbb engagement
// orchestration server.
//
// ptbb runs authorized security assessments: it executes whitelisted
// tooling inside per-task working directories, enforces the engagement
// scope on every run, streams live output over websockets, and drives an
// LLM operator through chat or autonomous sessions.
//
// # Basic Usage
//
// Start the server:
//
//	ptbb serve --config ptbb.yaml
//
// Validate a configuration file:
//
//	ptbb config validate --config ptbb.yaml
//
// Manage operator accounts:
//
//	ptbb users add alice --role operator
//	ptbb users list
//
// # Environment Variables
//
// Configuration files may reference environment variables with ${VAR}
// expansion. The LLM API key additionally falls back to:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// defaultConfigName is the configuration file looked for when --config is
// not given. A missing default file falls back to built-in defaults; a
// missing explicit file is an error.
const defaultConfigName = "ptbb.yaml"

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured logging from the first line; serve replaces this logger
	// with the configured one once the config file is loaded.
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
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ptbb",
		Short: "ptbb - engagement orchestration server",
		Long: `ptbb orchestrates authorized security assessments.

It executes whitelisted security tooling, enforces the engagement scope on
every run, records session history and findings, and drives an LLM operator
in chat or autonomous mode with operator approval gates.

All testing activity is restricted to the target scope declared on each
engagement session.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildUsersCmd(),
	)

	return rootCmd
}
