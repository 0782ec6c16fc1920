// Package main provides the CLI entry point for the Relay personal AI
// assistant gateway.
//
// Relay connects messaging adapters to an LLM orchestrator over a single
// websocket endpoint, with plugin tool servers, scheduled tasks, and
// lifecycle hooks.
//
// # Basic Usage
//
// Start the gateway:
//
//	relay serve --config relay.yaml
//
// Check a configuration file without starting anything:
//
//	relay validate --config relay.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Relay - personal AI assistant gateway",
		Long:         "Relay routes messages from chat adapters to an LLM agent loop\nwith plugin tool servers, scheduled tasks, and lifecycle hooks.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateCmd(),
	)
	return rootCmd
}
