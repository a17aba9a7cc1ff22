// Package main provides the CLI entry point for the Conduit event delivery
// server.
//
// Conduit streams agent-execution progress to browser clients over
// websockets, with per-user isolation, per-thread ordering, and
// buffered restoration across reconnects.
//
// # Basic Usage
//
// Start the server:
//
//	conduit serve --config conduit.yaml
//
// # Environment Variables
//
//   - CONDUIT_CONFIG: Path to configuration file (default: conduit.yaml)
//   - CONDUIT_JWT_SECRET: HS256 secret for connection tokens (referenced
//     from the config file as ${CONDUIT_JWT_SECRET})
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
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

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - real-time agent event delivery",
		Long: `Conduit delivers agent-execution events to browser clients in real time.

Each user's event stream is strictly isolated; threads keep their event
order across disconnects and reconnects, and completion events survive
delivery failures.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conduit %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
