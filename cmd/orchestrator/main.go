// Package main provides the CLI entry point for the Nexus tool-server
// orchestrator.
//
// Nexus brokers between conversational AI clients and a fleet of sandboxed
// tool servers: it owns session lifecycle, tool-server connections and
// health, and the reason/approve/execute turn loop. The client-facing
// transport (WebSocket/HTTP) and the tool-server processes themselves are
// external collaborators; this binary runs the orchestrator's long-lived
// services and the control endpoints that manage them.
//
// # Basic Usage
//
// Start the orchestrator:
//
//	orchestrator serve --config nexus.yaml
//
// Manage the tool server registry:
//
//	orchestrator registry list --config nexus.yaml
//	orchestrator registry add shell --config nexus.yaml --transport local-stdio --command /usr/bin/bash
//	orchestrator registry remove shell --config nexus.yaml
//
// # Environment Variables
//
// Every field in nexus.yaml is additionally overridable by the
// environment variables documented in internal/config: ANTHROPIC_API_KEY,
// STATE_STORE_URL, ENABLE_SANDBOX_POOL, POOL_MIN_IDLE, POOL_MAX_TOTAL,
// POOL_IDLE_TTL_MS, ENABLE_WORKER_MODE, WORKER_CONCURRENCY,
// JOB_TIMEOUT_MS, ENABLE_CONVERSATION_COMPRESSION, MAX_HISTORY_TOKENS,
// MAX_OUTPUT_TOKENS, HISTORY_TTL_SECONDS, IDLE_SESSION_TTL_MS, LOG_FORMAT.
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
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "orchestrator",
		Short:   "Nexus orchestrator - brokers AI clients and sandboxed tool servers",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Long: `Nexus orchestrator owns session lifecycle, tool-server connections and
health, and the reason/approve/execute turn loop that brokers between
conversational AI clients and a fleet of sandboxed tool servers.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildRegistryCmd(),
		buildHealthCmd(),
	)
	return rootCmd
}
