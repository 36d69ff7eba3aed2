// Package main provides the APE command line: an MCP capability server
// plus the agent runtime that consumes it.
//
// # Basic Usage
//
// Start the server over HTTP (with /metrics and an SSE stream):
//
//	ape serve
//
// Start the server over stdio frames (for embedding in another host):
//
//	ape serve --stdio
//
// Chat interactively against an in-process server:
//
//	ape chat
//
// Run the two-agent simulation:
//
//	ape simulate --turns 50
//
// # Environment Variables
//
//   - MCP_JWT_KEY: HMAC key for signed result envelopes (required)
//   - PORT: HTTP listen port (default 8000)
//   - LLM_MODEL, OLLAMA_BASE_URL: backend model and endpoint
//   - SESSION_DB_PATH: SQLite database path
//   - PROMPTS_DIR: prompt template directory
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ape:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ape",
		Short: "APE - agentic protocol executor",
		Long: `APE exposes a capability catalog (tools, prompts, resources) to
autonomous agents over MCP, and ships the agent runtime that discovers,
invokes, and verifies those capabilities.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildSimulateCmd(),
	)
	return rootCmd
}
