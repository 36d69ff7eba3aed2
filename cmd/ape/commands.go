package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the MCP server.
func buildServeCmd() *cobra.Command {
	var stdio bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP capability server",
		Long: `Start the MCP server exposing the builtin tool set, prompt
templates, and resource adapters.

By default the server listens for JSON-RPC over HTTP on PORT, with an
SSE liveness stream on /sse and Prometheus counters on /metrics. With
--stdio it serves newline-delimited frames on stdin/stdout instead and
logs to stderr only.`,
		Example: `  # HTTP transport on $PORT
  ape serve

  # stdio frames for an embedding host
  ape serve --stdio`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdio)
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve stdio frames instead of HTTP")
	return cmd
}

// buildChatCmd creates the "chat" command: an interactive agent session
// against an in-process server.
func buildChatCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent over an in-process server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), sessionID)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to resume (default: new session)")
	return cmd
}

// buildSimulateCmd creates the "simulate" command running the
// proposer/validator two-agent loop.
func buildSimulateCmd() *cobra.Command {
	var (
		turns   int
		opening string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the two-agent proposer/validator simulation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd.Context(), turns, opening)
		},
	}

	cmd.Flags().IntVar(&turns, "turns", 1000, "Maximum rounds to run")
	cmd.Flags().StringVar(&opening, "opening", defaultOpeningMessage, "Opening message seeding the dialogue")
	return cmd
}
