// ABOUTME: MCP command starts the Model Context Protocol server
// ABOUTME: Lets LLM agents drive the concierge pipeline via stdio
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harper/concierge/internal/delivery"
	"github.com/harper/concierge/internal/logging"
	"github.com/harper/concierge/internal/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// NewMCPCmd creates the MCP command
func NewMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for LLM agents",
		Long: `Start MCP server for LLM agents

Runs concierge as an MCP (Model Context Protocol) server, enabling
LLM agents to process turns, fire follow-ups, reload policy, and
manage user memory via stdio.

Reply parts are returned in the tool result and logged as they come due.`,
		RunE: runMCP,
		Example: `  # Start MCP server (typically called by an MCP client)
  concierge mcp

  # Configure in claude_desktop_config.json:
  # {
  #   "mcpServers": {
  #     "concierge": {
  #       "command": "concierge",
  #       "args": ["mcp"]
  #     }
  #   }
  # }`,
	}

	return cmd
}

// runMCP starts the MCP server
func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol, so parts only go to the log
	a, err := newApp(ctx, delivery.NewLogSink(logging.Component("delivery")))
	if err != nil {
		return err
	}
	defer a.Close()

	server := mcpserver.NewMCPServer("Concierge", versionInfo.Version)

	var docs mcp.DocumentIndex
	if a.retriever != nil {
		docs = a.retriever
	}
	handlers := mcp.RegisterTools(server, a.orch, docs)
	handlers.PolicyDir = a.cfg.PolicyDir

	a.log.Info().Msg("MCP server starting on stdio")

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- mcpserver.ServeStdio(server)
	}()

	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}
	return nil
}
