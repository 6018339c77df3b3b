package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CanopyHQ/xylem/internal/logger"
	"github.com/CanopyHQ/xylem/internal/mcp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"mcp"},
	Short:   "Start MCP server (default)",
	Long: `Start the MCP server using stdio transport.

The server communicates via JSON-RPC over stdin/stdout and is designed
to be connected to by an MCP client such as Claude Code, Cursor, etc.

Examples:
  xylem serve
  xylem mcp`,
	RunE: func(cmd *cobra.Command, args []string) error { return runServe() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xylem %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	Long: `Show the number of stored networks, database size and last activity.

Examples:
  xylem status`,
	RunE: func(cmd *cobra.Command, args []string) error { return runStatus() },
}

func runServe() error {
	fmt.Fprintln(os.Stderr, "🌱 Xylem - decision networks over MCP")
	fmt.Fprintln(os.Stderr, "Starting MCP server (stdio transport)...")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "This server communicates via JSON-RPC over stdin/stdout.")
	fmt.Fprintln(os.Stderr, "It is not an interactive CLI. Connect an MCP client (Claude Code, Cursor, etc.).")
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop. Run 'xylem help' for available commands.")
	fmt.Fprintln(os.Stderr, "")

	log := logger.FromEnv()
	defer log.Sync()

	server, err := mcp.NewServer(mcp.WithLogger(log), mcp.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer server.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Start(ctx)
}

func runStatus() error {
	server, err := mcp.NewServer()
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer server.Stop()

	stats := server.GetStats(context.Background())
	fmt.Printf("Xylem Status:\n")
	fmt.Printf("  Networks: %d\n", stats.Networks)
	fmt.Printf("  Database Size: %s\n", stats.DatabaseSize)
	fmt.Printf("  Last Activity: %s\n", stats.LastActivity)
	return nil
}
