package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/browserd/browserd"
	"github.com/hazyhaar/browserd/mcpbridge"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the daemon's commands as MCP tools over stdio",
	Long:  "Run an MCP stdio server whose tools proxy to the daemon socket. Stdout carries the protocol; logs go to stderr.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bridge := mcpbridge.New(browserd.ResolveSocket(flagSocket, nil), logger)
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			return transportErr(err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
