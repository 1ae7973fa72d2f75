package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/crucible/internal/protocol"
)

// runnerCmd is the sandbox worker entry point spawned by the process
// backend. Stdout carries the wire protocol, so all logging goes to
// stderr. Not meant to be invoked by hand.
var runnerCmd = &cobra.Command{
	Use:    "runner",
	Short:  "Run as a sandbox worker (internal)",
	Hidden: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		}))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return protocol.ServeRunner(ctx, os.Stdin, os.Stdout, logger)
	},
}
