package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/crucible/internal/config"
	"github.com/jkaninda/crucible/internal/engine"
	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for one-shot runs, so shell callers can branch on the
// outcome without parsing JSON.
const (
	exitOK               = 0
	exitRuntimeError     = 2
	exitValidationReject = 3
	exitResourceExceeded = 4
	exitTimedOut         = 5
	exitCapabilityError  = 6
	exitBackendFailure   = 7
)

var (
	runConfigPath string
	runBackend    string
	runMaxOps     int64
	runWallTime   int
)

var runCmd = &cobra.Command{
	Use:   "run <program.js>",
	Short: "Execute a single program file and print the outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "execution backend (inprocess, process, docker)")
	runCmd.Flags().Int64Var(&runMaxOps, "max-operations", 0, "override operation budget")
	runCmd.Flags().IntVar(&runWallTime, "max-wall-time", 0, "override wall-clock budget in seconds")
}

func runOnce(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading program: %w", err)
	}

	cfg, err := config.Load(goutils.Env("CRUCIBLE_CONFIG", runConfigPath))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}

	req := engine.Request{
		Source:       string(source),
		Backend:      runBackend,
		Capabilities: sc.Registry.Catalog(),
		Invoker:      sc.Invoker,
	}
	if runMaxOps > 0 {
		req.Budget.MaxOperations = runMaxOps
	}
	if runWallTime > 0 {
		req.Budget.MaxWallTime = time.Duration(runWallTime) * time.Second
	}

	outcome := sc.Engine.Submit(ctx, req)
	sc.Cleanup()

	out, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	os.Exit(exitCode(outcome.Kind))
	return nil
}

func exitCode(kind engine.OutcomeKind) int {
	switch kind {
	case engine.KindSuccess, engine.KindFinalAnswer:
		return exitOK
	case engine.KindRuntimeError:
		return exitRuntimeError
	case engine.KindValidationRejected:
		return exitValidationReject
	case engine.KindResourceExceeded:
		return exitResourceExceeded
	case engine.KindTimedOut:
		return exitTimedOut
	case engine.KindCapabilityError:
		return exitCapabilityError
	default:
		return exitBackendFailure
	}
}
