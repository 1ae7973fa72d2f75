package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/jkaninda/crucible/internal/audit"
	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/config"
	"github.com/jkaninda/crucible/internal/engine"
	"github.com/jkaninda/crucible/internal/observability"
	"github.com/jkaninda/crucible/internal/sandbox"
	"github.com/jkaninda/crucible/internal/tools"
	mcptools "github.com/jkaninda/crucible/internal/tools/mcp"
	"github.com/jkaninda/crucible/internal/validator"
)

// SharedComponents holds the subsystems that both serve and run modes
// require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs      *observability.Observability
	Journal  *audit.Journal       // nil = audit disabled.
	Registry *capability.Registry // Host tool registry.
	Invoker  capability.Invoker   // Registry, possibly instrumented.
	Engine   *engine.Engine

	mcpBridge *mcptools.Bridge // nil = no MCP servers configured.
	cleanups  []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the common initialization shared between serve and
// run modes. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Data directory.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Audit journal.
	if cfg.Audit != nil && cfg.Audit.Enabled {
		journal, err := audit.Open(audit.Config{
			LogPath:      cfg.AuditLogPath(),
			DatabasePath: cfg.AuditDatabasePath(),
		}, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("opening audit journal: %w", err)
		}
		sc.Journal = journal
		sc.addCleanup(func() {
			if err := journal.Close(); err != nil {
				logger.Error("closing audit journal", slog.String("error", err.Error()))
			}
		})
		if obs != nil && obs.Health != nil {
			obs.Health.AddCheck("audit_db", journal.Ping)
		}
	}

	// Capability registry.
	registry, bridge, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("building capability registry: %w", err)
	}
	sc.Registry = registry
	sc.mcpBridge = bridge
	if bridge != nil {
		sc.addCleanup(bridge.Close)
	}
	logger.Debug("capability registry initialized",
		slog.Int("capabilities", registry.Catalog().Len()),
	)

	var invoker capability.Invoker = registry
	if obs != nil && obs.Metrics != nil {
		invoker = observability.NewInstrumentedInvoker(registry, obs.Metrics, obs.Tracer)
	}
	sc.Invoker = invoker

	// Execution strategies.
	strategies := buildStrategies(cfg, obs, logger)
	if obs != nil && obs.Health != nil && strategyConfigured(cfg, "docker") {
		obs.Health.AddCheck("docker", func(ctx context.Context) error {
			return exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").Run()
		})
	}

	// Engine.
	opts := engine.Options{
		DefaultBackend:   cfg.Engine.Backend(),
		DefaultBudget:    cfg.Engine.Budget,
		ValidationMode:   validationMode(cfg),
		EnforceWhitelist: cfg.Validator.EnforceWhitelist,
		MaxConcurrent:    cfg.Engine.Concurrency(),
		Logger:           logger,
	}
	if sc.Journal != nil {
		opts.Recorder = sc.Journal
	}
	if obs != nil {
		if ts := obs.TracerOrNil(); ts != nil {
			opts.Tracer = ts.Tracer()
		}
		if m := obs.MetricsOrNil(); m != nil {
			opts.OnValidation = func(mode validator.Mode, report validator.Report) {
				result := "accepted"
				if !report.Accepted {
					result = "rejected"
				}
				m.ValidationsTotal.WithLabelValues(string(mode), result).Inc()
				for _, f := range report.Findings {
					m.ValidationFindingsTotal.WithLabelValues(string(f.Kind), f.Rule).Inc()
				}
			}
		}
	}

	eng, err := engine.New(strategies, opts)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	sc.Engine = eng
	logger.Debug("engine initialized",
		slog.String("default_backend", cfg.Engine.Backend()),
		slog.Int("max_concurrent", cfg.Engine.Concurrency()),
	)

	return sc, nil
}

// buildRegistry assembles the host tool registry from the builtin
// capabilities and any configured MCP servers.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*capability.Registry, *mcptools.Bridge, error) {
	registry := capability.NewRegistry()

	if cfg.Capabilities.GetTime {
		registry.Register(tools.GetTime{})
	}
	if hf := cfg.Capabilities.HTTPFetch; hf != nil && hf.Enabled {
		registry.Register(tools.NewHTTPFetch(hf, logger))
	}

	if len(cfg.Capabilities.MCP) == 0 {
		return registry, nil, nil
	}

	bridge := mcptools.NewBridge(logger)
	for _, server := range cfg.Capabilities.MCP {
		adapters, err := bridge.ConnectAndDiscover(ctx, server)
		if err != nil {
			bridge.Close()
			return nil, nil, fmt.Errorf("connecting MCP server %q: %w", server.Name, err)
		}
		for _, t := range adapters {
			registry.Register(t)
		}
	}
	return registry, bridge, nil
}

// buildStrategies wires the three execution backends, instrumented when
// observability is on.
func buildStrategies(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) []engine.Strategy {
	raw := []engine.Strategy{
		sandbox.NewProcess(cfg.Sandbox.RunnerPath, logger),
		&sandbox.InProcess{Logger: logger, MatchTimeout: cfg.Sandbox.MatchTimeout()},
		sandbox.NewDocker(sandbox.DockerConfig{
			Image:    cfg.Sandbox.Docker.Image,
			CPUCores: cfg.Sandbox.Docker.CPUCores,
		}, logger),
	}

	if obs == nil || obs.Metrics == nil {
		return raw
	}
	wrapped := make([]engine.Strategy, len(raw))
	for i, s := range raw {
		wrapped[i] = observability.NewInstrumentedStrategy(s, obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	return wrapped
}

func strategyConfigured(cfg *config.Config, name string) bool {
	return cfg.Engine.Backend() == name
}

func validationMode(cfg *config.Config) validator.Mode {
	if cfg.Validator.Mode == string(validator.ModeStrict) {
		return validator.ModeStrict
	}
	return validator.ModeStandard
}
