package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/program"
	"github.com/jkaninda/crucible/internal/validator"
)

// Request is one execution submission: the untrusted source plus the
// caller's capability surface and budget overrides.
type Request struct {
	Source string

	// Backend selects the strategy by name. Empty = engine default.
	Backend string

	// Budget fields that are zero fall back to the engine default.
	Budget Budget

	// Capabilities the program may call. Nil = empty catalog.
	Capabilities *capability.Catalog

	// Invoker dispatches capability calls. Required when Capabilities is
	// non-empty.
	Invoker capability.Invoker

	// MaxConcurrency bounds concurrent dispatches within this execution.
	MaxConcurrency int
}

// Recorder receives every completed execution for audit purposes.
type Recorder interface {
	Record(ctx context.Context, backend string, outcome *Outcome)
}

// Options configures an Engine.
type Options struct {
	DefaultBackend string
	DefaultBudget  Budget

	// ValidationMode is "standard" or "strict"; EnforceWhitelist upgrades
	// strict-mode unlisted-callee findings to rejections.
	ValidationMode   validator.Mode
	EnforceWhitelist bool

	// MaxConcurrent caps simultaneously running executions. <=0 = 8.
	MaxConcurrent int

	Logger   *slog.Logger
	Recorder Recorder     // nil = audit disabled
	Tracer   trace.Tracer // nil = tracing disabled

	// OnValidation is called after every static validation pass.
	OnValidation func(mode validator.Mode, report validator.Report)
}

// Engine is the host-facing entry point: it validates, runs, and accounts
// for every execution, and always returns exactly one Outcome.
type Engine struct {
	strategies     map[string]Strategy
	defaultBackend string
	opts           Options
	sem            chan struct{}
	logger         *slog.Logger
}

// New creates an Engine over the given strategies. The first strategy is
// the fallback default when Options.DefaultBackend is empty.
func New(strategies []Strategy, opts Options) (*Engine, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("engine requires at least one strategy")
	}
	byName := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		if _, dup := byName[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate strategy %q", s.Name())
		}
		byName[s.Name()] = s
	}

	def := opts.DefaultBackend
	if def == "" {
		def = strategies[0].Name()
	}
	if _, ok := byName[def]; !ok {
		return nil, fmt.Errorf("default backend %q is not a registered strategy", def)
	}

	if opts.ValidationMode == "" {
		opts.ValidationMode = validator.ModeStandard
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		strategies:     byName,
		defaultBackend: def,
		opts:           opts,
		sem:            make(chan struct{}, maxConcurrent),
		logger:         logger,
	}, nil
}

// Backends returns the registered strategy names.
func (e *Engine) Backends() []string {
	names := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		names = append(names, name)
	}
	return names
}

// Submit runs one program to a terminal outcome. It never returns nil:
// rejections, budget violations, and backend crashes are all outcomes.
// Validation happens before any strategy is touched, so a rejected program
// never reaches a runtime and never dispatches a capability.
func (e *Engine) Submit(ctx context.Context, req Request) *Outcome {
	executionID := uuid.New().String()
	backend := req.Backend
	if backend == "" {
		backend = e.defaultBackend
	}

	if e.opts.Tracer != nil {
		var span trace.Span
		ctx, span = e.opts.Tracer.Start(ctx, "engine.submit",
			trace.WithAttributes(
				attribute.String("execution.id", executionID),
				attribute.String("execution.backend", backend),
			))
		defer span.End()
	}

	logger := e.logger.With(
		slog.String("execution_id", executionID),
		slog.String("backend", backend),
	)

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		out := &Outcome{ExecutionID: executionID, Kind: KindTimedOut,
			Error: "cancelled while waiting for an execution slot"}
		e.record(ctx, backend, out)
		return out
	}

	strategy, ok := e.strategies[backend]
	if !ok {
		out := &Outcome{ExecutionID: executionID, Kind: KindBackendFailure,
			Error: fmt.Sprintf("unknown backend %q", backend)}
		e.record(ctx, backend, out)
		return out
	}

	catalog := req.Capabilities
	if catalog == nil {
		catalog = capability.NewCatalog(nil)
	}
	if catalog.Len() > 0 && req.Invoker == nil {
		out := &Outcome{ExecutionID: executionID, Kind: KindBackendFailure,
			Error: "request supplies capabilities but no invoker to dispatch them"}
		e.record(ctx, backend, out)
		return out
	}

	start := time.Now()

	prog, err := program.Parse(req.Source)
	if err != nil {
		out := e.reject(executionID, []validator.Finding{{
			Kind:    validator.Critical,
			Rule:    "syntax-error",
			Message: err.Error(),
		}})
		logger.Info("program rejected", slog.String("rule", "syntax-error"))
		e.record(ctx, backend, out)
		return out
	}

	report := validator.Validate(prog, validator.Policy{
		Mode:             e.opts.ValidationMode,
		Capabilities:     catalog.Names(),
		EnforceWhitelist: e.opts.EnforceWhitelist,
	})
	if e.opts.OnValidation != nil {
		e.opts.OnValidation(e.opts.ValidationMode, report)
	}
	if !report.Accepted {
		out := e.reject(executionID, report.Findings)
		logger.Info("program rejected",
			slog.Int("findings", len(report.Findings)),
		)
		e.record(ctx, backend, out)
		return out
	}

	out := strategy.Execute(ctx, Run{
		Program:        prog,
		Budget:         req.Budget.WithDefaults(e.opts.DefaultBudget.WithDefaults(DefaultBudget)),
		Catalog:        catalog,
		Invoker:        req.Invoker,
		MaxConcurrency: req.MaxConcurrency,
	})
	out.ExecutionID = executionID
	// Advisory findings from an accepted report travel with the outcome.
	if len(report.Findings) > 0 && len(out.Findings) == 0 {
		out.Findings = report.Findings
	}
	if out.Usage.Duration == 0 {
		out.Usage.Duration = time.Since(start)
	}

	logger.Info("execution completed",
		slog.String("kind", string(out.Kind)),
		slog.Int64("operations", out.Usage.Operations),
		slog.Duration("duration", out.Usage.Duration),
		slog.Int("dispatches", len(out.Trace)),
	)
	e.record(ctx, backend, out)
	return out
}

func (e *Engine) reject(executionID string, findings []validator.Finding) *Outcome {
	msg := "program rejected by static validation"
	if len(findings) > 0 {
		msg = fmt.Sprintf("%s: %s", findings[0].Rule, findings[0].Message)
	}
	return &Outcome{
		ExecutionID: executionID,
		Kind:        KindValidationRejected,
		Error:       msg,
		Findings:    findings,
	}
}

func (e *Engine) record(ctx context.Context, backend string, out *Outcome) {
	if e.opts.Recorder == nil {
		return
	}
	e.opts.Recorder.Record(ctx, backend, out)
}
