// Package engine is the trust boundary of the sandbox: it validates
// model-generated source, runs it under a resource budget on a pluggable
// execution strategy, and returns a single structured outcome.
package engine

import (
	"context"
	"time"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/future"
	"github.com/jkaninda/crucible/internal/program"
	"github.com/jkaninda/crucible/internal/validator"
)

// Budget caps the resources one execution may consume. Immutable for the
// lifetime of the execution. Zero fields fall back to host defaults.
type Budget struct {
	MaxOperations  int64         `json:"max_operations" yaml:"max_operations"`
	MaxWallTime    time.Duration `json:"max_wall_time" yaml:"max_wall_time"`
	MaxMemoryBytes int64         `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxProcesses   int           `json:"max_processes" yaml:"max_processes"`
	MaxOpenHandles int           `json:"max_open_handles" yaml:"max_open_handles"`
	MaxOutputBytes int64         `json:"max_output_bytes" yaml:"max_output_bytes"`
}

// DefaultBudget is used where the host configures nothing.
var DefaultBudget = Budget{
	MaxOperations:  250_000,
	MaxWallTime:    10 * time.Second,
	MaxMemoryBytes: 256 << 20, // 256 MB
	MaxProcesses:   16,
	MaxOpenHandles: 64,
	MaxOutputBytes: 64 << 10, // 64 KiB
}

// WithDefaults fills zero fields from d.
func (b Budget) WithDefaults(d Budget) Budget {
	if b.MaxOperations <= 0 {
		b.MaxOperations = d.MaxOperations
	}
	if b.MaxWallTime <= 0 {
		b.MaxWallTime = d.MaxWallTime
	}
	if b.MaxMemoryBytes <= 0 {
		b.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if b.MaxProcesses <= 0 {
		b.MaxProcesses = d.MaxProcesses
	}
	if b.MaxOpenHandles <= 0 {
		b.MaxOpenHandles = d.MaxOpenHandles
	}
	if b.MaxOutputBytes <= 0 {
		b.MaxOutputBytes = d.MaxOutputBytes
	}
	return b
}

// OutcomeKind is the terminal state of one execution.
type OutcomeKind string

const (
	// KindSuccess: the program ran to completion; Value holds the last
	// expression's value.
	KindSuccess OutcomeKind = "success"
	// KindFinalAnswer: the program called finalAnswer(value).
	KindFinalAnswer OutcomeKind = "final_answer"
	// KindRuntimeError: the program raised during execution.
	KindRuntimeError OutcomeKind = "runtime_error"
	// KindValidationRejected: static validation failed; nothing ran and
	// no future was ever created.
	KindValidationRejected OutcomeKind = "validation_rejected"
	// KindResourceExceeded: one specific ceiling was crossed; the Limit
	// field names it.
	KindResourceExceeded OutcomeKind = "resource_exceeded"
	// KindTimedOut: the wall-clock ceiling was crossed.
	KindTimedOut OutcomeKind = "timed_out"
	// KindCapabilityError: a tool invocation failed and the program
	// observed the failure.
	KindCapabilityError OutcomeKind = "capability_error"
	// KindBackendFailure: the isolation mechanism itself failed to start
	// or crashed abnormally. Always fatal to the execution, never retried.
	KindBackendFailure OutcomeKind = "backend_failure"
)

// Limit names for KindResourceExceeded outcomes.
const (
	LimitOperations  = "max_operations"
	LimitMemory      = "max_memory_bytes"
	LimitProcesses   = "max_processes"
	LimitOpenHandles = "max_open_handles"
	LimitOutput      = "max_output_bytes"
	LimitCPU         = "max_cpu_seconds"
)

// Usage reports what the execution actually consumed.
type Usage struct {
	Operations int64         `json:"operations"`
	Duration   time.Duration `json:"duration"`
}

// Outcome is the sole return value of the engine: exactly one per
// execution request, immutable once produced. Failed sandboxed attempts
// are expected, common outcomes the controller must branch on, so they
// are data, not Go errors.
type Outcome struct {
	ExecutionID string              `json:"execution_id,omitempty"`
	Kind        OutcomeKind         `json:"kind"`
	Value       any                 `json:"value,omitempty"`
	Error       string              `json:"error,omitempty"`
	Limit       string              `json:"limit,omitempty"`
	Findings    []validator.Finding `json:"findings,omitempty"`
	Logs        string              `json:"logs,omitempty"`
	Trace       []future.TraceEntry `json:"trace,omitempty"`
	Usage       Usage               `json:"usage"`
}

// Run is one validated execution handed to a strategy: the program, its
// budget, and the capability surface it may reach.
type Run struct {
	Program *program.Program
	Budget  Budget
	Catalog *capability.Catalog
	Invoker capability.Invoker

	// MaxConcurrency bounds concurrent capability dispatches within the
	// execution. Zero = resolver default.
	MaxConcurrency int
}

// Strategy is a pluggable execution backend. Implementations run already
// validated source under the run's budget with the capability bridge
// injected, and must never let the execution outlive the wall-clock
// ceiling by more than a scheduling quantum.
type Strategy interface {
	// Name identifies the backend ("inprocess", "process", "docker").
	Name() string

	// Execute runs the program to a terminal outcome. It never returns
	// nil. Infrastructure failures are reported as KindBackendFailure
	// outcomes, not Go errors.
	Execute(ctx context.Context, run Run) *Outcome
}
