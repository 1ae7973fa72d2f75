// Package interp runs validated programs on an embedded JavaScript
// runtime with the capability bridge, resource accounting, and the
// output/time ceilings wired in. It is the shared core of the in-process
// strategy and of the runner child that the process and docker
// strategies spawn.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/dop251/goja"
	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/engine"
	"github.com/jkaninda/crucible/internal/future"
	"github.com/jkaninda/crucible/internal/program"
)

// DefaultMatchTimeout bounds a single matchPattern evaluation, so a
// pathological pattern cannot burn the whole wall-clock budget.
const DefaultMatchTimeout = 2 * time.Second

// Interrupt sentinels. The runtime stops on these via vm.Interrupt, which
// scripts cannot catch, and Evaluate maps each one to its outcome kind.
var (
	errFinalAnswer = errors.New("final answer submitted")
	errOpBudget    = errors.New("operation budget exhausted")
	errWallClock   = errors.New("wall clock budget exhausted")
)

// Config carries the evaluation knobs that are not part of the budget.
type Config struct {
	MaxConcurrency int
	MatchTimeout   time.Duration
	Logger         *slog.Logger
}

// Evaluate runs an already validated program to a terminal outcome. It
// never returns nil and never panics on script behavior: everything the
// script can do, including hostile loops and oversized output, ends as an
// Outcome.
func Evaluate(ctx context.Context, prog *program.Program, budget engine.Budget, catalog *capability.Catalog, invoker capability.Invoker, cfg Config) *engine.Outcome {
	budget = budget.WithDefaults(engine.DefaultBudget)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	matchTimeout := cfg.MatchTimeout
	if matchTimeout <= 0 {
		matchTimeout = DefaultMatchTimeout
	}

	vm := goja.New()
	resolver := future.NewResolver(ctx, invoker, cfg.MaxConcurrency, logger)
	defer resolver.Shutdown()

	logs := newBoundedBuffer(budget.MaxOutputBytes)

	var ops atomic.Int64
	var answer any
	var answered bool

	// Checkpoint inserted by the instrumentation pass at loop and
	// function entry. Raising the ceiling from inside keeps the stop at
	// an iteration boundary instead of mid-expression.
	vm.Set(opsHook, func() {
		if ops.Add(1) > budget.MaxOperations {
			vm.Interrupt(errOpBudget)
		}
	})

	vm.Set("emit", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		if err := logs.WriteString(strings.Join(parts, " ") + "\n"); err != nil {
			vm.Interrupt(err)
		}
		return goja.Undefined()
	})

	vm.Set("finalAnswer", func(call goja.FunctionCall) goja.Value {
		answered = true
		answer = exportValue(call.Argument(0))
		vm.Interrupt(errFinalAnswer)
		return goja.Undefined()
	})

	vm.Set("matchPattern", func(call goja.FunctionCall) goja.Value {
		pattern := call.Argument(0).String()
		input := call.Argument(1).String()
		re, err := regexp2.Compile(pattern, regexp2.None)
		if err != nil {
			panic(vm.NewTypeError("matchPattern: invalid pattern: %s", err))
		}
		re.MatchTimeout = matchTimeout
		m, err := re.FindStringMatch(input)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("matchPattern: evaluation exceeded %s", matchTimeout)))
		}
		if m == nil {
			return goja.Null()
		}
		return vm.ToValue(m.String())
	})

	// Each catalog entry becomes a global function returning a lazy
	// future. Argument-shape violations fail loudly at the call site;
	// invocation failures wait for the observation point.
	for _, spec := range catalog.Specs() {
		spec := spec
		vm.Set(spec.Name, func(call goja.FunctionCall) goja.Value {
			args, err := exportArgs(call)
			if err != nil {
				panic(vm.NewTypeError("%s: %s", spec.Name, err))
			}
			if err := spec.CheckArgs(args); err != nil {
				panic(vm.NewTypeError("%s: %s", spec.Name, err))
			}
			f := resolver.NewFuture(spec.Name, args)
			return newFutureObject(vm, ctx, resolver, f)
		})
	}

	wallTimer := time.AfterFunc(budget.MaxWallTime, func() {
		vm.Interrupt(errWallClock)
	})
	defer wallTimer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-watchDone:
		}
	}()

	start := time.Now()
	result, runErr := vm.RunString(instrument(prog))
	elapsed := time.Since(start)

	resolver.Shutdown()

	out := &engine.Outcome{
		Logs:  logs.String(),
		Trace: resolver.Trace(),
		Usage: engine.Usage{Operations: ops.Load(), Duration: elapsed},
	}
	classify(out, result, runErr, answered, answer, budget, resolver)
	return out
}

func classify(out *engine.Outcome, result goja.Value, runErr error, answered bool, answer any, budget engine.Budget, resolver *future.Resolver) {
	if runErr == nil {
		out.Kind = engine.KindSuccess
		out.Value = exportValue(result)
		return
	}

	var intr *goja.InterruptedError
	if errors.As(runErr, &intr) {
		cause, _ := intr.Value().(error)
		switch {
		case errors.Is(cause, errFinalAnswer) || answered:
			out.Kind = engine.KindFinalAnswer
			out.Value = answer
		case errors.Is(cause, errOpBudget):
			out.Kind = engine.KindResourceExceeded
			out.Limit = engine.LimitOperations
			out.Error = fmt.Sprintf("operation budget of %d exhausted", budget.MaxOperations)
		case errors.Is(cause, errOutputLimit):
			out.Kind = engine.KindResourceExceeded
			out.Limit = engine.LimitOutput
			out.Error = fmt.Sprintf("output budget of %d bytes exhausted", budget.MaxOutputBytes)
		case errors.Is(cause, errWallClock),
			errors.Is(cause, context.DeadlineExceeded),
			errors.Is(cause, context.Canceled):
			out.Kind = engine.KindTimedOut
			out.Error = fmt.Sprintf("execution exceeded wall clock budget of %s", budget.MaxWallTime)
		default:
			out.Kind = engine.KindBackendFailure
			out.Error = fmt.Sprintf("unexpected interrupt: %v", intr.Value())
		}
		return
	}

	var exc *goja.Exception
	if errors.As(runErr, &exc) {
		out.Error = exc.Error()
		if capabilityFailureFrom(exc) != nil {
			out.Kind = engine.KindCapabilityError
			return
		}
		out.Kind = engine.KindRuntimeError
		return
	}

	out.Kind = engine.KindBackendFailure
	out.Error = runErr.Error()
}

// capabilityFailureFrom digs the typed failure out of an uncaught
// exception. NewGoError keeps the Go error on the thrown object's "value"
// property; a script cannot plant a Go value there, so a forged message
// never matches.
func capabilityFailureFrom(exc *goja.Exception) *capabilityFailure {
	obj, ok := exc.Value().(*goja.Object)
	if !ok {
		return nil
	}
	v := obj.Get("value")
	if v == nil {
		return nil
	}
	cf, _ := v.Export().(*capabilityFailure)
	return cf
}

// exportArgs converts the call arguments to the named-argument map the
// capability contract checks. Capabilities take a single object argument.
func exportArgs(call goja.FunctionCall) (map[string]any, error) {
	if len(call.Arguments) == 0 {
		return map[string]any{}, nil
	}
	arg := call.Argument(0)
	if goja.IsNull(arg) || goja.IsUndefined(arg) {
		return map[string]any{}, nil
	}
	exported := arg.Export()
	args, ok := exported.(map[string]any)
	if !ok {
		return nil, errors.New("arguments must be a single object")
	}
	return args, nil
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
