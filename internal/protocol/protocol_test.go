package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/engine"
)

type mapInvoker map[string]func(args map[string]any) (any, error)

func (m mapInvoker) Invoke(_ context.Context, name string, args map[string]any) (any, error) {
	fn, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", capability.ErrUnknownCapability, name)
	}
	return fn(args)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// converse wires a runner and a supervisor together over in-memory pipes.
func converse(t *testing.T, source string, run engine.Run) *engine.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	toChildR, toChildW := io.Pipe()
	toParentR, toParentW := io.Pipe()

	runnerErr := make(chan error, 1)
	go func() {
		runnerErr <- ServeRunner(ctx, toChildR, toParentW, discardLogger())
	}()

	out, err := Supervise(ctx, toChildW, toParentR, source, run, discardLogger())
	if err != nil {
		t.Fatalf("supervise: %v", err)
	}
	if err := <-runnerErr; err != nil {
		t.Fatalf("runner: %v", err)
	}
	return out
}

func TestRoundTripSuccess(t *testing.T) {
	run := engine.Run{
		Budget:  engine.DefaultBudget,
		Catalog: capability.NewCatalog(nil),
		Invoker: mapInvoker{},
	}
	out := converse(t, `emit("hello"); 40 + 2;`, run)
	if out.Kind != engine.KindSuccess {
		t.Fatalf("kind = %s (error: %s)", out.Kind, out.Error)
	}
	// Values cross a JSON boundary, so numbers come back as float64.
	if out.Value != float64(42) {
		t.Fatalf("value = %v (%T), want 42", out.Value, out.Value)
	}
	if out.Logs != "hello\n" {
		t.Fatalf("logs = %q", out.Logs)
	}
}

func TestRoundTripCapabilityInvocation(t *testing.T) {
	run := engine.Run{
		Budget:  engine.DefaultBudget,
		Catalog: capability.NewCatalog([]capability.Spec{{Name: "greet", Required: []string{"name"}}}),
		Invoker: mapInvoker{
			"greet": func(args map[string]any) (any, error) {
				return "hello " + args["name"].(string), nil
			},
		},
	}
	out := converse(t, `const g = greet({name: "world"}); g.length;`, run)
	if out.Kind != engine.KindSuccess {
		t.Fatalf("kind = %s (error: %s)", out.Kind, out.Error)
	}
	if out.Value != float64(len("hello world")) {
		t.Fatalf("value = %v, want %d", out.Value, len("hello world"))
	}
	if len(out.Trace) != 1 || out.Trace[0].Capability != "greet" {
		t.Fatalf("trace = %+v, want one greet entry", out.Trace)
	}
}

func TestRoundTripCapabilityError(t *testing.T) {
	run := engine.Run{
		Budget:  engine.DefaultBudget,
		Catalog: capability.NewCatalog([]capability.Spec{{Name: "flaky"}}),
		Invoker: mapInvoker{
			"flaky": func(map[string]any) (any, error) { return nil, errors.New("upstream 503") },
		},
	}
	out := converse(t, `const r = flaky({}); r.length;`, run)
	if out.Kind != engine.KindCapabilityError {
		t.Fatalf("kind = %s (error: %s)", out.Kind, out.Error)
	}
	if !strings.Contains(out.Error, "upstream 503") {
		t.Fatalf("error = %q, want the upstream cause", out.Error)
	}
}

func TestRoundTripResourceExceeded(t *testing.T) {
	run := engine.Run{
		Budget:  engine.Budget{MaxOperations: 500, MaxWallTime: time.Minute},
		Catalog: capability.NewCatalog(nil),
		Invoker: mapInvoker{},
	}
	out := converse(t, `while (true) {}`, run)
	if out.Kind != engine.KindResourceExceeded || out.Limit != engine.LimitOperations {
		t.Fatalf("kind=%s limit=%s (error: %s)", out.Kind, out.Limit, out.Error)
	}
}

func TestSuperviseRejectsSilentRunner(t *testing.T) {
	toParentR, toParentW := io.Pipe()
	go toParentW.Close()

	run := engine.Run{Catalog: capability.NewCatalog(nil), Invoker: mapInvoker{}}
	_, err := Supervise(context.Background(), io.Discard, toParentR, `1;`, run, discardLogger())
	if err == nil {
		t.Fatal("expected an error when the runner closes without a final frame")
	}
}

func TestInvokeResultSerializesError(t *testing.T) {
	f, err := InvokeResult("id-1", nil, errors.New("nope"))
	if err != nil {
		t.Fatalf("InvokeResult: %v", err)
	}
	if f.Error != "nope" || len(f.Value) != 0 {
		t.Fatalf("frame = %+v", f)
	}
}
