package future

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingInvoker records every dispatch with start/end timestamps.
type recordingInvoker struct {
	mu    sync.Mutex
	calls []dispatchRecord
	delay time.Duration
	fail  map[string]error
}

type dispatchRecord struct {
	capability string
	start      time.Time
	end        time.Time
}

func (r *recordingInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	start := time.Now()
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	r.calls = append(r.calls, dispatchRecord{capability: name, start: start, end: time.Now()})
	r.mu.Unlock()
	if err, ok := r.fail[name]; ok {
		return nil, err
	}
	return fmt.Sprintf("result:%s", name), nil
}

func (r *recordingInvoker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestForceIdempotent(t *testing.T) {
	inv := &recordingInvoker{}
	r := NewResolver(context.Background(), inv, 4, testLogger())

	f := r.NewFuture("search", map[string]any{"query": "x"})

	v1, err := r.Force(context.Background(), f)
	if err != nil {
		t.Fatalf("first Force: %v", err)
	}
	v2, err := r.Force(context.Background(), f)
	if err != nil {
		t.Fatalf("second Force: %v", err)
	}
	if v1 != v2 {
		t.Errorf("values differ across observations: %v vs %v", v1, v2)
	}
	if got := inv.count(); got != 1 {
		t.Errorf("dispatch count = %d, want 1", got)
	}
	if f.State() != Resolved {
		t.Errorf("state = %v, want Resolved", f.State())
	}
}

func TestBatchDispatchOverlaps(t *testing.T) {
	inv := &recordingInvoker{delay: 50 * time.Millisecond}
	r := NewResolver(context.Background(), inv, 4, testLogger())

	a := r.NewFuture("a", nil)
	b := r.NewFuture("b", nil)
	c := r.NewFuture("c", nil)

	// Observing one future dispatches all three concurrently.
	if _, err := r.Force(context.Background(), a); err != nil {
		t.Fatalf("Force(a): %v", err)
	}
	if _, err := r.Force(context.Background(), b); err != nil {
		t.Fatalf("Force(b): %v", err)
	}
	if _, err := r.Force(context.Background(), c); err != nil {
		t.Fatalf("Force(c): %v", err)
	}
	r.Wait()

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if len(inv.calls) != 3 {
		t.Fatalf("dispatches = %d, want 3", len(inv.calls))
	}
	// All three in-flight windows must overlap: every start precedes
	// every other call's end.
	for i := range inv.calls {
		for j := range inv.calls {
			if i == j {
				continue
			}
			if !inv.calls[i].start.Before(inv.calls[j].end) {
				t.Errorf("dispatch %q did not overlap %q: sequential execution",
					inv.calls[i].capability, inv.calls[j].capability)
			}
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	var inflight, peak atomic.Int32
	inv := funcInvoker(func(ctx context.Context, name string, _ map[string]any) (any, error) {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return name, nil
	})
	r := NewResolver(context.Background(), inv, 2, testLogger())

	futures := make([]*Future, 6)
	for i := range futures {
		futures[i] = r.NewFuture(fmt.Sprintf("cap%d", i), nil)
	}
	if _, err := r.Force(context.Background(), futures[0]); err != nil {
		t.Fatalf("Force: %v", err)
	}
	r.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

type funcInvoker func(ctx context.Context, name string, args map[string]any) (any, error)

func (f funcInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	return f(ctx, name, args)
}

func TestErrorSurfacesAtObservation(t *testing.T) {
	boom := errors.New("stub exploded")
	inv := &recordingInvoker{fail: map[string]error{"bad": boom}}
	r := NewResolver(context.Background(), inv, 4, testLogger())

	good := r.NewFuture("good", nil)
	bad := r.NewFuture("bad", nil)

	// Observing the good future also dispatches the bad one, but no
	// error surfaces yet.
	if _, err := r.Force(context.Background(), good); err != nil {
		t.Fatalf("Force(good): %v", err)
	}
	if r.ObservedFailure() != nil {
		t.Error("failure marked observed before anyone looked at it")
	}

	// The error appears only when the failed future is observed.
	if _, err := r.Force(context.Background(), bad); !errors.Is(err, boom) {
		t.Errorf("Force(bad) error = %v, want %v", err, boom)
	}
	if r.ObservedFailure() != bad {
		t.Error("observed failure not recorded")
	}
	if bad.State() != Failed {
		t.Errorf("state = %v, want Failed", bad.State())
	}
}

func TestCompletedFailureRecordedWhenObserved(t *testing.T) {
	boom := errors.New("stub exploded")
	inv := &recordingInvoker{fail: map[string]error{"bad": boom}}
	r := NewResolver(context.Background(), inv, 4, testLogger())

	good := r.NewFuture("good", nil)
	bad := r.NewFuture("bad", nil)

	if _, err := r.Force(context.Background(), good); err != nil {
		t.Fatalf("Force(good): %v", err)
	}
	// The batched bad dispatch finishes long before the program looks at
	// it; the later observation must still be recorded.
	r.Wait()
	if r.ObservedFailure() != nil {
		t.Fatal("failure marked observed before anyone looked at it")
	}

	if _, err := r.Force(context.Background(), bad); !errors.Is(err, boom) {
		t.Errorf("Force(bad) error = %v, want %v", err, boom)
	}
	if r.ObservedFailure() != bad {
		t.Error("completed failure not recorded at observation")
	}
}

func TestUnobservedFailureDropped(t *testing.T) {
	inv := &recordingInvoker{fail: map[string]error{"bad": errors.New("boom")}}
	r := NewResolver(context.Background(), inv, 4, testLogger())

	good := r.NewFuture("good", nil)
	r.NewFuture("bad", nil)

	if _, err := r.Force(context.Background(), good); err != nil {
		t.Fatalf("Force(good): %v", err)
	}
	r.Wait()

	// The failed dispatch lands in the trace but the run is untouched.
	if r.ObservedFailure() != nil {
		t.Error("unobserved failure should not be marked observed")
	}
	failures := 0
	for _, e := range r.Trace() {
		if e.Error != "" {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("trace failures = %d, want 1", failures)
	}
}

func TestTraceCompletionOrder(t *testing.T) {
	// slow completes after fast even though it is created first.
	inv := funcInvoker(func(ctx context.Context, name string, _ map[string]any) (any, error) {
		if name == "slow" {
			time.Sleep(60 * time.Millisecond)
		}
		return name, nil
	})
	r := NewResolver(context.Background(), inv, 4, testLogger())

	slow := r.NewFuture("slow", nil)
	r.NewFuture("fast", nil)

	if _, err := r.Force(context.Background(), slow); err != nil {
		t.Fatalf("Force: %v", err)
	}
	r.Wait()

	trace := r.Trace()
	if len(trace) != 2 {
		t.Fatalf("trace length = %d, want 2", len(trace))
	}
	if trace[0].Capability != "fast" || trace[1].Capability != "slow" {
		t.Errorf("trace order = [%s %s], want completion order [fast slow]",
			trace[0].Capability, trace[1].Capability)
	}
}

func TestShutdownCancelsInflight(t *testing.T) {
	started := make(chan struct{})
	inv := funcInvoker(func(ctx context.Context, name string, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := NewResolver(context.Background(), inv, 4, testLogger())

	f := r.NewFuture("hang", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Force(context.Background(), f)
	}()

	<-started
	r.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Force did not return after Shutdown")
	}
	if f.State() != Failed {
		t.Errorf("state = %v, want Failed after cancellation", f.State())
	}
}
