package future

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/crucible/internal/capability"
)

// DefaultMaxConcurrency bounds in-flight capability dispatches when the
// caller does not configure a limit.
const DefaultMaxConcurrency = 4

// Resolver owns all futures created within one execution. When any future
// is observed, every other pending future is dispatched concurrently
// (bounded by the concurrency limit) and only the observing operation
// blocks until its specific result is available.
//
// Not shared across executions; each execution gets a fresh Resolver.
type Resolver struct {
	invoker capability.Invoker
	logger  *slog.Logger
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  []*Future
	trace    []TraceEntry
	observed *Future // first future whose failure was seen by the program
}

// NewResolver creates a resolver whose dispatches are bounded by
// maxConcurrency and canceled when ctx is.
func NewResolver(ctx context.Context, invoker capability.Invoker, maxConcurrency int, logger *slog.Logger) *Resolver {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	dctx, cancel := context.WithCancel(ctx)
	return &Resolver{
		invoker: invoker,
		logger:  logger,
		sem:     make(chan struct{}, maxConcurrency),
		ctx:     dctx,
		cancel:  cancel,
	}
}

// NewFuture registers a new pending future for a capability call.
// The call never blocks; dispatch happens at the next observation point.
func (r *Resolver) NewFuture(capability string, args map[string]any) *Future {
	f := newFuture(capability, args)
	r.mu.Lock()
	r.pending = append(r.pending, f)
	r.mu.Unlock()
	return f
}

// Force resolves f, dispatching every other pending future alongside it.
// Observing an already-resolved future is a cheap synchronous read.
// The returned error is the capability's failure, surfaced here — at the
// observation point — rather than at the call point.
func (r *Resolver) Force(ctx context.Context, f *Future) (any, error) {
	select {
	case <-f.done:
		return r.observe(f)
	default:
	}

	// Batch: everything pending since the last resolution point goes out
	// together, bounded by the semaphore. The program author gets the
	// concurrency without writing any.
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, p := range batch {
		r.start(p)
	}
	r.start(f) // no-op if f was in the batch; covers direct forcing

	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return r.observe(f)
}

// observe reads a completed future's result and records the first failure
// the program actually saw. Both Force paths go through here — a batched
// dispatch usually finishes before the program looks at it, and that
// observation must count the same as a blocking one.
func (r *Resolver) observe(f *Future) (any, error) {
	value, err := f.result()
	if err != nil {
		r.mu.Lock()
		if r.observed == nil {
			r.observed = f
		}
		r.mu.Unlock()
	}
	return value, err
}

// start dispatches a future exactly once.
func (r *Resolver) start(f *Future) {
	f.dispatch.Do(func() {
		r.wg.Add(1)
		go r.run(f)
	})
}

func (r *Resolver) run(f *Future) {
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-r.ctx.Done():
		f.complete(nil, r.ctx.Err())
		return
	}

	start := time.Now()
	value, err := r.invoker.Invoke(r.ctx, f.Capability, f.Arguments)
	elapsed := time.Since(start)

	f.complete(value, err)

	entry := TraceEntry{
		Capability: f.Capability,
		Arguments:  f.Arguments,
		Duration:   elapsed,
	}
	if err != nil {
		entry.Error = err.Error()
		r.logger.DebugContext(r.ctx, "capability dispatch failed",
			slog.String("capability", f.Capability),
			slog.String("error", err.Error()),
			slog.Duration("duration", elapsed),
		)
	} else {
		entry.Value = value
	}

	r.mu.Lock()
	r.trace = append(r.trace, entry)
	r.mu.Unlock()
}

// ObservedFailure returns the first failed future whose error the program
// actually observed, or nil. Used to classify the final outcome: a failed
// future that was never observed is simply dropped.
func (r *Resolver) ObservedFailure() *Future {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observed
}

// Trace returns a copy of the resolution trace so far, in completion order.
func (r *Resolver) Trace() []TraceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEntry, len(r.trace))
	copy(out, r.trace)
	return out
}

// Shutdown cancels all in-flight dispatches (best effort) and waits for
// their goroutines to drain. Results arriving after cancellation are
// recorded on the futures but discarded by the caller.
func (r *Resolver) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until all dispatched futures complete without canceling
// them. Used by tests and by orderly end-of-program teardown.
func (r *Resolver) Wait() {
	r.wg.Wait()
}
