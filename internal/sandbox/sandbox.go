// Package sandbox provides the execution strategies: untrusted programs
// run in-process, in a resource-limited child process, or in an ephemeral
// hardened container. All strategies share the same capability bridge and
// produce the same outcome shape, so callers pick isolation strength
// without changing anything else.
package sandbox

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/crucible/internal/engine"
	"github.com/jkaninda/crucible/internal/interp"
)

const (
	// maxStderrBytes caps captured child diagnostics so a crashing runner
	// cannot flood the supervisor.
	maxStderrBytes = 1 << 20

	// waitGrace is how much longer than the wall-clock budget the
	// supervisor tolerates before force-killing the backend. The runner
	// enforces the budget itself; this only covers a wedged runtime.
	waitGrace = 2 * time.Second
)

// InProcess runs programs on the embedded runtime inside the engine's own
// process. Fastest and weakest: the operation, wall-clock, and output
// ceilings hold, but memory and process ceilings are advisory because the
// script shares the host runtime.
type InProcess struct {
	Logger       *slog.Logger
	MatchTimeout time.Duration
}

func (s *InProcess) Name() string { return "inprocess" }

func (s *InProcess) Execute(ctx context.Context, run engine.Run) *engine.Outcome {
	return interp.Evaluate(ctx, run.Program, run.Budget, run.Catalog, run.Invoker, interp.Config{
		MaxConcurrency: run.MaxConcurrency,
		MatchTimeout:   s.MatchTimeout,
		Logger:         s.Logger,
	})
}

// limitedWriter keeps the first remaining bytes and silently discards the
// rest. It always reports the full input as written: it sits on the
// child's stderr, and a short count would make os/exec's pipe copy abort
// with ErrShortWrite the moment the cap is hit, turning a chatty runner
// into a spurious failure.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining > 0 {
		keep := p
		if len(keep) > lw.remaining {
			keep = keep[:lw.remaining]
		}
		n, err := lw.w.Write(keep)
		lw.remaining -= n
		if err != nil {
			return n, err
		}
	}
	return len(p), nil
}

// oomMarkers are stderr fragments that identify a memory-limit kill on an
// abnormally exited runner.
var oomMarkers = []string{
	"out of memory",
	"cannot allocate memory",
	"runtime: out of memory",
	"fatal error: runtime: cannot allocate",
}

func looksLikeOOM(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range oomMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
