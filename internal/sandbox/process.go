package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/jkaninda/crucible/internal/engine"
	"github.com/jkaninda/crucible/internal/protocol"
)

// runnerBaselineBytes is added on top of the budget's memory ceiling when
// computing the child's address-space limit: the runtime reserves large
// virtual arenas at startup that never become resident.
const runnerBaselineBytes = 1 << 30

// Process runs each program in a freshly spawned runner child with kernel
// resource limits.
//
// Isolation properties:
//   - Runner is this binary re-executed in runner mode, speaking the
//     protocol over stdin/stdout; the script never touches the host pipes
//   - Own process group (Setpgid); the whole group is SIGKILLed on
//     timeout or cancel
//   - ulimit address space, CPU time, open files, and process count from
//     the budget
//   - No environment inheritance; minimal safe set only
//   - Per-execution temp working directory, removed after
//   - Child stderr capped and kept for failure classification
type Process struct {
	// RunnerPath is the executable spawned in runner mode. Empty = the
	// current executable.
	RunnerPath string

	Logger *slog.Logger
}

func NewProcess(runnerPath string, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{RunnerPath: runnerPath, Logger: logger}
}

func (s *Process) Name() string { return "process" }

func (s *Process) Execute(ctx context.Context, run engine.Run) *engine.Outcome {
	budget := run.Budget.WithDefaults(engine.DefaultBudget)
	run.Budget = budget

	bin := s.RunnerPath
	if bin == "" {
		self, err := os.Executable()
		if err != nil {
			return backendFailure("locating runner executable: %v", err)
		}
		bin = self
	}

	ctx, cancel := context.WithTimeout(ctx, budget.MaxWallTime+waitGrace)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "crucible-run-*")
	if err != nil {
		return backendFailure("creating runner temp dir: %v", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.Logger.Warn("failed to remove runner temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	// The runner is launched through sh so ulimit applies inside the
	// child only. exec "$@" keeps the runner path out of the shell
	// string, so nothing is interpolated.
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", ulimitScript(budget), "_", bin, "runner")
	cmd.Dir = tmpDir
	cmd.Env = runnerEnv(tmpDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return backendFailure("opening runner stdin: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return backendFailure("opening runner stdout: %v", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxStderrBytes}

	s.Logger.Info("spawning runner",
		slog.String("runner", bin),
		slog.Int64("memory_limit_bytes", budget.MaxMemoryBytes),
		slog.Duration("wall_budget", budget.MaxWallTime),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return backendFailure("starting runner: %v", err)
	}

	outcome, supErr := protocol.Supervise(ctx, stdin, stdout, run.Program.Source, run, s.Logger)

	stdin.Close()
	waitErr := cmd.Wait()
	duration := time.Since(start)

	if supErr == nil {
		s.Logger.Info("runner completed",
			slog.String("kind", string(outcome.Kind)),
			slog.Duration("duration", duration),
		)
		return outcome
	}

	return s.classifyFailure(ctx, budget, supErr, waitErr, stderrBuf.String(), duration)
}

// classifyFailure maps an abnormal runner exit to an outcome. The runner
// normally reports budget violations itself in the final frame; reaching
// here means it died before it could, most often a kernel-enforced limit.
func (s *Process) classifyFailure(ctx context.Context, budget engine.Budget, supErr, waitErr error, stderr string, duration time.Duration) *engine.Outcome {
	out := &engine.Outcome{Usage: engine.Usage{Duration: duration}}

	switch {
	case looksLikeOOM(stderr):
		out.Kind = engine.KindResourceExceeded
		out.Limit = engine.LimitMemory
		out.Error = fmt.Sprintf("runner killed: memory budget of %d bytes exceeded", budget.MaxMemoryBytes)
	case killedBy(waitErr, syscall.SIGXCPU):
		out.Kind = engine.KindResourceExceeded
		out.Limit = engine.LimitCPU
		out.Error = "runner killed: cpu time budget exceeded"
	case ctx.Err() != nil:
		out.Kind = engine.KindTimedOut
		out.Error = fmt.Sprintf("runner did not finish within wall clock budget of %s", budget.MaxWallTime)
	default:
		out.Kind = engine.KindBackendFailure
		out.Error = fmt.Sprintf("runner failed: %v", supErr)
		if waitErr != nil {
			out.Error += fmt.Sprintf(" (exit: %v)", waitErr)
		}
	}

	s.Logger.Warn("runner failed abnormally",
		slog.String("kind", string(out.Kind)),
		slog.String("error", out.Error),
		slog.Int("stderr_bytes", len(stderr)),
	)
	return out
}

// ulimitScript builds the shell prologue enforcing the budget's kernel
// limits before exec-ing the runner.
func ulimitScript(b engine.Budget) string {
	memKB := (b.MaxMemoryBytes + runnerBaselineBytes) / 1024
	cpuSec := int64(b.MaxWallTime/time.Second) + 5
	return fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; ulimit -n %d 2>/dev/null; ulimit -u %d 2>/dev/null; exec \"$@\"",
		memKB, cpuSec, b.MaxOpenHandles, b.MaxProcesses,
	)
}

// runnerEnv is the minimal environment for the child. The host process
// environment is never inherited, so credentials cannot leak into an
// execution.
func runnerEnv(tmpDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
}

func killedBy(waitErr error, sig syscall.Signal) bool {
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == sig
}

func backendFailure(format string, args ...any) *engine.Outcome {
	return &engine.Outcome{
		Kind:  engine.KindBackendFailure,
		Error: fmt.Sprintf(format, args...),
	}
}
