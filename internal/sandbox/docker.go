package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/jkaninda/crucible/internal/engine"
	"github.com/jkaninda/crucible/internal/protocol"
)

const (
	defaultDockerImage    = "jkaninda/crucible-runner:latest"
	defaultDockerCPUCores = 1.0
	runnerBinaryInImage   = "/usr/local/bin/crucible"
)

// DockerConfig configures the container strategy.
type DockerConfig struct {
	Image    string  // Runner image; must contain the crucible binary.
	CPUCores float64 // --cpus rate limit.
}

// Docker runs each program in an ephemeral hardened container, speaking
// the runner protocol over the attached stdio.
//
// Hardening, applied to every container:
//   - All Linux capabilities dropped (--cap-drop=ALL)
//   - No privilege escalation (--security-opt=no-new-privileges)
//   - Read-only root filesystem with a small noexec tmpfs
//   - Non-root user (65534), no network stack (--network=none)
//   - Memory hard limit with swap disabled, pids limit, CPU rate limit,
//     all derived from the budget
//   - Container removed even when --rm does not fire
type Docker struct {
	config DockerConfig
	logger *slog.Logger
}

func NewDocker(cfg DockerConfig, logger *slog.Logger) *Docker {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{config: cfg, logger: logger}
}

func (s *Docker) Name() string { return "docker" }

func (s *Docker) Execute(ctx context.Context, run engine.Run) *engine.Outcome {
	budget := run.Budget.WithDefaults(engine.DefaultBudget)
	run.Budget = budget

	containerName, err := containerName()
	if err != nil {
		return backendFailure("generating container name: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, budget.MaxWallTime+waitGrace)
	defer cancel()

	args := dockerArgs(containerName, s.config, budget)
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return backendFailure("opening container stdin: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return backendFailure("opening container stdout: %v", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxStderrBytes}

	s.logger.Info("starting runner container",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.Int64("memory_limit_bytes", budget.MaxMemoryBytes),
		slog.Duration("wall_budget", budget.MaxWallTime),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return backendFailure("starting runner container: %v", err)
	}

	outcome, supErr := protocol.Supervise(ctx, stdin, stdout, run.Program.Source, run, s.logger)

	stdin.Close()
	waitErr := cmd.Wait()
	duration := time.Since(start)

	// Safety net for --rm races on OOM kill or daemon hiccups.
	s.forceRemoveContainer(containerName)

	if supErr == nil {
		s.logger.Info("runner container completed",
			slog.String("container", containerName),
			slog.String("kind", string(outcome.Kind)),
			slog.Duration("duration", duration),
		)
		return outcome
	}

	out := &engine.Outcome{Usage: engine.Usage{Duration: duration}}
	switch {
	case looksLikeOOM(stderrBuf.String()) || exitCode(waitErr) == 137:
		// 137 = SIGKILL, the docker OOM killer's signature when the
		// memory limit is the only thing that kills with it here.
		out.Kind = engine.KindResourceExceeded
		out.Limit = engine.LimitMemory
		out.Error = fmt.Sprintf("container killed: memory budget of %d bytes exceeded", budget.MaxMemoryBytes)
	case ctx.Err() != nil:
		out.Kind = engine.KindTimedOut
		out.Error = fmt.Sprintf("container did not finish within wall clock budget of %s", budget.MaxWallTime)
	default:
		out.Kind = engine.KindBackendFailure
		out.Error = fmt.Sprintf("container runner failed: %v", supErr)
		if waitErr != nil {
			out.Error += fmt.Sprintf(" (exit: %v)", waitErr)
		}
	}
	s.logger.Warn("runner container failed abnormally",
		slog.String("container", containerName),
		slog.String("kind", string(out.Kind)),
		slog.String("error", out.Error),
	)
	return out
}

// dockerArgs builds the docker run argument list, hardening flags plus
// budget-derived resource limits, ending with the image and the runner
// invocation.
func dockerArgs(name string, cfg DockerConfig, budget engine.Budget) []string {
	memoryFlag := strconv.FormatInt(budget.MaxMemoryBytes, 10) + "b"
	cpuFlag := strconv.FormatFloat(cfg.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(budget.MaxProcesses)
	fdsFlag := strconv.Itoa(budget.MaxOpenHandles)

	return []string{
		"run", "--rm", "-i",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--network=none",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // same as memory = swap disabled
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,
		"--ulimit", "nofile=" + fdsFlag + ":" + fdsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16m",

		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--workdir", "/tmp",

		cfg.Image,
		runnerBinaryInImage, "runner",
	}
}

// forceRemoveContainer is best-effort cleanup; errors are logged only.
func (s *Docker) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

func exitCode(waitErr error) int {
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 0
	}
	return exitErr.ExitCode()
}

func containerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "crucible-run-" + hex.EncodeToString(b), nil
}
