package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/engine"
	"github.com/jkaninda/crucible/internal/program"
)

func TestUlimitScript(t *testing.T) {
	b := engine.Budget{
		MaxMemoryBytes: 256 << 20,
		MaxWallTime:    10 * time.Second,
		MaxOpenHandles: 64,
		MaxProcesses:   16,
	}
	script := ulimitScript(b)

	wantMemKB := (b.MaxMemoryBytes + runnerBaselineBytes) / 1024
	for _, frag := range []string{
		"ulimit -v " + strconv.FormatInt(wantMemKB, 10),
		"ulimit -t 15",
		"ulimit -n 64",
		"ulimit -u 16",
		`exec "$@"`,
	} {
		if !strings.Contains(script, frag) {
			t.Errorf("script missing %q:\n%s", frag, script)
		}
	}
}

func TestRunnerEnvIsolated(t *testing.T) {
	t.Setenv("SECRET_TOKEN", "leaky")
	env := runnerEnv("/tmp/run-1")
	for _, kv := range env {
		if strings.Contains(kv, "SECRET_TOKEN") {
			t.Fatal("host environment leaked into the runner")
		}
	}
	if !containsPrefix(env, "HOME=/tmp/run-1") || !containsPrefix(env, "TMPDIR=/tmp/run-1") {
		t.Fatalf("runner env missing isolated home/tmp: %v", env)
	}
}

func containsPrefix(env []string, want string) bool {
	for _, kv := range env {
		if kv == want {
			return true
		}
	}
	return false
}

func TestClassifyFailure(t *testing.T) {
	s := NewProcess("", nil)
	budget := engine.DefaultBudget

	t.Run("oom stderr", func(t *testing.T) {
		out := s.classifyFailure(context.Background(), budget,
			errors.New("runner exited without a final outcome"), errors.New("signal: killed"),
			"fatal error: runtime: out of memory\n", time.Second)
		if out.Kind != engine.KindResourceExceeded || out.Limit != engine.LimitMemory {
			t.Fatalf("kind=%s limit=%s", out.Kind, out.Limit)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out := s.classifyFailure(ctx, budget,
			errors.New("reading protocol stream: EOF"), errors.New("signal: killed"),
			"", time.Second)
		if out.Kind != engine.KindTimedOut {
			t.Fatalf("kind = %s, want %s", out.Kind, engine.KindTimedOut)
		}
	})

	t.Run("unknown crash", func(t *testing.T) {
		out := s.classifyFailure(context.Background(), budget,
			errors.New("runner exited without a final outcome"), errors.New("exit status 2"),
			"panic: unrelated\n", time.Second)
		if out.Kind != engine.KindBackendFailure {
			t.Fatalf("kind = %s, want %s", out.Kind, engine.KindBackendFailure)
		}
	})
}

func TestLooksLikeOOM(t *testing.T) {
	cases := map[string]bool{
		"fatal error: runtime: out of memory": true,
		"mmap: cannot allocate memory":        true,
		"panic: index out of range":           false,
		"":                                    false,
	}
	for stderr, want := range cases {
		if got := looksLikeOOM(stderr); got != want {
			t.Errorf("looksLikeOOM(%q) = %v, want %v", stderr, got, want)
		}
	}
}

func TestWallClockKillsWedgedRunner(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process-group teardown check requires linux")
	}

	// A stub runner that never speaks the protocol: it records its own pid
	// and a grandchild's, then sleeps. Cooperative cancellation cannot
	// reach it; only the group SIGKILL can.
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pids")
	stub := filepath.Join(dir, "wedged")
	script := "#!/bin/sh\necho $$ > " + pidFile + "\nsleep 300 &\necho $! >> " + pidFile + "\nwait\n"
	if err := os.WriteFile(stub, []byte(script), 0755); err != nil {
		t.Fatalf("writing stub runner: %v", err)
	}

	s := NewProcess(stub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	prog, err := program.Parse("1 + 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	out := s.Execute(context.Background(), engine.Run{
		Program: prog,
		Budget:  engine.Budget{MaxWallTime: 300 * time.Millisecond, MaxProcesses: 4096},
		Catalog: capability.NewCatalog(nil),
	})
	if out.Kind != engine.KindTimedOut {
		t.Fatalf("kind = %s (error: %s), want %s", out.Kind, out.Error, engine.KindTimedOut)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("stub never started: %v", err)
	}
	var pids []int
	for _, line := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			t.Fatalf("bad pid %q in %q", line, data)
		}
		pids = append(pids, pid)
	}
	if len(pids) != 2 {
		t.Fatalf("pids = %v, want runner and grandchild", pids)
	}

	// Both the runner and its grandchild must be gone: the supervisor
	// kills the whole process group, not just the direct child.
	deadline := time.Now().Add(3 * time.Second)
	for _, pid := range pids {
		for !processGone(pid) {
			if time.Now().After(deadline) {
				t.Fatalf("pid %d still running after wall-clock kill", pid)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// processGone reports whether pid no longer runs. A SIGKILLed orphan may
// linger as a zombie until the reaper collects it; that still counts as
// terminated.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return errors.Is(err, syscall.ESRCH)
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	if i := strings.LastIndexByte(string(data), ')'); i >= 0 && i+2 < len(data) {
		state := data[i+2]
		return state == 'Z' || state == 'X'
	}
	return false
}

func TestLimitedWriterCaps(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, remaining: 5}
	n, err := lw.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if sb.String() != "hello" {
		t.Fatalf("got %q", sb.String())
	}
	if n, _ := lw.Write([]byte("more")); n != 4 || sb.String() != "hello" {
		t.Fatal("writes past the cap must be discarded")
	}
}
