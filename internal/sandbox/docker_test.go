package sandbox

import (
	"slices"
	"strings"
	"testing"

	"github.com/jkaninda/crucible/internal/engine"
)

func TestDockerArgsHardening(t *testing.T) {
	budget := engine.Budget{
		MaxMemoryBytes: 64 << 20,
		MaxProcesses:   8,
		MaxOpenHandles: 32,
	}.WithDefaults(engine.DefaultBudget)

	args := dockerArgs("crucible-run-test", DockerConfig{Image: "crucible-test:latest", CPUCores: 0.5}, budget)

	required := []string{
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--network=none",
		"--memory=67108864b",
		"--memory-swap=67108864b",
		"--cpus=0.50",
		"--pids-limit=8",
	}
	for _, want := range required {
		if !slices.Contains(args, want) {
			t.Errorf("missing %q in args:\n%s", want, strings.Join(args, " "))
		}
	}

	// The runner invocation must come last, after the image.
	n := len(args)
	if n < 3 || args[n-3] != "crucible-test:latest" || args[n-2] != runnerBinaryInImage || args[n-1] != "runner" {
		t.Fatalf("args must end with image and runner invocation, got %v", args[max(0, n-3):])
	}
}

func TestDockerArgsFileHandleLimit(t *testing.T) {
	budget := engine.Budget{MaxOpenHandles: 32}.WithDefaults(engine.DefaultBudget)
	args := dockerArgs("n", DockerConfig{Image: "img"}, budget)
	i := slices.Index(args, "--ulimit")
	if i < 0 || i+1 >= len(args) || args[i+1] != "nofile=32:32" {
		t.Fatalf("expected nofile ulimit from the budget, args: %v", args)
	}
}

func TestContainerNameUnique(t *testing.T) {
	a, err := containerName()
	if err != nil {
		t.Fatal(err)
	}
	b, err := containerName()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("container names collide: %s", a)
	}
	if !strings.HasPrefix(a, "crucible-run-") {
		t.Fatalf("unexpected name %s", a)
	}
}
