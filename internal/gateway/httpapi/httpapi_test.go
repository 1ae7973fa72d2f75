package httpapi

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/engine"
)

func testRegistry() *capability.Registry {
	reg := capability.NewRegistry()
	reg.Register(capability.NewFunc(
		capability.Spec{Name: "get_time"},
		func(ctx context.Context, args map[string]any) (any, error) { return "now", nil },
	))
	reg.Register(capability.NewFunc(
		capability.Spec{Name: "http_fetch", Required: []string{"url"}},
		func(ctx context.Context, args map[string]any) (any, error) { return "body", nil },
	))
	return reg
}

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGateway(Config{ListenAddr: ":0"}, nil, testRegistry(), nil, nil, logger)
}

func TestCatalogForFullRegistry(t *testing.T) {
	g := testGateway(t)
	catalog, err := g.catalogFor(nil)
	if err != nil {
		t.Fatalf("catalogFor: %v", err)
	}
	if catalog.Len() != 2 {
		t.Errorf("catalog size = %d, want 2", catalog.Len())
	}
}

func TestCatalogForSubset(t *testing.T) {
	g := testGateway(t)
	catalog, err := g.catalogFor([]string{"get_time"})
	if err != nil {
		t.Fatalf("catalogFor: %v", err)
	}
	if catalog.Len() != 1 {
		t.Fatalf("catalog size = %d, want 1", catalog.Len())
	}
	if _, ok := catalog.Get("http_fetch"); ok {
		t.Error("http_fetch should be excluded from the subset")
	}
}

func TestCatalogForUnknownName(t *testing.T) {
	g := testGateway(t)
	if _, err := g.catalogFor([]string{"teleport"}); err == nil {
		t.Fatal("expected error for unknown capability name")
	}
}

func TestBudgetRequestConversion(t *testing.T) {
	b := BudgetRequest{
		MaxOperations:      1000,
		MaxWallTimeSeconds: 5,
		MaxMemoryBytes:     1 << 20,
	}.toBudget()

	if b.MaxOperations != 1000 {
		t.Errorf("MaxOperations = %d", b.MaxOperations)
	}
	if b.MaxWallTime != 5*time.Second {
		t.Errorf("MaxWallTime = %v", b.MaxWallTime)
	}
	if b.MaxMemoryBytes != 1<<20 {
		t.Errorf("MaxMemoryBytes = %d", b.MaxMemoryBytes)
	}
	// Zero fields stay zero so the engine's defaults apply.
	if b.MaxOutputBytes != 0 {
		t.Errorf("MaxOutputBytes = %d, want 0", b.MaxOutputBytes)
	}
	var zero engine.Budget
	if (BudgetRequest{}.toBudget()) != zero {
		t.Error("empty request must convert to the zero budget")
	}
}

func TestClientIDStableAndOpaque(t *testing.T) {
	a := clientID("super-secret-key")
	b := clientID("super-secret-key")
	c := clientID("other-key")

	if a != b {
		t.Error("clientID must be deterministic")
	}
	if a == c {
		t.Error("different keys must map to different IDs")
	}
	if len(a) != 8 {
		t.Errorf("clientID length = %d, want 8", len(a))
	}
	if a == "super-secret-key" {
		t.Error("clientID must not expose the key")
	}
}
