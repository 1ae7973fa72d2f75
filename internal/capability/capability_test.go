package capability

import (
	"context"
	"errors"
	"testing"
)

func TestCheckArgs(t *testing.T) {
	spec := Spec{Name: "search", Required: []string{"query"}, Optional: []string{"limit"}}

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"required present", map[string]any{"query": "x"}, false},
		{"optional present", map[string]any{"query": "x", "limit": 5}, false},
		{"missing required", map[string]any{"limit": 5}, true},
		{"unknown argument", map[string]any{"query": "x", "bogus": 1}, true},
		{"nil args missing required", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := spec.CheckArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckArgs(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadArguments) {
				t.Errorf("error = %v, want ErrBadArguments", err)
			}
		})
	}
}

func TestCheckArgsNoContract(t *testing.T) {
	spec := Spec{Name: "anything"}
	if err := spec.CheckArgs(map[string]any{"whatever": 1}); err != nil {
		t.Errorf("spec without contract rejected args: %v", err)
	}
}

func TestRegistryInvoke(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewFunc(Spec{Name: "echo"}, func(_ context.Context, args map[string]any) (any, error) {
		return args["msg"], nil
	}))

	got, err := reg.Invoke(context.Background(), "echo", map[string]any{"msg": "hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != "hello" {
		t.Errorf("Invoke = %v, want %q", got, "hello")
	}

	_, err = reg.Invoke(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("error = %v, want ErrUnknownCapability", err)
	}
}

func TestCatalogNamesSorted(t *testing.T) {
	cat := NewCatalog([]Spec{{Name: "zeta"}, {Name: "alpha"}, {Name: "mid"}})
	names := cat.Names()
	want := []string{"alpha", "mid", "zeta"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
	if cat.Len() != 3 {
		t.Errorf("Len() = %d, want 3", cat.Len())
	}
}
