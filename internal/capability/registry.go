package capability

import (
	"context"
	"fmt"
	"sync"
)

// Tool is a host-side capability implementation.
type Tool interface {
	// Spec returns the capability's name and argument contract.
	Spec() Spec

	// Execute runs the capability. The returned value must be
	// JSON-serializable (the out-of-process backends ship it over a
	// wire protocol).
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds tools keyed by name and implements Invoker over them.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error,
// not a runtime condition).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Spec().Name
	if _, exists := r.tools[name]; exists {
		panic("duplicate tool registration: " + name)
	}
	r.tools[name] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Catalog builds the read-only capability catalog from the registered
// tools.
func (r *Registry) Catalog() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	return NewCatalog(specs)
}

// Invoke dispatches one invocation to the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	t := r.Get(name)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return t.Execute(ctx, args)
}

// Func adapts a plain function into a Tool. Used by builtin capabilities
// and by tests that need stub registries.
type Func struct {
	spec Spec
	fn   func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunc creates a function-backed tool.
func NewFunc(spec Spec, fn func(ctx context.Context, args map[string]any) (any, error)) *Func {
	return &Func{spec: spec, fn: fn}
}

func (f *Func) Spec() Spec { return f.spec }

func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.fn(ctx, args)
}
