// Package capability defines the fixed catalog of host operations callable
// from inside the sandbox, and the invoker boundary through which the
// engine reaches the external tool registry. The catalog is built once per
// execution and is read-only inside the sandbox.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownCapability is returned when a name is not in the catalog.
var ErrUnknownCapability = errors.New("unknown capability")

// ErrBadArguments is returned when a call does not satisfy the
// capability's argument contract. This fails at call time, before any
// dispatch — it is a program-authoring error, not a runtime condition.
var ErrBadArguments = errors.New("invalid capability arguments")

// Spec describes one callable capability: its name and the named
// arguments it requires or accepts.
type Spec struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Required    []string `json:"required,omitempty"`
	Optional    []string `json:"optional,omitempty"`
}

// CheckArgs validates named arguments against the spec.
func (s Spec) CheckArgs(args map[string]any) error {
	for _, req := range s.Required {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("%w: %s requires argument %q", ErrBadArguments, s.Name, req)
		}
	}
	if len(s.Required) == 0 && len(s.Optional) == 0 {
		return nil // No declared contract = accept anything.
	}
	allowed := make(map[string]bool, len(s.Required)+len(s.Optional))
	for _, a := range s.Required {
		allowed[a] = true
	}
	for _, a := range s.Optional {
		allowed[a] = true
	}
	for k := range args {
		if !allowed[k] {
			return fmt.Errorf("%w: %s does not accept argument %q", ErrBadArguments, s.Name, k)
		}
	}
	return nil
}

// Catalog is the read-only set of capabilities for one execution, keyed by
// name. Safe to share across concurrent dispatches.
type Catalog struct {
	specs map[string]Spec
}

// NewCatalog builds a catalog from specs. Duplicate names panic — that is
// a wiring error at startup, not a runtime condition.
func NewCatalog(specs []Spec) *Catalog {
	m := make(map[string]Spec, len(specs))
	for _, s := range specs {
		if _, exists := m[s.Name]; exists {
			panic("duplicate capability: " + s.Name)
		}
		m[s.Name] = s
	}
	return &Catalog{specs: m}
}

// Get returns the spec for a name.
func (c *Catalog) Get(name string) (Spec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// Names returns all capability names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns all specs, sorted by name.
func (c *Catalog) Specs() []Spec {
	specs := make([]Spec, 0, len(c.specs))
	for _, name := range c.Names() {
		specs = append(specs, c.specs[name])
	}
	return specs
}

// Len returns the number of capabilities in the catalog.
func (c *Catalog) Len() int { return len(c.specs) }

// Invoker dispatches one capability invocation to the host's tool
// registry. Implementations must be safe to call concurrently for
// distinct invocations.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}
