// Package future implements the deferred tool-call bridge: every
// capability call from inside the sandbox returns a Future immediately,
// and the Resolver forces pending futures to real values on first
// observation, batching independent calls concurrently.
package future

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of a Future.
type State int8

const (
	// Pending: created, not yet dispatched or still in flight.
	Pending State = iota
	// Resolved: the capability returned a value.
	Resolved
	// Failed: the capability returned an error. The error propagates at
	// the observation point, not the call point.
	Failed
)

func (s State) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Future is a handle for a not-yet-completed capability invocation.
// Created by the bridge on every capability call; owned by the Resolver
// until resolved, after which it is an immutable value holder.
type Future struct {
	ID         uuid.UUID
	Capability string
	Arguments  map[string]any

	mu    sync.Mutex
	state State
	value any
	err   error

	dispatch sync.Once
	done     chan struct{}
}

func newFuture(capability string, args map[string]any) *Future {
	return &Future{
		ID:         uuid.New(),
		Capability: capability,
		Arguments:  args,
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// result reads the terminal value. Only valid after done is closed.
func (f *Future) result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// complete transitions the future to its terminal state exactly once.
func (f *Future) complete(value any, err error) {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return
	}
	if err != nil {
		f.state = Failed
		f.err = err
	} else {
		f.state = Resolved
		f.value = value
	}
	f.mu.Unlock()
	close(f.done)
}

// TraceEntry records one resolved capability invocation. Entries are
// appended in resolution-completion order, which is not necessarily call
// order — consumers that need call order must use the capability identity
// and arguments, not trace position.
type TraceEntry struct {
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Value      any            `json:"value,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
}
