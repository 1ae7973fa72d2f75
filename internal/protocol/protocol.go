// Package protocol is the JSON-lines wire format between the supervising
// engine and a runner child. One frame per line; the child multiplexes
// concurrent capability invocations over the same pipe pair, so every
// invoke carries a correlation id. Script output never shares the
// protocol stream: it travels inside the final outcome frame.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/engine"
)

// Frame types.
const (
	TypeStart        = "start"
	TypeInvoke       = "invoke"
	TypeInvokeResult = "invoke_result"
	TypeFinal        = "final"
)

// Frame is the envelope for every line on the wire. Only the fields for
// the given Type are populated.
type Frame struct {
	Type string `json:"type"`

	// TypeStart (parent -> child)
	Source         string            `json:"source,omitempty"`
	Budget         *engine.Budget    `json:"budget,omitempty"`
	Capabilities   []capability.Spec `json:"capabilities,omitempty"`
	MaxConcurrency int               `json:"max_concurrency,omitempty"`

	// TypeInvoke (child -> parent) and TypeInvokeResult (parent -> child)
	ID         string          `json:"id,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Arguments  map[string]any  `json:"arguments,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      string          `json:"error,omitempty"`

	// TypeFinal (child -> parent)
	Outcome *engine.Outcome `json:"outcome,omitempty"`
}

// StartFrame builds the opening frame for run.
func StartFrame(source string, run engine.Run) Frame {
	b := run.Budget
	return Frame{
		Type:           TypeStart,
		Source:         source,
		Budget:         &b,
		Capabilities:   run.Catalog.Specs(),
		MaxConcurrency: run.MaxConcurrency,
	}
}

// InvokeResult builds the parent's reply to one invoke frame.
func InvokeResult(id string, value any, err error) (Frame, error) {
	f := Frame{Type: TypeInvokeResult, ID: id}
	if err != nil {
		f.Error = err.Error()
		return f, nil
	}
	raw, mErr := json.Marshal(value)
	if mErr != nil {
		f.Error = fmt.Sprintf("capability result not serializable: %v", mErr)
		return f, nil
	}
	f.Value = raw
	return f, nil
}
