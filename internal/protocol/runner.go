package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/engine"
	"github.com/jkaninda/crucible/internal/interp"
	"github.com/jkaninda/crucible/internal/program"
)

// maxFrameBytes bounds a single protocol line. Sources and capability
// results both travel in frames, so this is generous.
const maxFrameBytes = 8 << 20

// ServeRunner is the child half of the protocol: it reads the start frame,
// evaluates the program with capability calls proxied back over the pipe,
// and writes the final outcome. It returns only on protocol or I/O errors;
// script-level failures are reported inside the final frame.
func ServeRunner(ctx context.Context, r io.Reader, w io.Writer, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading start frame: %w", err)
		}
		return errors.New("input closed before start frame")
	}
	var start Frame
	if err := json.Unmarshal(scanner.Bytes(), &start); err != nil {
		return fmt.Errorf("decoding start frame: %w", err)
	}
	if start.Type != TypeStart {
		return fmt.Errorf("expected start frame, got %q", start.Type)
	}

	out := json.NewEncoder(w)
	var outMu sync.Mutex
	send := func(f Frame) error {
		outMu.Lock()
		defer outMu.Unlock()
		return out.Encode(f)
	}

	inv := &pipeInvoker{send: send, waiting: make(map[string]chan Frame)}
	go inv.demux(scanner)

	outcome := run(ctx, start, inv, logger)
	return send(Frame{Type: TypeFinal, Outcome: outcome})
}

func run(ctx context.Context, start Frame, inv capability.Invoker, logger *slog.Logger) *engine.Outcome {
	prog, err := program.Parse(start.Source)
	if err != nil {
		// The supervisor parses before spawning, so this is a protocol
		// inconsistency rather than a program error.
		return &engine.Outcome{
			Kind:  engine.KindBackendFailure,
			Error: fmt.Sprintf("runner could not parse program: %v", err),
		}
	}
	var budget engine.Budget
	if start.Budget != nil {
		budget = *start.Budget
	}
	return interp.Evaluate(ctx, prog, budget, capability.NewCatalog(start.Capabilities), inv, interp.Config{
		MaxConcurrency: start.MaxConcurrency,
		Logger:         logger,
	})
}

// pipeInvoker proxies capability invocations to the supervisor over the
// protocol stream and blocks until the correlated result arrives.
type pipeInvoker struct {
	send func(Frame) error

	mu      sync.Mutex
	waiting map[string]chan Frame
	readErr error
	closed  bool
}

func (p *pipeInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	id := uuid.New().String()
	ch := make(chan Frame, 1)

	p.mu.Lock()
	if p.closed {
		err := p.readErr
		p.mu.Unlock()
		if err == nil {
			err = errors.New("protocol stream closed")
		}
		return nil, err
	}
	p.waiting[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.waiting, id)
		p.mu.Unlock()
	}()

	if err := p.send(Frame{Type: TypeInvoke, ID: id, Capability: name, Arguments: args}); err != nil {
		return nil, fmt.Errorf("sending invoke frame: %w", err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, errors.New("protocol stream closed")
		}
		if f.Error != "" {
			return nil, errors.New(f.Error)
		}
		var value any
		if len(f.Value) > 0 {
			if err := json.Unmarshal(f.Value, &value); err != nil {
				return nil, fmt.Errorf("decoding capability result: %w", err)
			}
		}
		return value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// demux routes invoke_result frames to their waiting invocation. On stream
// end it fails every outstanding invocation instead of leaving it blocked.
func (p *pipeInvoker) demux(scanner *bufio.Scanner) {
	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}
		if f.Type != TypeInvokeResult {
			continue
		}
		p.mu.Lock()
		ch, ok := p.waiting[f.ID]
		if ok {
			delete(p.waiting, f.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- f
		}
	}
	p.mu.Lock()
	p.closed = true
	p.readErr = scanner.Err()
	for id, ch := range p.waiting {
		close(ch)
		delete(p.waiting, id)
	}
	p.mu.Unlock()
}
