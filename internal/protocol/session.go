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

	"github.com/jkaninda/crucible/internal/engine"
)

// Supervise is the parent half of the protocol: it sends the start frame,
// answers the child's capability invocations through run.Invoker, and
// returns the outcome from the final frame. A stream that ends without a
// final frame is an error; the caller decides how to classify it.
func Supervise(ctx context.Context, in io.Writer, out io.Reader, source string, run engine.Run, logger *slog.Logger) (*engine.Outcome, error) {
	enc := json.NewEncoder(in)
	var encMu sync.Mutex
	send := func(f Frame) error {
		encMu.Lock()
		defer encMu.Unlock()
		return enc.Encode(f)
	}

	if err := send(StartFrame(source, run)); err != nil {
		return nil, fmt.Errorf("sending start frame: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			logger.Warn("discarding malformed protocol frame", "error", err)
			continue
		}
		switch f.Type {
		case TypeInvoke:
			// Dispatched concurrently so the child's batched invocations
			// actually overlap.
			wg.Add(1)
			go func(f Frame) {
				defer wg.Done()
				value, err := run.Invoker.Invoke(ctx, f.Capability, f.Arguments)
				reply, _ := InvokeResult(f.ID, value, err)
				if sendErr := send(reply); sendErr != nil {
					logger.Warn("sending invoke result", "capability", f.Capability, "error", sendErr)
				}
			}(f)
		case TypeFinal:
			if f.Outcome == nil {
				return nil, errors.New("final frame without outcome")
			}
			return f.Outcome, nil
		default:
			logger.Warn("unexpected protocol frame", "type", f.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading protocol stream: %w", err)
	}
	return nil, errors.New("runner exited without a final outcome")
}
