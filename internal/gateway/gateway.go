// Package gateway defines the interface for host-facing entry points.
package gateway

import "context"

// Gateway is a host-facing surface that accepts execution requests
// (currently the HTTP API; the CLI drives the engine directly).
type Gateway interface {
	// Start launches the gateway's serve loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight executions should drain before
	// returning.
	Stop(ctx context.Context) error
}
