// Package gateway defines the interface for network entry points. The HTTP
// gateway carries the REST routes and hosts the WebSocket and MCP endpoints.
package gateway

import "context"

// Gateway is a user-facing listener.
type Gateway interface {
	// Start serves until the gateway exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
