// Package api defines public API contracts for shmpipe.
package api

// Health defines the interface for transport liveness and readiness.
type Health interface {
	// Live returns an error once the transport can no longer make progress.
	Live() error
	// Ready returns an error until the transport is open.
	Ready() error
}
