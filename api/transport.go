// Package api defines public API contracts for shmpipe.
package api

import "context"

// Transport moves one byte stream between a sending and a receiving process.
type Transport interface {
	// Send copies src into the transport until io.EOF, then marks the end of
	// the stream.
	Send(ctx context.Context, src Source) error
	// Receive copies the stream into dst until the end-of-stream mark.
	Receive(ctx context.Context, dst Sink) error
	// Close detaches this side and leaves the shared objects in place.
	Close() error
	// Teardown notifies the peer, detaches and removes the shared objects.
	Teardown() error
}
