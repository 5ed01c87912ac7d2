// Package transport defines the radio link abstraction that couples a
// physical or virtual radio to the engine's frame rings.
//
// A Link is the RX ring's producer and the TX ring's consumer; the
// engine is the opposite on each. Links never touch engine state.
package transport

import "context"

// Link adapts one radio to the frame rings it was constructed with.
type Link interface {
	// Start opens the radio and begins moving frames. The context
	// bounds the link's lifetime.
	Start(ctx context.Context) error
	// Stop shuts the link down and waits for its loops to finish.
	Stop() error
	// IsConnected reports whether the radio is currently usable.
	IsConnected() bool
}
