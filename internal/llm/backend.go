// Package llm turns provider streaming APIs into the bounded review-chunk
// stream the pipeline consumes, validating the accumulated response
// against the findings schema.
package llm

import "context"

// StreamBackend is one provider binding. Implementations live in
// internal/client and are safe for concurrent use.
type StreamBackend interface {
	// Provider returns the configured provider label.
	Provider() string
	// Model returns the model identifier requests are sent with.
	Model() string
	// Ping verifies connectivity with a minimal request.
	Ping(ctx context.Context) error
	// Stream sends one prompt pair, forwards content deltas to emit in
	// arrival order, and returns the accumulated text. A non-nil error
	// from emit aborts the upstream stream. Cancelling ctx closes the
	// upstream connection.
	Stream(ctx context.Context, system, user string, emit func(delta string) error) (string, error)
}
