package llm

import (
	"context"
)

// Backend is the capability every inference backend adapter provides.
// Implementations handle protocol translation internally: one Complete call
// performs exactly one attempt against the backend, with no internal retry,
// and every failure is reported as an *Error from the taxonomy.
type Backend interface {
	// Name identifies the backend in logs, results, and errors.
	Name() string

	// Complete performs a single completion attempt.
	// Cancelling ctx aborts the attempt; a deadline expiry is reported as a
	// timeout failure.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
}

// StreamingBackend is the optional streaming capability of a Backend.
// Adapters that cannot stream simply do not implement it.
type StreamingBackend interface {
	Backend

	// Stream starts a streaming completion attempt.
	// The caller must drain or Close the returned Stream.
	Stream(ctx context.Context, req *CompletionRequest) (Stream, error)
}

// Stream represents an incremental completion in progress.
type Stream interface {
	// Next advances to the next event.
	// Returns false when the stream is complete or an error occurs.
	Next() bool

	// Event returns the current event.
	// Should only be called after Next() returns true.
	Event() *StreamEvent

	// Err returns any error that occurred during streaming.
	Err() error

	// Close closes the stream and releases resources.
	Close() error
}

// AsStreaming reports whether a backend can stream, upgrading the interface
// when it can. Callers that need streaming use this instead of asserting
// inline so the capability check reads the same everywhere.
func AsStreaming(b Backend) (StreamingBackend, bool) {
	sb, ok := b.(StreamingBackend)
	return sb, ok
}
