// Package llm provides the text-generation capability consumed by the
// tutor engine: a one-shot prompt-in, text-out contract with
// distinguishable failure kinds.
package llm

import (
	"context"
	"fmt"
)

// GenerateRequest is a single generation call. There is no streaming;
// the engine needs one bounded reply per turn.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// GenerateResponse is the backend's reply.
type GenerateResponse struct {
	Text  string
	Model string
}

// Client is the interface all generation backends implement.
type Client interface {
	// Generate sends one request and returns the generated text. The
	// context bounds the call; a deadline expiry surfaces as a
	// BackendError with KindTimeout.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Ping checks whether the backend is reachable.
	Ping(ctx context.Context) error
}

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	// KindTransport covers connection and protocol failures.
	KindTransport ErrorKind = "transport"
	// KindStatus covers non-success HTTP responses.
	KindStatus ErrorKind = "status"
	// KindTimeout covers deadline and cancellation expiry.
	KindTimeout ErrorKind = "timeout"
)

// BackendError is a failed generation call. The engine propagates it
// unretried; retry policy belongs to the caller.
type BackendError struct {
	Kind   ErrorKind
	Status int // HTTP status for KindStatus, zero otherwise
	Err    error
}

func (e *BackendError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("generation backend: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("generation backend: %s: %v", e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
