// Package services implements the sync engine's business logic: the mutation
// enqueuer and the dispatch loop. This file centralizes the failure taxonomy
// so every dispatch outcome is classified the same way:
//
//   - TransientError: offline, timeout, 5xx. Retried per the backoff policy
//     and never surfaced as a hard failure until the budget is exhausted.
//   - ValidationError: non-duplicate 4xx. Terminal, never retried; the
//     server-provided message is surfaced verbatim.
//   - Duplicate replays are not errors at all: the transport normalizes them
//     to success, which is what makes retries safe.
//
// The dispatcher never propagates errors across the queue boundary; every
// outcome becomes a status transition plus an event.
package services

import (
	"errors"
	"fmt"
)

// Enqueue-time errors.
var (
	// ErrEmptyEntityKind is returned when enqueue is called without a target
	// resource name.
	ErrEmptyEntityKind = errors.New("entity kind is empty")

	// ErrInvalidOperation is returned when the operation is not one of
	// create, update, delete.
	ErrInvalidOperation = errors.New("operation must be create, update or delete")
)

// TransientError wraps a retryable dispatch failure: connection refused,
// request timeout, or a 5xx response.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a terminal rejection by the backend: the request is
// well-formed enough to be judged and was judged invalid, so replaying it
// can never succeed.
type ValidationError struct {
	// StatusCode is the HTTP status the backend answered with.
	StatusCode int
	// Message is the server-provided reason, surfaced verbatim to observers.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("rejected with status %d", e.StatusCode)
}

// IsTerminal reports whether the error must not be retried.
func IsTerminal(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
