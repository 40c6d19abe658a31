package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches standard 404 behavior for unknown invoice or
	// template ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition protects the invoice state machine; the attempted
	// change leaves no side effect.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrentModification signals a lost CAS race on the template
	// advance. Callers retry the whole generate-and-advance unit.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrAlreadyGenerated means an invoice for this occurrence already
	// exists. Not a failure: the idempotency guard did its job.
	ErrAlreadyGenerated = errors.New("occurrence already generated")

	// ErrStoreUnavailable wraps storage connectivity failures, distinct from
	// ErrNotFound so callers know a retry can succeed.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError names the field that failed validation so the HTTP layer
// can surface it directly.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
