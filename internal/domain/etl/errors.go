package etl

import (
	"fmt"
	"time"
)

// ErrorKind identifies specific types of errors that can occur while driving
// providers. This enables error handling code to make decisions based on the
// type of error.
type ErrorKind int

const (
	// ErrKindInvalidStateTransition indicates an attempt to transition to an invalid state.
	ErrKindInvalidStateTransition ErrorKind = iota

	// ErrKindProviderNotFound indicates the requested provider id is not in the registry.
	ErrKindProviderNotFound

	// ErrKindCheckpointUnavailable indicates the checkpoint store could not be
	// consulted while starting or resuming a provider.
	ErrKindCheckpointUnavailable
)

// Error represents domain-specific errors that occur while driving provider
// lifecycles. It provides context about the type of error to enable
// appropriate error handling.
type Error struct {
	msg  string
	kind ErrorKind
}

// Error returns the error message. This implements the error interface.
func (e *Error) Error() string { return e.msg }

// Is enables error matching by comparing error kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// Sentinels for errors.Is matching against the kinds above.
var (
	ErrInvalidStateTransition = &Error{msg: "invalid state transition", kind: ErrKindInvalidStateTransition}
	ErrProviderNotFound       = &Error{msg: "provider not found", kind: ErrKindProviderNotFound}
	ErrCheckpointUnavailable  = &Error{msg: "checkpoint store unavailable", kind: ErrKindCheckpointUnavailable}
)

// NewInvalidStateTransitionError creates an error for invalid state transitions.
// It includes the attempted transition details to aid in debugging.
func NewInvalidStateTransitionError(from, to ProviderState) error {
	return &Error{
		msg:  fmt.Sprintf("invalid state transition from %s to %s", from, to),
		kind: ErrKindInvalidStateTransition,
	}
}

// NewProviderNotFoundError creates an error for a provider id that is absent
// from the registry.
func NewProviderNotFoundError(id string) error {
	return &Error{
		msg:  fmt.Sprintf("provider not found: %s", id),
		kind: ErrKindProviderNotFound,
	}
}

// NewCheckpointUnavailableError wraps a checkpoint store failure that blocked
// a start or resume attempt.
func NewCheckpointUnavailableError(id string, cause error) error {
	return &Error{
		msg:  fmt.Sprintf("checkpoint store unavailable for provider %s: %v", id, cause),
		kind: ErrKindCheckpointUnavailable,
	}
}

// QuotaExceededError is returned by a work executor when the upstream source
// rate-limits the provider. RetryAfter tells the work loop when to re-attempt.
type QuotaExceededError struct {
	RetryAfter time.Duration
}

// Error returns the error message. This implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("upstream quota exceeded, retry after %s", e.RetryAfter)
}
