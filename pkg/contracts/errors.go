package contracts

import (
	"errors"
	"fmt"
)

// Error taxonomy of the governance engine. State-machine violations are
// surfaced to the caller synchronously; audit and notification failures
// are recovered locally and never roll back a committed transition.
var (
	// ErrInvalidTransition: the requested state edge is not legal.
	ErrInvalidTransition = errors.New("invalid checkpoint transition")

	// ErrAlreadyResolved: lost a resolution race; refresh and re-check.
	ErrAlreadyResolved = errors.New("checkpoint already resolved")

	// ErrNotFound: unknown entity id.
	ErrNotFound = errors.New("not found")

	// ErrPolicyDisabled: governance is switched off; actions proceed.
	ErrPolicyDisabled = errors.New("governance policy disabled")

	// ErrValidation: a required field (resolution reason, modified
	// payload, policy field) is missing or malformed.
	ErrValidation = errors.New("validation failed")

	// ErrRecoveryInProgress: a concurrent recovery attempt already holds
	// the lease for this failure.
	ErrRecoveryInProgress = errors.New("recovery already in progress")

	// ErrExternalDependency: an audit sink or notifier call failed.
	// Logged and swallowed by the engine, never aborts a transition.
	ErrExternalDependency = errors.New("external dependency error")

	// ErrVersionConflict: a policy update carried a stale version token.
	ErrVersionConflict = errors.New("policy version conflict")
)

// TransitionConflictError is returned when a conditional status update
// loses a race. It wraps ErrAlreadyResolved and carries the checkpoint's
// actual current status so callers can show real state instead of a
// generic error.
type TransitionConflictError struct {
	CheckpointID string
	Current      CheckpointStatus
}

func (e *TransitionConflictError) Error() string {
	return fmt.Sprintf("checkpoint %s already resolved (status=%s)", e.CheckpointID, e.Current)
}

func (e *TransitionConflictError) Unwrap() error { return ErrAlreadyResolved }
