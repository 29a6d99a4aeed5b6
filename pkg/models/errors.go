package models

import (
	"context"
	"errors"
	"fmt"
)

// Common pipeline errors.
var (
	// ErrNotFound is returned when an entity (document, task, result, taxonomy key) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a profile mutation targets a stale version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrPending is returned by result lookups while the analysis has not finished.
	ErrPending = errors.New("analysis pending")

	// ErrInvalidTransition is returned when a task cannot move to the requested state.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrStaleAttempt is returned when a worker tries to finish an attempt that was reclaimed.
	ErrStaleAttempt = errors.New("stale task attempt")

	// ErrDuplicate is returned by stores on unique constraint violations.
	ErrDuplicate = errors.New("duplicate entry")
)

// ValidationError reports malformed input: weights, regexes, incomplete classifications.
// It is reported synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientError wraps a failure that may succeed on retry (I/O timeout, store unavailable).
type TransientError struct {
	Err error
	Op  string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// PermanentError wraps a failure that will not go away on retry
// (document text missing, classification unresolvable).
type PermanentError struct {
	Err error
	Op  string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// RuleError reports a single rule that could not be evaluated.
type RuleError struct {
	Err    error
	RuleID string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTransient reports whether err is explicitly marked transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err must not be retried.
// Validation errors are permanent from the queue's point of view.
func IsPermanent(err error) bool {
	var p *PermanentError
	if errors.As(err, &p) {
		return true
	}
	return IsValidation(err)
}

// Retryable reports whether the orchestrator should schedule another attempt.
// Unknown errors are retried; only permanent and validation errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return !IsPermanent(err)
}
