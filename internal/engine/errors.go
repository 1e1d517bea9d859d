package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/rollbook/internal/record"
)

// PeriodLockedError rejects a mutation dated inside a locked period.
//
// Detected locally before any state change: no optimistic apply, no queue
// entry, no network. Never retried.
type PeriodLockedError struct {
	// Key identifies the record the edit targeted.
	Key record.Key

	// PeriodID names the locked period, when one resolved.
	PeriodID string
}

// Error implements the error interface.
func (e *PeriodLockedError) Error() string {
	if e.PeriodID != "" {
		return fmt.Sprintf("period %s is locked: cannot modify %s", e.PeriodID, e.Key)
	}
	return fmt.Sprintf("period is locked: cannot modify %s", e.Key)
}

// IsPeriodLocked returns true if the error is a locked-period rejection.
// Uses errors.As to handle wrapped errors.
func IsPeriodLocked(err error) bool {
	var pe *PeriodLockedError
	return errors.As(err, &pe)
}

// ValidationError rejects a malformed edit before any state change.
// The engine owns validation; the working set never sees invalid values.
type ValidationError struct {
	// Key identifies the record the edit targeted.
	Key record.Key

	// Fields lists each failed check.
	Fields []FieldError
}

// FieldError describes one failed validation rule.
type FieldError struct {
	// Field is the JSON name of the offending field.
	Field string

	// Rule is the validation tag that failed ("oneof", "max", "required").
	Rule string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("invalid edit for %s", e.Key)
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s (%s)", f.Field, f.Rule)
	}
	return fmt.Sprintf("invalid edit for %s: %s", e.Key, strings.Join(parts, ", "))
}

// IsValidation returns true if the error is a validation rejection.
// Uses errors.As to handle wrapped errors.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ReplayConflictError reports a queued edit dropped during a drain: the
// period locked in the interim, or the remote store rejected the replay.
// Delivered as a non-blocking notice; the drain continues with the next op.
type ReplayConflictError struct {
	// Key identifies the record whose queued edit was dropped.
	Key record.Key

	// Cause is the underlying rejection.
	Cause error
}

// Error implements the error interface.
func (e *ReplayConflictError) Error() string {
	return fmt.Sprintf("queued edit for %s dropped: %v", e.Key, e.Cause)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *ReplayConflictError) Unwrap() error {
	return e.Cause
}

// IsReplayConflict returns true if the error is a dropped queued edit.
// Uses errors.As to handle wrapped errors.
func IsReplayConflict(err error) bool {
	var re *ReplayConflictError
	return errors.As(err, &re)
}
