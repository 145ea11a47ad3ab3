package engine

import (
	"errors"
	"fmt"
)

// ReasonBudgetExhausted is the failure reason recorded when an event used
// up its attempts.
const ReasonBudgetExhausted = "retry budget exhausted"

// AbortError reports why a run stopped before draining the queue.
//
// Err is the cause: an auth error (auth.IsAuthRequired), a transient
// refresh failure or a store error. errors.Is and errors.As see through it.
type AbortError struct {
	// EventID is the event being handled when the run stopped, if any.
	EventID string

	Err error
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("sync aborted at event %s: %v", e.EventID, e.Err)
	}
	return fmt.Sprintf("sync aborted: %v", e.Err)
}

// Unwrap returns the cause.
func (e *AbortError) Unwrap() error {
	return e.Err
}

// IsAborted reports whether err is an *AbortError.
// Uses errors.As to handle wrapped errors.
func IsAborted(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}
