package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/aniscrobble/internal/model"
)

var (
	// ErrNotFound is returned when an event id does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrConflict is returned when a compare-and-set write lost a race.
	ErrConflict = errors.New("state changed concurrently")

	// ErrInvalidTransition is returned for status moves the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoCredential is returned when no credential is stored.
	ErrNoCredential = errors.New("no credential stored")
)

// ErrorKind classifies storage failures.
type ErrorKind string

const (
	// KindIO is any other database error.
	KindIO ErrorKind = "io"

	// KindCorrupt means the database file failed its integrity check or is
	// not a SQLite database.
	KindCorrupt ErrorKind = "corrupt"

	// KindUnavailable means the database could not be opened or locked, or
	// was written by a newer schema.
	KindUnavailable ErrorKind = "unavailable"
)

// StorageError wraps a database failure with its classification.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConflictError reports the state found when a compare-and-set failed.
type ConflictError struct {
	ID       string
	Expected model.Status
	Actual   model.Status
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("event %s: expected %s, found %s: %v", e.ID, e.Expected, e.Actual, ErrConflict)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsCorrupt reports whether err is a StorageError of kind KindCorrupt.
func IsCorrupt(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindCorrupt
}

// IsUnavailable reports whether err is a StorageError of kind KindUnavailable.
func IsUnavailable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindUnavailable
}

// wrapErr classifies a database error. Sentinels of this package, context
// errors and nil pass through unchanged.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNoCredential),
		errors.Is(err, model.ErrInvalidEvent),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) ErrorKind {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return KindIO
	}
	switch sqlErr.Code {
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
		return KindCorrupt
	case sqlite3.ErrCantOpen, sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrPerm, sqlite3.ErrReadonly, sqlite3.ErrAuth:
		return KindUnavailable
	}
	return KindIO
}
