package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEvent is returned when a watch event is missing required fields.
var ErrInvalidEvent = errors.New("invalid watch event")

// Kind is the lifecycle state of a watch event.
type Kind string

const (
	// KindPending: recorded locally, never submitted.
	KindPending Kind = "pending"

	// KindSubmitting: claimed by a sync run, submission in flight.
	KindSubmitting Kind = "submitting"

	// KindConfirmed: accepted by the remote (terminal).
	KindConfirmed Kind = "confirmed"

	// KindRetryable: last attempt failed transiently, due again at NextAttemptAt.
	KindRetryable Kind = "retryable"

	// KindFailed: rejected or out of retry budget (terminal).
	KindFailed Kind = "failed"
)

// Kinds lists every kind in lifecycle order.
var Kinds = []Kind{KindPending, KindSubmitting, KindRetryable, KindConfirmed, KindFailed}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPending, KindSubmitting, KindConfirmed, KindRetryable, KindFailed:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves k.
func (k Kind) Terminal() bool {
	return k == KindConfirmed || k == KindFailed
}

// ParseKind converts a stored or user-supplied string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return k, nil
}

// CanTransition reports whether the lifecycle allows moving from one kind to
// another. Status only moves forward; submitting -> submitting is the reclaim
// of a claim whose owner died, and retryable -> failed is the retry budget
// running out before another attempt.
func CanTransition(from, to Kind) bool {
	switch from {
	case KindPending:
		return to == KindSubmitting
	case KindRetryable:
		return to == KindSubmitting || to == KindFailed
	case KindSubmitting:
		return to == KindSubmitting || to == KindConfirmed || to == KindRetryable || to == KindFailed
	}
	return false
}

// Status is a tagged lifecycle state. Only the fields relevant to Kind are
// meaningful: NextAttemptAt for retryable, Reason for failed.
type Status struct {
	Kind Kind

	// Since is when the event entered this state. Together with Kind and
	// Attempts it identifies a state instance for compare-and-set.
	Since time.Time

	// Attempts counts failed submission attempts so far.
	Attempts int

	NextAttemptAt time.Time
	Reason        string
}

// Pending returns the initial status.
func Pending(at time.Time) Status {
	return Status{Kind: KindPending, Since: at.UTC()}
}

// Submitting returns a claimed status carrying the attempt count forward.
func Submitting(at time.Time, attempts int) Status {
	return Status{Kind: KindSubmitting, Since: at.UTC(), Attempts: attempts}
}

// Retryable returns a status due for another attempt at next.
func Retryable(at, next time.Time, attempts int) Status {
	return Status{Kind: KindRetryable, Since: at.UTC(), Attempts: attempts, NextAttemptAt: next.UTC()}
}

// Confirmed returns the success status.
func Confirmed(at time.Time, attempts int) Status {
	return Status{Kind: KindConfirmed, Since: at.UTC(), Attempts: attempts}
}

// Failed returns the terminal failure status.
func Failed(at time.Time, attempts int, reason string) Status {
	return Status{Kind: KindFailed, Since: at.UTC(), Attempts: attempts, Reason: reason}
}

// Matches reports whether s and other denote the same state instance.
// This is the comparison used by compare-and-set transitions.
func (s Status) Matches(other Status) bool {
	return s.Kind == other.Kind &&
		s.Attempts == other.Attempts &&
		s.Since.Equal(other.Since)
}

// String renders the status for logs, e.g. "retryable(attempts=2, next=...)".
func (s Status) String() string {
	switch s.Kind {
	case KindRetryable:
		return fmt.Sprintf("retryable(attempts=%d, next=%s)", s.Attempts, s.NextAttemptAt.Format(time.RFC3339))
	case KindFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	case KindSubmitting:
		return fmt.Sprintf("submitting(attempts=%d)", s.Attempts)
	default:
		return string(s.Kind)
	}
}

// MediaRef identifies the watched title as far as it is known locally.
// At least one of ID and Title must be set.
type MediaRef struct {
	// ID is the remote media identifier (e.g. an AniList id).
	ID string

	// Title is a human title, used when the id is not resolved yet.
	Title string

	// Episodes is the total episode count if known, 0 otherwise.
	Episodes int64
}

// String returns the most specific identification available.
func (m MediaRef) String() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Title
}

// WatchEvent is one observed "watched episode N of T".
type WatchEvent struct {
	ID          string
	Media       MediaRef
	Progress    int64
	ObservedAt  time.Time
	Fingerprint string
	Status      Status

	// RemoteReceipt is set only once Status.Kind is KindConfirmed.
	RemoteReceipt string

	// Extra holds persisted event fields this version does not know about.
	Extra map[string]json.RawMessage

	// Unknown keys found inside the persisted media and status objects and
	// around the event in its envelope.
	mediaExtra    map[string]json.RawMessage
	statusExtra   map[string]json.RawMessage
	envelopeExtra map[string]json.RawMessage
}

// NewWatchEvent builds a pending event with its dedupe fingerprint computed
// for the given window.
func NewWatchEvent(id string, media MediaRef, progress int64, observedAt time.Time, window time.Duration) WatchEvent {
	observedAt = observedAt.UTC()
	return WatchEvent{
		ID:          id,
		Media:       media,
		Progress:    progress,
		ObservedAt:  observedAt,
		Fingerprint: Fingerprint(media, progress, Bucket(observedAt, window)),
		Status:      Pending(observedAt),
	}
}

// Validate checks the fields every stored event must have.
func (e WatchEvent) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidEvent)
	case strings.TrimSpace(e.Media.ID) == "" && strings.TrimSpace(e.Media.Title) == "":
		return fmt.Errorf("%w: media reference has neither id nor title", ErrInvalidEvent)
	case e.Progress < 0:
		return fmt.Errorf("%w: negative progress %d", ErrInvalidEvent, e.Progress)
	case e.Media.Episodes < 0:
		return fmt.Errorf("%w: negative episode count %d", ErrInvalidEvent, e.Media.Episodes)
	case e.ObservedAt.IsZero():
		return fmt.Errorf("%w: missing observation time", ErrInvalidEvent)
	case !e.Status.Kind.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status.Kind)
	}
	return nil
}

// Completed reports whether this progress point finishes the title.
func (e WatchEvent) Completed() bool {
	return e.Media.Episodes > 0 && e.Progress >= e.Media.Episodes
}
