package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/aniscrobble/internal/model"
)

// Page size limits for ListActionable and ListEvents.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

const eventColumns = `payload, status, status_since, attempts, next_attempt_at, reason, receipt`

// Cursor is a keyset position in (observed_at, id) order.
// The zero Cursor starts from the beginning.
type Cursor struct {
	ObservedAt time.Time
	ID         string
}

// IsZero reports whether c is the starting position.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.ObservedAt.IsZero()
}

// CursorOf returns the position just after e.
func CursorOf(e model.WatchEvent) Cursor {
	return Cursor{ObservedAt: e.ObservedAt, ID: e.ID}
}

// ActionableQuery selects events a sync run should look at.
type ActionableQuery struct {
	// Now is the reference time for retryable events' next_attempt_at.
	Now time.Time

	// StaleClaimBefore reclaims submitting events whose claim is older than
	// this instant. Zero disables reclaiming.
	StaleClaimBefore time.Time

	// After continues from a previous page.
	After Cursor

	// Limit defaults to DefaultPageSize and is capped at MaxPageSize.
	Limit int
}

// EventFilter selects events for inspection.
type EventFilter struct {
	// Kinds restricts the result to these statuses. Empty means all.
	Kinds []model.Kind

	// Limit defaults to DefaultPageSize and is capped at MaxPageSize.
	Limit int
}

// StatusCounts is the number of events per status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Submitting int `json:"submitting"`
	Retryable  int `json:"retryable"`
	Confirmed  int `json:"confirmed"`
	Failed     int `json:"failed"`
}

// Total returns the number of events in every status.
func (c StatusCounts) Total() int {
	return c.Pending + c.Submitting + c.Retryable + c.Confirmed + c.Failed
}

// Outstanding returns the number of events not yet in a terminal status.
func (c StatusCounts) Outstanding() int {
	return c.Pending + c.Submitting + c.Retryable
}

// Enqueue records e unless an equivalent event is already stored.
//
// An existing event is equivalent when it has the same media key and
// progress, was observed within the dedupe window of e, and has not failed.
// In that case its id is returned with inserted=false and nothing is written.
// Enqueueing the same id twice is also a no-op.
//
// The fingerprint is recomputed with the store's window; e must be pending.
func (s *Store) Enqueue(ctx context.Context, e model.WatchEvent) (string, bool, error) {
	if err := e.Validate(); err != nil {
		return "", false, fmt.Errorf("enqueue: %w", err)
	}
	if e.Status.Kind != model.KindPending {
		return "", false, fmt.Errorf("enqueue: %w: new events must be pending, got %s", model.ErrInvalidEvent, e.Status.Kind)
	}

	bucket := model.Bucket(e.ObservedAt, s.window)
	e.Fingerprint = model.Fingerprint(e.Media, e.Progress, bucket)

	payload, err := model.Encode(e)
	if err != nil {
		return "", false, fmt.Errorf("enqueue: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, wrapErr("enqueue", err)
	}
	defer tx.Rollback()

	// An observation within the window lies in the same bucket or an
	// adjacent one.
	observed := e.ObservedAt.UnixNano()
	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM watch_events
		WHERE fingerprint IN (?, ?, ?)
		  AND status != 'failed'
		  AND observed_at BETWEEN ? AND ?
		ORDER BY observed_at ASC, id ASC
		LIMIT 1
	`,
		model.Fingerprint(e.Media, e.Progress, bucket-1),
		e.Fingerprint,
		model.Fingerprint(e.Media, e.Progress, bucket+1),
		observed-int64(s.window),
		observed+int64(s.window),
	).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, wrapErr("enqueue", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO watch_events
		(id, fingerprint, media_key, progress, observed_at, status, status_since, attempts, next_attempt_at, reason, receipt, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.Fingerprint,
		model.MediaKey(e.Media),
		e.Progress,
		observed,
		string(e.Status.Kind),
		toNanos(e.Status.Since),
		e.Status.Attempts,
		toNanos(e.Status.NextAttemptAt),
		e.Status.Reason,
		e.RemoteReceipt,
		payload,
	)
	if err != nil {
		return "", false, wrapErr("enqueue", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, wrapErr("enqueue", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, wrapErr("enqueue", err)
	}
	return e.ID, n == 1, nil
}

// Get returns the event with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.WatchEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM watch_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WatchEvent{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.WatchEvent{}, wrapErr("get", err)
	}
	return e, nil
}

// ListActionable returns one page of events a sync run may act on:
// pending events, retryable events due at q.Now, and submitting events
// whose claim is older than q.StaleClaimBefore.
//
// Results are ordered by observed_at ASC, id ASC. Pass CursorOf(last) as
// q.After to fetch the next page.
func (s *Store) ListActionable(ctx context.Context, q ActionableQuery) ([]model.WatchEvent, error) {
	var (
		where strings.Builder
		args  []any
	)

	where.WriteString(`(status = 'pending' OR (status = 'retryable' AND next_attempt_at <= ?)`)
	args = append(args, toNanos(q.Now))
	if !q.StaleClaimBefore.IsZero() {
		where.WriteString(` OR (status = 'submitting' AND status_since < ?)`)
		args = append(args, q.StaleClaimBefore.UnixNano())
	}
	where.WriteString(`)`)

	if !q.After.IsZero() {
		at := toNanos(q.After.ObservedAt)
		where.WriteString(` AND (observed_at > ? OR (observed_at = ? AND id > ?))`)
		args = append(args, at, at, q.After.ID)
	}
	args = append(args, pageLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM watch_events
		WHERE `+where.String()+`
		ORDER BY observed_at ASC, id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, wrapErr("list actionable", err)
	}
	return collectEvents("list actionable", rows)
}

// ListEvents returns events for inspection, newest observation first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]model.WatchEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM watch_events`
	var args []any
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY observed_at DESC, id DESC LIMIT ?`
	args = append(args, pageLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list events", err)
	}
	return collectEvents("list events", rows)
}

// Transition moves an event from status from to status to, provided the
// stored status still matches from (kind, attempts and since).
//
// Returns ErrInvalidTransition when the lifecycle forbids the move,
// ErrNotFound for an unknown id and a *ConflictError when another writer
// changed the event first. Confirmation goes through Confirm.
func (s *Store) Transition(ctx context.Context, id string, from, to model.Status) error {
	if to.Kind == model.KindConfirmed {
		return fmt.Errorf("transition %s: %w: confirmation requires Confirm", id, ErrInvalidTransition)
	}
	return s.update(ctx, "transition", id, from, to, "")
}

// Confirm marks a submitting event as accepted by the remote and records
// the remote receipt. Same compare-and-set rules as Transition.
func (s *Store) Confirm(ctx context.Context, id string, from model.Status, since time.Time, receipt string) error {
	return s.update(ctx, "confirm", id, from, model.Confirmed(since, from.Attempts), receipt)
}

func (s *Store) update(ctx context.Context, op, id string, from, to model.Status, receipt string) error {
	if !model.CanTransition(from.Kind, to.Kind) {
		return fmt.Errorf("%s %s: %w: %s -> %s", op, id, ErrInvalidTransition, from.Kind, to.Kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(op, err)
	}
	defer tx.Rollback()

	e, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM watch_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if err != nil {
		return wrapErr(op, err)
	}
	if !e.Status.Matches(from) {
		return &ConflictError{ID: id, Expected: from, Actual: e.Status}
	}

	e.Status = to
	e.RemoteReceipt = receipt
	payload, err := model.Encode(e)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE watch_events
		SET status = ?, status_since = ?, attempts = ?, next_attempt_at = ?, reason = ?, receipt = ?, payload = ?
		WHERE id = ?
	`,
		string(to.Kind),
		toNanos(to.Since),
		to.Attempts,
		toNanos(to.NextAttemptAt),
		to.Reason,
		receipt,
		payload,
		id,
	)
	if err != nil {
		return wrapErr(op, err)
	}
	return wrapErr(op, tx.Commit())
}

// ConfirmedProgress returns the highest progress confirmed for the title
// media refers to, or 0 when none was.
func (s *Store) ConfirmedProgress(ctx context.Context, media model.MediaRef) (int64, error) {
	var progress int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(progress), 0) FROM watch_events
		WHERE media_key = ? AND status = 'confirmed'
	`, model.MediaKey(media)).Scan(&progress)
	if err != nil {
		return 0, wrapErr("confirmed progress", err)
	}
	return progress, nil
}

// Counts returns the number of events per status.
func (s *Store) Counts(ctx context.Context) (StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM watch_events GROUP BY status`)
	if err != nil {
		return StatusCounts{}, wrapErr("counts", err)
	}
	defer rows.Close()

	var c StatusCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, wrapErr("counts", err)
		}
		switch model.Kind(status) {
		case model.KindPending:
			c.Pending = n
		case model.KindSubmitting:
			c.Submitting = n
		case model.KindRetryable:
			c.Retryable = n
		case model.KindConfirmed:
			c.Confirmed = n
		case model.KindFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return StatusCounts{}, wrapErr("counts", err)
	}
	return c, nil
}

// Prune deletes confirmed and failed events whose status last changed
// before the given instant. Returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM watch_events
		WHERE status IN ('confirmed', 'failed') AND status_since < ?
	`, before.UnixNano())
	if err != nil {
		return 0, wrapErr("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("prune", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEvent decodes the payload and overlays the authoritative status columns.
func scanEvent(row rowScanner) (model.WatchEvent, error) {
	var (
		payload                 []byte
		status, reason, receipt string
		since, next             int64
		attempts                int
	)
	if err := row.Scan(&payload, &status, &since, &attempts, &next, &reason, &receipt); err != nil {
		return model.WatchEvent{}, err
	}

	e, err := model.Decode(payload)
	if err != nil {
		return model.WatchEvent{}, &StorageError{Kind: KindCorrupt, Op: "decode", Err: err}
	}
	e.Status = model.Status{
		Kind:          model.Kind(status),
		Since:         fromNanos(since),
		Attempts:      attempts,
		NextAttemptAt: fromNanos(next),
		Reason:        reason,
	}
	e.RemoteReceipt = receipt
	return e, nil
}

func collectEvents(op string, rows *sql.Rows) ([]model.WatchEvent, error) {
	defer rows.Close()

	events := []model.WatchEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}
	return events, nil
}

func pageLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}
