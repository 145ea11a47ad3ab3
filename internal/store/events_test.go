package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/aniscrobble/internal/model"
)

func TestEnqueue_InsertsAndReads(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEvent("evt-1", 5, t0)
	id, inserted, err := s.Enqueue(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "evt-1", id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestEnqueue_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, inserted, err := s.Enqueue(ctx, createTestEvent("evt-1", 5, t0))
	require.NoError(t, err)
	require.True(t, inserted)

	tests := []struct {
		name string
		at   time.Time
	}{
		{"same instant", t0},
		{"same bucket", t0.Add(2 * time.Hour)},
		{"previous bucket within window", t0.Add(-90 * time.Minute)},
		{"next bucket within window", t0.Add(5*time.Hour + 30*time.Minute)},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, inserted, err := s.Enqueue(ctx, createTestEvent(fmt.Sprintf("dup-%d", i), 5, tt.at))
			require.NoError(t, err)
			assert.False(t, inserted)
			assert.Equal(t, first, id)
		})
	}

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total())
}

func TestEnqueue_DistinctEvents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, createTestEvent("evt-1", 5, t0))
	require.NoError(t, err)

	tests := []struct {
		name string
		e    model.WatchEvent
	}{
		{"other progress", createTestEvent("evt-2", 6, t0)},
		{"outside window", createTestEvent("evt-3", 5, t0.Add(DefaultDedupeWindow+time.Second))},
		{"other media", model.NewWatchEvent("evt-4", model.MediaRef{Title: "Other"}, 5, t0, DefaultDedupeWindow)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, inserted, err := s.Enqueue(ctx, tt.e)
			require.NoError(t, err)
			assert.True(t, inserted)
			assert.Equal(t, tt.e.ID, id)
		})
	}
}

func TestEnqueue_TitleFolding(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := model.NewWatchEvent("evt-1", model.MediaRef{Title: "Sousou no Frieren"}, 3, t0, DefaultDedupeWindow)
	b := model.NewWatchEvent("evt-2", model.MediaRef{Title: "  SOUSOU no frieren"}, 3, t0.Add(time.Minute), DefaultDedupeWindow)

	_, _, err := s.Enqueue(ctx, a)
	require.NoError(t, err)
	id, inserted, err := s.Enqueue(ctx, b)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "evt-1", id)
}

func TestEnqueue_FailedEventDoesNotBlock(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEvent("evt-1", 5, t0)
	_, _, err := s.Enqueue(ctx, e)
	require.NoError(t, err)

	claimed := model.Submitting(t0.Add(time.Minute), 0)
	require.NoError(t, s.Transition(ctx, e.ID, e.Status, claimed))
	require.NoError(t, s.Transition(ctx, e.ID, claimed, model.Failed(t0.Add(2*time.Minute), 0, "rejected")))

	id, inserted, err := s.Enqueue(ctx, createTestEvent("evt-2", 5, t0))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "evt-2", id)
}

func TestEnqueue_SameIDTwice(t *testing.T) {
	s := createTestStore(t, WithDedupeWindow(0))
	ctx := context.Background()

	_, inserted, err := s.Enqueue(ctx, createTestEvent("evt-1", 5, t0))
	require.NoError(t, err)
	require.True(t, inserted)

	// Different observation, same id: dedupe by primary key.
	id, inserted, err := s.Enqueue(ctx, createTestEvent("evt-1", 5, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "evt-1", id)
}

func TestEnqueue_Rejects(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, model.WatchEvent{ID: "evt-1"})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)

	e := createTestEvent("evt-2", 5, t0)
	e.Status = model.Submitting(t0, 0)
	_, _, err = s.Enqueue(ctx, e)
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestEnqueue_ConcurrentProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	var (
		mu       sync.Mutex
		inserted int
		ids      = map[string]bool{}
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 20; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		e := createTestEvent(fmt.Sprintf("evt-%02d", i), 5, t0.Add(time.Duration(i)*time.Second))
		g.Go(func() error {
			id, ok, err := s.Enqueue(ctx, e)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			ids[id] = true
			if ok {
				inserted++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, inserted)
	assert.Len(t, ids, 1, "every caller sees the same surviving id")
}

func TestTransition_CompareAndSet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEvent("evt-1", 5, t0)
	_, _, err := s.Enqueue(ctx, e)
	require.NoError(t, err)

	claimed := model.Submitting(t0.Add(time.Minute), 0)
	require.NoError(t, s.Transition(ctx, e.ID, e.Status, claimed))

	// A second claimant still holding the pending status loses.
	err = s.Transition(ctx, e.ID, e.Status, model.Submitting(t0.Add(time.Minute), 0))
	require.ErrorIs(t, err, ErrConflict)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, model.KindSubmitting, conflict.Actual.Kind)

	retry := model.Retryable(t0.Add(2*time.Minute), t0.Add(3*time.Minute), 1)
	require.NoError(t, s.Transition(ctx, e.ID, claimed, retry))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, retry, got.Status)
}

func TestTransition_Rejects(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEvent("evt-1", 5, t0)
	_, _, err := s.Enqueue(ctx, e)
	require.NoError(t, err)

	err = s.Transition(ctx, e.ID, e.Status, model.Failed(t0, 0, "nope"))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = s.Transition(ctx, e.ID, e.Status, model.Confirmed(t0, 0))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = s.Transition(ctx, "missing", e.Status, model.Submitting(t0, 0))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirm(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEvent("evt-1", 5, t0)
	_, _, err := s.Enqueue(ctx, e)
	require.NoError(t, err)

	claimed := model.Submitting(t0.Add(time.Minute), 2)
	require.Error(t, s.Confirm(ctx, e.ID, e.Status, t0, "rcpt"), "pending cannot be confirmed")

	require.NoError(t, s.Transition(ctx, e.ID, e.Status, claimed))
	require.NoError(t, s.Confirm(ctx, e.ID, claimed, t0.Add(2*time.Minute), "rcpt-1"))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Confirmed(t0.Add(2*time.Minute), 2), got.Status)
	assert.Equal(t, "rcpt-1", got.RemoteReceipt)

	// Terminal: nothing leaves confirmed.
	err = s.Transition(ctx, e.ID, got.Status, model.Submitting(t0, 2))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_PreservesUnknownFields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEvent("evt-1", 5, t0)
	e.Extra = map[string]json.RawMessage{"rating": json.RawMessage(`{"score":9}`)}
	_, _, err := s.Enqueue(ctx, e)
	require.NoError(t, err)

	claimed := model.Submitting(t0.Add(time.Minute), 0)
	require.NoError(t, s.Transition(ctx, e.ID, e.Status, claimed))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":9}`, string(got.Extra["rating"]))
}

func TestTransition_PreservesNestedUnknownFields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	future := fmt.Sprintf(`{"schema":"aniscrobble.watch_event","version":2,"event":{`+
		`"id":"evt-1","media":{"id":"show-42","season":2},"progress":5,"observed_at":%d,`+
		`"status":{"kind":"pending","since":%d,"last_error_code":"E42"}}}`, t0.UnixNano(), t0.UnixNano())
	e, err := model.Decode([]byte(future))
	require.NoError(t, err)
	_, inserted, err := s.Enqueue(ctx, e)
	require.NoError(t, err)
	require.True(t, inserted)

	claimed := model.Submitting(t0.Add(time.Minute), 0)
	require.NoError(t, s.Transition(ctx, e.ID, e.Status, claimed))
	require.NoError(t, s.Transition(ctx, e.ID, claimed, model.Retryable(t0.Add(2*time.Minute), t0.Add(3*time.Minute), 1)))

	var payload []byte
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT payload FROM watch_events WHERE id = ?`, e.ID).Scan(&payload))

	var envelope struct {
		Event struct {
			Media  map[string]any `json:"media"`
			Status map[string]any `json:"status"`
		} `json:"event"`
	}
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Equal(t, float64(2), envelope.Event.Media["season"])
	assert.Equal(t, "E42", envelope.Event.Status["last_error_code"])
	assert.Equal(t, "retryable", envelope.Event.Status["kind"])
}

func TestConfirmedProgress(t *testing.T) {
	s := createTestStore(t, WithDedupeWindow(0))
	ctx := context.Background()
	show := model.MediaRef{ID: "show-42", Title: "Show"}

	got, err := s.ConfirmedProgress(ctx, show)
	require.NoError(t, err)
	assert.Zero(t, got)

	confirm := func(e model.WatchEvent) {
		claimed := model.Submitting(t0, 0)
		require.NoError(t, s.Transition(ctx, e.ID, e.Status, claimed))
		require.NoError(t, s.Confirm(ctx, e.ID, claimed, t0, "rcpt"))
	}
	for i, p := range []int64{3, 7} {
		e := createTestEvent(fmt.Sprintf("evt-%d", i), p, t0.Add(time.Duration(i)*time.Minute))
		_, _, err := s.Enqueue(ctx, e)
		require.NoError(t, err)
		confirm(e)
	}
	// Pending and other titles do not count.
	_, _, err = s.Enqueue(ctx, createTestEvent("evt-pending", 9, t0))
	require.NoError(t, err)
	other := model.NewWatchEvent("evt-other", model.MediaRef{ID: "show-7"}, 11, t0, 0)
	_, _, err = s.Enqueue(ctx, other)
	require.NoError(t, err)
	confirm(other)

	got, err = s.ConfirmedProgress(ctx, show)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}

func TestListActionable_Selection(t *testing.T) {
	s := createTestStore(t, WithDedupeWindow(0))
	ctx := context.Background()
	now := t0.Add(time.Hour)

	enqueue := func(id string, progress int64) model.WatchEvent {
		e := createTestEvent(id, progress, t0.Add(time.Duration(progress)*time.Minute))
		_, _, err := s.Enqueue(ctx, e)
		require.NoError(t, err)
		return e
	}
	move := func(e model.WatchEvent, steps ...model.Status) {
		from := e.Status
		for _, to := range steps {
			require.NoError(t, s.Transition(ctx, e.ID, from, to))
			from = to
		}
	}

	enqueue("pending", 1)
	due := enqueue("due", 2)
	move(due, model.Submitting(now, 0), model.Retryable(now, now, 1))
	later := enqueue("later", 3)
	move(later, model.Submitting(now, 0), model.Retryable(now, now.Add(time.Minute), 1))
	stale := enqueue("stale", 4)
	move(stale, model.Submitting(now.Add(-10*time.Minute), 0))
	fresh := enqueue("fresh", 5)
	move(fresh, model.Submitting(now, 0))
	failed := enqueue("failed", 6)
	move(failed, model.Submitting(now, 0), model.Failed(now, 0, "bad"))

	ids := func(events []model.WatchEvent) []string {
		out := make([]string, len(events))
		for i, e := range events {
			out[i] = e.ID
		}
		return out
	}

	got, err := s.ListActionable(ctx, ActionableQuery{Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"pending", "due"}, ids(got))

	got, err = s.ListActionable(ctx, ActionableQuery{Now: now, StaleClaimBefore: now.Add(-5 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"pending", "due", "stale"}, ids(got))
}

func TestListActionable_Pagination(t *testing.T) {
	s := createTestStore(t, WithDedupeWindow(0))
	ctx := context.Background()

	// Pairs share an observation time so the id tiebreak is exercised.
	var want []string
	for i := 0; i < 25; i++ {
		e := createTestEvent(fmt.Sprintf("evt-%02d", i), int64(i+1), t0.Add(time.Duration(i/2)*time.Second))
		_, _, err := s.Enqueue(ctx, e)
		require.NoError(t, err)
		want = append(want, e.ID)
	}

	var (
		got   []string
		after Cursor
	)
	for {
		page, err := s.ListActionable(ctx, ActionableQuery{Now: t0, After: after, Limit: 7})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 7)
		for _, e := range page {
			got = append(got, e.ID)
		}
		after = CursorOf(page[len(page)-1])
	}
	assert.Equal(t, want, got)
}

func TestListEvents(t *testing.T) {
	s := createTestStore(t, WithDedupeWindow(0))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := s.Enqueue(ctx, createTestEvent(fmt.Sprintf("evt-%d", i), int64(i+1), t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	e, err := s.Get(ctx, "evt-0")
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, e.ID, e.Status, model.Submitting(t0, 0)))

	all, err := s.ListEvents(ctx, EventFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "evt-4", all[0].ID, "newest first")

	submitting, err := s.ListEvents(ctx, EventFilter{Kinds: []model.Kind{model.KindSubmitting}})
	require.NoError(t, err)
	require.Len(t, submitting, 1)
	assert.Equal(t, "evt-0", submitting[0].ID)

	none, err := s.ListEvents(ctx, EventFilter{Kinds: []model.Kind{model.KindFailed}})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func TestCountsAndPrune(t *testing.T) {
	s := createTestStore(t, WithDedupeWindow(0))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _, err := s.Enqueue(ctx, createTestEvent(fmt.Sprintf("evt-%d", i), int64(i+1), t0))
		require.NoError(t, err)
	}

	claim := func(id string, at time.Time) model.Status {
		e, err := s.Get(ctx, id)
		require.NoError(t, err)
		st := model.Submitting(at, 0)
		require.NoError(t, s.Transition(ctx, id, e.Status, st))
		return st
	}

	old := claim("evt-0", t0)
	require.NoError(t, s.Confirm(ctx, "evt-0", old, t0, "rcpt-0"))
	recent := claim("evt-1", t0.Add(48*time.Hour))
	require.NoError(t, s.Confirm(ctx, "evt-1", recent, t0.Add(48*time.Hour), "rcpt-1"))
	failed := claim("evt-2", t0)
	require.NoError(t, s.Transition(ctx, "evt-2", failed, model.Failed(t0, 0, "bad")))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Pending: 1, Confirmed: 2, Failed: 1}, counts)
	assert.Equal(t, 1, counts.Outstanding())

	n, err := s.Prune(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err = s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Pending: 1, Confirmed: 1}, counts)
}
