package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/aniscrobble/internal/model"
)

// t0 is the reference instant for store tests: 01:00 UTC, one hour into a
// six hour dedupe bucket.
var t0 = time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvent creates a pending event for media "show-42".
func createTestEvent(id string, progress int64, observedAt time.Time) model.WatchEvent {
	return model.NewWatchEvent(id, model.MediaRef{ID: "show-42", Title: "Show"}, progress, observedAt, DefaultDedupeWindow)
}
