package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaVersion is the highest goose migration embedded in this binary.
// A database migrated past it was written by a newer release.
const schemaVersion = 2

// DefaultDedupeWindow is the window used when WithDedupeWindow is not given.
const DefaultDedupeWindow = 6 * time.Hour

// goose keeps its dialect and base FS in package globals.
var gooseMu sync.Mutex

// Store provides durable storage for watch events and the credential.
// Safe for concurrent use; several processes may open the same file.
type Store struct {
	db     *sql.DB
	window time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithDedupeWindow sets how close two observations of the same media and
// progress must be to count as one event.
func WithDedupeWindow(d time.Duration) Option {
	return func(s *Store) {
		s.window = d
	}
}

// Open creates or opens a SQLite database at the given path, creating the
// parent directory when needed.
//
// Open runs PRAGMA quick_check and applies the embedded goose migrations.
// A file that is not a database or fails the check returns a StorageError of
// kind KindCorrupt; lock, permission and newer-schema failures return
// KindUnavailable.
func Open(path string, opts ...Option) (*Store, error) {
	ctx := context.Background()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Kind: KindUnavailable, Op: "open", Err: err}
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, openErr("open", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, openErr("open", err)
	}

	if err := quickCheck(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	// Migrate before pinning the pool to one connection: goose holds a
	// connection for its version table while running each migration.
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, window: DefaultDedupeWindow}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DedupeWindow returns the configured dedupe window.
func (s *Store) DedupeWindow() time.Duration {
	return s.window
}

// dsn applies the pragmas on every new connection. _txlock=immediate makes
// each BEGIN take the writer lock, so a transaction's reads and writes are
// atomic with respect to other processes.
func dsn(path string) string {
	return path + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return openErr("quick_check", err)
	}
	if result != "ok" {
		return &StorageError{Kind: KindCorrupt, Op: "quick_check", Err: errors.New(result)}
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return &StorageError{Kind: KindIO, Op: "migrate", Err: err}
	}

	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return openErr("migrate", err)
	}
	if current > schemaVersion {
		return &StorageError{
			Kind: KindUnavailable,
			Op:   "migrate",
			Err:  fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion),
		}
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return openErr("migrate", err)
	}
	return nil
}

// openErr classifies errors raised while opening. Anything not recognised
// as corruption means the database is unavailable.
func openErr(op string, err error) error {
	kind := classify(err)
	if kind == KindIO {
		kind = KindUnavailable
	}
	return &StorageError{Kind: kind, Op: op, Err: err}
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
