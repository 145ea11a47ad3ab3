// Package service is the entry point the CLI and other front ends use. It
// wires the store, auth manager, remote client and sync engine from a
// config.Config and exposes the queue operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/aniscrobble/internal/auth"
	"github.com/roach88/aniscrobble/internal/config"
	"github.com/roach88/aniscrobble/internal/engine"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/remote"
	"github.com/roach88/aniscrobble/internal/store"
)

var (
	// ErrRemoteNotConfigured means no api.base_url is set.
	ErrRemoteNotConfigured = errors.New("remote service not configured (set api.base_url)")

	// ErrAlreadyLoggedIn is returned by Login when an active credential
	// exists and force is false.
	ErrAlreadyLoggedIn = errors.New("already logged in")
)

// Service is a configured aniscrobble instance.
//
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	cfg    config.Config
	store  *store.Store
	client *remote.Client
	auth   *auth.Manager
	engine *engine.Engine
	ids    model.IDGenerator
	clock  model.Clock
	logger *slog.Logger
}

type options struct {
	clock  model.Clock
	ids    model.IDGenerator
	logger *slog.Logger
	http   *http.Client
}

// Option configures Open.
type Option func(*options)

// WithClock replaces the system clock.
func WithClock(clock model.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithIDGenerator replaces the UUIDv7 event id generator.
func WithIDGenerator(ids model.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sets the HTTP client for remote calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.http = hc }
}

// Open opens the database named by cfg and wires the components. Close
// the Service when done.
func Open(cfg config.Config, opts ...Option) (*Service, error) {
	o := options{
		clock:  model.SystemClock{},
		ids:    model.UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(cfg.Database, store.WithDedupeWindow(cfg.Sync.DedupeWindow.Std()))
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		store:  st,
		ids:    o.ids,
		clock:  o.clock,
		logger: o.logger,
	}

	var refresher auth.Refresher = unconfiguredRefresher{}
	if cfg.RemoteConfigured() {
		clientOpts := []remote.Option{remote.WithClock(o.clock), remote.WithLogger(o.logger)}
		if o.http != nil {
			clientOpts = append(clientOpts, remote.WithHTTPClient(o.http))
		}
		s.client, err = remote.New(remote.Config{
			BaseURL:           cfg.API.BaseURL,
			TokenURL:          cfg.API.TokenURL,
			ClientID:          cfg.API.ClientID,
			ClientSecret:      cfg.API.ClientSecret,
			Timeout:           cfg.API.Timeout.Std(),
			RequestsPerMinute: cfg.API.RequestsPerMinute,
		}, clientOpts...)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("remote client: %w", err)
		}
		refresher = s.client
	}

	s.auth = auth.New(st, refresher,
		auth.WithClock(o.clock),
		auth.WithRefreshMargin(cfg.Sync.RefreshMargin.Std()),
		auth.WithLogger(o.logger),
	)

	if s.client != nil {
		s.engine = engine.New(st, s.auth, s.client,
			engine.WithClock(o.clock),
			engine.WithLogger(o.logger),
			engine.WithMaxAttempts(cfg.Sync.MaxAttempts),
			engine.WithBackoff(cfg.Sync.BackoffBase.Std(), cfg.Sync.BackoffCap.Std(), uint64(cfg.Sync.BackoffJitterPercent)),
			engine.WithPageSize(cfg.Sync.PageSize),
			engine.WithClaimTimeout(2*s.client.Timeout()+30*time.Second),
		)
	}
	return s, nil
}

// Close releases the database.
func (s *Service) Close() error {
	return s.store.Close()
}

// Config returns the configuration the service was opened with.
func (s *Service) Config() config.Config {
	return s.cfg
}

// Enqueue records a watch event and returns its id. A repeat of an event
// already recorded within the dedupe window returns the existing id.
func (s *Service) Enqueue(ctx context.Context, media model.MediaRef, progress int64, observedAt time.Time) (string, error) {
	id, _, err := s.Record(ctx, media, progress, observedAt)
	return id, err
}

// Record is Enqueue that also reports whether a new event was stored.
// A zero observedAt means now.
func (s *Service) Record(ctx context.Context, media model.MediaRef, progress int64, observedAt time.Time) (string, bool, error) {
	if progress < 1 {
		return "", false, fmt.Errorf("%w: episode must be at least 1, got %d", model.ErrInvalidEvent, progress)
	}
	if observedAt.IsZero() {
		observedAt = s.clock.Now()
	}

	e := model.NewWatchEvent(s.ids.NewID(), media, progress, observedAt, s.store.DedupeWindow())
	id, inserted, err := s.store.Enqueue(ctx, e)
	if err != nil {
		return "", false, err
	}
	if inserted {
		s.logger.Info("watch event recorded", "event_id", id, "media", media.String(), "progress", progress)
	} else {
		s.logger.Info("watch event already recorded", "event_id", id, "media", media.String(), "progress", progress)
	}
	return id, inserted, nil
}

// RunSync performs one sync pass.
func (s *Service) RunSync(ctx context.Context) (engine.Report, error) {
	if s.engine == nil {
		return engine.Report{}, ErrRemoteNotConfigured
	}
	return s.engine.Run(ctx)
}

// Status returns event counts per status.
func (s *Service) Status(ctx context.Context) (store.StatusCounts, error) {
	return s.store.Counts(ctx)
}

// Events lists events, newest first.
func (s *Service) Events(ctx context.Context, f store.EventFilter) ([]model.WatchEvent, error) {
	return s.store.ListEvents(ctx, f)
}

// StoreCredential saves a credential from the external login flow.
func (s *Service) StoreCredential(ctx context.Context, c model.Credential) error {
	return s.auth.Store(ctx, c)
}

// Login stores c unless an active credential exists and force is false.
// An invalidated credential is always replaced.
func (s *Service) Login(ctx context.Context, c model.Credential, force bool) error {
	if !force {
		state, err := s.auth.State(ctx)
		if err != nil {
			return err
		}
		if state == auth.Valid || state == auth.Expiring {
			return ErrAlreadyLoggedIn
		}
	}
	return s.StoreCredential(ctx, c)
}

// CheckCredential asks the remote which account c belongs to, without
// storing it. Returns ErrRemoteNotConfigured when there is no remote.
func (s *Service) CheckCredential(ctx context.Context, c model.Credential) (remote.Viewer, error) {
	if s.client == nil {
		return remote.Viewer{}, ErrRemoteNotConfigured
	}
	return s.client.Viewer(ctx, c.AuthorizationType()+" "+c.AccessToken)
}

// Logout deletes the stored credential.
func (s *Service) Logout(ctx context.Context) error {
	return s.auth.Logout(ctx)
}

// AuthState reports the credential state. auth.Invalid and
// auth.NoCredential mean sync cannot proceed until the user logs in.
func (s *Service) AuthState(ctx context.Context) (auth.State, error) {
	return s.auth.State(ctx)
}

// Credential returns the stored credential.
func (s *Service) Credential(ctx context.Context) (model.Credential, error) {
	return s.auth.Credential(ctx)
}

// Prune deletes confirmed and failed events older than the configured
// retention.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	before := s.clock.Now().Add(-s.cfg.Sync.Retention.Std())
	n, err := s.store.Prune(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned settled events", "count", n, "before", before)
	}
	return n, nil
}

// unconfiguredRefresher stands in for the remote client when none is
// configured. Its failure is transient so the credential is kept.
type unconfiguredRefresher struct{}

func (unconfiguredRefresher) Refresh(context.Context, string) (model.Credential, error) {
	return model.Credential{}, fmt.Errorf("%w: %w", remote.ErrTransient, ErrRemoteNotConfigured)
}
