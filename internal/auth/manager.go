// Package auth owns the remote credential: it decides whether the stored
// credential can sign a request, refreshes it when it is about to expire and
// invalidates it when the remote rejects it for good.
//
// The credential lives in the store, not in memory, so every sync run and
// every process sees the same state. Refreshes within a process are
// coalesced with singleflight; across processes SwapCredential's
// compare-and-set makes sure a slower refresher never overwrites a newer
// credential.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/remote"
	"github.com/roach88/aniscrobble/internal/store"
)

// DefaultRefreshMargin is how long before expiry a credential counts as
// expiring and is refreshed before use.
const DefaultRefreshMargin = 5 * time.Minute

// State is the externally visible credential state.
type State int

const (
	// NoCredential: nothing stored. Sync cannot run until login.
	NoCredential State = iota

	// Valid: usable as is.
	Valid

	// Expiring: within the refresh margin of expiry, or past it.
	Expiring

	// Invalid: rejected by the remote. Only a new login helps.
	Invalid
)

// String returns the state name used in status output.
func (s State) String() string {
	switch s {
	case NoCredential:
		return "no_credential"
	case Valid:
		return "valid"
	case Expiring:
		return "expiring"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CredentialStore is the persistence the manager needs.
// Implemented by *store.Store.
type CredentialStore interface {
	GetCredential(ctx context.Context) (model.Credential, error)
	PutCredential(ctx context.Context, c model.Credential) error
	SwapCredential(ctx context.Context, previousAccessToken string, c model.Credential) error
	InvalidateCredential(ctx context.Context, accessToken string, at time.Time) error
	DeleteCredential(ctx context.Context) error
}

// Refresher performs the refresh grant. Implemented by *remote.Client.
// Errors must wrap remote.ErrPermanent or remote.ErrTransient.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.Credential, error)
}

// Manager signs submissions with the stored credential.
//
// Thread-safety: Manager is safe for concurrent use.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	clock     model.Clock
	margin    time.Duration
	logger    *slog.Logger
	group     singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for expiry checks.
func WithClock(clock model.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithRefreshMargin sets how early before expiry a refresh is attempted.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) {
		m.margin = d
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a Manager.
func New(s CredentialStore, r Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		refresher: r,
		clock:     model.SystemClock{},
		margin:    DefaultRefreshMargin,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports the current credential state without any network I/O.
func (m *Manager) State(ctx context.Context) (State, error) {
	c, err := m.store.GetCredential(ctx)
	if errors.Is(err, store.ErrNoCredential) {
		return NoCredential, nil
	}
	if err != nil {
		return NoCredential, fmt.Errorf("credential state: %w", err)
	}
	return m.stateOf(c), nil
}

// Credential returns the stored credential, or ErrUnauthenticated.
func (m *Manager) Credential(ctx context.Context) (model.Credential, error) {
	c, err := m.store.GetCredential(ctx)
	if errors.Is(err, store.ErrNoCredential) {
		return model.Credential{}, ErrUnauthenticated
	}
	return c, err
}

// ExpiresAt returns the effective expiry of c: ExpiresAt when set, else
// the exp claim when the access token is a JWT, else zero (unknown).
func ExpiresAt(c model.Credential) time.Time {
	if !c.ExpiresAt.IsZero() {
		return c.ExpiresAt
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time.UTC()
}

func (m *Manager) stateOf(c model.Credential) State {
	if c.Invalidated() {
		return Invalid
	}
	exp := ExpiresAt(c)
	if exp.IsZero() {
		return Valid
	}
	if !m.clock.Now().Add(m.margin).Before(exp) {
		return Expiring
	}
	return Valid
}

// Ready reports, without network I/O, whether a sync can attempt to
// authorize at all: ErrUnauthenticated when no credential is stored,
// ErrAuthRequired when it was invalidated. An expiring credential is
// ready; Authorize refreshes it.
func (m *Manager) Ready(ctx context.Context) error {
	state, err := m.State(ctx)
	if err != nil {
		return err
	}
	switch state {
	case NoCredential:
		return ErrUnauthenticated
	case Invalid:
		return ErrAuthRequired
	}
	return nil
}

// Authorize attaches the stored credential to sub.
//
//   - no credential: ErrUnauthenticated, no I/O
//   - invalidated credential: ErrAuthRequired
//   - expiring credential: refreshed first; a permanent refresh failure
//     invalidates it and returns a *RefreshError, a transient one returns an
//     error wrapping remote.ErrTransient and leaves the credential alone
func (m *Manager) Authorize(ctx context.Context, sub remote.Submission) (remote.Signed, error) {
	c, err := m.Credential(ctx)
	if err != nil {
		return remote.Signed{}, err
	}

	switch m.stateOf(c) {
	case Invalid:
		return remote.Signed{}, ErrAuthRequired
	case Expiring:
		c, err = m.renew(ctx, c)
		if err != nil {
			return remote.Signed{}, err
		}
	}
	return sign(sub, c), nil
}

// renew refreshes an expiring credential. Without a refresh token a
// credential that has not expired yet is used until it does.
func (m *Manager) renew(ctx context.Context, c model.Credential) (model.Credential, error) {
	if c.CanRefresh() {
		return m.refresh(ctx, c)
	}
	if exp := ExpiresAt(c); m.clock.Now().Before(exp) {
		return c, nil
	}
	return m.invalidate(ctx, c, errors.New("access token expired and no refresh token"))
}

// Reject handles a 401 for accessToken: the credential is refreshed when
// possible and invalidated otherwise. If the credential was already
// replaced, Reject returns nil and the caller should authorize again.
func (m *Manager) Reject(ctx context.Context, accessToken string) error {
	c, err := m.Credential(ctx)
	if err != nil {
		return err
	}
	if c.AccessToken != accessToken {
		return nil
	}
	if c.Invalidated() {
		return ErrAuthRequired
	}
	if c.CanRefresh() {
		_, err := m.refresh(ctx, c)
		return err
	}
	_, err = m.invalidate(ctx, c, errors.New("access token rejected"))
	return err
}

// Store saves a credential obtained by an external login flow, replacing
// whatever was stored.
func (m *Manager) Store(ctx context.Context, c model.Credential) error {
	if c.AccessToken == "" {
		return errors.New("store credential: empty access token")
	}
	c.InvalidatedAt = time.Time{}
	c.UpdatedAt = m.clock.Now()
	if err := m.store.PutCredential(ctx, c); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	m.logger.Info("credential stored", "expires_at", ExpiresAt(c))
	return nil
}

// Logout deletes the stored credential.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.store.DeleteCredential(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// refresh coalesces concurrent refreshes of the same credential.
func (m *Manager) refresh(ctx context.Context, c model.Credential) (model.Credential, error) {
	v, err, _ := m.group.Do(c.AccessToken, func() (any, error) {
		return m.doRefresh(ctx, c)
	})
	if err != nil {
		return model.Credential{}, err
	}
	return v.(model.Credential), nil
}

func (m *Manager) doRefresh(ctx context.Context, c model.Credential) (model.Credential, error) {
	fresh, err := m.refresher.Refresh(ctx, c.RefreshToken)
	if err != nil {
		if errors.Is(err, remote.ErrPermanent) {
			return m.invalidate(ctx, c, err)
		}
		m.logger.Warn("credential refresh failed, will retry", "error", err)
		return model.Credential{}, fmt.Errorf("refresh credential: %w", err)
	}

	fresh.InvalidatedAt = time.Time{}
	fresh.UpdatedAt = m.clock.Now()
	err = m.store.SwapCredential(ctx, c.AccessToken, fresh)
	if errors.Is(err, store.ErrConflict) {
		// Another process refreshed or logged in first; theirs wins.
		return m.current(ctx)
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("save refreshed credential: %w", err)
	}
	m.logger.Info("credential refreshed", "expires_at", ExpiresAt(fresh))
	return fresh, nil
}

// invalidate marks c rejected and returns a *RefreshError. When c was
// replaced in the meantime the replacement is returned instead.
func (m *Manager) invalidate(ctx context.Context, c model.Credential, cause error) (model.Credential, error) {
	err := m.store.InvalidateCredential(ctx, c.AccessToken, m.clock.Now())
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNoCredential) {
		return m.current(ctx)
	}
	if err != nil {
		return model.Credential{}, fmt.Errorf("invalidate credential: %w", err)
	}
	m.logger.Warn("credential invalidated, login required", "reason", cause)
	return model.Credential{}, &RefreshError{Err: cause}
}

// current re-reads the credential after losing a race.
func (m *Manager) current(ctx context.Context) (model.Credential, error) {
	c, err := m.Credential(ctx)
	if err != nil {
		return model.Credential{}, err
	}
	if c.Invalidated() {
		return model.Credential{}, ErrAuthRequired
	}
	return c, nil
}

func sign(sub remote.Submission, c model.Credential) remote.Signed {
	return remote.Signed{
		Submission:    sub,
		Authorization: c.AuthorizationType() + " " + c.AccessToken,
		AccessToken:   c.AccessToken,
	}
}
