package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aniscrobble/internal/auth"
	"github.com/roach88/aniscrobble/internal/config"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/remote"
	"github.com/roach88/aniscrobble/internal/store"
	"github.com/roach88/aniscrobble/internal/testutil"
)

var show42 = model.MediaRef{ID: "show-42"}

type fixture struct {
	svc   *Service
	api   *testutil.FakeAPI
	clock *testutil.Clock
}

func testConfig(t *testing.T, api *testutil.FakeAPI) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "aniscrobble.db")
	cfg.API.RequestsPerMinute = 6000
	cfg.API.Timeout = config.Duration(2 * time.Second)
	cfg.Sync.BackoffJitterPercent = 0
	if api != nil {
		cfg.API.BaseURL = api.URL()
		cfg.API.TokenURL = api.TokenURL()
	}
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := testutil.NewFakeAPI(t)
	clock := testutil.NewClock(time.Time{})
	svc, err := Open(testConfig(t, api),
		WithClock(clock),
		WithIDGenerator(testutil.NewSequenceGenerator("evt")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return &fixture{svc: svc, api: api, clock: clock}
}

func TestEnqueue_Deduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.Enqueue(ctx, show42, 5, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "evt-0001", id)

	f.clock.Advance(10 * time.Minute)
	again, inserted, err := f.svc.Record(ctx, show42, 5, time.Time{})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id, again)

	counts, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCounts{Pending: 1}, counts)

	e, err := f.svc.Events(ctx, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, e, 1)
	assert.Equal(t, testutil.Epoch, e[0].ObservedAt, "zero time means now")
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, show42, 0, time.Time{})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)

	_, err = f.svc.Enqueue(ctx, model.MediaRef{}, 1, time.Time{})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestRunSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.StoreCredential(ctx, model.Credential{AccessToken: "tok"}))

	_, err := f.svc.Enqueue(ctx, show42, 5, time.Time{})
	require.NoError(t, err)

	report, err := f.svc.RunSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 1, f.api.AcceptedCount())

	counts, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Confirmed)
	assert.Zero(t, counts.Outstanding())
}

func TestRunSync_NeedsLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Enqueue(ctx, show42, 5, time.Time{})
	require.NoError(t, err)

	report, err := f.svc.RunSync(ctx)
	require.Error(t, err)
	assert.True(t, report.AuthRequired)
	assert.True(t, auth.IsAuthRequired(err))

	state, err := f.svc.AuthState(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.NoCredential, state)

	counts, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCounts{Pending: 1}, counts, "a sync without login changes nothing")
}

func TestRunSync_WithoutRemote(t *testing.T) {
	svc, err := Open(testConfig(t, nil), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.RunSync(context.Background())
	assert.ErrorIs(t, err, ErrRemoteNotConfigured)

	// Local operations still work.
	_, err = svc.Enqueue(context.Background(), show42, 1, time.Time{})
	assert.NoError(t, err)
}

func TestCheckCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.AcceptTokens("good")

	v, err := f.svc.CheckCredential(ctx, model.Credential{AccessToken: "good"})
	require.NoError(t, err)
	assert.Equal(t, testutil.FakeViewerName, v.Name)

	_, err = f.svc.CheckCredential(ctx, model.Credential{AccessToken: "bad"})
	assert.ErrorIs(t, err, remote.ErrTokenRejected)

	state, err := f.svc.AuthState(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.NoCredential, state, "checking does not store")

	local, err := Open(testConfig(t, nil), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer local.Close()
	_, err = local.CheckCredential(ctx, model.Credential{AccessToken: "good"})
	assert.ErrorIs(t, err, ErrRemoteNotConfigured)
}

func TestLogin_Force(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Login(ctx, model.Credential{AccessToken: "a1"}, false))
	assert.ErrorIs(t, f.svc.Login(ctx, model.Credential{AccessToken: "a2"}, false), ErrAlreadyLoggedIn)

	c, err := f.svc.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", c.AccessToken)

	require.NoError(t, f.svc.Login(ctx, model.Credential{AccessToken: "a2"}, true))
	c, err = f.svc.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a2", c.AccessToken)

	require.NoError(t, f.svc.Logout(ctx))
	state, err := f.svc.AuthState(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.NoCredential, state)
}

func TestPrune_UsesRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.StoreCredential(ctx, model.Credential{AccessToken: "tok"}))

	_, err := f.svc.Enqueue(ctx, show42, 1, time.Time{})
	require.NoError(t, err)
	_, err = f.svc.RunSync(ctx)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Enqueue(ctx, show42, 2, time.Time{})
	require.NoError(t, err)

	n, err := f.svc.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "inside retention")

	f.clock.Advance(f.svc.Config().Sync.Retention.Std())
	n, err = f.svc.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCounts{Pending: 1}, counts, "pending events are never pruned")
}
