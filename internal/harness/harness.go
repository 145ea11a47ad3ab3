package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/roach88/aniscrobble/internal/auth"
	"github.com/roach88/aniscrobble/internal/config"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/service"
	"github.com/roach88/aniscrobble/internal/store"
	"github.com/roach88/aniscrobble/internal/testutil"
)

// Harness executes one scenario.
type Harness struct {
	svc   *service.Service
	api   *testutil.FakeAPI
	clock *testutil.Clock
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh database in a temp dir and its own fake
// remote, both released at test cleanup.
//
// Execution flow:
// 1. Open the service against the fake remote with scenario config
// 2. Execute steps in order, recording a trace event per step
// 3. Collect the final queue and what the remote received
// 4. Evaluate assertions
//
// A returned error means a step could not be executed at all; failed
// assertions are reported in Result.Errors.
func Run(t testing.TB, scenario *Scenario) (*Result, error) {
	t.Helper()

	api := testutil.NewFakeAPI(t)
	if len(scenario.Tokens) > 0 {
		api.AcceptTokens(scenario.Tokens...)
	}
	clock := testutil.NewClock(testutil.Epoch)

	svc, err := service.Open(scenarioConfig(t, scenario, api),
		service.WithClock(clock),
		service.WithIDGenerator(testutil.NewSequenceGenerator("evt")),
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), // Suppress logs in tests
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open service: %w", err)
	}
	defer svc.Close()

	h := &Harness{svc: svc, api: api, clock: clock}
	ctx := context.Background()

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, i+1, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.op(), err)
		}
		result.Trace = append(result.Trace, ev)
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// scenarioConfig is the default config pointed at api, without jitter,
// with the scenario's overrides applied.
func scenarioConfig(t testing.TB, s *Scenario, api *testutil.FakeAPI) config.Config {
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "aniscrobble.db")
	cfg.API.BaseURL = api.URL()
	cfg.API.TokenURL = api.TokenURL()
	cfg.API.RequestsPerMinute = 6000
	cfg.Sync.BackoffJitterPercent = 0

	o := s.Config
	if o.DedupeWindow != 0 {
		cfg.Sync.DedupeWindow = o.DedupeWindow
	}
	if o.MaxAttempts != 0 {
		cfg.Sync.MaxAttempts = o.MaxAttempts
	}
	if o.BackoffBase != 0 {
		cfg.Sync.BackoffBase = o.BackoffBase
	}
	if o.BackoffCap != 0 {
		cfg.Sync.BackoffCap = o.BackoffCap
	}
	if o.Retention != 0 {
		cfg.Sync.Retention = o.Retention
	}
	return cfg
}

// execute performs one step.
func (h *Harness) execute(ctx context.Context, n int, step Step) (TraceEvent, error) {
	ev := TraceEvent{Step: n, Op: step.op(), At: h.clock.Now()}

	switch ev.Op {
	case OpLogin:
		c := model.Credential{AccessToken: step.Login.Token, RefreshToken: step.Login.RefreshToken}
		if step.Login.ExpiresIn > 0 {
			c.ExpiresAt = h.clock.Now().Add(step.Login.ExpiresIn.Std())
		}
		return ev, h.svc.StoreCredential(ctx, c)

	case OpScrobble:
		s := step.Scrobble
		media := model.MediaRef{ID: s.Media, Title: s.Title, Episodes: s.Episodes}
		id, inserted, err := h.svc.Record(ctx, media, s.Progress, h.clock.Now())
		ev.EventID, ev.Inserted = id, inserted
		return ev, err

	case OpRespond:
		responses := make([]testutil.Response, len(step.Respond))
		for i, r := range step.Respond {
			responses[i] = testutil.Response{Status: r.Status, Body: r.Body}
			if r.RetryAfter != "" {
				responses[i].Header = map[string]string{"Retry-After": r.RetryAfter}
			}
		}
		h.api.QueueScrobble(responses...)
		ev.Count = int64(len(responses))
		return ev, nil

	case OpSync:
		report, err := h.svc.RunSync(ctx)
		ev.Report = &report
		switch {
		case err == nil:
		case auth.IsAuthRequired(err):
			ev.AbortReason = "auth_required"
		case errors.Is(err, service.ErrRemoteNotConfigured):
			return ev, err
		default:
			ev.AbortReason = "error"
		}
		return ev, nil

	case OpAdvance:
		h.clock.Advance(step.Advance.Std())
		ev.At = h.clock.Now()
		return ev, nil

	case OpRevoke:
		h.api.RevokeToken(step.Revoke)
		return ev, nil

	case OpGrant:
		g := step.Grant
		h.api.AddGrant(g.RefreshToken, testutil.Grant{
			AccessToken:  g.AccessToken,
			RefreshToken: g.NewRefreshToken,
			ExpiresIn:    g.ExpiresIn,
		})
		return ev, nil

	case OpPrune:
		removed, err := h.svc.Prune(ctx)
		ev.Count = removed
		return ev, err
	}
	return ev, errors.New("unknown step")
}

// collect reads the final queue and the remote's view into result.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	events, err := h.svc.Events(ctx, store.EventFilter{Limit: store.MaxPageSize})
	if err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}
	slices.SortFunc(events, func(a, b model.WatchEvent) int { return strings.Compare(a.ID, b.ID) })
	result.Events = events

	for _, e := range events {
		result.Submissions[e.ID] = h.api.SubmissionCount(model.IdempotencyKey(e.ID))
	}
	result.Accepted = h.api.AcceptedCount()
	return nil
}
