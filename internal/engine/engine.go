package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/aniscrobble/internal/auth"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/remote"
	"github.com/roach88/aniscrobble/internal/store"
)

// Defaults for Engine options.
const (
	DefaultMaxAttempts = 8

	// DefaultClaimTimeout is twice the default request timeout plus
	// slack. A submitting claim older than this belongs to a dead run.
	DefaultClaimTimeout = 2*remote.DefaultTimeout + 30*time.Second
)

// Store is the part of the record store the engine drives.
// Implemented by *store.Store.
type Store interface {
	ListActionable(ctx context.Context, q store.ActionableQuery) ([]model.WatchEvent, error)
	Transition(ctx context.Context, id string, from, to model.Status) error
	Confirm(ctx context.Context, id string, from model.Status, since time.Time, receipt string) error
	ConfirmedProgress(ctx context.Context, media model.MediaRef) (int64, error)
}

// Authorizer signs submissions. Implemented by *auth.Manager.
type Authorizer interface {
	Ready(ctx context.Context) error
	Authorize(ctx context.Context, sub remote.Submission) (remote.Signed, error)
	Reject(ctx context.Context, accessToken string) error
}

// Submitter sends a signed submission. Implemented by *remote.Client.
type Submitter interface {
	Submit(ctx context.Context, s remote.Signed) remote.Outcome
}

// Engine runs sync passes over the queue.
//
// Thread-safety: Run may be called concurrently, from this or other
// processes sharing the database. Runs coordinate through store claims.
type Engine struct {
	store        Store
	auth         Authorizer
	submitter    Submitter
	clock        model.Clock
	logger       *slog.Logger
	maxAttempts  int
	backoff      Backoff
	pageSize     int
	claimTimeout time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets the clock for status timestamps and due times.
//
// Default: model.SystemClock
func WithClock(clock model.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithMaxAttempts sets how many failed attempts an event gets before it is
// marked failed.
//
// Default: 8 (DefaultMaxAttempts). Values below 1 are raised to 1.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		e.maxAttempts = max(n, 1)
	}
}

// WithBackoff sets the retry delay policy.
//
// Default: 30s base, 5m cap, 20% jitter.
func WithBackoff(base, ceiling time.Duration, jitterPercent uint64) EngineOption {
	return func(e *Engine) {
		e.backoff = Backoff{Base: base, Cap: ceiling, JitterPercent: jitterPercent}
	}
}

// WithPageSize sets how many events are fetched per store query.
//
// Default: store.DefaultPageSize. Clamped to [1, store.MaxPageSize].
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		e.pageSize = min(max(n, 1), store.MaxPageSize)
	}
}

// WithClaimTimeout sets the age after which a submitting claim is
// considered abandoned and reclaimed.
//
// Default: DefaultClaimTimeout. Use twice the request timeout plus slack.
func WithClaimTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.claimTimeout = d
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine.
func New(s Store, a Authorizer, sub Submitter, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        s,
		auth:         a,
		submitter:    sub,
		clock:        model.SystemClock{},
		logger:       slog.Default(),
		maxAttempts:  DefaultMaxAttempts,
		backoff:      DefaultBackoff(),
		pageSize:     store.DefaultPageSize,
		claimTimeout: DefaultClaimTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run performs one sync pass over every actionable event.
//
// The returned Report covers the events handled before Run returned, also
// when it returns an error. Errors are ctx.Err() on cancellation or an
// *AbortError; Report.AuthRequired tells whether the abort needs a login.
// Without a usable credential Run stops before claiming anything.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	var report Report
	ready := false
	start := e.clock.Now()
	q := store.ActionableQuery{
		Now:              start,
		StaleClaimBefore: start.Add(-e.claimTimeout),
		Limit:            e.pageSize,
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := e.store.ListActionable(ctx, q)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			return report, &AbortError{Err: err}
		}

		if len(page) > 0 && !ready {
			if err := e.auth.Ready(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return report, ctxErr
				}
				report.AuthRequired = auth.IsAuthRequired(err)
				e.logger.Warn("sync skipped", "pending", len(page), "error", err)
				return report, &AbortError{Err: err}
			}
			ready = true
		}

		for _, ev := range page {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			res, err := e.process(ctx, ev)
			report.record(res)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return report, ctxErr
				}
				report.AuthRequired = auth.IsAuthRequired(err)
				return report, &AbortError{EventID: ev.ID, Err: err}
			}
		}

		if len(page) < e.pageSize {
			break
		}
		q.After = store.CursorOf(page[len(page)-1])
	}

	e.logger.Debug("sync run finished",
		"confirmed", report.Confirmed,
		"retried", report.Retried,
		"failed", report.Failed,
		"skipped", report.Skipped)
	return report, nil
}

// process handles one event. A non-nil error aborts the run.
func (e *Engine) process(ctx context.Context, ev model.WatchEvent) (EventResult, error) {
	res := EventResult{
		EventID:  ev.ID,
		Media:    ev.Media.String(),
		Progress: ev.Progress,
		Attempts: ev.Status.Attempts,
	}
	now := e.clock.Now()

	if ev.Status.Attempts >= e.maxAttempts {
		failed := model.Failed(now, ev.Status.Attempts, ReasonBudgetExhausted)
		return e.settle(res, e.store.Transition(ctx, ev.ID, ev.Status, failed), failed, remote.Outcome{})
	}

	confirmed, err := e.store.ConfirmedProgress(ctx, ev.Media)
	if err != nil {
		return res, fmt.Errorf("confirmed progress: %w", err)
	}

	claim := model.Submitting(now, ev.Status.Attempts)
	if err := e.store.Transition(ctx, ev.ID, ev.Status, claim); err != nil {
		if errors.Is(err, store.ErrConflict) {
			res.Result = ResultSkipped
			e.log(slog.LevelDebug, "event claimed elsewhere", res)
			return res, nil
		}
		return res, fmt.Errorf("claim event: %w", err)
	}

	// Remote progress never moves backwards: an episode at or below one
	// already confirmed for the title is settled without a submission.
	if confirmed >= ev.Progress {
		res.Outcome = OutcomeSuperseded
		res.Reason = fmt.Sprintf("episode %d already synced", confirmed)
		to := model.Confirmed(now, claim.Attempts)
		return e.settle(res, e.store.Confirm(ctx, ev.ID, claim, now, ""), to, remote.Outcome{})
	}

	out, err := e.submit(ctx, remote.NewSubmission(ev))
	if err == nil && ctx.Err() != nil {
		// The reply is unreliable once ctx is done.
		err = ctx.Err()
	}
	if err != nil {
		res.Result = ResultReleased
		if rerr := e.release(ctx, ev.ID, claim); rerr != nil {
			err = errors.Join(err, rerr)
		}
		e.log(slog.LevelWarn, "sync stopped", res, "error", err)
		return res, err
	}

	return e.apply(ctx, ev, claim, out, res)
}

// submit signs and sends sub. A 401 gets one Reject and one re-signed
// retry. Errors are auth errors only; remote failures are in the Outcome.
func (e *Engine) submit(ctx context.Context, sub remote.Submission) (remote.Outcome, error) {
	signed, err := e.auth.Authorize(ctx, sub)
	if err != nil {
		return remote.Outcome{}, err
	}
	out := e.submitter.Submit(ctx, signed)
	if out.Kind != remote.Unauthorized {
		return out, nil
	}

	if err := e.auth.Reject(ctx, signed.AccessToken); err != nil {
		return remote.Outcome{}, err
	}
	signed, err = e.auth.Authorize(ctx, sub)
	if err != nil {
		return remote.Outcome{}, err
	}
	out = e.submitter.Submit(ctx, signed)
	if out.Kind == remote.Unauthorized {
		return remote.Outcome{}, fmt.Errorf("%w: remote rejected renewed credential: %s", auth.ErrAuthRequired, out.Reason)
	}
	return out, nil
}

// apply records the outcome of a submission.
func (e *Engine) apply(ctx context.Context, ev model.WatchEvent, claim model.Status, out remote.Outcome, res EventResult) (EventResult, error) {
	now := e.clock.Now()
	attempts := claim.Attempts + 1

	switch out.Kind {
	case remote.Accepted, remote.Duplicate:
		to := model.Confirmed(now, claim.Attempts)
		return e.settle(res, e.store.Confirm(ctx, ev.ID, claim, now, out.Receipt), to, out)

	case remote.Permanent:
		to := model.Failed(now, attempts, out.Reason)
		return e.settle(res, e.store.Transition(ctx, ev.ID, claim, to), to, out)

	default:
		// Transient and rate limited.
		if attempts >= e.maxAttempts {
			to := model.Failed(now, attempts, ReasonBudgetExhausted)
			return e.settle(res, e.store.Transition(ctx, ev.ID, claim, to), to, out)
		}
		delay := e.backoff.Delay(attempts)
		if out.RetryAfter > 0 {
			delay = out.RetryAfter
		}
		to := model.Retryable(now, now.Add(delay), attempts)
		return e.settle(res, e.store.Transition(ctx, ev.ID, claim, to), to, out)
	}
}

// settle fills res from the status written and logs it. A conflict means
// the claim was taken over by another run, which owns the event now.
func (e *Engine) settle(res EventResult, err error, to model.Status, out remote.Outcome) (EventResult, error) {
	if out.Kind != 0 {
		res.Outcome = out.Kind.String()
		res.Receipt = out.Receipt
	}
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			res.Result = ResultSkipped
			e.log(slog.LevelWarn, "claim lost before outcome was recorded", res)
			return res, nil
		}
		return res, fmt.Errorf("record %s: %w", to.Kind, err)
	}

	res.Attempts = to.Attempts
	switch to.Kind {
	case model.KindConfirmed:
		res.Result = ResultConfirmed
		e.log(slog.LevelInfo, "event confirmed", res, "receipt", res.Receipt)
	case model.KindRetryable:
		res.Result = ResultRetried
		res.Reason = out.Reason
		res.NextAttemptAt = to.NextAttemptAt
		e.log(slog.LevelInfo, "event will be retried", res, "outcome", out.String(), "next_attempt_at", to.NextAttemptAt)
	case model.KindFailed:
		res.Result = ResultFailed
		res.Reason = to.Reason
		e.log(slog.LevelWarn, "event failed", res, "reason", to.Reason)
	}
	return res, nil
}

// release hands a claim back without spending an attempt. It must work
// after ctx is cancelled.
func (e *Engine) release(ctx context.Context, id string, claim model.Status) error {
	now := e.clock.Now()
	to := model.Retryable(now, now, claim.Attempts)
	err := e.store.Transition(context.WithoutCancel(ctx), id, claim, to)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (e *Engine) log(level slog.Level, msg string, res EventResult, args ...any) {
	attrs := append([]any{
		"event_id", res.EventID,
		"media", res.Media,
		"progress", res.Progress,
		"attempts", res.Attempts,
	}, args...)
	e.logger.Log(context.Background(), level, msg, attrs...)
}
