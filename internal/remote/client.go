package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/aniscrobble/internal/model"
)

// Defaults applied by New.
const (
	DefaultTimeout           = 10 * time.Second
	DefaultRequestsPerMinute = 90
	DefaultUserAgent         = "aniscrobble"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// ScrobblePath is appended to Config.BaseURL for submissions.
const ScrobblePath = "/v1/scrobbles"

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com.
	BaseURL string

	// TokenURL is the OAuth2 token endpoint used for refresh grants.
	TokenURL string

	ClientID     string
	ClientSecret string

	// Timeout bounds every request. Default 10s.
	Timeout time.Duration

	// RequestsPerMinute paces requests client-side. Default 90.
	RequestsPerMinute int

	UserAgent string
}

// Client talks to the tracking service.
//
// Thread-safety: Client is safe for concurrent use. All requests share one
// token-bucket limiter.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	clock   model.Clock
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left alone.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClock sets the clock used for Retry-After dates and credential stamps.
func WithClock(clock model.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New validates cfg, fills in defaults and creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	perRequest := time.Minute / time.Duration(cfg.RequestsPerMinute)
	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(perRequest), cfg.RequestsPerMinute),
		clock:   model.SystemClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Timeout returns the per-request timeout in effect.
func (c *Client) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Submit sends one signed scrobble and classifies the result. It never
// returns an error: every failure is an Outcome.
func (c *Client) Submit(ctx context.Context, s Signed) Outcome {
	if err := c.limiter.Wait(ctx); err != nil {
		return Outcome{Kind: Transient, Reason: fmt.Sprintf("rate limiter: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(s.Payload)
	if err != nil {
		return Outcome{Kind: Permanent, Reason: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+ScrobblePath, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: Permanent, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Authorization", s.Authorization)
	req.Header.Set("Idempotency-Key", s.IdempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "request timed out"
		}
		return Outcome{Kind: Transient, Reason: reason}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Outcome{Kind: Transient, Reason: fmt.Sprintf("read response: %v", err), StatusCode: resp.StatusCode}
	}

	out := classify(resp.StatusCode, resp.Header, data, c.clock.Now())
	c.logger.Debug("scrobble submitted",
		"event_id", s.EventID,
		"status", resp.StatusCode,
		"outcome", out.Kind.String(),
	)
	return out
}
