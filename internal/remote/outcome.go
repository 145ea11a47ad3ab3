package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTransient marks failures worth retrying later: network errors,
	// timeouts, 5xx and throttling.
	ErrTransient = errors.New("transient remote failure")

	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent remote failure")
)

// OutcomeKind enumerates the closed set of submission results.
type OutcomeKind int

const (
	// Accepted: the remote recorded the scrobble and returned a receipt.
	Accepted OutcomeKind = iota + 1

	// Duplicate: the remote already holds this idempotency key.
	Duplicate

	// RateLimited: throttled; retry no sooner than RetryAfter.
	RateLimited

	// Unauthorized: the access token was rejected.
	Unauthorized

	// Transient: retry later.
	Transient

	// Permanent: the submission will never be accepted.
	Permanent
)

var outcomeNames = map[OutcomeKind]string{
	Accepted:     "accepted",
	Duplicate:    "duplicate",
	RateLimited:  "rate_limited",
	Unauthorized: "unauthorized",
	Transient:    "transient",
	Permanent:    "permanent",
}

// String returns the snake_case name used in logs and reports.
func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the classified result of one submission attempt.
type Outcome struct {
	Kind OutcomeKind

	// Receipt is the remote's identifier for the scrobble (Accepted, and
	// Duplicate when the remote echoes it).
	Receipt string

	// RetryAfter is the server-requested delay (RateLimited only, 0 when
	// the server gave none).
	RetryAfter time.Duration

	// Reason is a human-readable explanation for non-accepted outcomes.
	Reason string

	// StatusCode is the HTTP status, 0 when no response was received.
	StatusCode int
}

// Confirmed reports whether the remote holds the scrobble.
func (o Outcome) Confirmed() bool {
	return o.Kind == Accepted || o.Kind == Duplicate
}

// String renders the outcome for logs.
func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
}

// responseBody covers both the success and the error shape of the API.
type responseBody struct {
	Receipt string `json:"receipt"`
	Error   *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable *bool  `json:"retryable"`
	} `json:"error"`
}

// classify maps an HTTP response onto an Outcome.
//
// Order matters: an explicit duplicate signal wins over the status code,
// and the body's retryable flag only overrides the transient/permanent
// split, never accepted, duplicate, throttled or unauthorized.
func classify(status int, header http.Header, body []byte, now time.Time) Outcome {
	var rb responseBody
	_ = json.Unmarshal(body, &rb) // non-JSON bodies classify by status alone

	reason := http.StatusText(status)
	var code string
	if rb.Error != nil {
		code = rb.Error.Code
		if rb.Error.Message != "" {
			reason = rb.Error.Message
		}
	}

	switch {
	case status == http.StatusConflict || code == "duplicate":
		return Outcome{Kind: Duplicate, Receipt: rb.Receipt, StatusCode: status}
	case status >= 200 && status < 300:
		if rb.Receipt == "" {
			return Outcome{Kind: Transient, Reason: "accepted without receipt", StatusCode: status}
		}
		return Outcome{Kind: Accepted, Receipt: rb.Receipt, StatusCode: status}
	case status == http.StatusTooManyRequests:
		return Outcome{
			Kind:       RateLimited,
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), now),
			Reason:     reason,
			StatusCode: status,
		}
	case status == http.StatusUnauthorized:
		return Outcome{Kind: Unauthorized, Reason: reason, StatusCode: status}
	}

	kind := Transient
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooEarly {
		kind = Permanent
	}
	if rb.Error != nil && rb.Error.Retryable != nil {
		if *rb.Error.Retryable {
			kind = Transient
		} else {
			kind = Permanent
		}
	}
	return Outcome{Kind: kind, Reason: fmt.Sprintf("%d %s", status, reason), StatusCode: status}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or
// past values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
