// Package remote is the HTTP client for the tracking service.
//
// Submissions are POSTed to {base}/v1/scrobbles with the wire payload as the
// JSON body, an Authorization header and an Idempotency-Key header derived
// from the event id. Every response is classified into an Outcome:
//
//	200/201 + receipt            Accepted
//	409 or error.code=duplicate  Duplicate
//	429                          RateLimited (Retry-After seconds or HTTP date)
//	401                          Unauthorized
//	408, 425, 5xx, no response   Transient
//	other 4xx                    Permanent
//
// A body of the form {"error":{"retryable":bool}} overrides the
// transient/permanent split. A 2xx without a receipt is Transient: the
// remote's state is unknown, and resubmitting under the same idempotency key
// is safe.
//
// Credential refresh uses the OAuth2 refresh grant (golang.org/x/oauth2).
// Requests are paced client-side with a token bucket (golang.org/x/time/rate).
package remote
