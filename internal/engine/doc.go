// Package engine implements the sync engine that drains the scrobble queue.
//
// A run walks the actionable events in the store page by page and moves each
// one through its lifecycle:
//
//	pending/retryable --claim--> submitting --submit--> confirmed
//	                                        \--------> retryable (backoff)
//	                                         \-------> failed
//
// ARCHITECTURE:
//
// The engine holds no queue of its own. All state lives in the store, so a
// run can stop at any point (crash, ctx cancel, auth failure) and the next
// run resumes from what was committed.
//
// Event Processing Flow:
//  1. Store.ListActionable returns a page ordered by observed_at, id
//  2. before the first claim of a run the auth manager must have a usable
//     credential, otherwise the run stops without writing anything
//  3. the retry budget is checked before claiming
//  4. the event is claimed with a compare-and-set to submitting
//  5. an event at or below the title's confirmed progress is confirmed
//     locally, so the remote list never moves backwards
//  6. the auth manager signs the submission, the remote classifies the reply
//  7. the outcome is written back with another compare-and-set
//
// CONCURRENCY:
//
// Overlapping runs, in one process or several, coordinate only through the
// claim. A run that loses the claim skips the event. A claim whose owner died
// is reclaimed once it is older than the claim timeout and resubmitted with
// the same idempotency key, so the remote sees at most one scrobble.
//
// Auth failures abort the whole run: every further event would fail the same
// way. An event claimed when the failure surfaced (a refresh or a 401) is
// released as retryable without spending an attempt.
package engine
