// Package harness runs scripted sync scenarios end to end.
//
// A scenario drives the real service (store, engine, auth manager and remote
// client) against testutil.FakeAPI with a fixed clock and sequential event
// ids, then checks assertions on the final queue and on what the remote
// received.
//
// # Scenario Format
//
//	name: show_42
//	description: "What this scenario validates"
//	config:
//	  max_attempts: 3
//	  backoff_base: 30s
//	tokens: [tok]               # enable token checking, accept these
//	steps:
//	  - login: { token: tok, refresh_token: r1, expires_in: 1h }
//	  - scrobble: { media: show-42, progress: 5 }
//	  - respond: [{ status: 503 }]
//	  - sync: true
//	  - advance: 30s
//	  - revoke: tok
//	  - grant: { refresh_token: r1, access_token: tok2 }
//	  - prune: true
//	assertions:
//	  - type: event_status
//	    event: evt-0001
//	    status: confirmed
//	    attempts: 0
//	  - type: submissions
//	    event: evt-0001
//	    count: 1
//	  - type: accepted
//	    count: 1
//	  - type: counts
//	    expect: { confirmed: 1 }
//
// Each step sets exactly one field.
//
// # Deterministic Testing
//
// The clock starts at testutil.Epoch and only moves on advance steps. Event
// ids come from testutil.SequenceGenerator ("evt-0001", ...), receipts from
// the fake ("rcpt-0001", ...). Backoff jitter is off. Traces are therefore
// identical across runs and are compared against golden files with
// RunWithGolden.
package harness
