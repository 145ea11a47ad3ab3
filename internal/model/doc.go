// Package model defines the watch event and credential records shared by the
// store, the auth manager and the sync engine, together with their encodings.
//
// # Encodings
//
// Three encodings exist and they are deliberately separate:
//
//   - Persisted form (Encode/Decode): a versioned JSON envelope tagged with
//     SchemaTag. Keys this version does not understand are preserved in
//     WatchEvent.Extra and written back unchanged, so an older binary never
//     drops data written by a newer one.
//   - Wire form (ToWire): the JSON body of a scrobble submission. Carries only
//     what the remote needs; local bookkeeping (status, attempts, fingerprint)
//     never leaves the machine.
//   - Canonical form (MarshalCanonical): sorted keys, NFC strings, no floats.
//     Used only as hash input for fingerprints and idempotency keys, and for
//     deterministic snapshots.
//
// # Identity
//
// Every event has two identities:
//
//   - ID: a UUIDv7 generated at enqueue time. Time-ordered, never reused.
//   - Fingerprint: SHA-256 over (media key, progress, time bucket). Two
//     detections of the same episode within the dedupe window share a
//     fingerprint, which is how enqueue stays idempotent.
//
// The idempotency key sent to the remote is derived from ID, not from the
// fingerprint, so a deliberate rewatch outside the window is a new scrobble.
package model
