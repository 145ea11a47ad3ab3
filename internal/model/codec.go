package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Persisted envelope identification.
const (
	SchemaTag     = "aniscrobble.watch_event"
	SchemaVersion = 1
)

// ErrUnknownSchema is returned by Decode for payloads that are not watch
// event envelopes.
var ErrUnknownSchema = errors.New("unknown persisted schema")

type statusJSON struct {
	Kind          Kind   `json:"kind"`
	Since         int64  `json:"since,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type mediaJSON struct {
	ID       string `json:"id,omitempty"`
	Title    string `json:"title,omitempty"`
	Episodes int64  `json:"episodes,omitempty"`
}

type eventJSON struct {
	ID          string     `json:"id"`
	Media       mediaJSON  `json:"media"`
	Progress    int64      `json:"progress"`
	ObservedAt  int64      `json:"observed_at"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Status      statusJSON `json:"status"`
	Receipt     string     `json:"receipt,omitempty"`
}

var (
	knownEventKeys    = []string{"id", "media", "progress", "observed_at", "fingerprint", "status", "receipt"}
	knownMediaKeys    = []string{"id", "title", "episodes"}
	knownStatusKeys   = []string{"kind", "since", "attempts", "next_attempt_at", "reason"}
	knownEnvelopeKeys = []string{"schema", "version", "event"}
)

// Encode serialises an event into its persisted envelope.
func Encode(e WatchEvent) ([]byte, error) {
	body, err := json.Marshal(eventJSON{
		ID: e.ID,
		Media: mediaJSON{
			ID:       e.Media.ID,
			Title:    e.Media.Title,
			Episodes: e.Media.Episodes,
		},
		Progress:    e.Progress,
		ObservedAt:  unixNano(e.ObservedAt),
		Fingerprint: e.Fingerprint,
		Status: statusJSON{
			Kind:          e.Status.Kind,
			Since:         unixNano(e.Status.Since),
			Attempts:      e.Status.Attempts,
			NextAttemptAt: unixNano(e.Status.NextAttemptAt),
			Reason:        e.Status.Reason,
		},
		Receipt: e.RemoteReceipt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	body, err = mergeExtra(body, e.Extra)
	if err == nil {
		body, err = mergeNested(body, "media", e.mediaExtra)
	}
	if err == nil {
		body, err = mergeNested(body, "status", e.statusExtra)
	}
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}

	envelope := map[string]json.RawMessage{}
	for k, v := range e.envelopeExtra {
		envelope[k] = v
	}
	envelope["schema"] = mustJSON(SchemaTag)
	envelope["version"] = mustJSON(SchemaVersion)
	envelope["event"] = body

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses a persisted envelope. Envelopes written by a newer schema
// version are accepted; fields this version does not know are kept.
func Decode(data []byte) (WatchEvent, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return WatchEvent{}, fmt.Errorf("decode event: %w", err)
	}

	var tag string
	if raw, ok := envelope["schema"]; !ok || json.Unmarshal(raw, &tag) != nil || tag != SchemaTag {
		return WatchEvent{}, fmt.Errorf("decode event: %w: %q", ErrUnknownSchema, tag)
	}
	var version int
	if err := json.Unmarshal(envelope["version"], &version); err != nil || version < 1 {
		return WatchEvent{}, fmt.Errorf("decode event: %w: bad version", ErrUnknownSchema)
	}

	rawEvent, ok := envelope["event"]
	if !ok {
		return WatchEvent{}, fmt.Errorf("decode event: missing event body")
	}
	var body eventJSON
	if err := json.Unmarshal(rawEvent, &body); err != nil {
		return WatchEvent{}, fmt.Errorf("decode event: %w", err)
	}
	extra, err := unknownKeys(rawEvent, knownEventKeys)
	if err != nil {
		return WatchEvent{}, fmt.Errorf("decode event: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawEvent, &fields); err != nil {
		return WatchEvent{}, fmt.Errorf("decode event: %w", err)
	}
	mediaExtra, err := unknownKeys(fields["media"], knownMediaKeys)
	if err != nil {
		return WatchEvent{}, fmt.Errorf("decode event media: %w", err)
	}
	statusExtra, err := unknownKeys(fields["status"], knownStatusKeys)
	if err != nil {
		return WatchEvent{}, fmt.Errorf("decode event status: %w", err)
	}

	e := WatchEvent{
		ID: body.ID,
		Media: MediaRef{
			ID:       body.Media.ID,
			Title:    body.Media.Title,
			Episodes: body.Media.Episodes,
		},
		Progress:    body.Progress,
		ObservedAt:  fromUnixNano(body.ObservedAt),
		Fingerprint: body.Fingerprint,
		Status: Status{
			Kind:          body.Status.Kind,
			Since:         fromUnixNano(body.Status.Since),
			Attempts:      body.Status.Attempts,
			NextAttemptAt: fromUnixNano(body.Status.NextAttemptAt),
			Reason:        body.Status.Reason,
		},
		RemoteReceipt: body.Receipt,
		Extra:         extra,
		mediaExtra:    mediaExtra,
		statusExtra:   statusExtra,
	}

	for _, k := range knownEnvelopeKeys {
		delete(envelope, k)
	}
	if len(envelope) > 0 {
		if e.envelopeExtra, err = compactValues(envelope); err != nil {
			return WatchEvent{}, fmt.Errorf("decode event: %w", err)
		}
	}
	return e, nil
}

// mergeExtra adds unknown keys back into an encoded object. Known keys win.
func mergeExtra(body []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return body, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, known := obj[k]; !known {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

// mergeNested applies mergeExtra to the object stored under key.
func mergeNested(body []byte, key string, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return body, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	nested, err := mergeExtra(obj[key], extra)
	if err != nil {
		return nil, err
	}
	obj[key] = nested
	return json.Marshal(obj)
}

// unknownKeys returns the keys of the JSON object raw that are not in known.
// An absent or null object has none.
func unknownKeys(raw json.RawMessage, known []string) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(obj, k)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return compactValues(obj)
}

// compactValues strips insignificant whitespace so a decoded value compares
// equal to the same value after another encode.
func compactValues(obj map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	for k, v := range obj {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, err
		}
		obj[k] = buf.Bytes()
	}
	return obj, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
