package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for derived identities. The version suffix allows changing
// the derivation without colliding with values already stored or sent.
const (
	DomainFingerprint = "aniscrobble/fingerprint/v1"
	DomainIdempotency = "aniscrobble/idempotency/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data), hex encoded.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MediaKey is the normalised identity of a media reference used for dedupe.
// A resolved id wins over the title; titles are NFC normalised, whitespace
// collapsed and case folded so "Frieren " and "frieren" collide.
func MediaKey(m MediaRef) string {
	if id := strings.TrimSpace(m.ID); id != "" {
		return "id:" + id
	}
	title := strings.Join(strings.Fields(norm.NFC.String(m.Title)), " ")
	return "title:" + cases.Fold().String(title)
}

// Bucket maps an observation time onto a dedupe bucket of the given width.
// A non-positive window disables bucketing: every instant is its own bucket.
func Bucket(t time.Time, window time.Duration) int64 {
	n := t.UnixNano()
	if window <= 0 {
		return n
	}
	w := int64(window)
	q := n / w
	if n%w != 0 && n < 0 {
		q--
	}
	return q
}

// Fingerprint derives the dedupe key for (media, progress, bucket).
func Fingerprint(m MediaRef, progress int64, bucket int64) string {
	canonical := mustCanonical(map[string]any{
		"bucket":   bucket,
		"media":    MediaKey(m),
		"progress": progress,
	})
	return hashWithDomain(DomainFingerprint, canonical)
}

// IdempotencyKey derives the key the remote uses to recognise a resubmission
// of the same event. It depends only on the event id, so every retry of one
// event carries the same key.
func IdempotencyKey(eventID string) string {
	return hashWithDomain(DomainIdempotency, []byte(eventID))
}
