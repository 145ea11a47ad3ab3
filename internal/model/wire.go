package model

import "time"

// Wire list statuses understood by the tracking service.
const (
	WireStatusCurrent   = "CURRENT"
	WireStatusCompleted = "COMPLETED"
)

// WireMedia is the media part of a scrobble submission.
type WireMedia struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

// WirePayload is the JSON body of a scrobble submission.
type WirePayload struct {
	Media     WireMedia `json:"media"`
	Progress  int64     `json:"progress"`
	Status    string    `json:"status"`
	WatchedAt string    `json:"watched_at"`
}

// ToWire maps an event onto the submission contract. Local bookkeeping
// (status, attempts, fingerprint, receipt) is not part of the payload.
func ToWire(e WatchEvent) WirePayload {
	status := WireStatusCurrent
	if e.Completed() {
		status = WireStatusCompleted
	}
	return WirePayload{
		Media: WireMedia{
			ID:    e.Media.ID,
			Title: e.Media.Title,
		},
		Progress:  e.Progress,
		Status:    status,
		WatchedAt: e.ObservedAt.UTC().Format(time.RFC3339),
	}
}
