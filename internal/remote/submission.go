package remote

import "github.com/roach88/aniscrobble/internal/model"

// Submission is an unsigned scrobble request for one event.
type Submission struct {
	EventID        string
	IdempotencyKey string
	Payload        model.WirePayload
}

// NewSubmission builds the request for e. The idempotency key depends only
// on the event id, so every retry of e is recognisable by the remote.
func NewSubmission(e model.WatchEvent) Submission {
	return Submission{
		EventID:        e.ID,
		IdempotencyKey: model.IdempotencyKey(e.ID),
		Payload:        model.ToWire(e),
	}
}

// Signed is a Submission with credentials attached.
type Signed struct {
	Submission

	// Authorization is the full header value, e.g. "Bearer abc".
	Authorization string

	// AccessToken identifies the credential used, so a 401 can invalidate
	// exactly that credential.
	AccessToken string
}
