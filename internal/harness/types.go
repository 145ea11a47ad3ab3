package harness

import (
	"time"

	"github.com/roach88/aniscrobble/internal/engine"
	"github.com/roach88/aniscrobble/internal/model"
)

// Trace operations, one per step kind.
const (
	OpLogin    = "login"
	OpScrobble = "scrobble"
	OpRespond  = "respond"
	OpSync     = "sync"
	OpAdvance  = "advance"
	OpRevoke   = "revoke"
	OpGrant    = "grant"
	OpPrune    = "prune"
)

// TraceEvent records what one step did.
type TraceEvent struct {
	Step int       `json:"step"`
	Op   string    `json:"op"`
	At   time.Time `json:"at"`

	// Scrobble.
	EventID  string `json:"event_id,omitempty"`
	Inserted bool   `json:"inserted,omitempty"`

	// Sync. Aborted is set when the run stopped early; AbortReason is
	// "auth_required" or "error".
	Report      *engine.Report `json:"report,omitempty"`
	AbortReason string         `json:"abort_reason,omitempty"`

	// Respond: responses queued. Prune: events removed.
	Count int64 `json:"count,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Events is the final queue, ordered by id.
	Events []model.WatchEvent `json:"-"`

	// Submissions maps event id to the number of requests the remote
	// received for it.
	Submissions map[string]int `json:"submissions"`

	// Accepted is the number of distinct scrobbles the remote holds.
	Accepted int `json:"accepted"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Trace:       []TraceEvent{},
		Errors:      []string{},
		Submissions: map[string]int{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Event returns the final state of the event with id.
func (r *Result) Event(id string) (model.WatchEvent, bool) {
	for _, e := range r.Events {
		if e.ID == id {
			return e, true
		}
	}
	return model.WatchEvent{}, false
}
