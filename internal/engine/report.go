package engine

import "time"

// Result is what a run did with one event.
type Result string

const (
	ResultConfirmed Result = "confirmed"
	ResultRetried   Result = "retried"
	ResultFailed    Result = "failed"

	// ResultSkipped: another run owned the event.
	ResultSkipped Result = "skipped"

	// ResultReleased: the claim was handed back without an attempt because
	// the run aborted.
	ResultReleased Result = "released"
)

// OutcomeSuperseded is the EventResult outcome of an event confirmed
// locally because the title already synced the same or a later episode.
const OutcomeSuperseded = "superseded"

// EventResult describes the handling of one event.
type EventResult struct {
	EventID  string `json:"event_id"`
	Media    string `json:"media"`
	Progress int64  `json:"progress"`
	Result   Result `json:"result"`

	// Attempts is the attempt count after this run.
	Attempts int `json:"attempts"`

	// Outcome is the remote's classified answer, empty if nothing was sent.
	Outcome string `json:"outcome,omitempty"`

	Receipt       string    `json:"receipt,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
}

// Report summarises one Run.
type Report struct {
	Confirmed int `json:"confirmed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	// AuthRequired is set when the run stopped because only a new login
	// can make progress.
	AuthRequired bool `json:"auth_required"`

	Results []EventResult `json:"results"`
}

// Processed returns the number of events the run looked at.
func (r Report) Processed() int {
	return len(r.Results)
}

func (r *Report) record(res EventResult) {
	switch res.Result {
	case ResultConfirmed:
		r.Confirmed++
	case ResultRetried:
		r.Retried++
	case ResultFailed:
		r.Failed++
	case ResultSkipped:
		r.Skipped++
	}
	r.Results = append(r.Results, res)
}
