package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/testutil"
)

// Snapshot converts a result to the map written to golden files. Times are
// rendered as durations since testutil.Epoch so snapshots stay readable.
func Snapshot(name string, r *Result) map[string]any {
	trace := make([]any, len(r.Trace))
	for i, ev := range r.Trace {
		trace[i] = traceMap(ev)
	}

	events := make([]any, len(r.Events))
	for i, e := range r.Events {
		m := map[string]any{
			"id":       e.ID,
			"media":    e.Media.String(),
			"progress": e.Progress,
			"status":   string(e.Status.Kind),
			"attempts": e.Status.Attempts,
		}
		if e.RemoteReceipt != "" {
			m["receipt"] = e.RemoteReceipt
		}
		if e.Status.Reason != "" {
			m["reason"] = e.Status.Reason
		}
		events[i] = m
	}

	submissions := make(map[string]any, len(r.Submissions))
	for id, n := range r.Submissions {
		submissions[id] = n
	}

	return map[string]any{
		"scenario_name": name,
		"trace":         trace,
		"events":        events,
		"submissions":   submissions,
		"accepted":      r.Accepted,
	}
}

func traceMap(ev TraceEvent) map[string]any {
	m := map[string]any{
		"step":    ev.Step,
		"op":      ev.Op,
		"elapsed": ev.At.Sub(testutil.Epoch).String(),
	}
	switch ev.Op {
	case OpScrobble:
		m["event_id"] = ev.EventID
		m["inserted"] = ev.Inserted
	case OpRespond, OpPrune:
		m["count"] = ev.Count
	case OpSync:
		results := []any{}
		if ev.Report != nil {
			for _, res := range ev.Report.Results {
				rm := map[string]any{
					"event_id": res.EventID,
					"result":   string(res.Result),
					"attempts": res.Attempts,
				}
				if res.Outcome != "" {
					rm["outcome"] = res.Outcome
				}
				if res.Receipt != "" {
					rm["receipt"] = res.Receipt
				}
				if res.Reason != "" {
					rm["reason"] = res.Reason
				}
				if !res.NextAttemptAt.IsZero() {
					rm["retry_in"] = res.NextAttemptAt.Sub(ev.At).String()
				}
				results = append(results, rm)
			}
		}
		m["results"] = results
		if ev.AbortReason != "" {
			m["abort"] = ev.AbortReason
		}
	}
	return m
}

// RunWithGolden executes a scenario, fails the test on assertion failures
// and compares the snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(t, scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares a result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := model.MarshalCanonical(Snapshot(name, result))
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
