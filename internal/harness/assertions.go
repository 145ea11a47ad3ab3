package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/aniscrobble/internal/model"
)

// AssertionError is returned when an assertion fails.
// It includes the final queue to help debug the failure.
type AssertionError struct {
	Type     string             // Assertion type for categorization
	Expected string             // Human-readable expected outcome
	Actual   string             // Human-readable actual outcome
	Events   []model.WatchEvent // Final queue for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFinal queue:\n")
	for _, ev := range e.Events {
		fmt.Fprintf(&buf, "  %s %s ep %d %s\n", ev.ID, ev.Media, ev.Progress, ev.Status)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns
// the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertEventStatus:
		return assertEventStatus(result, a)
	case AssertSubmissions:
		return assertSubmissions(result, a)
	case AssertAccepted:
		if result.Accepted != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d scrobbles accepted by the remote", a.Count),
				Actual:   fmt.Sprintf("%d", result.Accepted),
				Events:   result.Events,
			}
		}
		return nil
	case AssertCounts:
		return assertCounts(result, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertEventStatus checks the final status of one event.
func assertEventStatus(result *Result, a Assertion) error {
	ev, ok := result.Event(a.Event)
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("event %s with status %s", a.Event, a.Status),
			Actual:   "event not found",
			Events:   result.Events,
		}
	}

	var mismatches []string
	if string(ev.Status.Kind) != a.Status {
		mismatches = append(mismatches, fmt.Sprintf("status %s", ev.Status.Kind))
	}
	if a.Attempts != nil && ev.Status.Attempts != *a.Attempts {
		mismatches = append(mismatches, fmt.Sprintf("attempts %d", ev.Status.Attempts))
	}
	if a.Receipt != "" && ev.RemoteReceipt != a.Receipt {
		mismatches = append(mismatches, fmt.Sprintf("receipt %q", ev.RemoteReceipt))
	}
	if len(mismatches) == 0 {
		return nil
	}

	expected := fmt.Sprintf("event %s with status %s", a.Event, a.Status)
	if a.Attempts != nil {
		expected += fmt.Sprintf(", attempts %d", *a.Attempts)
	}
	if a.Receipt != "" {
		expected += fmt.Sprintf(", receipt %q", a.Receipt)
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: expected,
		Actual:   strings.Join(mismatches, ", "),
		Events:   result.Events,
	}
}

// assertSubmissions checks how many requests the remote got for an event.
func assertSubmissions(result *Result, a Assertion) error {
	got, ok := result.Submissions[a.Event]
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d submissions of %s", a.Count, a.Event),
			Actual:   "event not found",
			Events:   result.Events,
		}
	}
	if got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d submissions of %s", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d", got),
			Events:   result.Events,
		}
	}
	return nil
}

// assertCounts compares per-status counts. Statuses not listed must be 0.
func assertCounts(result *Result, a Assertion) error {
	got := map[model.Kind]int{}
	for _, ev := range result.Events {
		got[ev.Status.Kind]++
	}

	var mismatches []string
	for _, k := range model.Kinds {
		if want := a.Expect[string(k)]; got[k] != want {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %d, got %d", k, want, got[k]))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%v", a.Expect),
		Actual:   strings.Join(mismatches, "; "),
		Events:   result.Events,
	}
}
