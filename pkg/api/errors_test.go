package api

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNonDeterminismError_IsSentinel(t *testing.T) {
	err := error(&NonDeterminismError{
		InstanceID: "i-1", ExecutionID: "e-1",
		EventID: 2, EventType: EventTaskScheduled, Name: "A", Reason: "name mismatch",
	})
	if !errors.Is(err, ErrNonDeterminism) {
		t.Fatalf("expected errors.Is ErrNonDeterminism")
	}
	if msg := err.Error(); !strings.Contains(msg, "name mismatch") || !strings.Contains(msg, "i-1") || !strings.Contains(msg, "e-1") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestSplitBrainError_UnwrapsBoth(t *testing.T) {
	cause := errors.New("precondition failed")
	err := error(&SplitBrainError{InstanceID: "i", Err: cause})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected underlying cause")
	}
}

func TestTaskFailedError_ExposesNestedFailure(t *testing.T) {
	inner := &FailureDetails{ErrorType: "io", ErrorMessage: "disk full"}
	cause := &FailureDetails{ErrorType: "activity", ErrorMessage: "write failed", InnerFailure: inner}
	err := error(&TaskFailedError{Name: "Write", TaskScheduledID: 4, Reason: "write failed", Cause: cause})

	var fd *FailureDetails
	if !errors.As(err, &fd) || fd != cause {
		t.Fatalf("expected errors.As to find the cause, got %v", fd)
	}
	if !cause.IsCausedBy("io") {
		t.Fatalf("expected inner failure type to be found")
	}
	if !errors.Is(err, inner) {
		t.Fatalf("expected inner failure in chain")
	}
	if got := cause.String(); !strings.Contains(got, "caused by: io: disk full") {
		t.Fatalf("unexpected chain rendering %q", got)
	}
}

func TestFailureDetails_UnwrapNilInner(t *testing.T) {
	f := &FailureDetails{ErrorMessage: "x"}
	if f.Unwrap() != nil {
		t.Fatalf("expected untyped nil")
	}
	if f.Error() != "x" {
		t.Fatalf("unexpected message %q", f.Error())
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, w, got)
		}
	}

	constant := RetryPolicy{InitialBackoff: time.Second, BackoffMultiplier: 1}
	if constant.Delay(4) != time.Second {
		t.Fatalf("expected constant backoff")
	}
}

func TestOrchestrationHistory_IsTerminal(t *testing.T) {
	h := &OrchestrationHistory{Events: []HistoryEvent{
		&ExecutionStarted{},
		&ExecutionCompleted{Status: RuntimeStatusCompleted},
	}}
	if !h.IsTerminal() {
		t.Fatalf("expected terminal")
	}
	h.Events = append(h.Events[:1], &ContinueAsNew{})
	if h.IsTerminal() {
		t.Fatalf("continue-as-new is not terminal")
	}
	if h.Started() == nil {
		t.Fatalf("expected started event")
	}
}

func TestJSONConverter_RoundTrip(t *testing.T) {
	var c JSONConverter
	s, err := c.Marshal(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]int
	if err := c.Unmarshal(s, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out["a"] != 1 {
		t.Fatalf("unexpected %v", out)
	}

	raw, _ := c.Marshal(RawPayload("not json"))
	if raw != "not json" {
		t.Fatalf("raw payload should pass through, got %q", raw)
	}
}
