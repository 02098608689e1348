package chains

import (
	"testing"

	"github.com/scenagent/mobiletaskctl/internal/state"
	"github.com/scenagent/mobiletaskctl/internal/types"
)

func TestExtractCurrentSubgoal_TakesFirstNSteps(t *testing.T) {
	plan := "1. Open Settings\n2. Tap Wi-Fi\n3. Toggle switch"
	if got := extractCurrentSubgoal(plan, 1); got != "1. Open Settings" {
		t.Errorf("got %q", got)
	}
	if got := extractCurrentSubgoal(plan, 2); got != "1. Open Settings 2. Tap Wi-Fi" {
		t.Errorf("got %q", got)
	}
}

func TestExtractCurrentSubgoal_NoMarkersReturnsTrimmedPlan(t *testing.T) {
	if got := extractCurrentSubgoal("  just prose, no steps  ", 1); got != "just prose, no steps" {
		t.Errorf("got %q", got)
	}
}

func TestExtractCurrentSubgoal_NMoreThanAvailableStepsReturnsAll(t *testing.T) {
	plan := "1. Open Settings"
	if got := extractCurrentSubgoal(plan, 5); got != "1. Open Settings" {
		t.Errorf("got %q", got)
	}
}

func TestIsNumberedMarker(t *testing.T) {
	cases := map[string]bool{
		"1. Open Settings": true,
		"12. Tap Wi-Fi":    true,
		"1.Open Settings":  false,
		"Open Settings":    false,
		"":                 false,
	}
	for in, want := range cases {
		if got := isNumberedMarker(in); got != want {
			t.Errorf("isNumberedMarker(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLastReflectionOutcome_EmptyStateReturnsFalse(t *testing.T) {
	s := state.New("t1", "do something", "Settings", "vllm")
	if _, ok := lastReflectionOutcome(s); ok {
		t.Error("expected no recorded reflection to return ok=false")
	}
}

func TestLastReflectionOutcome_ReturnsMostRecent(t *testing.T) {
	s := state.New("t1", "do something", "Settings", "vllm")
	s.AppendReflection(types.ReflectionRecord{Step: 0, Outcome: types.OutcomeAdvance})
	s.AppendReflection(types.ReflectionRecord{Step: 1, Outcome: types.OutcomeInvalid})
	outcome, ok := lastReflectionOutcome(s)
	if !ok || outcome != types.OutcomeInvalid {
		t.Errorf("got %q, ok=%v", outcome, ok)
	}
}
