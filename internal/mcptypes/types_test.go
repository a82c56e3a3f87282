package mcptypes

import "testing"

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low":      PriorityLow,
		"high":     PriorityHigh,
		"critical": PriorityCritical,
		"normal":   PriorityNormal,
		"garbage":  PriorityNormal,
		"":         PriorityNormal,
	}
	for input, want := range cases {
		if got := ParsePriority(input); got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestPriorityString(t *testing.T) {
	if PriorityCritical.String() != "critical" {
		t.Errorf("expected critical, got %s", PriorityCritical.String())
	}
	if Priority(99).String() != "normal" {
		t.Errorf("unknown priority should stringify to normal")
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []TaskStatus{TaskQueued, TaskDispatched}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %s not to be terminal", s)
		}
	}
}

func TestParseStrategyDefaultsToAdaptive(t *testing.T) {
	if got := ParseStrategy("not_a_strategy"); got != StrategyAdaptive {
		t.Errorf("expected adaptive fallback, got %v", got)
	}
	if got := ParseStrategy("least_loaded"); got != StrategyLeastLoaded {
		t.Errorf("expected least_loaded to round-trip, got %v", got)
	}
}
