package agentregistry

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/mcptypes"
)

func newTestRegistry() *Registry {
	return New(eventlog.New(zap.NewNop()))
}

func TestRegisterAndCandidatesFor(t *testing.T) {
	r := newTestRegistry()
	r.Register("a-1", "researcher", []string{"search", "summarize"}, 2)

	candidates := r.CandidatesFor("search")
	if len(candidates) != 1 || candidates[0].ID != "a-1" {
		t.Fatalf("expected a-1 as a search candidate, got %v", candidates)
	}
	if len(r.CandidatesFor("nonexistent")) != 0 {
		t.Fatal("expected no candidates for an unadvertised capability")
	}
}

func TestReregisterResetsState(t *testing.T) {
	r := newTestRegistry()
	r.Register("a-1", "researcher", []string{"search"}, 1)
	r.AssignTask("a-1")

	a, _ := r.Get("a-1")
	if a.Status != mcptypes.AgentBusy {
		t.Fatalf("expected busy after saturating concurrency, got %s", a.Status)
	}

	r.Register("a-1", "researcher", []string{"search"}, 1)
	a, _ = r.Get("a-1")
	if a.Status != mcptypes.AgentReady || a.CurrentTasks != 0 {
		t.Fatalf("expected re-register to reset to ready/0 tasks, got %s/%d", a.Status, a.CurrentTasks)
	}
}

func TestAssignAndCompleteTaskTogglesBusy(t *testing.T) {
	r := newTestRegistry()
	r.Register("a-1", "researcher", []string{"search"}, 1)

	r.AssignTask("a-1")
	a, _ := r.Get("a-1")
	if a.Status != mcptypes.AgentBusy {
		t.Fatalf("expected busy at max concurrency, got %s", a.Status)
	}
	if a.IsAvailable() {
		t.Fatal("expected saturated agent to report unavailable")
	}

	r.CompleteTask("a-1")
	a, _ = r.Get("a-1")
	if a.Status != mcptypes.AgentReady {
		t.Fatalf("expected ready after completing the only task, got %s", a.Status)
	}
	if !a.IsAvailable() {
		t.Fatal("expected freed agent to report available")
	}
}

func TestHeartbeatClearsUnhealthy(t *testing.T) {
	r := newTestRegistry()
	r.Register("a-1", "researcher", []string{"search"}, 1)
	r.MarkUnhealthy("a-1")

	a, _ := r.Get("a-1")
	if a.Status != mcptypes.AgentUnhealthy {
		t.Fatalf("expected unhealthy, got %s", a.Status)
	}

	if !r.Heartbeat("a-1") {
		t.Fatal("expected heartbeat on a known agent to succeed")
	}
	a, _ = r.Get("a-1")
	if a.Status != mcptypes.AgentReady {
		t.Fatalf("expected heartbeat to clear unhealthy status, got %s", a.Status)
	}
}

func TestStaleSinceExcludesAlreadyUnhealthy(t *testing.T) {
	r := newTestRegistry()
	r.Register("a-1", "researcher", []string{"search"}, 1)
	r.Register("a-2", "researcher", []string{"search"}, 1)
	r.MarkUnhealthy("a-2")

	cutoff := time.Now().Add(time.Minute)
	stale := r.StaleSince(cutoff)
	if len(stale) != 1 || stale[0] != "a-1" {
		t.Fatalf("expected only a-1 reported stale, got %v", stale)
	}
}

func TestGraceExpiredOnlyReportsLongUnhealthyAgents(t *testing.T) {
	r := newTestRegistry()
	r.Register("a-1", "researcher", []string{"search"}, 1)
	r.Register("a-2", "researcher", []string{"search"}, 1)
	r.MarkUnhealthy("a-1")
	r.MarkUnhealthy("a-2")

	a1, _ := r.Get("a-1")
	a1.UnhealthyAt = time.Now().Add(-time.Hour)

	expired := r.GraceExpired(time.Now().Add(-time.Minute))
	if len(expired) != 1 || expired[0] != "a-1" {
		t.Fatalf("expected only a-1 past its grace period, got %v", expired)
	}
}

func TestMarkUnhealthyIsANoOpOnceAlreadyUnhealthy(t *testing.T) {
	r := newTestRegistry()
	r.Register("a-1", "researcher", []string{"search"}, 1)
	r.MarkUnhealthy("a-1")

	a, _ := r.Get("a-1")
	first := a.UnhealthyAt

	r.MarkUnhealthy("a-1")
	a, _ = r.Get("a-1")
	if !a.UnhealthyAt.Equal(first) {
		t.Fatalf("expected a repeated MarkUnhealthy to leave UnhealthyAt untouched, got %v vs %v", a.UnhealthyAt, first)
	}
}

func TestUnregisterRemovesCapabilityIndex(t *testing.T) {
	r := newTestRegistry()
	r.Register("a-1", "researcher", []string{"search"}, 1)
	r.Unregister("a-1")

	if _, ok := r.Get("a-1"); ok {
		t.Fatal("expected agent to be gone after unregister")
	}
	if len(r.CandidatesFor("search")) != 0 {
		t.Fatal("expected capability index to be cleaned up on unregister")
	}
	if r.Count() != 0 {
		t.Fatalf("expected count 0, got %d", r.Count())
	}
}
