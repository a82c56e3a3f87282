package taskqueue

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/mcptypes"
)

func newTestQueue() *Queue {
	return New(eventlog.New(zap.NewNop()), 0)
}

func mustAdd(t *testing.T, q *Queue, task *Task) {
	t.Helper()
	ok, reason := q.Add(task)
	if !ok {
		t.Fatalf("expected %s to be admitted, rejected with reason %q", task.ID, reason)
	}
}

func TestAddAndNextReadyOrdersByPriority(t *testing.T) {
	q := newTestQueue()
	mustAdd(t, q, &Task{ID: "low", Action: "noop", Priority: mcptypes.PriorityLow})
	mustAdd(t, q, &Task{ID: "critical", Action: "noop", Priority: mcptypes.PriorityCritical})
	mustAdd(t, q, &Task{ID: "normal", Action: "noop", Priority: mcptypes.PriorityNormal})

	first, ok := q.NextReady()
	if !ok || first.ID != "critical" {
		t.Fatalf("expected critical first, got %v", first)
	}
	second, ok := q.NextReady()
	if !ok || second.ID != "normal" {
		t.Fatalf("expected normal second, got %v", second)
	}
	third, ok := q.NextReady()
	if !ok || third.ID != "low" {
		t.Fatalf("expected low third, got %v", third)
	}
	if _, ok := q.NextReady(); ok {
		t.Fatal("expected queue to be empty")
	}
}

func TestSamePriorityPreservesFIFO(t *testing.T) {
	q := newTestQueue()
	mustAdd(t, q, &Task{ID: "first", Action: "noop"})
	time.Sleep(time.Millisecond)
	mustAdd(t, q, &Task{ID: "second", Action: "noop"})

	a, _ := q.NextReady()
	b, _ := q.NextReady()
	if a.ID != "first" || b.ID != "second" {
		t.Fatalf("expected FIFO order within a priority band, got %s, %s", a.ID, b.ID)
	}
}

func TestDependencyGating(t *testing.T) {
	q := newTestQueue()
	mustAdd(t, q, &Task{ID: "dependent", Action: "noop", Dependencies: []string{"base"}})
	mustAdd(t, q, &Task{ID: "base", Action: "noop"})

	first, ok := q.NextReady()
	if !ok || first.ID != "base" {
		t.Fatalf("expected base to be immediately ready, got %v", first)
	}
	if _, ok := q.NextReady(); ok {
		t.Fatal("expected dependent to still be waiting on base")
	}

	q.MarkDispatched(first, "agent-1")
	q.Complete(first.ID, nil)

	promoted, ok := q.NextReady()
	if !ok || promoted.ID != "dependent" {
		t.Fatalf("expected dependent to be promoted once base completed, got %v", promoted)
	}
}

func TestFailRetriesUntilMaxRetriesExhausted(t *testing.T) {
	q := newTestQueue()
	task := &Task{ID: "flaky", Action: "noop", MaxRetries: 1}
	mustAdd(t, q, task)

	t1, _ := q.NextReady()
	q.MarkDispatched(t1, "agent-1")
	_, retried, terminal := q.Fail(t1.ID, "boom")
	if !retried || terminal {
		t.Fatalf("expected first failure to retry, got retried=%v terminal=%v", retried, terminal)
	}

	t2, ok := q.NextReady()
	if !ok || t2.ID != "flaky" || t2.RetryCount != 1 {
		t.Fatalf("expected the retried task back on the ready heap with retry_count 1, got %v", t2)
	}

	q.MarkDispatched(t2, "agent-1")
	_, retried, terminal = q.Fail(t2.ID, "boom again")
	if retried || !terminal {
		t.Fatalf("expected second failure to be terminal, got retried=%v terminal=%v", retried, terminal)
	}

	final, ok := q.Get("flaky")
	if !ok || final.Status != mcptypes.TaskFailed {
		t.Fatalf("expected task to end in failed status, got %v", final)
	}
}

func TestCancelFromEachBucket(t *testing.T) {
	q := newTestQueue()

	mustAdd(t, q, &Task{ID: "ready-task", Action: "noop"})
	_, wasDispatched, ok := q.Cancel("ready-task")
	if !ok || wasDispatched {
		t.Fatalf("expected ready-task to cancel cleanly, wasDispatched=%v ok=%v", wasDispatched, ok)
	}

	mustAdd(t, q, &Task{ID: "dispatched-task", Action: "noop"})
	dt, _ := q.NextReady()
	q.MarkDispatched(dt, "agent-1")
	_, wasDispatched, ok = q.Cancel("dispatched-task")
	if !ok || !wasDispatched {
		t.Fatalf("expected dispatched-task cancel to report wasDispatched, got %v/%v", wasDispatched, ok)
	}

	if _, _, ok := q.Cancel("does-not-exist"); ok {
		t.Fatal("expected cancelling an unknown task to fail")
	}
}

func TestCleanupOlderThan(t *testing.T) {
	q := newTestQueue()
	mustAdd(t, q, &Task{ID: "t1", Action: "noop"})
	t1, _ := q.NextReady()
	q.MarkDispatched(t1, "agent-1")
	q.Complete(t1.ID, nil)

	removed := q.CleanupOlderThan(time.Now().Add(time.Hour))
	if removed != 1 {
		t.Fatalf("expected 1 task evicted, got %d", removed)
	}
	if _, ok := q.Get("t1"); ok {
		t.Fatal("expected evicted task to be gone")
	}
}

func TestSnapshotAndActiveTasks(t *testing.T) {
	q := newTestQueue()
	mustAdd(t, q, &Task{ID: "ready-1", Action: "noop"})
	mustAdd(t, q, &Task{ID: "waiting-1", Action: "noop", Dependencies: []string{"missing"}})

	ready, waiting, dispatched := q.Snapshot()
	if ready != 1 || waiting != 1 || dispatched != 0 {
		t.Fatalf("expected 1/1/0, got %d/%d/%d", ready, waiting, dispatched)
	}

	active := q.ActiveTasks()
	if len(active) != 2 {
		t.Fatalf("expected 2 active tasks (ready + waiting), got %d", len(active))
	}
}

func TestAddRejectsMissingAction(t *testing.T) {
	q := newTestQueue()
	ok, reason := q.Add(&Task{ID: "no-action"})
	if ok || reason != AdmitMissingAction {
		t.Fatalf("expected rejection with AdmitMissingAction, got ok=%v reason=%q", ok, reason)
	}
}

func TestAddRejectsAtQueueOverflow(t *testing.T) {
	q := New(eventlog.New(zap.NewNop()), 1)
	mustAdd(t, q, &Task{ID: "t1", Action: "noop"})

	ok, reason := q.Add(&Task{ID: "t2", Action: "noop"})
	if ok || reason != AdmitQueueOverflow {
		t.Fatalf("expected the (N+1)th task rejected with AdmitQueueOverflow, got ok=%v reason=%q", ok, reason)
	}
}

func TestAddRejectsSelfDependencyCycle(t *testing.T) {
	q := newTestQueue()
	ok, reason := q.Add(&Task{ID: "self", Action: "noop", Dependencies: []string{"self"}})
	if ok || reason != AdmitCyclicDependency {
		t.Fatalf("expected rejection with AdmitCyclicDependency, got ok=%v reason=%q", ok, reason)
	}
}

func TestAddRejectsTransitiveDependencyCycle(t *testing.T) {
	q := newTestQueue()
	mustAdd(t, q, &Task{ID: "a", Action: "noop", Dependencies: []string{"b"}})

	ok, reason := q.Add(&Task{ID: "b", Action: "noop", Dependencies: []string{"a"}})
	if ok || reason != AdmitCyclicDependency {
		t.Fatalf("expected rejection with AdmitCyclicDependency, got ok=%v reason=%q", ok, reason)
	}
}

func TestExpiredDispatchedReturnsOnlyPastDeadline(t *testing.T) {
	q := newTestQueue()
	mustAdd(t, q, &Task{ID: "slow", Action: "noop", Timeout: time.Millisecond})
	mustAdd(t, q, &Task{ID: "patient", Action: "noop", Timeout: time.Hour})

	slow, _ := q.NextReady()
	q.MarkDispatched(slow, "agent-1")
	patient, _ := q.NextReady()
	q.MarkDispatched(patient, "agent-1")

	time.Sleep(5 * time.Millisecond)

	expired := q.ExpiredDispatched(time.Now())
	if len(expired) != 1 || expired[0].ID != "slow" {
		t.Fatalf("expected only 'slow' to have expired, got %v", expired)
	}
}

func TestTasksForAgent(t *testing.T) {
	q := newTestQueue()
	mustAdd(t, q, &Task{ID: "t1", Action: "noop"})
	mustAdd(t, q, &Task{ID: "t2", Action: "noop"})

	t1, _ := q.NextReady()
	q.MarkDispatched(t1, "agent-1")
	t2, _ := q.NextReady()
	q.MarkDispatched(t2, "agent-2")

	held := q.TasksForAgent("agent-1")
	if len(held) != 1 || held[0].ID != "t1" {
		t.Fatalf("expected only t1 held by agent-1, got %v", held)
	}
}
