package taskqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/mcptypes"
)

// priorityHeap orders queued tasks by priority (higher first), then by
// creation order (FIFO within a priority band) — container/heap is the
// standard-library priority queue; the examples pack carries no third-party
// alternative, so this is the one component built directly on stdlib (see
// the grounding ledger).
type priorityHeap []*Task

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *priorityHeap) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// AdmitReason names why Add rejected a task, matching the wire protocol's
// task_rejected reason field.
type AdmitReason string

const (
	AdmitMissingAction    AdmitReason = "missing_action"
	AdmitQueueOverflow    AdmitReason = "queue_overflow"
	AdmitCyclicDependency AdmitReason = "cyclic_dependency"
)

// Queue holds every task the broker knows about, across its whole lifetime
// from admission through retention cleanup.
type Queue struct {
	mu sync.Mutex

	maxSize int // 0 means unbounded

	ready        priorityHeap      // admitted, dependencies satisfied, awaiting dispatch
	waiting      map[string]*Task  // admitted, blocked on dependencies
	dispatched   map[string]*Task  // handed to an agent, awaiting result
	done         map[string]*Task  // terminal: completed/failed/cancelled
	completedIDs map[string]struct{}

	events *eventlog.Logger
}

// New builds an empty Queue. maxSize caps the number of outstanding
// (ready + waiting + dispatched) tasks Add will admit; 0 means unbounded.
func New(events *eventlog.Logger, maxSize int) *Queue {
	q := &Queue{
		maxSize:      maxSize,
		waiting:      make(map[string]*Task),
		dispatched:   make(map[string]*Task),
		done:         make(map[string]*Task),
		completedIDs: make(map[string]struct{}),
		events:       events,
	}
	heap.Init(&q.ready)
	return q
}

// Add admits a new task, applying the queue's admission rules: a task with
// no action is rejected, a task that would create a dependency cycle is
// rejected, and a task submitted once the queue is at maxSize is rejected
// with AdmitQueueOverflow. On success the task is pushed onto the ready heap
// if its dependencies are already satisfied, otherwise held in the waiting
// set. Returns whether the task was admitted and, on rejection, why.
func (q *Queue) Add(t *Task) (bool, AdmitReason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.Action == "" {
		return false, AdmitMissingAction
	}
	if q.hasCycleLocked(t) {
		return false, AdmitCyclicDependency
	}
	if q.maxSize > 0 && q.sizeLocked() >= q.maxSize {
		return false, AdmitQueueOverflow
	}

	t.Status = mcptypes.TaskQueued
	t.CreatedAt = time.Now()

	if t.readyFor(q.completedIDs) {
		heap.Push(&q.ready, t)
	} else {
		q.waiting[t.ID] = t
	}

	q.events.Info(eventlog.EventTaskQueued, "task queued", map[string]any{
		"task_id":  t.ID,
		"priority": t.Priority.String(),
	})
	return true, ""
}

// sizeLocked returns the number of outstanding (non-terminal) tasks. Called
// with q.mu held.
func (q *Queue) sizeLocked() int {
	return q.ready.Len() + len(q.waiting) + len(q.dispatched)
}

// hasCycleLocked reports whether admitting t would create a dependency
// cycle: a path from one of t's dependencies, through the dependency edges
// of every currently known task, back to t itself. Called with q.mu held.
func (q *Queue) hasCycleLocked(t *Task) bool {
	depsOf := func(id string) []string {
		if id == t.ID {
			return t.Dependencies
		}
		if other, ok := q.lookupLocked(id); ok {
			return other.Dependencies
		}
		return nil
	}

	visited := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if id == t.ID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, dep := range depsOf(id) {
			if visit(dep) {
				return true
			}
		}
		return false
	}

	for _, dep := range t.Dependencies {
		if visit(dep) {
			return true
		}
	}
	return false
}

// NextReady pops the highest-priority ready task, or returns (nil, false) if
// none is available. It is the broker's C4 "next_ready_task" operation.
func (q *Queue) NextReady() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready.Len() == 0 {
		return nil, false
	}
	t := heap.Pop(&q.ready).(*Task)
	return t, true
}

// Requeue pushes a task back onto the ready heap without altering its
// dependency state — used by the dispatcher for a task it popped but could
// not place on any agent this tick, so a later tick can try it again.
func (q *Queue) Requeue(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.ready, t)
}

// MarkDispatched transitions a task from "popped off ready" to dispatched,
// recording which agent holds it.
func (q *Queue) MarkDispatched(t *Task, agentID string) {
	t.Status = mcptypes.TaskDispatched
	t.AssignedAgent = agentID
	t.DispatchedAt = time.Now()

	q.mu.Lock()
	q.dispatched[t.ID] = t
	q.mu.Unlock()

	q.events.Info(eventlog.EventTaskDispatch, "task dispatched", map[string]any{
		"task_id":  t.ID,
		"agent_id": agentID,
	})
}

// Dispatched looks up a task currently out for execution.
func (q *Queue) Dispatched(taskID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.dispatched[taskID]
	return t, ok
}

// Get looks up a task by id across every internal set, for status queries.
func (q *Queue) Get(taskID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lookupLocked(taskID)
}

// lookupLocked looks up a task by id across every internal set. Called with
// q.mu held.
func (q *Queue) lookupLocked(taskID string) (*Task, bool) {
	if t, ok := q.dispatched[taskID]; ok {
		return t, true
	}
	if t, ok := q.waiting[taskID]; ok {
		return t, true
	}
	if t, ok := q.done[taskID]; ok {
		return t, true
	}
	for _, t := range q.ready {
		if t.ID == taskID {
			return t, true
		}
	}
	return nil, false
}

// Complete marks a dispatched task completed and releases any waiting tasks
// whose dependencies are now fully satisfied.
func (q *Queue) Complete(taskID string, result []byte) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.dispatched[taskID]
	if !ok {
		return nil, false
	}
	delete(q.dispatched, taskID)

	t.Status = mcptypes.TaskCompleted
	t.Result = result
	t.CompletedAt = time.Now()
	q.done[taskID] = t
	q.completedIDs[taskID] = struct{}{}

	q.promoteReadyLocked()

	q.events.Info(eventlog.EventTaskCompletion, "task completed", map[string]any{
		"task_id":  taskID,
		"agent_id": t.AssignedAgent,
	})
	return t, true
}

// Fail marks a dispatched task failed. If retries remain, the task is
// re-queued (ready heap, original CreatedAt kept so its place in the
// priority order is preserved) with its retry count incremented; otherwise
// it is terminal.
func (q *Queue) Fail(taskID, reason string) (*Task, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.dispatched[taskID]
	if !ok {
		return nil, false, false
	}
	delete(q.dispatched, taskID)
	t.Error = reason
	t.AssignedAgent = ""

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = mcptypes.TaskQueued
		heap.Push(&q.ready, t)

		q.events.Warn(eventlog.EventTaskRetry, "task failed, retrying", map[string]any{
			"task_id":     taskID,
			"retry_count": t.RetryCount,
			"reason":      reason,
		})
		return t, true, false
	}

	t.Status = mcptypes.TaskFailed
	t.CompletedAt = time.Now()
	q.done[taskID] = t

	q.events.Error(eventlog.EventTaskFailure, "task failed permanently", map[string]any{
		"task_id": taskID,
		"reason":  reason,
	})
	return t, false, true
}

// Cancel removes a task from whichever set holds it and marks it cancelled.
// Returns the task and whether it was dispatched (so the caller can notify
// the holding agent of a best-effort cancel).
func (q *Queue) Cancel(taskID string) (*Task, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.dispatched[taskID]; ok {
		delete(q.dispatched, taskID)
		t.Status = mcptypes.TaskCancelled
		t.CompletedAt = time.Now()
		q.done[taskID] = t
		q.events.Info(eventlog.EventTaskCancelled, "task cancelled", map[string]any{"task_id": taskID})
		return t, true, true
	}

	if t, ok := q.waiting[taskID]; ok {
		delete(q.waiting, taskID)
		t.Status = mcptypes.TaskCancelled
		t.CompletedAt = time.Now()
		q.done[taskID] = t
		q.events.Info(eventlog.EventTaskCancelled, "task cancelled", map[string]any{"task_id": taskID})
		return t, false, true
	}

	for i, t := range q.ready {
		if t.ID == taskID {
			heap.Remove(&q.ready, i)
			t.Status = mcptypes.TaskCancelled
			t.CompletedAt = time.Now()
			q.done[taskID] = t
			q.events.Info(eventlog.EventTaskCancelled, "task cancelled", map[string]any{"task_id": taskID})
			return t, false, true
		}
	}

	return nil, false, false
}

// CleanupOlderThan drops terminal tasks completed before cutoff, returning
// how many were evicted — the C8 hourly retention job.
func (q *Queue) CleanupOlderThan(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, t := range q.done {
		if t.CompletedAt.Before(cutoff) {
			delete(q.done, id)
			removed++
		}
	}
	return removed
}

// ExpiredDispatched returns every dispatched task whose DispatchedAt+Timeout
// has elapsed as of now, for the C8 timeout sweep to fail or retry.
func (q *Queue) ExpiredDispatched(now time.Time) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for _, t := range q.dispatched {
		if t.Timeout > 0 && now.Sub(t.DispatchedAt) >= t.Timeout {
			out = append(out, t)
		}
	}
	return out
}

// TasksForAgent returns every currently dispatched task assigned to
// agentID, for draining its in-flight work back to the queue when it's
// unregistered.
func (q *Queue) TasksForAgent(agentID string) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for _, t := range q.dispatched {
		if t.AssignedAgent == agentID {
			out = append(out, t)
		}
	}
	return out
}

// Snapshot returns counts for get_server_stats / get_active_tasks.
func (q *Queue) Snapshot() (ready, waiting, dispatched int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len(), len(q.waiting), len(q.dispatched)
}

// ActiveTasks returns every dispatched, waiting and ready task, for the
// get_active_tasks operation.
func (q *Queue) ActiveTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.dispatched)+len(q.waiting)+q.ready.Len())
	for _, t := range q.dispatched {
		out = append(out, t)
	}
	for _, t := range q.waiting {
		out = append(out, t)
	}
	for _, t := range q.ready {
		out = append(out, t)
	}
	return out
}

// promoteReadyLocked scans the waiting set for tasks whose dependencies are
// now satisfied and moves them onto the ready heap. Called with q.mu held.
func (q *Queue) promoteReadyLocked() {
	for id, t := range q.waiting {
		if t.readyFor(q.completedIDs) {
			delete(q.waiting, id)
			heap.Push(&q.ready, t)
		}
	}
}
