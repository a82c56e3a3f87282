// Package taskqueue implements C4, the priority/dependency-gated task queue,
// grounded on the source's TaskQueue (old_src/mcp/server.py) and adapted into
// a container/heap priority queue in the idiom of arkeep's scheduler
// dispatch/retry bookkeeping (server/internal/scheduler/scheduler.go).
package taskqueue

import (
	"encoding/json"
	"time"

	"github.com/pzanna/mcp-broker/internal/mcptypes"
)

// Task is one unit of work moving through the queue.
type Task struct {
	ID           string
	ContextID    string
	AgentType    string
	Action       string
	Payload      json.RawMessage
	Priority     mcptypes.Priority
	Dependencies []string
	Timeout      time.Duration
	MaxRetries   int

	Status        mcptypes.TaskStatus
	AssignedAgent string
	RetryCount    int
	Result        json.RawMessage
	Error         string

	CreatedAt   time.Time
	DispatchedAt time.Time
	CompletedAt time.Time

	// OriginClientID is the socket that submitted this task, so the result
	// handler (C7) knows where to forward completion/failure notifications.
	OriginClientID string

	// heapIndex is maintained by container/heap; callers must not touch it.
	heapIndex int
}

// readyFor reports whether every dependency of t has reached a completed
// status among the given completed-id set.
func (t *Task) readyFor(completed map[string]struct{}) bool {
	for _, dep := range t.Dependencies {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}
