// Package store defines the broker's pluggable persistence boundary. The
// protocol itself is entirely in-memory (§8's Non-goals exclude a mandated
// durable store); this interface exists so a deployment that wants task
// history survivable across restarts can plug one in without touching any
// of C1-C9. NoopStore is the default — a deployment that doesn't ask for
// persistence pays nothing for it.
package store

import (
	"context"
	"time"
)

// TaskRecord is the durable projection of a taskqueue.Task worth persisting
// — enough to reconstruct status history, not the full in-memory object
// (payload and result bytes are not kept, and neither is heap bookkeeping).
type TaskRecord struct {
	TaskID       string
	AgentType    string
	Action       string
	Status       string
	AssignedAgent string
	RetryCount   int
	Error        string
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// Store persists task lifecycle events. Implementations must be safe for
// concurrent use.
type Store interface {
	// RecordTransition upserts a task's current state. The broker holds the
	// configured Store (Server.SetStore) but does not call it on admission,
	// dispatch or terminal transitions.
	RecordTransition(ctx context.Context, rec TaskRecord) error

	// Get returns the last recorded state for a task id.
	Get(ctx context.Context, taskID string) (TaskRecord, bool, error)

	// DeleteOlderThan evicts persisted records whose CompletedAt predates
	// cutoff, mirroring the in-memory queue's own retention job.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases any underlying resources (connections, file handles).
	Close() error
}

// NoopStore discards everything. It is the default Store so that running
// without persistence configured is a first-class, zero-cost mode rather
// than an error path.
type NoopStore struct{}

func (NoopStore) RecordTransition(context.Context, TaskRecord) error { return nil }

func (NoopStore) Get(context.Context, string) (TaskRecord, bool, error) {
	return TaskRecord{}, false, nil
}

func (NoopStore) DeleteOlderThan(context.Context, time.Time) (int, error) { return 0, nil }

func (NoopStore) Close() error { return nil }
