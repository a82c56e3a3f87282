// Package dispatcher implements C6, the dispatcher loop: it pulls the
// highest-priority ready task off the queue, selects a candidate agent via
// the load balancer, and pushes a task_request frame down that agent's
// socket — re-running selection (which may pick the same agent again) on
// immediate send failure. Grounded on arkeep's server/internal/scheduler/scheduler.go run
// loop shape (tick, pull work, dispatch, handle failure).
package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/agentregistry"
	"github.com/pzanna/mcp-broker/internal/connregistry"
	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/loadbalancer"
	"github.com/pzanna/mcp-broker/internal/taskqueue"
	"github.com/pzanna/mcp-broker/internal/wire"
)

var tracer = otel.Tracer("mcp-broker/dispatcher")

// Dispatcher owns the poll-and-dispatch loop. It holds no state of its own
// beyond its collaborators — every mutation lives in the queue, registry,
// or balancer it's handed.
type Dispatcher struct {
	queue    *taskqueue.Queue
	agents   *agentregistry.Registry
	balancer *loadbalancer.Balancer
	conns    *connregistry.Registry
	events   *eventlog.Logger
	logger   *zap.Logger

	pollInterval time.Duration
	maxAttempts  int // candidates tried per task before it's parked for the next tick
}

// New builds a Dispatcher.
func New(
	queue *taskqueue.Queue,
	agents *agentregistry.Registry,
	balancer *loadbalancer.Balancer,
	conns *connregistry.Registry,
	events *eventlog.Logger,
	logger *zap.Logger,
	pollInterval time.Duration,
) *Dispatcher {
	return &Dispatcher{
		queue:        queue,
		agents:       agents,
		balancer:     balancer,
		conns:        conns,
		events:       events,
		logger:       logger.Named("dispatcher"),
		pollInterval: pollInterval,
		maxAttempts:  3,
	}
}

// Run polls the queue until ctx is cancelled. Each tick drains every
// currently-ready task before sleeping again, so a burst of admissions
// doesn't wait a full pollInterval per task.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	var parked []*taskqueue.Task
	for {
		t, ok := d.queue.NextReady()
		if !ok {
			break
		}
		if !d.dispatchOne(ctx, t) {
			// Parked: no candidate available this tick. Held aside so the
			// tasks behind it still get their turn this tick.
			parked = append(parked, t)
		}
	}
	// Put parked tasks back so the next tick (or a freshly-available
	// agent) can pick them up.
	for _, t := range parked {
		d.queue.Requeue(t)
	}
}

// dispatchOne attempts to hand t to an agent, running selection up to
// maxAttempts times on immediate send failure (selection may return the
// same agent again). Returns false if no candidate could be found or every
// attempt failed (task remains ready, caller requeues it).
func (d *Dispatcher) dispatchOne(ctx context.Context, t *taskqueue.Task) bool {
	ctx, span := tracer.Start(ctx, "task.dispatch", trace.WithAttributes(
		attribute.String("task_id", t.ID),
		attribute.String("agent_type", t.AgentType),
	))
	defer span.End()

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		agent, err := d.balancer.Select(t.Action)
		if err != nil {
			span.SetAttributes(attribute.Bool("admitted", false))
			return false
		}

		client, ok := d.conns.LookupAgent(agent.ID)
		if !ok {
			// Agent is registered but its socket is gone; treat like any
			// other send failure and try the next candidate.
			d.balancer.RecordOutcome(agent.ID, false, 0)
			continue
		}

		params := wire.TaskRequestParams{TaskID: t.ID, TaskType: t.Action, TaskData: t.Payload}
		if err := client.SendNotification(wire.MethodTaskRequest, params); err != nil {
			d.events.Warn(eventlog.EventInternalError, "dispatch send failed", map[string]any{
				"task_id":  t.ID,
				"agent_id": agent.ID,
				"error":    err.Error(),
			})
			d.balancer.RecordOutcome(agent.ID, false, 0)
			continue
		}

		d.agents.AssignTask(agent.ID)
		d.queue.MarkDispatched(t, agent.ID)
		span.SetAttributes(attribute.String("assigned_agent", agent.ID))
		return true
	}

	span.SetAttributes(attribute.Bool("admitted", false))
	return false
}
