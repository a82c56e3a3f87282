// Package resulthandler implements C7: matching an inbound task_result
// notification to its dispatched task, applying completion/failure/retry
// effects, and forwarding the outcome to the task's originator socket.
// Grounded on the source's handling of incoming "task_result" messages in
// old_src/mcp/server.py, including its late-result and misrouted-result
// detection.
package resulthandler

import (
	"time"

	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/agentregistry"
	"github.com/pzanna/mcp-broker/internal/connregistry"
	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/loadbalancer"
	"github.com/pzanna/mcp-broker/internal/taskqueue"
	"github.com/pzanna/mcp-broker/internal/wire"
)

// Handler applies the effects of an inbound task_result.
type Handler struct {
	queue    *taskqueue.Queue
	agents   *agentregistry.Registry
	balancer *loadbalancer.Balancer
	conns    *connregistry.Registry
	events   *eventlog.Logger
	logger   *zap.Logger
}

// New builds a Handler.
func New(
	queue *taskqueue.Queue,
	agents *agentregistry.Registry,
	balancer *loadbalancer.Balancer,
	conns *connregistry.Registry,
	events *eventlog.Logger,
	logger *zap.Logger,
) *Handler {
	return &Handler{queue: queue, agents: agents, balancer: balancer, conns: conns, events: events, logger: logger.Named("resulthandler")}
}

// Handle processes a task_result notification from agentID.
func (h *Handler) Handle(agentID string, p wire.TaskResultParams) {
	t, ok := h.queue.Dispatched(p.TaskID)
	if !ok {
		// Either unknown entirely, or already terminal (a duplicate/late
		// result racing a retry timeout). Either way it's not actionable.
		h.events.Warn(eventlog.EventLateResult, "result for unknown or already-terminal task", map[string]any{
			"task_id":  p.TaskID,
			"agent_id": agentID,
		})
		return
	}

	if t.AssignedAgent != agentID {
		// A different agent than the one holding this task reported a
		// result — e.g. a stale retry response arriving after reassignment.
		h.events.Warn(eventlog.EventMisroutedResult, "result from agent not holding the task", map[string]any{
			"task_id":         p.TaskID,
			"reporting_agent": agentID,
			"assigned_agent":  t.AssignedAgent,
		})
		return
	}

	latency := time.Since(t.DispatchedAt)

	switch p.Status {
	case "completed":
		h.agents.CompleteTask(agentID)
		h.balancer.RecordOutcome(agentID, true, latency)
		done, _ := h.queue.Complete(p.TaskID, p.Result)
		h.forward(done, wire.TaskStatusResponseResult{
			TaskID: done.ID,
			Status: string(done.Status),
			Result: done.Result,
		})

	case "cancelled":
		h.agents.CompleteTask(agentID)
		h.balancer.RecordOutcome(agentID, true, latency)
		done, _, _ := h.queue.Cancel(p.TaskID)
		if done != nil {
			h.forward(done, wire.TaskStatusResponseResult{TaskID: done.ID, Status: string(done.Status)})
		}

	default: // "error" or anything else reported by the agent
		h.agents.CompleteTask(agentID)
		h.balancer.RecordOutcome(agentID, false, 0)
		reason := p.Error
		if reason == "" {
			reason = "agent reported failure"
		}
		failed, retried, terminal := h.queue.Fail(p.TaskID, reason)
		if terminal {
			h.forward(failed, wire.TaskStatusResponseResult{
				TaskID: failed.ID,
				Status: string(failed.Status),
				Error:  failed.Error,
			})
		} else if retried {
			// Not yet terminal: the task went back on the ready heap for
			// the dispatcher to pick up again. No forward to the
			// originator until it resolves.
			h.logger.Debug("task requeued for retry", zap.String("task_id", p.TaskID))
		}
	}
}

// forward delivers a terminal outcome to the task's originating socket, if
// it's still connected. A disconnected originator simply misses the
// notification — get_task_status remains available for it to poll.
func (h *Handler) forward(t *taskqueue.Task, result wire.TaskStatusResponseResult) {
	if t == nil || t.OriginClientID == "" {
		return
	}
	client, ok := h.conns.Lookup(t.OriginClientID)
	if !ok {
		return
	}
	if err := client.SendNotification(wire.MethodTaskStatusResp, result); err != nil {
		h.logger.Warn("failed to forward task result to originator",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}
