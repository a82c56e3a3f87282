// Package mcptypes defines domain types shared by the broker and the agent
// runtime: task/agent status enums, priorities, and circuit breaker states.
package mcptypes

import "time"

// ProtocolVersion is the wire protocol version carried on every message.
// The source this system distills from negotiates between a JSON-RPC-like
// path and a legacy {type, data} path; this implementation uses this single
// fixed version and does not negotiate one.
const ProtocolVersion = "2.0"

// ─── Priority ─────────────────────────────────────────────────────────────

// Priority orders tasks within the queue. Higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ParsePriority converts a wire string into a Priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ─── Task ─────────────────────────────────────────────────────────────────

// TaskStatus is the lifecycle state of a task record.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskDispatched TaskStatus = "dispatched"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions. A
// retried task goes from dispatched straight back to queued and never passes
// through failed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// ─── Agent ────────────────────────────────────────────────────────────────

// AgentStatus is the liveness/availability state of a registered agent.
type AgentStatus string

const (
	AgentReady        AgentStatus = "ready"
	AgentBusy         AgentStatus = "busy"
	AgentUnhealthy    AgentStatus = "unhealthy"
	AgentUnregistered AgentStatus = "unregistered"
)

// ─── Circuit breaker ──────────────────────────────────────────────────────

// BreakerState is one of the three states a per-agent circuit breaker may be in.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// LoadBalanceStrategy selects the agent-selection algorithm used by the
// load balancer. Confirmed against the source's EnhancedLoadBalancer enum.
type LoadBalanceStrategy string

const (
	StrategyRoundRobin  LoadBalanceStrategy = "round_robin"
	StrategyLeastLoaded LoadBalanceStrategy = "least_loaded"
	StrategyFastest     LoadBalanceStrategy = "fastest"
	StrategyHealthiest  LoadBalanceStrategy = "healthiest"
	StrategyAdaptive    LoadBalanceStrategy = "adaptive"
)

// ParseStrategy converts a wire/config string into a LoadBalanceStrategy,
// defaulting to adaptive (matching the source's fallback on ValueError).
func ParseStrategy(s string) LoadBalanceStrategy {
	switch LoadBalanceStrategy(s) {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyFastest, StrategyHealthiest, StrategyAdaptive:
		return LoadBalanceStrategy(s)
	default:
		return StrategyAdaptive
	}
}

// ErrorKind classifies broker-side error paths per the error taxonomy. It is
// not transmitted on the wire directly — wire errors carry a numeric code and
// message — but it drives which handling path an error follows internally.
type ErrorKind string

const (
	ErrMalformedMessage ErrorKind = "malformed_message"
	ErrProtocolMisuse   ErrorKind = "protocol_misuse"
	ErrAdmissionFailure ErrorKind = "admission_failure"
	ErrDispatchFailure  ErrorKind = "dispatch_failure"
	ErrSendFailure      ErrorKind = "send_failure"
	ErrTaskExecution    ErrorKind = "task_execution_error"
	ErrTaskTimeout      ErrorKind = "task_timeout"
	ErrHeartbeatTimeout ErrorKind = "heartbeat_timeout"
	ErrConnectionLoss   ErrorKind = "connection_loss"
	ErrInternal         ErrorKind = "internal_error"
)

// ServerStats is the payload shape for get_server_stats, grounded on the
// source's MCPServer.stats dict.
type ServerStats struct {
	StartedAt               time.Time `json:"started_at"`
	TotalTasksProcessed     int64     `json:"total_tasks_processed"`
	TotalMessagesSent       int64     `json:"total_messages_sent"`
	TotalMessagesReceived   int64     `json:"total_messages_received"`
	TotalAgentsRegistered   int64     `json:"total_agents_registered"`
	ConnectedAgents         int       `json:"connected_agents"`
	QueuedTasks             int       `json:"queued_tasks"`
	ActiveTasks             int       `json:"active_tasks"`
	CompletedTasks          int64     `json:"completed_tasks"`
	FailedTasks             int64     `json:"failed_tasks"`
	MaxConcurrentTasks      int       `json:"max_concurrent_tasks"`
	MaxQueueSize            int       `json:"max_queue_size"`
}
