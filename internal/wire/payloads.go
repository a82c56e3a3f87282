package wire

import "encoding/json"

// ResearchActionParams is the payload of an inbound research_action request.
type ResearchActionParams struct {
	TaskID       string          `json:"task_id,omitempty"`
	ContextID    string          `json:"context_id,omitempty"`
	AgentType    string          `json:"agent_type,omitempty"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	TimeoutSec   int             `json:"timeout,omitempty"`
	MaxRetries   int             `json:"max_retries,omitempty"`
}

// TaskQueuedResult acknowledges a successfully admitted research_action.
type TaskQueuedResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskRejectedResult acknowledges a rejected research_action.
type TaskRejectedResult struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// AgentRegisterParams is the payload of an agent_register notification.
type AgentRegisterParams struct {
	AgentID       string   `json:"agent_id"`
	AgentType     string   `json:"agent_type"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

// AgentUnregisterParams is the payload of an agent_unregister notification.
type AgentUnregisterParams struct {
	AgentID string `json:"agent_id"`
}

// HeartbeatParams is the payload of a heartbeat notification. Metrics is an
// optional enrichment (gopsutil CPU/memory snapshot) not required by the
// core protocol.
type HeartbeatParams struct {
	AgentID string           `json:"agent_id"`
	Metrics *HeartbeatMetrics `json:"metrics,omitempty"`
}

// HeartbeatMetrics is the optional host-metrics snapshot an agent may attach
// to its heartbeat notification.
type HeartbeatMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// TaskResultParams is the payload of an inbound task_result notification.
type TaskResultParams struct {
	TaskID  string          `json:"task_id"`
	Status  string          `json:"status"` // completed | error | cancelled
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	AgentID string          `json:"agent_id"`
}

// CancelTaskParams is the payload of an inbound cancel_task request.
type CancelTaskParams struct {
	TaskID string `json:"task_id"`
}

// GetTaskStatusParams is the payload of an inbound get_task_status request.
type GetTaskStatusParams struct {
	TaskID     string `json:"task_id"`
	ResponseID string `json:"response_id,omitempty"`
}

// TaskStatusResponseResult is the payload of task_status_response.
type TaskStatusResponseResult struct {
	TaskID        string          `json:"task_id"`
	Status        string          `json:"status"`
	AssignedAgent string          `json:"assigned_agent,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// TaskRequestParams is the payload the broker sends to an agent's socket to
// dispatch work.
type TaskRequestParams struct {
	TaskID   string          `json:"task_id"`
	TaskType string          `json:"task_type"`
	TaskData json.RawMessage `json:"task_data"`
}

// TaskCancelRequestParams is the best-effort cancellation notice sent to the
// holding agent.
type TaskCancelRequestParams struct {
	TaskID string `json:"task_id"`
}

// RegistrationConfirmedResult acknowledges agent_register.
type RegistrationConfirmedResult struct {
	AgentID string `json:"agent_id"`
}

// ConnectionEstablishedParams is the notification sent on socket accept.
type ConnectionEstablishedParams struct {
	ClientID string `json:"client_id"`
}

// ActiveTasksResponseResult is the payload of active_tasks_response.
type ActiveTasksResponseResult struct {
	Tasks []TaskStatusResponseResult `json:"tasks"`
}
