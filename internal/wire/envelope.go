// Package wire implements the broker's message envelope: request, response,
// and notification frames sharing a single mandatory version tag, plus the
// validation rules that reject malformed frames before they reach a handler.
//
// The shape is a direct structural port of the JSON-RPC 2.0 dialect the
// source's base_mcp_agent.py validates (_validate_jsonrpc_message), adapted
// from Python's permissive dict-checking into typed Go structs with explicit
// decode-time validation.
package wire

import (
	"encoding/json"
	"fmt"
)

// MaxMessageSize bounds a single frame. Oversize frames close the connection
// per §4.1 — enforced by the transport layer via gorilla/websocket's
// SetReadLimit, not here.
const MaxMessageSize = 1 << 20 // 1 MiB

// Standard JSON-RPC-style error codes, matching the convention surfaced in
// zkoranges-go-claw's gateway.go.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Method names for the inbound/outbound shapes enumerated in spec §6.
const (
	MethodResearchAction    = "research_action"
	MethodAgentRegister     = "agent_register"
	MethodAgentUnregister   = "agent_unregister"
	MethodHeartbeat         = "heartbeat"
	MethodTaskResult        = "task_result"
	MethodCancelTask        = "cancel_task"
	MethodGetTaskStatus     = "get_task_status"
	MethodGetServerStats    = "get_server_stats"
	MethodGetActiveTasks    = "get_active_tasks"
	MethodTaskRequest       = "task_request"
	MethodTaskCancelRequest = "task_cancel_request"
	MethodRegistrationOK    = "registration_confirmed"
	MethodConnectionEst     = "connection_established"
	MethodTaskQueued        = "task_queued"
	MethodTaskRejected      = "task_rejected"
	MethodTaskCancelled     = "task_cancelled"
	MethodCancelFailed      = "cancel_failed"
	MethodTaskStatusResp    = "task_status_response"
	MethodServerStatsResp   = "server_stats_response"
	MethodActiveTasksResp   = "active_tasks_response"
)

// Error is the {code, message, data?} shape carried in a Response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Message)
}

// NewError builds an *Error; NewErrorResponse wraps one in a Response.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Request is a method call expecting a response, correlated by Id.
type Request struct {
	Version string          `json:"version"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// Response answers a prior Request, echoing its Id. Exactly one of Result or
// Error must be set.
type Response struct {
	Version string          `json:"version"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a one-way message with no id and no expected response.
type Notification struct {
	Version string          `json:"version"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Shape identifies which of the three envelope kinds a decoded frame is.
type Shape int

const (
	ShapeInvalid Shape = iota
	ShapeRequest
	ShapeResponse
	ShapeNotification
)

// rawEnvelope is used only to sniff the shape of an incoming frame before
// fully decoding it into the appropriate typed struct.
type rawEnvelope struct {
	Version string          `json:"version"`
	Method  string          `json:"method"`
	ID      *string         `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Sniff parses the minimal fields needed to classify a frame's shape without
// committing to a concrete type. It implements the malformed-message checks
// of §4.1 and §7: missing version, unrecognized shape, or a response carrying
// both result and error are all rejected.
func Sniff(data []byte) (Shape, rawEnvelope, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ShapeInvalid, env, fmt.Errorf("wire: malformed json: %w", err)
	}
	if env.Version == "" {
		return ShapeInvalid, env, fmt.Errorf("wire: missing version tag")
	}

	hasMethod := env.Method != ""
	hasResult := len(env.Result) > 0
	hasError := env.Error != nil

	switch {
	case hasResult && hasError:
		return ShapeInvalid, env, fmt.Errorf("wire: response carries both result and error")
	case hasMethod && env.ID != nil:
		return ShapeRequest, env, nil
	case hasMethod && env.ID == nil:
		return ShapeNotification, env, nil
	case (hasResult || hasError) && env.ID != nil:
		return ShapeResponse, env, nil
	default:
		return ShapeInvalid, env, fmt.Errorf("wire: unrecognized message shape")
	}
}

// DecodeRequest fully decodes data known to be a request (per Sniff).
func DecodeRequest(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("wire: decode request: %w", err)
	}
	return &r, nil
}

// DecodeNotification fully decodes data known to be a notification.
func DecodeNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("wire: decode notification: %w", err)
	}
	return &n, nil
}

// DecodeResponse fully decodes data known to be a response.
func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("wire: decode response: %w", err)
	}
	return &r, nil
}

// NewRequest builds a Request with the current protocol version, marshaling
// params from an arbitrary Go value.
func NewRequest(id, method string, params any) (*Request, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal params: %w", err)
	}
	return &Request{Version: mcpVersion, Method: method, Params: p, ID: id}, nil
}

// NewNotification builds a Notification with the current protocol version.
func NewNotification(method string, params any) (*Notification, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal params: %w", err)
	}
	return &Notification{Version: mcpVersion, Method: method, Params: p}, nil
}

// NewResult builds a success Response.
func NewResult(id string, result any) (*Response, error) {
	r, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal result: %w", err)
	}
	return &Response{Version: mcpVersion, ID: id, Result: r}, nil
}

// NewErrorResponse builds a failure Response.
func NewErrorResponse(id string, code int, message string) *Response {
	return &Response{Version: mcpVersion, ID: id, Error: NewError(code, message)}
}

// mcpVersion is the version tag stamped on every outbound message. It is an
// unexported const with the same value as mcptypes.ProtocolVersion; wire does
// not import mcptypes.
const mcpVersion = "2.0"
