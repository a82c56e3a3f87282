// Package agentruntime is the agent-side counterpart to the broker: it
// dials the broker's websocket endpoint, registers, runs heartbeat and
// dispatch loops, and reconnects with backoff+jitter on any failure.
// Control-flow is grounded on arkeep's agent/internal/connection/manager.go
// (connect/register/heartbeat-loop/reconnect shape); the JSON-RPC framing,
// pending-request future table, and task-handler map are ported from the
// source's base_mcp_agent.py.
package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/wire"
)

// TaskHandler executes one task_type and returns its result payload (to be
// marshaled into task_result's "result" field) or an error (mapped to a
// "status": "error" result).
type TaskHandler func(ctx context.Context, taskData json.RawMessage) (any, error)

// Config holds agent runtime parameters.
type Config struct {
	ServerURL         string // ws(s)://host:port path to the broker endpoint
	AgentID           string
	AgentType         string
	Capabilities      []string
	MaxConcurrent     int
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	CollectMetrics    bool // attach a gopsutil CPU/mem snapshot to each heartbeat
	MaxRetries        int  // consecutive failed retries before Run gives up; 0 means defaultMaxRetries
}

// pendingRequest is a future awaiting a correlated response, the Go
// analogue of the source's asyncio.Future keyed by request id.
type pendingRequest struct {
	resultCh chan *wire.Response
}

// Runtime drives one agent's connection lifecycle.
type Runtime struct {
	cfg    Config
	logger *zap.Logger

	handlers map[string]TaskHandler

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]*pendingRequest
	reqSeq   int
	sendMu   sync.Mutex // serializes writes to conn, single-writer discipline
}

// New builds a Runtime. Register task handlers via RegisterHandler before
// calling Run.
func New(cfg Config, logger *zap.Logger) *Runtime {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Runtime{
		cfg:      cfg,
		logger:   logger.Named("agentruntime").With(zap.String("agent_id", cfg.AgentID)),
		handlers: make(map[string]TaskHandler),
		pending:  make(map[string]*pendingRequest),
	}
}

// RegisterHandler wires a task type to the function that executes it. Must
// be called before Run.
func (r *Runtime) RegisterHandler(taskType string, fn TaskHandler) {
	r.handlers[taskType] = fn
}

// Run connects to the broker and processes messages until ctx is cancelled,
// reconnecting with exponential backoff + jitter on any connection failure.
// It gives up and returns a fatal error once the first attempt and
// cfg.MaxRetries consecutive retries after it have all failed; a session
// that gets as far as registering with the broker resets the retry count.
func (r *Runtime) Run(ctx context.Context) error {
	backoff := backoffInitial
	retries := 0

	for ctx.Err() == nil {
		r.logger.Info("connecting to broker", zap.String("url", r.cfg.ServerURL))

		registered, err := r.session(ctx)
		if registered {
			backoff = backoffInitial
			retries = 0
		}
		if err != nil {
			retries++
			if retries > r.cfg.MaxRetries {
				return fmt.Errorf("agentruntime: giving up after %d consecutive failed sessions: %w", retries, err)
			}
			r.logger.Warn("session ended, reconnecting", zap.Error(err),
				zap.Duration("backoff", backoff), zap.Int("retry", retries), zap.Int("max_retries", r.cfg.MaxRetries))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
	}
	r.logger.Info("agent runtime stopped")
	return nil
}

// session establishes one websocket connection, registers, and runs the
// heartbeat + read loops until either fails or ctx is cancelled. The bool
// reports whether registration was sent. On ctx cancellation it sends a
// best-effort agent_unregister while the connection is still open.
func (r *Runtime) session(ctx context.Context) (bool, error) {
	u, err := url.Parse(r.cfg.ServerURL)
	if err != nil {
		return false, fmt.Errorf("agentruntime: invalid server url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return false, fmt.Errorf("agentruntime: dial failed: %w", err)
	}
	defer conn.Close()

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	if err := r.register(); err != nil {
		return false, fmt.Errorf("agentruntime: register failed: %w", err)
	}
	r.logger.Info("registered with broker", zap.Strings("capabilities", r.cfg.Capabilities))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- r.heartbeatLoop(sessionCtx) }()
	go func() { errCh <- r.readLoop(sessionCtx) }()

	err = <-errCh
	if ctx.Err() != nil {
		r.Unregister()
		return true, nil
	}
	return true, err
}

func (r *Runtime) register() error {
	return r.sendNotification(wire.MethodAgentRegister, wire.AgentRegisterParams{
		AgentID:       r.cfg.AgentID,
		AgentType:     r.cfg.AgentType,
		Capabilities:  r.cfg.Capabilities,
		MaxConcurrent: r.cfg.MaxConcurrent,
	})
}

// Unregister sends a best-effort agent_unregister notification. Run's session
// calls it on graceful shutdown before closing the connection; a call after
// Run has returned finds the connection closed and sends nothing.
func (r *Runtime) Unregister() {
	_ = r.sendNotification(wire.MethodAgentUnregister, wire.AgentUnregisterParams{AgentID: r.cfg.AgentID})
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			params := wire.HeartbeatParams{AgentID: r.cfg.AgentID}
			if r.cfg.CollectMetrics {
				params.Metrics = collectMetrics()
			}
			if err := r.sendNotification(wire.MethodHeartbeat, params); err != nil {
				return fmt.Errorf("heartbeat send failed: %w", err)
			}
		}
	}
}

func (r *Runtime) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		shape, _, err := wire.Sniff(data)
		if err != nil {
			r.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch shape {
		case wire.ShapeRequest:
			r.handleRequest(ctx, data)
		case wire.ShapeNotification:
			r.handleNotification(ctx, data)
		case wire.ShapeResponse:
			r.handleResponse(data)
		}
	}
}

func (r *Runtime) handleResponse(data []byte) {
	resp, err := wire.DecodeResponse(data)
	if err != nil {
		r.logger.Warn("failed to decode response", zap.Error(err))
		return
	}

	r.mu.Lock()
	p, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	p.resultCh <- resp
}

func (r *Runtime) handleNotification(ctx context.Context, data []byte) {
	n, err := wire.DecodeNotification(data)
	if err != nil {
		r.logger.Warn("failed to decode notification", zap.Error(err))
		return
	}

	switch n.Method {
	case wire.MethodTaskRequest:
		r.handleTaskRequest(ctx, n.Params)
	case wire.MethodConnectionEst, wire.MethodRegistrationOK:
		// Informational; nothing to do beyond logging.
		r.logger.Debug("received lifecycle notification", zap.String("method", n.Method))
	case wire.MethodTaskCancelRequest:
		// Best-effort cancellation is out of scope for the generic runtime:
		// task handlers that support cooperative cancellation should watch
		// ctx themselves. Nothing further to do here.
	default:
		r.logger.Debug("unhandled notification method", zap.String("method", n.Method))
	}
}

func (r *Runtime) handleRequest(ctx context.Context, data []byte) {
	req, err := wire.DecodeRequest(data)
	if err != nil {
		r.logger.Warn("failed to decode request", zap.Error(err))
		return
	}
	// The generic runtime does not currently expose any request-style
	// methods to the broker (only notifications), so every inbound request
	// is a protocol misuse from the broker's perspective.
	_ = r.sendError(req.ID, wire.CodeMethodNotFound, "method not found")
}

// handleTaskRequest executes the named handler and reports the outcome via
// a task_result notification, mirroring _handle_task_execution.
func (r *Runtime) handleTaskRequest(ctx context.Context, raw json.RawMessage) {
	var p wire.TaskRequestParams
	if err := json.Unmarshal(raw, &p); err != nil {
		r.logger.Warn("malformed task_request params", zap.Error(err))
		return
	}

	handler, ok := r.handlers[p.TaskType]
	if !ok {
		r.reportFailure(p.TaskID, fmt.Sprintf("no handler registered for task type %q", p.TaskType))
		return
	}

	go func() {
		result, err := handler(ctx, p.TaskData)
		if err != nil {
			r.reportFailure(p.TaskID, err.Error())
			return
		}
		r.reportSuccess(p.TaskID, result)
	}()
}

func (r *Runtime) reportSuccess(taskID string, result any) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		r.reportFailure(taskID, fmt.Sprintf("failed to marshal result: %v", err))
		return
	}
	_ = r.sendNotification(wire.MethodTaskResult, wire.TaskResultParams{
		TaskID:  taskID,
		Status:  "completed",
		Result:  resultBytes,
		AgentID: r.cfg.AgentID,
	})
}

func (r *Runtime) reportFailure(taskID, reason string) {
	_ = r.sendNotification(wire.MethodTaskResult, wire.TaskResultParams{
		TaskID:  taskID,
		Status:  "error",
		Error:   reason,
		AgentID: r.cfg.AgentID,
	})
}

// sendNotification writes a fire-and-forget frame.
func (r *Runtime) sendNotification(method string, params any) error {
	n, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	return r.write(n)
}

// sendRequest sends a request and blocks until the correlated response
// arrives or RequestTimeout elapses — the Go counterpart of
// _send_jsonrpc_request's pending_requests future.
func (r *Runtime) sendRequest(ctx context.Context, method string, params any) (*wire.Response, error) {
	r.mu.Lock()
	r.reqSeq++
	id := fmt.Sprintf("%s-req-%d", r.cfg.AgentID, r.reqSeq)
	p := &pendingRequest{resultCh: make(chan *wire.Response, 1)}
	r.pending[id] = p
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	req, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := r.write(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-p.resultCh:
		return resp, nil
	case <-time.After(r.cfg.RequestTimeout):
		return nil, fmt.Errorf("agentruntime: request %s timed out", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runtime) sendError(id string, code int, message string) error {
	return r.write(wire.NewErrorResponse(id, code, message))
}

func (r *Runtime) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("agentruntime: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
