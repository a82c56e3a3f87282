package agentruntime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/wire"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeBroker is a minimal websocket peer standing in for the broker side of
// the protocol, used to drive a Runtime through register/heartbeat/dispatch
// without needing the full broker.Server.
type fakeBroker struct {
	server *httptest.Server
	connCh chan *websocket.Conn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	fb := &fakeBroker{connCh: make(chan *websocket.Conn, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		fb.connCh <- conn
	})
	fb.server = httptest.NewServer(mux)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBroker) wsURL() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http") + "/ws"
}

func (fb *fakeBroker) acceptConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fb.connCh:
		return c
	case <-time.After(time.Second):
		t.Fatal("expected the agent to dial in")
		return nil
	}
}

func TestRuntimeRegistersOnConnect(t *testing.T) {
	fb := newFakeBroker(t)

	rt := New(Config{
		ServerURL:         fb.wsURL(),
		AgentID:           "agent-1",
		AgentType:         "researcher",
		Capabilities:      []string{"echo"},
		HeartbeatInterval: time.Hour, // avoid heartbeat noise in this test
	}, zap.NewNop())
	rt.RegisterHandler("echo", EchoHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	conn := fb.acceptConn(t)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a register notification, got error: %v", err)
	}
	if !strings.Contains(string(data), wire.MethodAgentRegister) {
		t.Fatalf("expected agent_register notification, got %s", data)
	}
}

func TestRuntimeExecutesDispatchedTaskAndReportsResult(t *testing.T) {
	fb := newFakeBroker(t)

	rt := New(Config{
		ServerURL:         fb.wsURL(),
		AgentID:           "agent-1",
		AgentType:         "researcher",
		Capabilities:      []string{"echo"},
		HeartbeatInterval: time.Hour,
	}, zap.NewNop())
	rt.RegisterHandler("echo", EchoHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	conn := fb.acceptConn(t)
	defer conn.Close()

	// drain the register notification
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("expected register notification: %v", err)
	}

	notif, err := wire.NewNotification(wire.MethodTaskRequest, wire.TaskRequestParams{
		TaskID:   "t-1",
		TaskType: "echo",
		TaskData: json.RawMessage(`{"hello":"world"}`),
	})
	if err != nil {
		t.Fatalf("failed to build task_request: %v", err)
	}
	payload, err := json.Marshal(notif)
	if err != nil {
		t.Fatalf("failed to marshal task_request: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("failed to send task_request: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a task_result notification, got error: %v", err)
	}
	if !strings.Contains(string(data), "\"completed\"") || !strings.Contains(string(data), "t-1") {
		t.Fatalf("expected a completed task_result for t-1, got %s", data)
	}
}

func TestRuntimeGivesUpAfterMaxRetries(t *testing.T) {
	rt := New(Config{
		ServerURL:  "ws://127.0.0.1:1/ws", // nothing listens here; every dial fails
		AgentID:    "agent-1",
		AgentType:  "researcher",
		MaxRetries: 2,
	}, zap.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Run to return a fatal error after exhausting retries")
		}
		if !strings.Contains(err.Error(), "giving up") {
			t.Fatalf("expected a give-up error, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected Run to give up within 5s given a 1s initial backoff and 2 retries")
	}
}

func TestRuntimeReportsFailureForUnknownTaskType(t *testing.T) {
	fb := newFakeBroker(t)

	rt := New(Config{
		ServerURL:         fb.wsURL(),
		AgentID:           "agent-1",
		AgentType:         "researcher",
		Capabilities:      []string{"echo"},
		HeartbeatInterval: time.Hour,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	conn := fb.acceptConn(t)
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("expected register notification: %v", err)
	}

	notif, _ := wire.NewNotification(wire.MethodTaskRequest, wire.TaskRequestParams{
		TaskID:   "t-2",
		TaskType: "no-such-handler",
	})
	payload, _ := json.Marshal(notif)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("failed to send task_request: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a task_result notification, got error: %v", err)
	}
	if !strings.Contains(string(data), "\"error\"") {
		t.Fatalf("expected an error status for an unregistered task type, got %s", data)
	}
}
