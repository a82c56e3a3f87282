package dispatcher

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

	"github.com/pzanna/mcp-broker/internal/agentregistry"
	"github.com/pzanna/mcp-broker/internal/connregistry"
	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/loadbalancer"
	"github.com/pzanna/mcp-broker/internal/mcptypes"
	"github.com/pzanna/mcp-broker/internal/taskqueue"
	"github.com/pzanna/mcp-broker/internal/transport"
	"github.com/pzanna/mcp-broker/internal/wire"
)

type harness struct {
	queue    *taskqueue.Queue
	agents   *agentregistry.Registry
	balancer *loadbalancer.Balancer
	conns    *connregistry.Registry
	events   *eventlog.Logger
	server   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	events := eventlog.New(zap.NewNop())
	agents := agentregistry.New(events)
	queue := taskqueue.New(events, 0)
	balancer := loadbalancer.New(mcptypes.StrategyAdaptive, agents, events, loadbalancer.DefaultBreakerConfig())
	conns := connregistry.New(nil, events, zap.NewNop())
	hub := transport.NewHub(conns.OnDisconnect)
	conns.AttachHub(hub)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	inbound := make(chan transport.InboundFrame, 8)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := transport.NewClient(hub, r.URL.Query().Get("id"), w, r, zap.NewNop())
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns.OnConnect(c)
		go c.Run(inbound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &harness{queue: queue, agents: agents, balancer: balancer, conns: conns, events: events, server: srv}
}

func (h *harness) dialAgent(t *testing.T, clientID, agentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?id=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Drain the connection_established notification before binding.
	_, _, _ = conn.ReadMessage()

	waitUntil(t, func() bool {
		_, ok := h.conns.Lookup(clientID)
		return ok
	})
	h.conns.BindAgent(clientID, agentID)
	return conn
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatchOneSendsTaskRequestAndMarksDispatched(t *testing.T) {
	h := newHarness(t)
	h.agents.Register("agent-1", "researcher", []string{"search"}, 1)
	conn := h.dialAgent(t, "client-1", "agent-1")

	d := New(h.queue, h.agents, h.balancer, h.conns, h.events, zap.NewNop(), 10*time.Millisecond)

	// AgentType is deliberately left unset (advisory only, per the spec's
	// happy-path scenario): routing goes by Action, the registered capability.
	task := &taskqueue.Task{ID: "t-1", Action: "search", Payload: json.RawMessage(`{}`)}
	h.queue.Add(task)
	popped, _ := h.queue.NextReady()

	if !d.dispatchOne(context.Background(), popped) {
		t.Fatal("expected dispatchOne to succeed with an available agent")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a task_request frame, got error: %v", err)
	}
	if !strings.Contains(string(data), wire.MethodTaskRequest) {
		t.Fatalf("expected task_request method, got %s", data)
	}

	dispatched, ok := h.queue.Dispatched("t-1")
	if !ok || dispatched.AssignedAgent != "agent-1" {
		t.Fatalf("expected t-1 marked dispatched to agent-1, got %v/%v", dispatched, ok)
	}

	agent, _ := h.agents.Get("agent-1")
	if agent.CurrentTasks != 1 {
		t.Fatalf("expected agent-1's current task count to be 1, got %d", agent.CurrentTasks)
	}
}

func TestDispatchOneReturnsFalseWithNoCandidate(t *testing.T) {
	h := newHarness(t)
	d := New(h.queue, h.agents, h.balancer, h.conns, h.events, zap.NewNop(), 10*time.Millisecond)

	task := &taskqueue.Task{ID: "t-1", Action: "search"}
	if d.dispatchOne(context.Background(), task) {
		t.Fatal("expected dispatchOne to fail when no agent advertises the capability")
	}
}
