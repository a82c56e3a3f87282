package connregistry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/transport"
)

func newTestRegistry(t *testing.T) (*Registry, *httptest.Server, chan transport.InboundFrame) {
	t.Helper()
	events := eventlog.New(zap.NewNop())
	reg := New(nil, events, zap.NewNop())
	hub := transport.NewHub(reg.OnDisconnect)
	reg.AttachHub(hub)

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
		reg.OnConnect(c)
		go c.Run(inbound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return reg, srv, inbound
}

func dial(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?id=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOnConnectSendsConnectionEstablished(t *testing.T) {
	reg, srv, _ := newTestRegistry(t)
	conn := dial(t, srv, "client-1")

	waitUntil(t, func() bool { return reg.ConnectedCount() == 1 })

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a connection_established notification, got error: %v", err)
	}
	if !strings.Contains(string(data), "connection_established") {
		t.Fatalf("expected connection_established in payload, got %s", data)
	}
}

func TestOnDisconnectInvokesAgentUnregisterWhenBound(t *testing.T) {
	reg, srv, _ := newTestRegistry(t)

	var unregistered string
	reg.SetAgentUnregisterFunc(func(agentID string) { unregistered = agentID })

	conn := dial(t, srv, "client-1")
	waitUntil(t, func() bool { return reg.ConnectedCount() == 1 })

	reg.BindAgent("client-1", "agent-1")
	conn.Close()

	waitUntil(t, func() bool { return unregistered == "agent-1" })
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
