package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/wire"
)

// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin always
// returns true — origin validation is a reverse-proxy concern, same stance
// the teacher's server took (its REST/GUI layer is out of scope here anyway).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// InboundFrame is a raw frame handed up from a Client's readPump to the
// broker's dispatch for decoding and routing.
type InboundFrame struct {
	ClientID string
	Data     []byte
}

// Client represents one connected socket — an agent, or any other caller
// issuing research_action/get_* requests. Exactly one goroutine (writePump)
// writes to the underlying connection, per §5's per-socket single-writer
// requirement.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	// agentID is set once this socket completes agent_register. Empty for
	// plain originator connections that never register as an agent.
	agentID string
}

// NewClient upgrades an HTTP connection to a WebSocket and wraps it.
func NewClient(hub *Hub, id string, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: logger.With(zap.String("client_id", id), zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// ID returns the broker-scoped client id for this socket.
func (c *Client) ID() string { return c.id }

// AgentID returns the agent id bound to this socket, or "" if unregistered.
func (c *Client) AgentID() string { return c.agentID }

// SetAgentID binds this socket to an agent id following a successful
// agent_register, per §4.3.
func (c *Client) SetAgentID(agentID string) { c.agentID = agentID }

// Send enqueues a raw frame for delivery. Non-blocking: if the outbound
// buffer is full the client is dropped, matching the hub's backpressure
// policy for a slow consumer.
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("transport: send buffer full, dropping client")
		c.hub.Unregister(c)
	}
}

// SendNotification is a convenience wrapper that encodes and sends a
// Notification frame.
func (c *Client) SendNotification(method string, params any) error {
	n, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := marshalFrame(n)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// SendResult is a convenience wrapper that encodes and sends a success
// Response frame.
func (c *Client) SendResult(id string, result any) error {
	r, err := wire.NewResult(id, result)
	if err != nil {
		return err
	}
	data, err := marshalFrame(r)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// SendError is a convenience wrapper that encodes and sends a failure
// Response frame.
func (c *Client) SendError(id string, code int, message string) error {
	data, err := marshalFrame(wire.NewErrorResponse(id, code, message))
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Run registers the client with the hub and starts the read/write pumps. It
// blocks until the connection closes.
func (c *Client) Run(inbound chan<- InboundFrame) {
	c.hub.Register(c)
	go c.writePump()
	c.readPump(inbound)
}

// readPump reads application frames off the wire and forwards them to the
// broker's inbound channel for decoding and routing. Unlike the teacher's
// server-push-only hub, this is the primary data path, not just liveness
// detection.
func (c *Client) readPump(inbound chan<- InboundFrame) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wire.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("transport: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("transport: unexpected close", zap.Error(err))
			}
			return
		}
		select {
		case inbound <- InboundFrame{ClientID: c.id, Data: data}:
		default:
			c.logger.Warn("transport: inbound channel full, dropping frame")
		}
	}
}

// writePump forwards messages from the send channel to the wire and emits
// periodic pings so readPump can detect a stale peer. It is the only
// goroutine writing to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("transport: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("transport: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("transport: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("transport: ping error", zap.Error(err))
				return
			}
		}
	}
}

func marshalFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
