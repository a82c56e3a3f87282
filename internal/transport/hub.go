package transport

import (
	"sync"
)

// DisconnectFunc is invoked by the hub whenever a client's socket goes away
// (any cause), after the client has been removed from the registry. The
// broker wires this to agent unregistration (§4.2's "trigger §4.3 unregister
// for that agent, then drop the connection record").
type DisconnectFunc func(clientID, agentID string)

// Hub is the connection registry (C2): it maps client ids to their socket
// and, once an agent registers on that socket, client id to agent id.
//
// Register and unregister are serialised through a single goroutine (Run),
// exactly as the teacher's websocket.Hub does for its register/unregister
// channels. BindAgent takes the write lock directly, and Lookup and
// LookupAgent take a brief read-lock to snapshot state instead of routing
// through the channel, since they're called from many goroutines
// (dispatcher, result handler) and must not block on Run.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // client_id -> client
	byAgent map[string]*Client // agent_id -> client (current live socket)

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}

	onDisconnect DisconnectFunc
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(onDisconnect DisconnectFunc) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		byAgent:      make(map[string]*Client),
		register:     make(chan *Client, 64),
		unregister:   make(chan *Client, 64),
		stopped:      make(chan struct{}),
		onDisconnect: onDisconnect,
	}
}

// doneCh is the minimal interface Run needs from a context.Context, kept
// narrow so this package does not need to import context directly for its
// core loop (the broker passes ctx.Done() through).
type doneCh interface {
	Done() <-chan struct{}
}

// Run starts the hub's single-writer event loop. It exits when ctx is done.
func (h *Hub) Run(ctx doneCh) {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			_, existed := h.clients[c.id]
			delete(h.clients, c.id)
			agentID := c.AgentID()
			if agentID != "" && h.byAgent[agentID] == c {
				delete(h.byAgent, agentID)
			} else {
				// A socket superseded by a newer registration no longer
				// speaks for its agent id; its close must not unregister it.
				agentID = ""
			}
			h.mu.Unlock()

			if existed {
				close(c.send)
				if h.onDisconnect != nil {
					h.onDisconnect(c.id, agentID)
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.byAgent = make(map[string]*Client)
			h.mu.Unlock()
			return
		}
	}
}

// Register admits a newly-upgraded client into the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client, closing its send channel and invoking the
// disconnect callback. Safe to call multiple times for the same client.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// BindAgent associates agentID with the client currently identified by
// clientID — called by the agent registry on a successful agent_register.
// Per §4.3, "any prior client id for the same agent id is released": if
// another socket already holds this agent id, it is superseded (but not
// force-closed; it will simply stop being addressable by agent id).
func (h *Hub) BindAgent(clientID, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	c.SetAgentID(agentID)
	h.byAgent[agentID] = c
}

// Lookup returns the client for a given client id, if connected.
func (h *Hub) Lookup(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	return c, ok
}

// LookupAgent returns the current live socket bound to an agent id, if any.
func (h *Hub) LookupAgent(agentID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byAgent[agentID]
	return c, ok
}

// ConnectedCount returns the number of currently connected sockets.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
