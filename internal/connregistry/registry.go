// Package connregistry implements C2, the connection registry: it owns the
// lifecycle notifications around a socket's lifetime (connection_established
// on accept, agent unregistration on close) while delegating the actual
// client_id/agent_id bookkeeping to the transport hub, which already has to
// hold that map for single-writer safety.
package connregistry

import (
	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/eventlog"
	"github.com/pzanna/mcp-broker/internal/transport"
	"github.com/pzanna/mcp-broker/internal/wire"
)

// AgentUnregisterFunc is invoked when a socket closes and it was bound to an
// agent id, so the agent registry (C3) can apply its own unregister effects.
type AgentUnregisterFunc func(agentID string)

// Registry wires socket lifecycle events to the rest of the broker.
type Registry struct {
	hub    *transport.Hub
	events *eventlog.Logger
	logger *zap.Logger

	onAgentUnregister AgentUnregisterFunc
}

// New builds a Registry over a hub. hub may be nil at construction time and
// attached afterward via AttachHub — the hub's own disconnect callback
// typically needs a reference back into this registry, so the two are wired
// up in two steps to break the cycle.
func New(hub *transport.Hub, events *eventlog.Logger, logger *zap.Logger) *Registry {
	return &Registry{hub: hub, events: events, logger: logger.Named("connregistry")}
}

// AttachHub sets the hub this registry delegates to, once it's available.
func (r *Registry) AttachHub(hub *transport.Hub) {
	r.hub = hub
}

// SetAgentUnregisterFunc wires the callback invoked when a bound socket
// disconnects. Done as a setter rather than a constructor argument because
// the agent registry and the connection registry are constructed together
// and each needs a reference into the other's disconnect path.
func (r *Registry) SetAgentUnregisterFunc(fn AgentUnregisterFunc) {
	r.onAgentUnregister = fn
}

// OnConnect is called once a Client has been handed to the hub. It sends the
// connection_established notification required on accept.
func (r *Registry) OnConnect(c *transport.Client) {
	r.events.Info(eventlog.EventClientConnect, "client connected", map[string]any{
		"client_id": c.ID(),
	})
	if err := c.SendNotification(wire.MethodConnectionEst, wire.ConnectionEstablishedParams{
		ClientID: c.ID(),
	}); err != nil {
		r.logger.Warn("failed to send connection_established", zap.Error(err), zap.String("client_id", c.ID()))
	}
}

// OnDisconnect is the transport.DisconnectFunc passed to transport.NewHub. It
// fires after the hub has already removed the client from its maps.
func (r *Registry) OnDisconnect(clientID, agentID string) {
	r.events.Info(eventlog.EventClientDisconnect, "client disconnected", map[string]any{
		"client_id": clientID,
		"agent_id":  agentID,
	})
	if agentID != "" && r.onAgentUnregister != nil {
		r.onAgentUnregister(agentID)
	}
}

// BindAgent associates an agent id with a connected client's socket.
func (r *Registry) BindAgent(clientID, agentID string) {
	r.hub.BindAgent(clientID, agentID)
}

// Lookup returns the socket for a client id.
func (r *Registry) Lookup(clientID string) (*transport.Client, bool) {
	return r.hub.Lookup(clientID)
}

// LookupAgent returns the live socket bound to an agent id.
func (r *Registry) LookupAgent(agentID string) (*transport.Client, bool) {
	return r.hub.LookupAgent(agentID)
}

// ConnectedCount returns the number of currently connected sockets.
func (r *Registry) ConnectedCount() int {
	return r.hub.ConnectedCount()
}
