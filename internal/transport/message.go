// Package transport carries the wire protocol over a persistent duplex
// socket. It generalizes the teacher's server-push-only websocket hub
// (arkeep's internal/websocket package) into a full bidirectional carrier:
// each Client now reads application frames (not just pong control frames)
// and feeds them to the broker's inbound dispatch, while keeping the
// single-writer-goroutine discipline and ping/pong liveness of the original.
package transport

import "time"

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// sendBufferSize is the capacity of each client's outbound channel. A
	// client whose buffer fills is considered too slow and is disconnected,
	// matching the teacher hub's backpressure policy.
	sendBufferSize = 64
)

var (
	// pongWait is how long the hub waits for a pong after sending a ping.
	// Package-level (rather than a const) so SetPingTimeout can retune it
	// from the broker's configuration surface before any client dials in.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the peer has time to reply.
	pingPeriod = (pongWait * 9) / 10
)

// SetPingTimeout overrides the websocket pong wait (and derives pingPeriod
// from it) for every subsequently created Client. Call once at broker
// startup, before the HTTP listener accepts connections; a zero or
// negative timeout leaves the default untouched.
func SetPingTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	pongWait = timeout
	pingPeriod = (pongWait * 9) / 10
}
