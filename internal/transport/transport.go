// Package transport carries envelopes over the wire. Three transports
// implement the same port: the WebSocket server (hub side), the WebSocket
// client (spoke side), and a stateless HTTP fallback.
//
// The boundary is exact: in — one envelope at a time, framed; out — the
// same. Nothing else leaks through. Each frame is one line of JSON, one
// envelope per WebSocket message or HTTP body.
//
// Connection lifecycle on the hub:
//  1. Peer connects to /ws
//  2. Server waits for the session_handshake frame (bounded by a timer);
//     early envelopes are buffered, not dispatched
//  3. Handshake binds the peer Context; the Connection attaches to the
//     router and buffered frames replay
//  4. Read/write pumps run until close; on disconnect the router detaches
//     the link and pending correlations fail with PeerDisconnected
package transport

import (
	"time"

	"github.com/jtag-dev/jtag/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512 KB

	// Frames tolerated on a connection before its handshake arrives
	preHandshakeBuffer = 64
)

// CloseReasonHandshakeTimeout is the close reason sent to peers that never
// complete the session handshake.
const CloseReasonHandshakeTimeout = "handshake_timeout"

// Transport is the abstract port every transport implements.
type Transport interface {
	// Send pushes one envelope toward the peer: a request, an event, or the
	// response to a request the peer routed here.
	Send(msg *protocol.Envelope) error

	// OnMessage installs the inbound handler. One handler per transport;
	// installing replaces the previous one.
	OnMessage(fn func(msg *protocol.Envelope))

	// IsConnected reports whether a live link exists right now.
	IsConnected() bool

	// Disconnect closes the link and stops reconnection.
	Disconnect() error

	// Reconnect forces a new connection attempt immediately.
	Reconnect() error
}
