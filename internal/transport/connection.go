package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jtag-dev/jtag/internal/protocol"
	"github.com/jtag-dev/jtag/internal/router"
)

// Connection is one live peer link on the hub side. The transport owns it;
// the router references it through the Link interface by identifier only.
type Connection struct {
	id   string
	peer protocol.Context
	conn *websocket.Conn
	out  *OutQueue
	log  zerolog.Logger

	mu       sync.RWMutex
	lastSeen time.Time
	lastUsed time.Time

	done chan struct{}
	once sync.Once
}

var _ router.Link = (*Connection)(nil)

// NewConnection wraps an upgraded websocket with its outbound queue.
func NewConnection(id string, peer protocol.Context, conn *websocket.Conn, queueSize int, log zerolog.Logger) *Connection {
	now := time.Now()
	return &Connection{
		id:       id,
		peer:     peer,
		conn:     conn,
		out:      NewOutQueue(queueSize),
		log:      log.With().Str("connection", id).Str("peer", peer.UniqueID).Logger(),
		lastSeen: now,
		lastUsed: now,
		done:     make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// Peer returns the context learned from the handshake.
func (c *Connection) Peer() protocol.Context { return c.peer }

// QueueDepth reports the outbound backlog.
func (c *Connection) QueueDepth() int { return c.out.Depth() }

// LastUsed reports when the router last picked this connection.
func (c *Connection) LastUsed() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}

// LastSeen reports the last inbound activity (frame or pong).
func (c *Connection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// Enqueue pushes an envelope onto the outbound queue, applying the
// backpressure policy.
func (c *Connection) Enqueue(msg *protocol.Envelope) error {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
	return c.out.Enqueue(msg)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// Close tears the link down. Idempotent; pending queue items are dropped.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
		c.out.Close()
		_ = c.conn.Close()
	})
}

// Done closes when the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// writePump drains the outbound queue onto the socket. An idle period of
// pingPeriod sends a keep-alive ping instead. Single writer for the socket.
func (c *Connection) writePump(ctx context.Context) {
	defer c.Close()

	for {
		dctx, cancel := context.WithTimeout(ctx, pingPeriod)
		msg, err := c.out.Dequeue(dctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				// Idle interval elapsed: keep the connection alive.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if perr := c.conn.WriteMessage(websocket.PingMessage, nil); perr != nil {
					c.log.Debug().Err(perr).Msg("ping failed")
					return
				}
				continue
			}
			return
		}

		data, err := protocol.Encode(msg)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping unencodable envelope")
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Debug().Err(err).Msg("write failed")
			return
		}
	}
}

// readPump parses inbound frames and hands envelopes to the router. Exits
// on any read error; the caller detaches the link afterwards.
func (c *Connection) readPump(rt *router.Router) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		rt.HandleInbound(msg, c)
	}
}
