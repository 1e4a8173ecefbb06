package transport

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/protocol"
)

// Reconnect backoff bounds: truncated exponential, unbounded attempts.
const (
	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 30 * time.Second
)

// WSClientOptions configures a spoke-side WebSocket transport.
type WSClientOptions struct {
	// URL of the hub, e.g. ws://localhost:9001/ws.
	URL string

	// Identity presented in the session handshake. SessionID is stable for
	// the process lifetime; UniqueID persists across restarts.
	SessionID   string
	UniqueID    string
	Environment protocol.Environment

	// QueueSize caps the outbound queue.
	QueueSize int

	// EnableFallback switches to the HTTP transport after FallbackAfter
	// consecutive failed dial attempts.
	EnableFallback bool
	FallbackURL    string
	FallbackAfter  int
}

// WSClient connects a spoke to the hub. It dials, performs the handshake,
// pumps envelopes both ways, and reconnects with truncated exponential
// backoff on unexpected close.
type WSClient struct {
	opts WSClientOptions
	log  zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stopped   bool

	out *OutQueue

	handlerMu   sync.RWMutex
	onMessage   func(*protocol.Envelope)
	onReconnect func()

	fallback *HTTPTransport
	fbMu     sync.RWMutex
	usingFB  bool

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Transport = (*WSClient)(nil)

// NewWSClient builds the transport; Connect starts it.
func NewWSClient(opts WSClientOptions) *WSClient {
	if opts.FallbackAfter <= 0 {
		opts.FallbackAfter = 5
	}
	return &WSClient{
		opts: opts,
		log:  logger.Transport().With().Str("url", opts.URL).Logger(),
		out:  NewOutQueue(opts.QueueSize),
		stop: make(chan struct{}),
	}
}

// OnReconnect installs the hook the client façade uses to resend live
// correlations after a successful reconnect.
func (c *WSClient) OnReconnect(fn func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onReconnect = fn
}

// OnMessage implements Transport.
func (c *WSClient) OnMessage(fn func(*protocol.Envelope)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onMessage = fn
	if c.fallback != nil {
		c.fallback.OnMessage(fn)
	}
}

// Connect dials the hub and sends the handshake. On repeated dial failure
// with fallback enabled, the transport degrades to HTTP and Connect
// succeeds in fallback mode.
func (c *WSClient) Connect() error {
	attempts := 0
	backoff := reconnectInitial
	for {
		err := c.dial()
		if err == nil {
			go c.writePump()
			go c.readPump()
			return nil
		}
		attempts++
		c.log.Warn().Err(err).Int("attempt", attempts).Msg("dial failed")

		if c.opts.EnableFallback && attempts >= c.opts.FallbackAfter {
			return c.switchToFallback()
		}
		select {
		case <-time.After(jitter(backoff)):
		case <-c.stop:
			return protocol.ClientShutdown("transport stopped during connect")
		}
		backoff = nextBackoff(backoff)
	}
}

// dial opens the socket and emits the session handshake.
func (c *WSClient) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.opts.URL, nil)
	if err != nil {
		return err
	}

	hs := protocol.NewHandshake(c.opts.SessionID, c.opts.UniqueID, c.opts.Environment)
	data, err := json.Marshal(hs)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info().Str("sessionId", c.opts.SessionID).Msg("connected")
	return nil
}

// Send implements Transport. In fallback mode envelopes go over HTTP.
func (c *WSClient) Send(msg *protocol.Envelope) error {
	c.fbMu.RLock()
	fb := c.usingFB
	c.fbMu.RUnlock()
	if fb {
		return c.fallback.Send(msg)
	}
	return c.out.Enqueue(msg)
}

// IsConnected implements Transport.
func (c *WSClient) IsConnected() bool {
	c.fbMu.RLock()
	if c.usingFB {
		c.fbMu.RUnlock()
		return c.fallback.IsConnected()
	}
	c.fbMu.RUnlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Disconnect implements Transport: closes the socket and stops the
// reconnect loop for good.
func (c *WSClient) Disconnect() error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	c.out.Close()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// Reconnect implements Transport: drops the current socket so the read
// pump's reconnect loop dials again after its first backoff delay.
func (c *WSClient) Reconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return c.Connect()
}

// writePump is the single socket writer: queue drain plus keep-alive pings.
func (c *WSClient) writePump() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		connected := c.connected
		c.mu.RUnlock()
		if !connected || conn == nil {
			// readPump drives reconnection; wait it out.
			time.Sleep(100 * time.Millisecond)
			continue
		}

		dctx, cancel := contextWithTimeout(pingPeriod)
		msg, err := c.out.Dequeue(dctx)
		cancel()
		if err != nil {
			if isDeadline(err) {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if perr := conn.WriteMessage(websocket.PingMessage, nil); perr != nil {
					c.log.Debug().Err(perr).Msg("ping failed")
				}
				continue
			}
			return // queue closed
		}

		data, err := protocol.Encode(msg)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping unencodable envelope")
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Debug().Err(err).Msg("write failed, requeueing")
			// Head-of-line envelope survives the reconnect.
			_ = c.out.Enqueue(msg)
		}
	}
}

// readPump reads frames until close, then reconnects with backoff.
func (c *WSClient) readPump() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Warn().Err(err).Msg("connection lost")
				}
				break
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))

			msg, derr := protocol.Decode(data)
			if derr != nil {
				c.log.Warn().Err(derr).Msg("dropping malformed frame")
				continue
			}
			c.deliver(msg)
		}

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()

		select {
		case <-c.stop:
			return
		default:
		}

		if !c.reconnectLoop() {
			return
		}
	}
}

// reconnectLoop retries the dial with truncated exponential backoff until
// success, stop, or fallback switch. Returns false when the pump should
// exit.
func (c *WSClient) reconnectLoop() bool {
	backoff := reconnectInitial
	attempts := 0
	for {
		select {
		case <-time.After(jitter(backoff)):
		case <-c.stop:
			return false
		}

		attempts++
		if err := c.dial(); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempts).Msg("reconnect failed")
			if c.opts.EnableFallback && attempts >= c.opts.FallbackAfter {
				if c.switchToFallback() == nil {
					return false
				}
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.log.Info().Int("attempts", attempts).Msg("reconnected")
		c.handlerMu.RLock()
		hook := c.onReconnect
		c.handlerMu.RUnlock()
		if hook != nil {
			// The façade resends live correlations; server-side dedup
			// prevents double execution inside the window.
			hook()
		}
		return true
	}
}

// switchToFallback degrades the transport to stateless HTTP.
func (c *WSClient) switchToFallback() error {
	if c.opts.FallbackURL == "" {
		return protocol.PeerDisconnected("websocket unavailable and no fallback URL configured")
	}
	c.log.Warn().Str("fallbackUrl", c.opts.FallbackURL).Msg("degrading to HTTP transport")

	fb := NewHTTPTransport(HTTPOptions{URL: c.opts.FallbackURL})
	c.handlerMu.RLock()
	if c.onMessage != nil {
		fb.OnMessage(c.onMessage)
	}
	c.handlerMu.RUnlock()

	c.fbMu.Lock()
	c.fallback = fb
	c.usingFB = true
	c.fbMu.Unlock()
	return nil
}

func (c *WSClient) deliver(msg *protocol.Envelope) {
	c.handlerMu.RLock()
	fn := c.onMessage
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// jitter spreads retries ±20 % so reconnecting spokes do not stampede.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}
