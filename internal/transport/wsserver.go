package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/protocol"
	"github.com/jtag-dev/jtag/internal/router"
)

// WSServerOptions configures the hub-side WebSocket listener.
type WSServerOptions struct {
	// QueueSize caps each connection's outbound queue.
	QueueSize int

	// HandshakeTimeout bounds the wait for the session_handshake frame.
	// Zero means 5 s.
	HandshakeTimeout time.Duration
}

// WSServer accepts peer connections, enforces the handshake precondition,
// and binds each resulting Connection to the router.
type WSServer struct {
	rt       *router.Router
	opts     WSServerOptions
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWSServer creates the listener bound to a router shard.
func NewWSServer(rt *router.Router, opts WSServerOptions) *WSServer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WSServer{
		rt:   rt,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local development fabric: pages are served from arbitrary
			// dev-server ports on the same host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    *logger.Transport(),
		conns:  make(map[string]*Connection),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.sweepStale()
	return s
}

// Attach registers the /ws route on a gin engine.
func (s *WSServer) Attach(engine *gin.Engine, path string) {
	engine.GET(path, s.handle)
}

// handle upgrades one HTTP request into a fabric connection.
func (s *WSServer) handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	go s.serve(conn)
}

// serve waits for the handshake, then runs the connection until close.
//
// Until the handshake arrives, inbound frames are buffered but never
// dispatched. A peer that stays silent past the deadline is closed with
// reason handshake_timeout.
func (s *WSServer) serve(ws *websocket.Conn) {
	hs, buffered, err := s.awaitHandshake(ws)
	if err != nil {
		s.log.Info().Err(err).Str("remote", ws.RemoteAddr().String()).Msg("closing unhandshaked connection")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, CloseReasonHandshakeTimeout)
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	peer := hs.PeerContext()
	connection := NewConnection(uuid.NewString(), peer, ws, s.opts.QueueSize, s.log)

	s.mu.Lock()
	// A reconnecting peer replaces its old connection.
	for id, existing := range s.conns {
		if existing.Peer().UniqueID == peer.UniqueID {
			s.log.Info().Str("peer", peer.UniqueID).Msg("peer reconnected, closing old connection")
			existing.Close()
			s.rt.DetachLink(id)
			delete(s.conns, id)
		}
	}
	s.conns[connection.ID()] = connection
	s.mu.Unlock()

	s.rt.AttachLink(connection)
	s.log.Info().Str("peer", peer.UniqueID).Str("sessionId", peer.SessionID).
		Str("environment", string(peer.Environment)).Msg("peer connected")

	go connection.writePump(s.ctx)

	// Frames that raced ahead of the handshake dispatch now, in order.
	for _, data := range buffered {
		if msg, derr := protocol.Decode(data); derr == nil {
			s.rt.HandleInbound(msg, connection)
		} else {
			s.log.Warn().Err(derr).Msg("dropping malformed pre-handshake frame")
		}
	}

	connection.readPump(s.rt)

	// Read side ended: tear down and fail pending correlations.
	s.mu.Lock()
	delete(s.conns, connection.ID())
	s.mu.Unlock()
	s.rt.DetachLink(connection.ID())
	connection.Close()
	s.log.Info().Str("peer", peer.UniqueID).Msg("peer disconnected")
}

// awaitHandshake reads frames until the session handshake appears or the
// deadline passes. Non-handshake frames are buffered up to a fixed cap.
func (s *WSServer) awaitHandshake(ws *websocket.Conn) (*protocol.Handshake, [][]byte, error) {
	ws.SetReadLimit(maxMessageSize)
	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	ws.SetReadDeadline(deadline)

	var buffered [][]byte
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, nil, protocol.HandshakeTimeout("no session_handshake before deadline")
		}
		if hs, ok := protocol.ParseHandshake(data); ok {
			if hs.SessionID == "" {
				return nil, nil, protocol.HandshakeTimeout("handshake missing sessionId")
			}
			return hs, buffered, nil
		}
		if len(buffered) >= preHandshakeBuffer {
			return nil, nil, protocol.HandshakeTimeout("pre-handshake buffer exceeded")
		}
		buffered = append(buffered, data)
	}
}

// PeerCount reports the number of live connections.
func (s *WSServer) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Peers summarizes connected peers for system/info.
func (s *WSServer) Peers() []protocol.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Context, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Peer())
	}
	return out
}

// sweepStale closes connections with no inbound activity past the pong
// deadline. The read deadline usually catches these first; the sweep
// covers pumps wedged on a dead TCP session.
func (s *WSServer) sweepStale() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-pongWait)
			s.mu.RLock()
			var stale []*Connection
			for _, c := range s.conns {
				if c.LastSeen().Before(cutoff) {
					stale = append(stale, c)
				}
			}
			s.mu.RUnlock()
			for _, c := range stale {
				s.log.Info().Str("peer", c.Peer().UniqueID).Msg("closing stale connection")
				c.Close()
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Shutdown closes every connection and stops the sweeper.
func (s *WSServer) Shutdown() {
	s.cancel()
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*Connection)
	s.mu.Unlock()

	for _, c := range conns {
		s.rt.DetachLink(c.ID())
		c.Close()
	}
}
