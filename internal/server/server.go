// Package server is the JTAG daemon shell: it wires the router, the
// WebSocket listener, the HTTP fallback endpoint, the builtin system
// commands, the schema catalog snapshot, and the per-instance state root
// into one process.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jtag-dev/jtag/internal/config"
	"github.com/jtag-dev/jtag/internal/events"
	"github.com/jtag-dev/jtag/internal/instance"
	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/protocol"
	"github.com/jtag-dev/jtag/internal/registry"
	"github.com/jtag-dev/jtag/internal/router"
	"github.com/jtag-dev/jtag/internal/transport"
)

// Version is reported by system/info.
const Version = "2.0.0"

// Server hosts the authoritative router shard and its listeners.
type Server struct {
	cfg    *config.Config
	self   protocol.Context
	rt     *router.Router
	reg    *registry.Registry
	ws     *transport.WSServer
	bridge *events.Bridge
	paths  instance.Paths
	lock   *instance.Lock
	log    zerolog.Logger

	httpSrv   *http.Server
	startedAt time.Time
}

// New assembles an unstarted server from configuration.
func New(cfg *config.Config) (*Server, error) {
	paths := instance.Layout(cfg.StateRoot())
	self := protocol.Context{
		UniqueID:    "server-" + cfg.Instance,
		Environment: protocol.EnvServer,
	}

	rt := router.New(self, router.Options{DedupWindow: cfg.DedupWindow})

	s := &Server{
		cfg:  cfg,
		self: self,
		rt:   rt,
		reg:  registry.New(rt),
		ws: transport.NewWSServer(rt, transport.WSServerOptions{
			QueueSize:        cfg.QueueSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}),
		paths: paths,
		log:   *logger.GetLogger(),
	}
	return s, nil
}

// Router exposes the server's shard so daemons can register handlers.
func (s *Server) Router() *router.Router { return s.rt }

// Registry exposes the command catalog for daemon registration.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Start binds the listener, registers builtins, snapshots the catalog, and
// writes the ready signal. Returns once the server is accepting traffic.
func (s *Server) Start() error {
	if err := s.paths.Ensure(); err != nil {
		return err
	}

	lock, err := instance.AcquireLock(s.paths)
	if err != nil {
		return err
	}
	s.lock = lock

	s.registerBuiltins()

	if err := s.reg.Snapshot(config.CatalogFileName); err != nil {
		return err
	}

	bridge, err := events.NewBridge(events.Config{
		URL:      s.cfg.NATS.URL,
		User:     s.cfg.NATS.User,
		Password: s.cfg.NATS.Password,
	})
	if err != nil {
		s.lock.Release()
		return fmt.Errorf("events bridge: %w", err)
	}
	s.bridge = bridge
	if err := s.bridge.Start(s.rt); err != nil {
		s.lock.Release()
		return fmt.Errorf("events bridge: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s.ws.Attach(engine, "/ws")
	engine.POST("/api/jtag/message", s.handleHTTPMessage)
	engine.GET("/health", s.handleHealth)

	addr := fmt.Sprintf(":%d", s.cfg.ServerPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.lock.Release()
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{Handler: engine}
	go func() {
		if serr := s.httpSrv.Serve(listener); serr != nil && serr != http.ErrServerClosed {
			s.log.Error().Err(serr).Msg("http server exited")
		}
	}()

	s.startedAt = time.Now()
	if err := s.paths.WriteReady(instance.ReadySignal{
		PID:      os.Getpid(),
		Port:     s.cfg.ServerPort,
		Instance: s.cfg.Instance,
	}); err != nil {
		s.log.Warn().Err(err).Msg("failed to write ready signal")
	}

	s.log.Info().Int("port", s.cfg.ServerPort).Str("instance", s.cfg.Instance).
		Msg("jtag server ready")
	return nil
}

// Shutdown drains the router, closes connections, and removes the ready
// signal and lock.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")

	s.rt.Drain(s.cfg.DrainGrace)
	s.ws.Shutdown()

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	_ = s.paths.RemoveReady()
	if s.lock != nil {
		_ = s.lock.Release()
	}
	return err
}

// handleHTTPMessage is the stateless fallback: one envelope per POST,
// reply envelope in the response body. Events are accepted fire-and-forget.
func (s *Server) handleHTTPMessage(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	msg, derr := protocol.Decode(data)
	if derr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": derr.Error()})
		return
	}

	switch msg.Kind {
	case protocol.KindEvent:
		go func() {
			if _, perr := s.rt.Post(context.Background(), msg); perr != nil {
				s.log.Debug().Err(perr).Str("endpoint", msg.Endpoint).Msg("http event not dispatched")
			}
		}()
		c.JSON(http.StatusOK, gin.H{})

	case protocol.KindRequest:
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()

		resp, perr := s.rt.Post(ctx, msg)
		if perr != nil {
			resp, _ = protocol.NewErrorResponse(msg, s.self, protocol.AsError(perr))
		}
		body, eerr := protocol.Encode(resp)
		if eerr != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": eerr.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", body)

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "responses cannot be posted directly"})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"instance": s.cfg.Instance,
		"peers":    s.ws.PeerCount(),
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
	})
}
