package events

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/protocol"
	"github.com/jtag-dev/jtag/internal/router"
)

// Config holds the bridge connection settings. An empty URL disables the
// bridge entirely.
type Config struct {
	URL      string
	User     string
	Password string
}

// Bridge connects the fabric's event stream to NATS. Disabled bridges are
// inert: every method is a safe no-op.
type Bridge struct {
	conn    *nats.Conn
	enabled bool
	log     zerolog.Logger
	sub     *nats.Subscription
}

// NewBridge connects to NATS, or returns a disabled bridge when no URL is
// configured. Connection failure is an error: a configured bridge that
// cannot connect is a deployment problem, not a silent degradation.
func NewBridge(cfg Config) (*Bridge, error) {
	log := *logger.Events()
	if cfg.URL == "" {
		log.Info().Msg("NATS URL not configured, events bridge disabled")
		return &Bridge{enabled: false, log: log}, nil
	}

	opts := []nats.Option{
		nats.Name("jtag-events-bridge"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}

	log.Info().Str("url", cfg.URL).Msg("events bridge connected")
	return &Bridge{conn: conn, enabled: true, log: log}, nil
}

// Enabled reports whether the bridge has a live NATS connection.
func (b *Bridge) Enabled() bool { return b.enabled }

// Start wires the bridge to a router shard: every fabric event republishes
// to its NATS subject, and envelopes on the inject subject post into the
// router tagged as remote.
func (b *Bridge) Start(rt *router.Router) error {
	if !b.enabled {
		return nil
	}

	rt.Tap(func(msg *protocol.Envelope) {
		data, err := protocol.Encode(msg)
		if err != nil {
			return
		}
		if perr := b.conn.Publish(SubjectFor(msg.Endpoint), data); perr != nil {
			b.log.Debug().Err(perr).Str("endpoint", msg.Endpoint).Msg("republish failed")
		}
	})

	sub, err := b.conn.Subscribe(InjectSubject, func(m *nats.Msg) {
		env, derr := protocol.Decode(m.Data)
		if derr != nil {
			b.log.Warn().Err(derr).Msg("dropping malformed injected envelope")
			return
		}
		if !env.IsEvent() {
			b.log.Warn().Str("kind", string(env.Kind)).Msg("inject accepts events only")
			return
		}
		env.Origin.Environment = protocol.EnvRemote
		if _, perr := rt.Post(context.Background(), env); perr != nil {
			b.log.Debug().Err(perr).Str("endpoint", env.Endpoint).Msg("injected event not dispatched")
		}
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and drops the connection.
func (b *Bridge) Close() {
	if !b.enabled {
		return
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.conn.Close()
}
