// Package client is the JTAG façade: a typed, awaitable surface over the
// router for CLI processes, the MCP bridge, and any other spoke.
//
// Each client owns a local router shard for the handlers it hosts and a
// transport toward the hub for everything else. Requests create exactly one
// Correlation Record; exactly one of resolve, reject, timeout, or cancel
// fires for each record. Results are unwrapped: callers see the response
// payload, never the envelope.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/protocol"
	"github.com/jtag-dev/jtag/internal/router"
	"github.com/jtag-dev/jtag/internal/transport"
)

// Correlation deadlines.
const (
	// DefaultRequestTimeout applies when the caller's context has no
	// deadline.
	DefaultRequestTimeout = 30 * time.Second

	// MaxRequestTimeout caps per-call overrides.
	MaxRequestTimeout = 10 * time.Minute

	// DefaultDrainGrace bounds Disconnect's wait for in-flight requests.
	DefaultDrainGrace = 2 * time.Second
)

// TransportType selects the wire protocol.
type TransportType string

const (
	TransportWebSocket TransportType = "websocket"
	TransportHTTP      TransportType = "http"
)

// Options configures Connect.
type Options struct {
	// ServerURL is the hub WebSocket URL (ws://host:port/ws).
	ServerURL string

	// TransportType defaults to websocket.
	TransportType TransportType

	// TargetEnvironment is the default request target. Defaults to server.
	TargetEnvironment protocol.Target

	// SessionID is allocated when absent; stable for the process lifetime.
	SessionID string

	// UniqueID persists across restarts (the caller loads/stores it).
	UniqueID string

	// Environment tags this participant. Defaults to remote.
	Environment protocol.Environment

	// EnableFallback degrades to HTTP when the WebSocket is unavailable.
	EnableFallback bool

	// HTTPFallbackURL is the message endpoint used by the HTTP transport.
	HTTPFallbackURL string

	// RequestTimeout overrides the default correlation deadline.
	RequestTimeout time.Duration

	// DrainGrace overrides the Disconnect drain bound.
	DrainGrace time.Duration

	// QueueSize caps the transport outbound queue.
	QueueSize int
}

type outcome struct {
	payload json.RawMessage
	err     *protocol.Error
}

// correlation is one in-flight request's bookkeeping: the original
// envelope (kept for resend after reconnect), the resolver channel, and
// the deadline.
type correlation struct {
	req      *protocol.Envelope
	ch       chan outcome
	deadline time.Time
	once     sync.Once
}

// settle fires the record's single terminal event.
func (c *correlation) settle(out outcome) {
	c.once.Do(func() { c.ch <- out })
}

// Client is a connected façade. Safe for concurrent use.
type Client struct {
	opts Options
	self protocol.Context
	tr   transport.Transport
	rt   *router.Router
	log  zerolog.Logger

	mu           sync.Mutex
	correlations map[string]*correlation

	upstream *upstreamLink

	closed atomic.Bool
}

// Connect opens a transport, performs the handshake, and returns a ready
// client.
func Connect(opts Options) (*Client, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.UniqueID == "" {
		opts.UniqueID = uuid.NewString()
	}
	if opts.Environment == "" {
		opts.Environment = protocol.EnvRemote
	}
	if opts.TargetEnvironment == "" {
		opts.TargetEnvironment = protocol.TargetServer
	}
	if opts.TransportType == "" {
		opts.TransportType = TransportWebSocket
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}

	self := protocol.Context{
		UniqueID:    opts.UniqueID,
		Environment: opts.Environment,
		SessionID:   opts.SessionID,
	}

	c := &Client{
		opts:         opts,
		self:         self,
		rt:           router.New(self, router.Options{}),
		log:          logger.Client().With().Str("uniqueId", opts.UniqueID).Logger(),
		correlations: make(map[string]*correlation),
	}

	switch opts.TransportType {
	case TransportHTTP:
		c.tr = transport.NewHTTPTransport(transport.HTTPOptions{URL: opts.HTTPFallbackURL})
	default:
		ws := transport.NewWSClient(transport.WSClientOptions{
			URL:            opts.ServerURL,
			SessionID:      opts.SessionID,
			UniqueID:       opts.UniqueID,
			Environment:    opts.Environment,
			QueueSize:      opts.QueueSize,
			EnableFallback: opts.EnableFallback,
			FallbackURL:    opts.HTTPFallbackURL,
		})
		ws.OnReconnect(c.resendLive)
		c.tr = ws
	}

	c.upstream = &upstreamLink{c: c}
	c.rt.AttachLink(c.upstream)
	c.tr.OnMessage(c.handleInbound)

	type connector interface{ Connect() error }
	if conn, ok := c.tr.(connector); ok {
		if err := conn.Connect(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Self returns this client's context.
func (c *Client) Self() protocol.Context { return c.self }

// Router exposes the local shard, mainly for hosting handlers.
func (c *Client) Router() *router.Router { return c.rt }

// IsConnected reports transport liveness.
func (c *Client) IsConnected() bool { return c.tr.IsConnected() }

// Invoke sends a request and blocks until the unwrapped response payload
// arrives or the correlation terminates. The context deadline overrides the
// default 30 s timeout, capped at 10 minutes.
func (c *Client) Invoke(ctx context.Context, endpoint string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, protocol.ClientShutdown("client is disconnected")
	}

	req, err := protocol.NewRequest(endpoint, c.self, c.opts.TargetEnvironment, params)
	if err != nil {
		return nil, err
	}

	timeout := c.opts.RequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout > MaxRequestTimeout {
		timeout = MaxRequestTimeout
	}
	deadline := time.Now().Add(timeout)

	corr := &correlation{
		req:      req,
		ch:       make(chan outcome, 1),
		deadline: deadline,
	}
	c.mu.Lock()
	c.correlations[req.MessageID] = corr
	c.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		c.remove(req.MessageID)
		corr.settle(outcome{err: protocol.Timeout("request deadline exceeded")})
	})
	defer timer.Stop()

	if err := c.tr.Send(req); err != nil {
		c.remove(req.MessageID)
		corr.settle(outcome{err: protocol.AsError(err)})
	}

	select {
	case out := <-corr.ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.payload, nil
	case <-ctx.Done():
		c.remove(req.MessageID)
		c.sendCancel(req.MessageID)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, protocol.Timeout("request deadline exceeded")
		}
		return nil, protocol.Cancelled("request cancelled by caller")
	}
}

// Call invokes an endpoint and unmarshals the result payload into T.
func Call[T any](ctx context.Context, c *Client, endpoint string, params any) (T, error) {
	var zero T
	payload, err := c.Invoke(ctx, endpoint, params)
	if err != nil {
		return zero, err
	}
	if len(payload) == 0 {
		return zero, nil
	}
	var out T
	if uerr := json.Unmarshal(payload, &out); uerr != nil {
		return zero, protocol.InvalidResponse("result does not match expected shape: " + uerr.Error())
	}
	return out, nil
}

// Publish posts an event toward the hub; delivery is fire-and-forget.
func (c *Client) Publish(endpoint string, payload any) error {
	if c.closed.Load() {
		return protocol.ClientShutdown("client is disconnected")
	}
	ev, err := protocol.NewEvent(endpoint, c.self, protocol.TargetAny, payload)
	if err != nil {
		return err
	}
	return c.tr.Send(ev)
}

// Subscribe registers an observer for incoming events on the endpoint.
// Exact match only; no wildcards. Unsupported over the HTTP transport:
// the server has no channel to push events to a stateless client.
func (c *Client) Subscribe(endpoint string, fn func(msg *protocol.Envelope)) (*router.Subscription, error) {
	if c.opts.TransportType == TransportHTTP {
		return nil, protocol.InvalidMessage("events are unavailable over the HTTP transport")
	}
	return c.rt.Register(endpoint, c.self, func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		fn(msg)
		return nil, nil
	}, router.Observer)
}

// RegisterCommand hosts a terminal handler on this client. Requests routed
// here by the hub are answered over the same connection.
func (c *Client) RegisterCommand(endpoint string, fn router.HandlerFunc) (*router.Subscription, error) {
	return c.rt.Register(endpoint, c.self, fn, router.Terminal)
}

// Disconnect drains outstanding requests up to the grace period, fails the
// rest with ClientShutdown, and closes the transport.
func (c *Client) Disconnect() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Drain: wait for the correlation map to empty or the grace to elapse.
	deadline := time.Now().Add(c.opts.DrainGrace)
	for {
		c.mu.Lock()
		n := len(c.correlations)
		c.mu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	c.mu.Lock()
	remaining := make([]*correlation, 0, len(c.correlations))
	for _, corr := range c.correlations {
		remaining = append(remaining, corr)
	}
	c.correlations = make(map[string]*correlation)
	c.mu.Unlock()

	for _, corr := range remaining {
		corr.settle(outcome{err: protocol.ClientShutdown("client disconnected with request in flight")})
	}

	c.rt.Drain(c.opts.DrainGrace)
	return c.tr.Disconnect()
}

// handleInbound is the transport's delivery callback.
func (c *Client) handleInbound(msg *protocol.Envelope) {
	if msg.IsResponse() {
		if corr := c.remove(msg.CorrelationID); corr != nil {
			if ferr := protocol.ResponseError(msg.Payload); ferr != nil {
				corr.settle(outcome{err: ferr})
			} else {
				corr.settle(outcome{payload: protocol.UnwrapResult(msg.Payload)})
			}
			return
		}
		// Not ours: a response for a handler this client proxied.
		c.rt.HandleInbound(msg, c.upstream)
		return
	}
	c.rt.HandleInbound(msg, c.upstream)
}

// resendLive retransmits requests whose correlation is still open after a
// reconnect, with their original messageId. Server-side dedup keeps the
// handler from running twice inside the window; expired records fail by
// their own timers.
func (c *Client) resendLive() {
	c.mu.Lock()
	live := make([]*correlation, 0, len(c.correlations))
	now := time.Now()
	for _, corr := range c.correlations {
		if corr.deadline.After(now) {
			live = append(live, corr)
		}
	}
	c.mu.Unlock()

	for _, corr := range live {
		if err := c.tr.Send(corr.req); err != nil {
			c.log.Warn().Err(err).Str("messageId", corr.req.MessageID).Msg("resend after reconnect failed")
		}
	}
	if len(live) > 0 {
		c.log.Info().Int("resent", len(live)).Msg("replayed live requests after reconnect")
	}
}

// sendCancel emits a best-effort cancel envelope for an abandoned request.
func (c *Client) sendCancel(correlationID string) {
	ev, err := protocol.NewEvent(router.CancelEndpoint, c.self, c.opts.TargetEnvironment,
		map[string]string{"correlationId": correlationID})
	if err != nil {
		return
	}
	ev.Priority = protocol.PriorityHigh
	if serr := c.tr.Send(ev); serr != nil {
		c.log.Debug().Err(serr).Msg("cancel envelope not delivered")
	}
}

func (c *Client) remove(messageID string) *correlation {
	c.mu.Lock()
	defer c.mu.Unlock()
	corr, ok := c.correlations[messageID]
	if !ok {
		return nil
	}
	delete(c.correlations, messageID)
	return corr
}

// PendingCount reports open correlations. Test hook and system/info datum.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.correlations)
}

// upstreamLink adapts the transport into the local shard's Link so hosted
// handlers answer over the wire and hub events reach local observers.
type upstreamLink struct {
	c *Client
}

func (u *upstreamLink) ID() string { return "upstream" }

func (u *upstreamLink) Peer() protocol.Context {
	return protocol.Context{UniqueID: "hub", Environment: protocol.EnvServer}
}

func (u *upstreamLink) QueueDepth() int     { return 0 }
func (u *upstreamLink) LastUsed() time.Time { return time.Time{} }

func (u *upstreamLink) Enqueue(msg *protocol.Envelope) error {
	return u.c.tr.Send(msg)
}
