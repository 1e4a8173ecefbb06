// Package router implements the JTAG dispatch core. Each participant runs
// one router shard owning its in-process subscriber table; everything the
// shard cannot satisfy locally is forwarded to a peer over an attached Link.
//
// Dispatch pipeline for an incoming message:
//  1. Dedup — identical content hashes inside the window collapse to one
//     dispatch; duplicate requests share the first response.
//  2. Local terminal — the authoritative handler, at most one per endpoint.
//  3. Observer fan-out — passive listeners, results discarded.
//  4. Remote forward — pick a Link whose peer environment matches the
//     target; requests pick exactly one, events broadcast.
//  5. Backpressure — bounded outbound queues with priority eviction.
//
// Concurrency contract: the router never holds its lock across handler
// invocation or Link.Enqueue. Handlers for the same endpoint may run in
// parallel; handlers must not assume mutual exclusion.
package router

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
)

// CancelEndpoint is the reserved event endpoint carrying best-effort
// cancellation of an in-flight request: payload {"correlationId": "..."}.
const CancelEndpoint = "system/cancel"

// HandlerFunc is an endpoint handler. The returned value is marshaled into
// the response payload; a returned error becomes an error response.
type HandlerFunc func(ctx context.Context, msg *protocol.Envelope) (any, error)

// SubscriberKind distinguishes the authoritative handler from passive
// listeners.
type SubscriberKind int

const (
	// Terminal consumes the message and produces the response. At most one
	// per endpoint per shard.
	Terminal SubscriberKind = iota

	// Observer sees the message, never answers it. Many per endpoint.
	Observer
)

// State is the router lifecycle.
type State int32

const (
	Running State = iota
	Draining
	Stopped
)

// Link is the router's handle on a live Connection. Transports own the
// Connection; the router references it by identifier only.
type Link interface {
	ID() string
	Peer() protocol.Context
	QueueDepth() int
	LastUsed() time.Time
	Enqueue(msg *protocol.Envelope) error
}

// Subscription is the handle returned by Register.
type Subscription struct {
	id       uint64
	endpoint string
	kind     SubscriberKind
	owner    protocol.Context
	fn       HandlerFunc
	r        *Router
}

// Endpoint returns the endpoint this subscription is bound to.
func (s *Subscription) Endpoint() string { return s.endpoint }

// Unregister removes the subscription. Idempotent.
func (s *Subscription) Unregister() {
	if s == nil || s.r == nil {
		return
	}
	s.r.unregister(s)
}

// EndpointInfo is one row of Enumerate.
type EndpointInfo struct {
	Endpoint    string `json:"endpoint"`
	HasTerminal bool   `json:"hasTerminal"`
	Observers   int    `json:"observers"`
}

// Options configures a router shard.
type Options struct {
	// DedupWindow bounds at-most-once delivery. Zero means the 2 s default.
	DedupWindow time.Duration
}

type replyResult struct {
	resp *protocol.Envelope
	err  *protocol.Error
}

// relayExpiry bounds how long a relayed request may stay pending. The
// originating caller enforces its own deadline; this only prevents orphan
// relay records when a peer never answers.
const relayExpiry = 10 * time.Minute

// waiter tracks a request forwarded to a remote peer. Exactly one of the
// reply channel or the relay link receives the response.
type waiter struct {
	reqID   string
	hash    string
	ch      chan replyResult
	linkID  string // link the request went out on
	relayTo Link   // non-nil when relaying for a remote caller
}

// Router is one dispatch shard. Safe for concurrent use.
type Router struct {
	self protocol.Context
	log  zerolog.Logger

	state atomic.Int32

	mu        sync.RWMutex
	nextSubID uint64
	terminals map[string]*Subscription
	observers map[string]map[uint64]*Subscription
	links     map[string]Link
	pending   map[string]*waiter            // request messageId -> waiter
	byLink    map[string]map[string]bool    // linkID -> pending messageIds
	cancels   map[string]context.CancelFunc // in-flight handler aborts
	taps      []func(*protocol.Envelope)

	dedup *dedupSet

	inflight sync.WaitGroup
}

// New creates a running router shard for the given identity.
func New(self protocol.Context, opts Options) *Router {
	window := opts.DedupWindow
	if window <= 0 {
		window = 2 * time.Second
	}
	r := &Router{
		self:      self,
		log:       logger.Router().With().Str("uniqueId", self.UniqueID).Logger(),
		terminals: make(map[string]*Subscription),
		observers: make(map[string]map[uint64]*Subscription),
		links:     make(map[string]Link),
		pending:   make(map[string]*waiter),
		byLink:    make(map[string]map[string]bool),
		cancels:   make(map[string]context.CancelFunc),
		dedup:     newDedupSet(window),
	}
	r.state.Store(int32(Running))
	return r
}

// Self returns the shard's own context.
func (r *Router) Self() protocol.Context { return r.self }

// State returns the current lifecycle state.
func (r *Router) State() State { return State(r.state.Load()) }

// Register binds a handler to an endpoint. Terminal registrations fail
// with EndpointTaken when the endpoint already has one on this shard.
func (r *Router) Register(endpoint string, owner protocol.Context, fn HandlerFunc, kind SubscriberKind) (*Subscription, error) {
	if endpoint == "" || fn == nil {
		return nil, protocol.InvalidMessage("registration requires endpoint and handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == Terminal {
		if _, taken := r.terminals[endpoint]; taken {
			return nil, protocol.EndpointTaken(endpoint)
		}
	}

	r.nextSubID++
	sub := &Subscription{
		id:       r.nextSubID,
		endpoint: endpoint,
		kind:     kind,
		owner:    owner,
		fn:       fn,
		r:        r,
	}
	switch kind {
	case Terminal:
		r.terminals[endpoint] = sub
	default:
		if r.observers[endpoint] == nil {
			r.observers[endpoint] = make(map[uint64]*Subscription)
		}
		r.observers[endpoint][sub.id] = sub
	}
	r.log.Debug().Str("endpoint", endpoint).Int("kind", int(kind)).Msg("subscriber registered")
	return sub, nil
}

func (r *Router) unregister(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch sub.kind {
	case Terminal:
		if cur, ok := r.terminals[sub.endpoint]; ok && cur.id == sub.id {
			delete(r.terminals, sub.endpoint)
		}
	default:
		if set, ok := r.observers[sub.endpoint]; ok {
			delete(set, sub.id)
			if len(set) == 0 {
				delete(r.observers, sub.endpoint)
			}
		}
	}
}

// Enumerate lists known endpoints with their subscriber counts.
func (r *Router) Enumerate() []EndpointInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]*EndpointInfo)
	for ep := range r.terminals {
		seen[ep] = &EndpointInfo{Endpoint: ep, HasTerminal: true}
	}
	for ep, set := range r.observers {
		info, ok := seen[ep]
		if !ok {
			info = &EndpointInfo{Endpoint: ep}
			seen[ep] = info
		}
		info.Observers = len(set)
	}
	out := make([]EndpointInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, *info)
	}
	return out
}

// Tap registers a callback invoked for every event the shard dispatches.
// Used by the events bridge; taps must not block.
func (r *Router) Tap(fn func(*protocol.Envelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = append(r.taps, fn)
}

// AttachLink makes a Connection available for remote forwarding.
func (r *Router) AttachLink(l Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l.ID()] = l
	r.log.Info().Str("link", l.ID()).Str("peer", l.Peer().UniqueID).
		Str("environment", string(l.Peer().Environment)).Msg("link attached")
}

// DetachLink removes a Connection and fails every request still awaiting a
// response from that peer with PeerDisconnected.
func (r *Router) DetachLink(id string) {
	r.mu.Lock()
	var orphans []*waiter
	var relays []*waiter
	if ids, ok := r.byLink[id]; ok {
		for msgID := range ids {
			if w, ok := r.pending[msgID]; ok {
				delete(r.pending, msgID)
				if w.relayTo != nil {
					relays = append(relays, w)
				} else {
					orphans = append(orphans, w)
				}
			}
		}
		delete(r.byLink, id)
	}
	delete(r.links, id)
	r.mu.Unlock()

	ferr := protocol.PeerDisconnected("peer connection lost before response")
	for _, w := range orphans {
		w.ch <- replyResult{err: ferr}
	}
	for _, w := range relays {
		// Relay callers learn of the loss through an error response; the
		// dedup entry is dropped so a retry dispatches fresh.
		r.dedup.forget(w.hash)
		r.sendRelayError(w, ferr)
	}
	if len(orphans)+len(relays) > 0 {
		r.log.Warn().Str("link", id).Int("failed", len(orphans)+len(relays)).
			Msg("link detached with pending correlations")
	}
}

// Post dispatches a locally-originated message. For requests it blocks
// until the correlated response arrives, the context expires, or dispatch
// fails; for events it returns once the message is enqueued everywhere it
// needs to go.
func (r *Router) Post(ctx context.Context, msg *protocol.Envelope) (*protocol.Envelope, error) {
	if err := protocol.Validate(msg); err != nil {
		return nil, err
	}
	if r.State() != Running {
		return nil, protocol.ClientShutdown("router is not accepting messages")
	}
	r.inflight.Add(1)
	defer r.inflight.Done()

	switch msg.Kind {
	case protocol.KindEvent:
		return nil, r.dispatchEvent(ctx, msg, nil)
	case protocol.KindRequest:
		return r.dispatchRequest(ctx, msg, nil)
	default:
		return nil, protocol.InvalidMessage("post accepts requests and events only")
	}
}

// HandleInbound dispatches a message that arrived over a Connection. The
// transport calls this after the connection's handshake was observed.
func (r *Router) HandleInbound(msg *protocol.Envelope, from Link) {
	if err := protocol.Validate(msg); err != nil {
		r.log.Warn().Err(err).Msg("dropping invalid inbound frame")
		return
	}

	switch msg.Kind {
	case protocol.KindResponse:
		r.resolvePending(msg)

	case protocol.KindEvent:
		if msg.Endpoint == CancelEndpoint {
			r.handleCancel(msg)
			return
		}
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			_ = r.dispatchEvent(context.Background(), msg, from)
		}()

	case protocol.KindRequest:
		if r.State() != Running {
			r.respondError(from, msg, protocol.ClientShutdown("peer is draining"))
			return
		}
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			resp, err := r.dispatchRequest(context.Background(), msg, from)
			if err != nil {
				r.respondError(from, msg, protocol.AsError(err))
				return
			}
			if resp != nil {
				if qerr := from.Enqueue(resp); qerr != nil {
					r.log.Warn().Err(qerr).Str("correlationId", msg.MessageID).
						Msg("failed to return response to peer")
				}
			}
		}()
	}
}

// dispatchRequest runs the full pipeline for one request. When from is
// non-nil the request arrived over that link and the response (returned to
// the caller) travels back over it; remote forwards then relay.
func (r *Router) dispatchRequest(ctx context.Context, msg *protocol.Envelope, from Link) (*protocol.Envelope, error) {
	// Dedup: duplicates inside the window share the first response.
	entry, dup := r.dedup.observe(msg.Hash)
	if dup {
		return r.awaitDuplicate(ctx, entry)
	}

	r.mu.RLock()
	term := r.terminals[msg.Endpoint]
	r.mu.RUnlock()

	// Observer fan-out is independent of terminal dispatch.
	r.fanOutObservers(msg)

	if term != nil {
		resp := r.invokeTerminal(ctx, term, msg)
		r.dedup.settle(msg.Hash, resp)
		return resp, nil
	}

	// No local terminal: forward to a matching peer.
	link := r.pickLink(msg.Target, from)
	if link == nil {
		err := protocol.NoHandler(msg.Endpoint)
		r.dedup.forget(msg.Hash)
		return nil, err
	}

	if from != nil {
		// Relay on behalf of a remote caller: the response is pushed back
		// over the originating link asynchronously.
		w := &waiter{reqID: msg.MessageID, hash: msg.Hash, linkID: link.ID(), relayTo: from}
		r.addWaiter(msg.MessageID, w)
		if err := link.Enqueue(msg); err != nil {
			r.removeWaiter(msg.MessageID)
			r.dedup.forget(msg.Hash)
			return nil, protocol.AsError(err)
		}
		time.AfterFunc(relayExpiry, func() {
			if stale := r.removeWaiter(msg.MessageID); stale != nil {
				r.dedup.forget(stale.hash)
				r.sendRelayError(stale, protocol.Timeout("peer did not answer relayed request"))
			}
		})
		return nil, nil
	}

	w := &waiter{reqID: msg.MessageID, hash: msg.Hash, ch: make(chan replyResult, 1), linkID: link.ID()}
	r.addWaiter(msg.MessageID, w)
	if err := link.Enqueue(msg); err != nil {
		r.removeWaiter(msg.MessageID)
		r.dedup.forget(msg.Hash)
		return nil, protocol.AsError(err)
	}

	select {
	case res := <-w.ch:
		if res.err != nil {
			r.dedup.forget(msg.Hash)
			return nil, res.err
		}
		r.dedup.settle(msg.Hash, res.resp)
		return res.resp, nil
	case <-ctx.Done():
		r.removeWaiter(msg.MessageID)
		r.dedup.forget(msg.Hash)
		if ctx.Err() == context.Canceled {
			return nil, protocol.Cancelled("request cancelled by caller")
		}
		return nil, protocol.Timeout("no response before deadline")
	}
}

// awaitDuplicate waits for the original dispatch of a duplicated request to
// settle, then returns its response.
func (r *Router) awaitDuplicate(ctx context.Context, entry *dedupEntry) (*protocol.Envelope, error) {
	select {
	case <-entry.done:
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return nil, protocol.Cancelled("request cancelled by caller")
		}
		return nil, protocol.Timeout("duplicate request: original did not settle in time")
	}
	if entry.resp == nil {
		return nil, protocol.Timeout("duplicate request: original dispatch failed")
	}
	return entry.resp, nil
}

// dispatchEvent runs the pipeline for one event. Duplicates are dropped.
func (r *Router) dispatchEvent(ctx context.Context, msg *protocol.Envelope, from Link) error {
	if _, dup := r.dedup.observe(msg.Hash); dup {
		r.log.Debug().Str("endpoint", msg.Endpoint).Msg("duplicate event dropped")
		return nil
	}
	r.dedup.settle(msg.Hash, nil)

	r.mu.RLock()
	term := r.terminals[msg.Endpoint]
	taps := make([]func(*protocol.Envelope), len(r.taps))
	copy(taps, r.taps)
	r.mu.RUnlock()

	for _, tap := range taps {
		tap(msg)
	}

	r.fanOutObservers(msg)

	if term != nil {
		// Terminal event subscribers consume the message; result discarded.
		r.invokeTerminal(ctx, term, msg)
		return nil
	}

	// Fan out to matching peers. Events broadcast, unlike requests.
	var firstErr error
	for _, link := range r.matchLinks(msg.Target, from) {
		if err := link.Enqueue(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// invokeTerminal runs a terminal handler and wraps its result into a
// response envelope (nil for events). The handler context is registered so
// a cancel envelope can abort it. The router lock is not held here.
func (r *Router) invokeTerminal(ctx context.Context, sub *Subscription, msg *protocol.Envelope) *protocol.Envelope {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if msg.IsRequest() {
		r.mu.Lock()
		r.cancels[msg.MessageID] = cancel
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.cancels, msg.MessageID)
			r.mu.Unlock()
		}()
	}

	result, err := sub.fn(hctx, msg)

	if !msg.IsRequest() {
		if err != nil {
			r.log.Warn().Err(err).Str("endpoint", msg.Endpoint).Msg("event handler failed")
		}
		return nil
	}

	var resp *protocol.Envelope
	var buildErr error
	if err != nil {
		if hctx.Err() == context.Canceled && protocol.AsError(err).Code == protocol.CodeRemoteError {
			err = protocol.Cancelled("handler aborted")
		}
		resp, buildErr = protocol.NewErrorResponse(msg, r.self, protocol.AsError(err))
	} else {
		resp, buildErr = protocol.NewResponse(msg, r.self, result)
	}
	if buildErr != nil {
		resp, _ = protocol.NewErrorResponse(msg, r.self, protocol.AsError(buildErr))
	}
	return resp
}

// fanOutObservers invokes every observer for the endpoint; results are
// discarded and failures logged.
func (r *Router) fanOutObservers(msg *protocol.Envelope) {
	r.mu.RLock()
	set := r.observers[msg.Endpoint]
	subs := make([]*Subscription, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		sub := sub
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			if _, err := sub.fn(context.Background(), msg); err != nil {
				r.log.Debug().Err(err).Str("endpoint", msg.Endpoint).Msg("observer failed")
			}
		}()
	}
}

// pickLink selects one Connection for a request: environment match first,
// then smallest outbound-queue depth, then least-recently-used.
func (r *Router) pickLink(target protocol.Target, exclude Link) Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Link
	for _, l := range r.links {
		if exclude != nil && l.ID() == exclude.ID() {
			continue
		}
		if !targetMatches(target, l.Peer().Environment) {
			continue
		}
		if best == nil {
			best = l
			continue
		}
		if l.QueueDepth() < best.QueueDepth() {
			best = l
		} else if l.QueueDepth() == best.QueueDepth() && l.LastUsed().Before(best.LastUsed()) {
			best = l
		}
	}
	return best
}

// matchLinks returns every Connection matching the target environment,
// excluding the link the message arrived on.
func (r *Router) matchLinks(target protocol.Target, exclude Link) []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Link, 0, len(r.links))
	for _, l := range r.links {
		if exclude != nil && l.ID() == exclude.ID() {
			continue
		}
		if targetMatches(target, l.Peer().Environment) {
			out = append(out, l)
		}
	}
	return out
}

func targetMatches(target protocol.Target, env protocol.Environment) bool {
	switch target {
	case protocol.TargetAny, "":
		return true
	case protocol.TargetServer:
		return env == protocol.EnvServer
	case protocol.TargetBrowser:
		return env == protocol.EnvBrowser
	default:
		return false
	}
}

func (r *Router) addWaiter(msgID string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[msgID] = w
	if r.byLink[w.linkID] == nil {
		r.byLink[w.linkID] = make(map[string]bool)
	}
	r.byLink[w.linkID][msgID] = true
}

func (r *Router) removeWaiter(msgID string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.pending[msgID]
	if !ok {
		return nil
	}
	delete(r.pending, msgID)
	if set, ok := r.byLink[w.linkID]; ok {
		delete(set, msgID)
		if len(set) == 0 {
			delete(r.byLink, w.linkID)
		}
	}
	return w
}

// resolvePending delivers an inbound response to whoever forwarded the
// request: a blocked Post caller or a relay back to the originating link.
func (r *Router) resolvePending(resp *protocol.Envelope) {
	w := r.removeWaiter(resp.CorrelationID)
	if w == nil {
		r.log.Debug().Str("correlationId", resp.CorrelationID).Msg("response without pending correlation")
		return
	}
	if w.relayTo != nil {
		// Settle the dedup entry so duplicates (e.g. a resend after the
		// originating link reconnected) pick up this response.
		r.dedup.settle(w.hash, resp)
		if err := w.relayTo.Enqueue(resp); err != nil {
			r.log.Warn().Err(err).Str("correlationId", resp.CorrelationID).Msg("relay response failed")
		}
		return
	}
	w.ch <- replyResult{resp: resp}
}

// sendRelayError synthesizes an error response for a relayed request whose
// upstream link died, and pushes it back to the originating caller.
func (r *Router) sendRelayError(w *waiter, ferr *protocol.Error) {
	if w.relayTo == nil || w.reqID == "" {
		return
	}
	payload, err := json.Marshal(map[string]*protocol.Error{"error": ferr})
	if err != nil {
		return
	}
	resp := &protocol.Envelope{
		MessageID:     uuid.NewString(),
		Kind:          protocol.KindResponse,
		CorrelationID: w.reqID,
		Origin:        r.self,
		Priority:      protocol.PriorityHigh,
		CreatedAt:     time.Now().UnixMilli(),
		Payload:       payload,
	}
	if qerr := w.relayTo.Enqueue(resp); qerr != nil {
		r.log.Warn().Err(qerr).Str("correlationId", w.reqID).Msg("failed to relay disconnect error")
	}
}

// respondError sends an error response for msg back over the given link.
func (r *Router) respondError(l Link, msg *protocol.Envelope, ferr *protocol.Error) {
	resp, err := protocol.NewErrorResponse(msg, r.self, ferr)
	if err != nil {
		return
	}
	if qerr := l.Enqueue(resp); qerr != nil {
		r.log.Warn().Err(qerr).Str("correlationId", msg.MessageID).Msg("failed to send error response")
	}
}

// handleCancel aborts the in-flight handler named by a cancel envelope.
// Best-effort: unknown or completed correlations are ignored.
func (r *Router) handleCancel(msg *protocol.Envelope) {
	var body struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil || body.CorrelationID == "" {
		return
	}
	r.mu.Lock()
	cancel := r.cancels[body.CorrelationID]
	r.mu.Unlock()
	if cancel != nil {
		r.log.Debug().Str("correlationId", body.CorrelationID).Msg("cancelling in-flight handler")
		cancel()
	}
}

// Drain stops accepting new posts, waits for in-flight work to complete up
// to the grace period, then stops the shard.
func (r *Router) Drain(grace time.Duration) {
	if !r.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return
	}
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		r.log.Warn().Dur("grace", grace).Msg("drain grace elapsed with work in flight")
	}
	r.state.Store(int32(Stopped))
	r.dedup.close()
}
