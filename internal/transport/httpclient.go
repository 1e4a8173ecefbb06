package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/protocol"
)

// HTTPOptions configures the stateless HTTP transport.
type HTTPOptions struct {
	// URL is the fabric's message endpoint,
	// e.g. http://localhost:9002/api/jtag/message.
	URL string

	// Timeout bounds one POST round trip. Zero means 30 s.
	Timeout time.Duration
}

// HTTPTransport POSTs one envelope per request and receives the reply
// envelope synchronously. Degraded fallback only: the server cannot push
// events to an HTTP client, and long-running requests are bounded by the
// POST timeout. Events from the client are fire-and-forget.
type HTTPTransport struct {
	opts   HTTPOptions
	client *http.Client
	log    zerolog.Logger

	mu        sync.RWMutex
	onMessage func(*protocol.Envelope)
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds the fallback transport.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		log:    logger.Transport().With().Str("url", opts.URL).Str("mode", "http").Logger(),
	}
}

// OnMessage implements Transport.
func (t *HTTPTransport) OnMessage(fn func(*protocol.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// Send implements Transport. Requests deliver their reply envelope through
// the OnMessage handler, so correlation resolves through the same path as
// the WebSocket transport.
func (t *HTTPTransport) Send(msg *protocol.Envelope) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	if msg.IsEvent() {
		// Fire and forget.
		go func() {
			if _, perr := t.post(data); perr != nil {
				t.log.Debug().Err(perr).Str("endpoint", msg.Endpoint).Msg("event post failed")
			}
		}()
		return nil
	}

	go func() {
		body, perr := t.post(data)
		if perr != nil {
			t.log.Warn().Err(perr).Str("messageId", msg.MessageID).Msg("request post failed")
			return
		}
		reply, derr := protocol.Decode(body)
		if derr != nil {
			t.log.Warn().Err(derr).Msg("malformed reply envelope")
			return
		}
		t.mu.RLock()
		fn := t.onMessage
		t.mu.RUnlock()
		if fn != nil {
			fn(reply)
		}
	}()
	return nil
}

func (t *HTTPTransport) post(data []byte) ([]byte, error) {
	resp, err := t.client.Post(t.opts.URL, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("message endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// IsConnected implements Transport. Stateless: reachable is assumed.
func (t *HTTPTransport) IsConnected() bool { return true }

// Disconnect implements Transport. No-op.
func (t *HTTPTransport) Disconnect() error { return nil }

// Reconnect implements Transport. No-op.
func (t *HTTPTransport) Reconnect() error { return nil }

// contextWithTimeout is a small alias kept so pump code reads uniformly.
func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
