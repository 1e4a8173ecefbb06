package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtag-dev/jtag/internal/protocol"
	"github.com/jtag-dev/jtag/internal/router"
	"github.com/jtag-dev/jtag/internal/transport"
)

var hubCtx = protocol.Context{UniqueID: "hub-1", Environment: protocol.EnvServer}

type hub struct {
	rt  *router.Router
	ws  *transport.WSServer
	url string
}

func startHub(t *testing.T) (*hub, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rt := router.New(hubCtx, router.Options{})
	ws := transport.NewWSServer(rt, transport.WSServerOptions{QueueSize: 32})
	engine := gin.New()
	ws.Attach(engine, "/ws")
	srv := httptest.NewServer(engine)

	h := &hub{rt: rt, ws: ws, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
	cleanup := func() {
		ws.Shutdown()
		srv.Close()
		rt.Drain(10 * time.Millisecond)
	}
	return h, cleanup
}

func connect(t *testing.T, h *hub) *Client {
	t.Helper()
	c, err := Connect(Options{ServerURL: h.url, QueueSize: 32})
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestInvokeHappyPath(t *testing.T) {
	h, cleanup := startHub(t)
	defer cleanup()

	_, err := h.rt.Register("data/list", hubCtx, func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		return map[string]any{"endpoints": []string{"ping", "list"}}, nil
	}, router.Terminal)
	require.NoError(t, err)

	c := connect(t, h)

	payload, err := c.Invoke(context.Background(), "data/list", map[string]any{})
	require.NoError(t, err)

	// The caller sees the bare result: no envelope fields leak through.
	assert.JSONEq(t, `{"endpoints":["ping","list"]}`, string(payload))
	assert.Equal(t, 0, c.PendingCount())
}

func TestCallUnmarshalsTypedResult(t *testing.T) {
	h, cleanup := startHub(t)
	defer cleanup()

	_, err := h.rt.Register("data/list", hubCtx, func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		// Legacy handlers wrapped results; the façade flattens them.
		return map[string]any{"commandResult": map[string]any{"endpoints": []string{"ping"}}}, nil
	}, router.Terminal)
	require.NoError(t, err)

	c := connect(t, h)

	type listResult struct {
		Endpoints []string `json:"endpoints"`
	}
	got, err := Call[listResult](context.Background(), c, "data/list", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ping"}, got.Endpoints)
}

func TestRemoteErrorSurfaced(t *testing.T) {
	h, cleanup := startHub(t)
	defer cleanup()

	_, err := h.rt.Register("data/fail", hubCtx, func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		return nil, errors.New("backend exploded")
	}, router.Terminal)
	require.NoError(t, err)

	c := connect(t, h)

	_, err = c.Invoke(context.Background(), "data/fail", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrRemoteError))
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestNoHandlerSurfaced(t *testing.T) {
	h, cleanup := startHub(t)
	defer cleanup()

	c := connect(t, h)

	_, err := c.Invoke(context.Background(), "ghost/none", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNoHandler))
}

func TestInvokeTimeout(t *testing.T) {
	h, cleanup := startHub(t)
	defer cleanup()

	_, err := h.rt.Register("slow/op", hubCtx, func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		select {
		case <-time.After(10 * time.Second):
			return map[string]any{"done": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, router.Terminal)
	require.NoError(t, err)

	c := connect(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = c.Invoke(ctx, "slow/op", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrTimeout))

	// The correlation record is gone: no orphans.
	assert.Equal(t, 0, c.PendingCount())
}

func TestSubscribeReceivesServerEvents(t *testing.T) {
	h, cleanup := startHub(t)
	defer cleanup()

	one := connect(t, h)
	two := connect(t, h)

	gotOne := make(chan *protocol.Envelope, 1)
	gotTwo := make(chan *protocol.Envelope, 1)
	_, err := one.Subscribe("chat/message", func(msg *protocol.Envelope) { gotOne <- msg })
	require.NoError(t, err)
	_, err = two.Subscribe("chat/message", func(msg *protocol.Envelope) { gotTwo <- msg })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.ws.PeerCount() == 2 }, 2*time.Second, 20*time.Millisecond)

	ev, err := protocol.NewEvent("chat/message", hubCtx, protocol.TargetAny, map[string]any{"text": "hello"})
	require.NoError(t, err)
	_, err = h.rt.Post(context.Background(), ev)
	require.NoError(t, err)

	for name, ch := range map[string]chan *protocol.Envelope{"one": gotOne, "two": gotTwo} {
		select {
		case msg := <-ch:
			assert.Equal(t, ev.MessageID, msg.MessageID)
			assert.JSONEq(t, `{"text":"hello"}`, string(msg.Payload))
		case <-time.After(3 * time.Second):
			t.Fatalf("subscriber %s never received the event", name)
		}
	}
}

func TestHostedCommandAnsweredOverWire(t *testing.T) {
	h, cleanup := startHub(t)
	defer cleanup()

	c := connect(t, h)

	_, err := c.RegisterCommand("widget/render", func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		var params struct {
			ID int `json:"id"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &params))
		return map[string]any{"rendered": params.ID}, nil
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.ws.PeerCount() == 1 }, 2*time.Second, 20*time.Millisecond)

	// The hub has no local terminal for this endpoint, so it forwards to
	// the connected client and relays the answer.
	req, err := protocol.NewRequest("widget/render", hubCtx, protocol.TargetAny, map[string]any{"id": 7})
	require.NoError(t, err)

	resp, err := h.rt.Post(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.MessageID, resp.CorrelationID)
	assert.JSONEq(t, `{"rendered":7}`, string(resp.Payload))
}

func TestDisconnectFailsPendingWithClientShutdown(t *testing.T) {
	h, cleanup := startHub(t)
	defer cleanup()

	block := make(chan struct{})
	_, err := h.rt.Register("slow/op", hubCtx, func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		<-block
		return nil, nil
	}, router.Terminal)
	require.NoError(t, err)
	defer close(block)

	c, err := Connect(Options{ServerURL: h.url, QueueSize: 32, DrainGrace: 100 * time.Millisecond})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, ierr := c.Invoke(context.Background(), "slow/op", nil)
		errCh <- ierr
	}()

	assert.Eventually(t, func() bool { return c.PendingCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Disconnect())

	select {
	case ierr := <-errCh:
		require.Error(t, ierr)
		assert.True(t, errors.Is(ierr, protocol.ErrClientShutdown))
	case <-time.After(3 * time.Second):
		t.Fatal("pending request not failed on disconnect")
	}

	_, err = c.Invoke(context.Background(), "data/list", nil)
	assert.True(t, errors.Is(err, protocol.ErrClientShutdown))
}

func TestReconnectReplaysLiveRequestOnce(t *testing.T) {
	h, cleanup := startHub(t)
	defer cleanup()

	var invocations atomic.Int32
	_, err := h.rt.Register("long/op", hubCtx, func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		invocations.Add(1)
		time.Sleep(700 * time.Millisecond)
		return map[string]any{"done": true}, nil
	}, router.Terminal)
	require.NoError(t, err)

	c := connect(t, h)

	resCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		payload, ierr := c.Invoke(context.Background(), "long/op", map[string]any{"job": "j1"})
		if ierr != nil {
			errCh <- ierr
			return
		}
		resCh <- payload
	}()

	// Let the request reach the hub, then sever the socket. The client
	// reconnects and resends with the original messageId; dedup keeps the
	// handler single-shot.
	assert.Eventually(t, func() bool { return invocations.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.tr.Reconnect())

	select {
	case payload := <-resCh:
		assert.JSONEq(t, `{"done":true}`, string(payload))
	case ierr := <-errCh:
		t.Fatalf("request failed: %v", ierr)
	case <-time.After(10 * time.Second):
		t.Fatal("request never completed after reconnect")
	}
	assert.Equal(t, int32(1), invocations.Load())
}

func TestHTTPTransportClientRejectsSubscribe(t *testing.T) {
	c := &Client{opts: Options{TransportType: TransportHTTP}, rt: router.New(protocol.Context{UniqueID: "x", Environment: protocol.EnvRemote}, router.Options{})}

	_, err := c.Subscribe("chat/message", func(msg *protocol.Envelope) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInvalidMessage))
}

func TestLoadOrCreateUniqueIDPersists(t *testing.T) {
	dir := t.TempDir()

	first := LoadOrCreateUniqueID(dir)
	require.NotEmpty(t, first)

	second := LoadOrCreateUniqueID(dir)
	assert.Equal(t, first, second)

	other := LoadOrCreateUniqueID(t.TempDir())
	assert.NotEqual(t, first, other)
}
