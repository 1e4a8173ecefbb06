package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtag-dev/jtag/internal/protocol"
	"github.com/jtag-dev/jtag/internal/router"
)

var hubCtx = protocol.Context{UniqueID: "srv-1", Environment: protocol.EnvServer}

// startHub spins up a router + WSServer on an httptest listener.
func startHub(t *testing.T, opts WSServerOptions) (*router.Router, *WSServer, string, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rt := router.New(hubCtx, router.Options{})
	ws := NewWSServer(rt, opts)

	engine := gin.New()
	ws.Attach(engine, "/ws")
	srv := httptest.NewServer(engine)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cleanup := func() {
		ws.Shutdown()
		srv.Close()
		rt.Drain(10 * time.Millisecond)
	}
	return rt, ws, wsURL, cleanup
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func sendHandshake(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	hs := protocol.NewHandshake(sessionID, "", protocol.EnvBrowser)
	data, err := json.Marshal(hs)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHandshakeThenRequestRoundTrip(t *testing.T) {
	rt, ws, url, cleanup := startHub(t, WSServerOptions{QueueSize: 16})
	defer cleanup()

	_, err := rt.Register("system/ping", hubCtx, func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		return map[string]any{"pong": true}, nil
	}, router.Terminal)
	require.NoError(t, err)

	conn := dialRaw(t, url)
	defer conn.Close()
	sendHandshake(t, conn, "sess-42")

	assert.Eventually(t, func() bool { return ws.PeerCount() == 1 }, 2*time.Second, 20*time.Millisecond)

	req, err := protocol.NewRequest("system/ping",
		protocol.Context{UniqueID: protocol.DeriveUniqueID("sess-42"), Environment: protocol.EnvBrowser, SessionID: "sess-42"},
		protocol.TargetServer, nil)
	require.NoError(t, err)
	data, _ := protocol.Encode(req)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, respData, err := conn.ReadMessage()
	require.NoError(t, err)

	resp, err := protocol.Decode(respData)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindResponse, resp.Kind)
	assert.Equal(t, req.MessageID, resp.CorrelationID)
	assert.JSONEq(t, `{"pong":true}`, string(resp.Payload))
}

func TestHandshakeTimeoutClosesConnection(t *testing.T) {
	_, _, url, cleanup := startHub(t, WSServerOptions{QueueSize: 16, HandshakeTimeout: 300 * time.Millisecond})
	defer cleanup()

	conn := dialRaw(t, url)
	defer conn.Close()

	// A non-handshake frame must not satisfy the precondition.
	ev, err := protocol.NewEvent("chat/message",
		protocol.Context{UniqueID: "rogue", Environment: protocol.EnvBrowser},
		protocol.TargetServer, map[string]any{"text": "hi"})
	require.NoError(t, err)
	data, _ := protocol.Encode(ev)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	closeReason := ""
	conn.SetCloseHandler(func(code int, text string) error {
		closeReason = text
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, CloseReasonHandshakeTimeout, closeReason)
}

func TestPreHandshakeFramesDispatchAfterHandshake(t *testing.T) {
	rt, ws, url, cleanup := startHub(t, WSServerOptions{QueueSize: 16, HandshakeTimeout: 2 * time.Second})
	defer cleanup()

	received := make(chan *protocol.Envelope, 1)
	_, err := rt.Register("chat/message", hubCtx, func(ctx context.Context, msg *protocol.Envelope) (any, error) {
		received <- msg
		return nil, nil
	}, router.Observer)
	require.NoError(t, err)

	conn := dialRaw(t, url)
	defer conn.Close()

	// Event first, handshake after: the event must be buffered, not
	// dispatched, until the handshake is observed.
	ev, err := protocol.NewEvent("chat/message",
		protocol.Context{UniqueID: "early", Environment: protocol.EnvBrowser},
		protocol.TargetServer, map[string]any{"text": "early"})
	require.NoError(t, err)
	data, _ := protocol.Encode(ev)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case <-received:
		t.Fatal("frame dispatched before handshake")
	case <-time.After(200 * time.Millisecond):
	}

	sendHandshake(t, conn, "sess-late")

	select {
	case msg := <-received:
		assert.Equal(t, ev.MessageID, msg.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered frame never dispatched")
	}
	assert.Equal(t, 1, ws.PeerCount())
}

func TestServerEventFanOutToAllBrowserPeers(t *testing.T) {
	rt, ws, url, cleanup := startHub(t, WSServerOptions{QueueSize: 16})
	defer cleanup()

	connA := dialRaw(t, url)
	defer connA.Close()
	sendHandshake(t, connA, "sess-a")
	connB := dialRaw(t, url)
	defer connB.Close()
	sendHandshake(t, connB, "sess-b")

	assert.Eventually(t, func() bool { return ws.PeerCount() == 2 }, 2*time.Second, 20*time.Millisecond)

	ev, err := protocol.NewEvent("chat/message", hubCtx, protocol.TargetAny, map[string]any{"text": "hello"})
	require.NoError(t, err)
	_, err = rt.Post(context.Background(), ev)
	require.NoError(t, err)

	readEvent := func(conn *websocket.Conn) *protocol.Envelope {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	}

	gotA := readEvent(connA)
	gotB := readEvent(connB)
	assert.Equal(t, ev.MessageID, gotA.MessageID)
	assert.Equal(t, ev.MessageID, gotB.MessageID)
	assert.JSONEq(t, string(gotA.Payload), string(gotB.Payload))
}

func TestReconnectReplacesOldConnection(t *testing.T) {
	_, ws, url, cleanup := startHub(t, WSServerOptions{QueueSize: 16})
	defer cleanup()

	first := dialRaw(t, url)
	sendHandshake(t, first, "sess-r")
	assert.Eventually(t, func() bool { return ws.PeerCount() == 1 }, 2*time.Second, 20*time.Millisecond)

	second := dialRaw(t, url)
	defer second.Close()
	sendHandshake(t, second, "sess-r")

	// Same session derives the same peer id, so the hub replaces the link
	// instead of keeping two.
	assert.Eventually(t, func() bool { return ws.PeerCount() == 1 }, 2*time.Second, 20*time.Millisecond)
	first.Close()
}
