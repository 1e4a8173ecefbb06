package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtag-dev/jtag/internal/client"
	"github.com/jtag-dev/jtag/internal/config"
	"github.com/jtag-dev/jtag/internal/instance"
	"github.com/jtag-dev/jtag/internal/protocol"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())

	cfg := config.Defaults()
	cfg.Instance = "test"
	cfg.ServerPort = freePort(t)
	cfg.QueueSize = 32
	cfg.DrainGrace = 200 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func TestStartWritesReadySignalAndCatalog(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	paths := instance.Layout(cfg.StateRoot())
	sig, err := paths.ReadReady()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), sig.PID)
	assert.Equal(t, cfg.ServerPort, sig.Port)

	_, err = os.Stat(config.CatalogFileName)
	require.NoError(t, err)
}

func TestSecondServerFailsOnInstanceLock(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	second, err := New(cfg)
	require.NoError(t, err)
	err = second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")
}

func TestBuiltinsOverWebSocket(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	c, err := client.Connect(client.Options{ServerURL: cfg.ServerURL(), QueueSize: 32})
	require.NoError(t, err)
	defer c.Disconnect()

	type pingResult struct {
		Pong     bool   `json:"pong"`
		Nonce    string `json:"nonce"`
		UniqueID string `json:"uniqueId"`
	}
	got, err := client.Call[pingResult](context.Background(), c, "system/ping",
		map[string]any{"nonce": "n-1"})
	require.NoError(t, err)
	assert.True(t, got.Pong)
	assert.Equal(t, "n-1", got.Nonce)
	assert.Equal(t, "server-test", got.UniqueID)

	type listResult struct {
		Endpoints []struct {
			Endpoint    string `json:"endpoint"`
			HasTerminal bool   `json:"hasTerminal"`
		} `json:"endpoints"`
	}
	list, err := client.Call[listResult](context.Background(), c, "system/list", nil)
	require.NoError(t, err)

	found := map[string]bool{}
	for _, row := range list.Endpoints {
		found[row.Endpoint] = row.HasTerminal
	}
	assert.True(t, found["system/ping"])
	assert.True(t, found["system/list"])
	assert.True(t, found["system/info"])
}

func TestHTTPFallbackEndpoint(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	req, err := protocol.NewRequest("system/ping",
		protocol.Context{UniqueID: "http-cli", Environment: protocol.EnvRemote},
		protocol.TargetServer, map[string]any{"nonce": "over-http"})
	require.NoError(t, err)
	data, _ := protocol.Encode(req)

	resp, err := http.Post(cfg.HTTPFallbackURL(), "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	reply, err := protocol.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, req.MessageID, reply.CorrelationID)
	assert.Contains(t, string(reply.Payload), `"over-http"`)
}

func TestHTTPFallbackRejectsGarbage(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	resp, err := http.Post(cfg.HTTPFallbackURL(), "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShutdownRemovesReadySignal(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	paths := instance.Layout(cfg.StateRoot())
	_, err = paths.ReadReady()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = paths.ReadReady()
	assert.Error(t, err)

	// Port released: another server can bind the same instance again.
	again, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, again.Start())
	again.Shutdown(ctx)
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", cfg.ServerPort))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
