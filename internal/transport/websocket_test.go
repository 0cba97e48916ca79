package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/testutil"
)

// pushServer is a minimal stand-in for the backend's /ws endpoint.
type pushServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    atomic.Int32
	clientID atomic.Value
	pings    chan string
	handle   func(ps *pushServer, n int32, ws *websocket.Conn)
}

func newPushServer(t *testing.T, handle func(ps *pushServer, n int32, ws *websocket.Conn)) *pushServer {
	t.Helper()
	ps := &pushServer{pings: make(chan string, 16), handle: handle}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("client_id")
		if id == "" {
			http.Error(w, "client_id required", http.StatusForbidden)
			return
		}
		ps.clientID.Store(id)
		ws, err := ps.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ps.handle(ps, ps.conns.Add(1), ws)
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http") + "/ws"
}

// readPings drains client messages until the connection fails.
func (ps *pushServer) readPings(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case ps.pings <- string(data):
		default:
		}
	}
}

func TestNewWebSocketDialerValidatesURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"http://localhost/ws", "ws://", "::bad"} {
		_, err := NewWebSocketDialer(logger.NewDiscard(), WebSocketConfig{URL: raw})
		require.Error(t, err, raw)
		assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	}

	d, err := NewWebSocketDialer(logger.NewDiscard(), WebSocketConfig{URL: "wss://backend.example/ws"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d.ClientID(), "console-"))
	assert.Equal(t, "websocket", d.Name())
}

func TestWebSocketChannelEndToEnd(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t, func(ps *pushServer, n int32, ws *websocket.Conn) {
		if n == 1 {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_established","client_id":"x"}`))
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"node_status","data":{"node_id":"node-001","status":"online"}}`))
			// Wait for one keepalive, then drop the client.
			_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, data, err := ws.ReadMessage(); err == nil {
				ps.pings <- string(data)
			}
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"detection","data":{"id":1}}`))
		ps.readPings(ws)
	})

	d, err := NewWebSocketDialer(logger.NewDiscard(), WebSocketConfig{
		URL:          ps.url(),
		ClientID:     "console-test",
		PingInterval: 10 * time.Millisecond,
		IdleTimeout:  2 * time.Second,
	})
	require.NoError(t, err)

	ch := NewChannel(logger.NewDiscard(), d, Config{Backoff: fastBackoff})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	assert.Equal(t, SignalConnected, nextSignal(t, ch.Signals()).Kind)
	assert.Contains(t, nextFrame(t, ch.Frames()), "connection_established")
	assert.Contains(t, nextFrame(t, ch.Frames()), "node-001")

	assert.JSONEq(t, `{"type":"ping"}`, testutil.Receive(t, ps.pings, testutil.DefaultTestTimeout, "waiting for keepalive"))

	assert.Equal(t, SignalDisconnected, nextSignal(t, ch.Signals()).Kind)
	assert.Equal(t, SignalConnected, nextSignal(t, ch.Signals()).Kind)
	assert.Contains(t, nextFrame(t, ch.Frames()), `"detection"`)
	assert.Equal(t, "console-test", ps.clientID.Load())

	cancel()
	require.NoError(t, <-done)
	for range ch.Frames() {
	}
	assert.Equal(t, uint64(1), ch.Stats().Dropped)
	assert.Equal(t, int32(2), ps.conns.Load())
}

func TestWebSocketIdleTimeoutDisconnects(t *testing.T) {
	t.Parallel()

	ps := newPushServer(t, func(ps *pushServer, _ int32, ws *websocket.Conn) { ps.readPings(ws) })

	d, err := NewWebSocketDialer(logger.NewDiscard(), WebSocketConfig{
		URL:          ps.url(),
		PingInterval: 10 * time.Millisecond,
		IdleTimeout:  60 * time.Millisecond,
	})
	require.NoError(t, err)

	ch := NewChannel(logger.NewDiscard(), d, Config{Backoff: BackoffConfig{Initial: time.Second, Max: time.Second}})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	assert.Equal(t, SignalConnected, nextSignal(t, ch.Signals()).Kind)
	lost := nextSignal(t, ch.Signals())
	assert.Equal(t, SignalDisconnected, lost.Kind)
	require.Error(t, lost.Err, "silent server trips the idle deadline")

	cancel()
	require.NoError(t, <-done)
}

func TestWebSocketDialRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	d, err := NewWebSocketDialer(logger.NewDiscard(), WebSocketConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)

	_, err = d.Dial(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
