package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/privacy"
)

const (
	defaultPingInterval     = 20 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 5 * time.Second
	maxFrameBytes           = 1 << 20
)

// pingFrame is the application keepalive the backend answers with a pong.
var pingFrame = []byte(`{"type":"ping"}`)

// WebSocketConfig configures a WebSocketDialer.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// push endpoint.
	URL string
	// ClientID is sent as the client_id query parameter. A random id is used
	// when empty.
	ClientID string
	// PingInterval is the keepalive period.
	PingInterval time.Duration
	// IdleTimeout closes the connection when nothing is received for this long.
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
}

// WebSocketDialer dials the backend's WebSocket push endpoint.
type WebSocketDialer struct {
	log    logger.Logger
	cfg    WebSocketConfig
	url    string
	dialer *websocket.Dialer
}

// NewWebSocketDialer validates cfg and returns a dialer.
func NewWebSocketDialer(log logger.Logger, cfg WebSocketConfig) (*WebSocketDialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, errors.Newf("push url must be ws:// or wss://, got %q", cfg.URL).
			Component("transport").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "console-" + uuid.NewString()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	q := u.Query()
	q.Set("client_id", cfg.ClientID)
	u.RawQuery = q.Encode()

	return &WebSocketDialer{
		log: log.Module("transport"),
		cfg: cfg,
		url: u.String(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// Name implements Dialer.
func (d *WebSocketDialer) Name() string { return "websocket" }

// ClientID returns the id sent to the backend.
func (d *WebSocketDialer) ClientID() string { return d.cfg.ClientID }

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.url, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		// gorilla includes the full URL, client id included
		return nil, privacy.WrapError(fmt.Errorf("websocket dial: %w", err))
	}

	ws.SetReadLimit(maxFrameBytes)
	if err := ws.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout)); err != nil {
		_ = ws.Close()
		return nil, err
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout))
	})

	c := &wsConn{ws: ws, idle: d.cfg.IdleTimeout, done: make(chan struct{})}
	c.wg.Go(func() { c.keepalive(d.cfg.PingInterval) })
	return c, nil
}

type wsConn struct {
	ws   *websocket.Conn
	idle time.Duration

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if err := c.ws.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// keepalive is the only writer of data frames on the connection.
func (c *wsConn) keepalive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = c.ws.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				// Unblocks ReadFrame so the channel reconnects.
				_ = c.ws.Close()
				return
			}
		}
	}
}
