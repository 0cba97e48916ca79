// Package transport maintains the single push connection to the backend. It
// reconnects with exponential backoff, forwards JSON frames in arrival order
// and reports connection changes as signals.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
)

// Conn is one established push connection.
type Conn interface {
	// ReadFrame blocks until the next message arrives or the connection
	// fails. It returns an error once Close has been called.
	ReadFrame() ([]byte, error)
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	// Name identifies the transport in logs and metrics.
	Name() string
}

// SignalKind tells connected from disconnected.
type SignalKind int

const (
	SignalConnected SignalKind = iota + 1
	SignalDisconnected
)

func (k SignalKind) String() string {
	switch k {
	case SignalConnected:
		return "connected"
	case SignalDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Signal is a connection state change.
type Signal struct {
	Kind SignalKind
	At   time.Time
	// Err is the cause of a disconnect, nil when the context ended it.
	Err error
}

// Drop reasons passed to Recorder.RecordDroppedFrame.
const (
	DropNotObject = "not_object"
)

// Recorder receives transport outcomes, typically the metrics collector.
type Recorder interface {
	RecordConnection(transport string, connected bool)
	RecordReconnectAttempt(transport string)
	RecordFrame(transport string)
	RecordDroppedFrame(transport, reason string)
}

// Config configures a Channel.
type Config struct {
	Backoff BackoffConfig
	// FrameBuffer is the capacity of the Frames channel.
	FrameBuffer int
	Recorder    Recorder
	// Jitter returns a value in [-1, 1]; defaults to uniform random.
	Jitter func() float64
}

// Stats are cumulative channel counters.
type Stats struct {
	Connected   bool   `json:"connected"`
	Connects    uint64 `json:"connects"`
	Disconnects uint64 `json:"disconnects"`
	Attempts    uint64 `json:"failed_attempts"`
	Frames      uint64 `json:"frames"`
	Dropped     uint64 `json:"dropped"`
}

// Channel owns the push connection. Create with NewChannel and call Run once.
type Channel struct {
	log    logger.Logger
	dialer Dialer
	cfg    Config

	frames  chan []byte
	signals chan Signal

	connected   atomic.Bool
	connects    atomic.Uint64
	disconnects atomic.Uint64
	attempts    atomic.Uint64
	received    atomic.Uint64
	dropped     atomic.Uint64
}

// NewChannel creates a Channel for dialer.
func NewChannel(log logger.Logger, dialer Dialer, cfg Config) *Channel {
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 256
	}
	if cfg.Jitter == nil {
		cfg.Jitter = func() float64 { return rand.Float64()*2 - 1 }
	}
	return &Channel{
		log:     log.Module("transport").With(logger.String("transport", dialer.Name())),
		dialer:  dialer,
		cfg:     cfg,
		frames:  make(chan []byte, cfg.FrameBuffer),
		signals: make(chan Signal, 8),
	}
}

// Frames delivers raw JSON object frames in arrival order. It is closed when
// Run returns.
func (c *Channel) Frames() <-chan []byte { return c.frames }

// Signals delivers connection changes. It is closed when Run returns.
func (c *Channel) Signals() <-chan Signal { return c.signals }

// Connected reports whether a push connection is currently up.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Stats returns the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Connected:   c.connected.Load(),
		Connects:    c.connects.Load(),
		Disconnects: c.disconnects.Load(),
		Attempts:    c.attempts.Load(),
		Frames:      c.received.Load(),
		Dropped:     c.dropped.Load(),
	}
}

// Run connects and reconnects until ctx is cancelled. It always returns nil
// after closing Frames and Signals.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.signals)
	defer close(c.frames)

	attempt := 0
	for ctx.Err() == nil {
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.attempts.Add(1)
			c.recordAttempt()
			delay := Backoff(attempt, c.cfg.Backoff, c.cfg.Jitter())
			c.log.Warn("push connect failed",
				logger.Int("attempt", attempt+1),
				logger.Duration("retry_in", delay),
				logger.Error(c.transportError(err, "dial")))
			attempt++
			if !sleep(ctx, delay) {
				break
			}
			continue
		}

		attempt = 0
		c.setConnected(true)
		c.connects.Add(1)
		c.log.Info("push connected")
		if !c.emit(ctx, Signal{Kind: SignalConnected, At: time.Now()}) {
			_ = conn.Close()
			break
		}

		err = c.read(ctx, conn)
		_ = conn.Close()
		c.setConnected(false)
		c.disconnects.Add(1)

		if ctx.Err() != nil {
			c.log.Info("push connection closed")
			c.emitFinal(Signal{Kind: SignalDisconnected, At: time.Now()})
			break
		}

		delay := Backoff(0, c.cfg.Backoff, c.cfg.Jitter())
		c.log.Warn("push connection lost",
			logger.Duration("retry_in", delay),
			logger.Error(c.transportError(err, "read")))
		if !c.emit(ctx, Signal{Kind: SignalDisconnected, At: time.Now(), Err: err}) {
			break
		}
		attempt = 1
		if !sleep(ctx, delay) {
			break
		}
	}
	return nil
}

// read forwards frames until the connection fails or ctx ends.
func (c *Channel) read(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		data, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		if !isJSONObject(data) {
			c.dropped.Add(1)
			if c.cfg.Recorder != nil {
				c.cfg.Recorder.RecordDroppedFrame(c.dialer.Name(), DropNotObject)
			}
			c.log.Debug("dropping non-object frame", logger.Int("bytes", len(data)))
			continue
		}
		c.received.Add(1)
		if c.cfg.Recorder != nil {
			c.cfg.Recorder.RecordFrame(c.dialer.Name())
		}
		select {
		case c.frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) emit(ctx context.Context, s Signal) bool {
	select {
	case c.signals <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitFinal delivers the shutdown disconnect if there is room for it.
func (c *Channel) emitFinal(s Signal) {
	select {
	case c.signals <- s:
	default:
	}
}

func (c *Channel) setConnected(v bool) {
	c.connected.Store(v)
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordConnection(c.dialer.Name(), v)
	}
}

func (c *Channel) recordAttempt() {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordReconnectAttempt(c.dialer.Name())
	}
}

func (c *Channel) transportError(err error, op string) error {
	return errors.New(err).
		Component("transport").
		Category(errors.CategoryTransport).
		Context("transport", c.dialer.Name()).
		Context("operation", op).
		Build()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isJSONObject(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '{' && json.Valid(data)
}
