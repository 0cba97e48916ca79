package transport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fastBackoff = BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}

// fakeConn replays frames, then fails with io.EOF unless hold is set.
type fakeConn struct {
	frames chan []byte
	once   sync.Once
	done   chan struct{}
}

func newFakeConn(hold bool, frames ...string) *fakeConn {
	c := &fakeConn{frames: make(chan []byte, len(frames)), done: make(chan struct{})}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	if !hold {
		close(c.frames)
	}
	return c
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type dialResult struct {
	conn Conn
	err  error
}

// scriptedDialer returns the scripted results in order, then blocks.
type scriptedDialer struct {
	mu     sync.Mutex
	script []dialResult
	dials  int
}

func (d *scriptedDialer) Name() string { return "fake" }

func (d *scriptedDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if len(d.script) > 0 {
		r := d.script[0]
		d.script = d.script[1:]
		d.mu.Unlock()
		return r.conn, r.err
	}
	d.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type transportRecorder struct {
	mu       sync.Mutex
	states   []bool
	attempts int
	frames   int
	dropped  map[string]int
}

func (r *transportRecorder) RecordConnection(_ string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, connected)
}

func (r *transportRecorder) RecordReconnectAttempt(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
}

func (r *transportRecorder) RecordFrame(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames++
}

func (r *transportRecorder) RecordDroppedFrame(_, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped == nil {
		r.dropped = map[string]int{}
	}
	r.dropped[reason]++
}

func nextSignal(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	return testutil.Receive(t, ch, testutil.DefaultTestTimeout, "waiting for signal")
}

func nextFrame(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	return string(testutil.Receive(t, ch, testutil.DefaultTestTimeout, "waiting for frame"))
}

func TestChannelReconnectsAndForwardsInOrder(t *testing.T) {
	t.Parallel()

	held := newFakeConn(true, `{"c":3}`)
	dialer := &scriptedDialer{script: []dialResult{
		{err: errors.NewStd("connection refused")},
		{conn: newFakeConn(false, `{"a":1}`, `[1,2]`, `  `, `{"b":2}`)},
		{conn: held},
	}}
	rec := &transportRecorder{}
	ch := NewChannel(logger.NewDiscard(), dialer, Config{
		Backoff:  fastBackoff,
		Recorder: rec,
		Jitter:   func() float64 { return 0 },
	})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	assert.Equal(t, SignalConnected, nextSignal(t, ch.Signals()).Kind)
	assert.JSONEq(t, `{"a":1}`, nextFrame(t, ch.Frames()))
	assert.JSONEq(t, `{"b":2}`, nextFrame(t, ch.Frames()))

	lost := nextSignal(t, ch.Signals())
	assert.Equal(t, SignalDisconnected, lost.Kind)
	require.ErrorIs(t, lost.Err, io.EOF)

	assert.Equal(t, SignalConnected, nextSignal(t, ch.Signals()).Kind)
	assert.JSONEq(t, `{"c":3}`, nextFrame(t, ch.Frames()))
	assert.True(t, ch.Connected())

	cancel()
	require.NoError(t, <-done)

	final, ok := <-ch.Signals()
	require.True(t, ok)
	assert.Equal(t, SignalDisconnected, final.Kind)
	require.NoError(t, final.Err)
	_, ok = <-ch.Signals()
	assert.False(t, ok, "signals closed after Run")
	_, ok = <-ch.Frames()
	assert.False(t, ok, "frames closed after Run")

	st := ch.Stats()
	assert.False(t, st.Connected)
	assert.Equal(t, uint64(2), st.Connects)
	assert.Equal(t, uint64(2), st.Disconnects)
	assert.Equal(t, uint64(1), st.Attempts)
	assert.Equal(t, uint64(3), st.Frames)
	assert.Equal(t, uint64(2), st.Dropped)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []bool{true, false, true, false}, rec.states)
	assert.Equal(t, 1, rec.attempts)
	assert.Equal(t, 2, rec.dropped[DropNotObject])
}

func TestChannelRetriesUntilCancelled(t *testing.T) {
	t.Parallel()

	var script []dialResult
	for range 5 {
		script = append(script, dialResult{err: errors.NewStd("refused")})
	}
	dialer := &scriptedDialer{script: script}
	ch := NewChannel(logger.NewDiscard(), dialer, Config{Backoff: fastBackoff})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	require.Eventually(t, func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return dialer.dials == 6
	}, 2*time.Second, time.Millisecond)
	assert.False(t, ch.Connected())
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, uint64(5), ch.Stats().Attempts, "the cancelled dial is not counted")
}

func TestIsJSONObject(t *testing.T) {
	t.Parallel()

	assert.True(t, isJSONObject([]byte(` {"type":"pong"} `)))
	assert.False(t, isJSONObject([]byte(`{"type":`)))
	assert.False(t, isJSONObject([]byte(`"text"`)))
	assert.False(t, isJSONObject([]byte(`null`)))
	assert.False(t, isJSONObject(nil))
}

func TestSignalKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "connected", SignalConnected.String())
	assert.Equal(t, "disconnected", SignalDisconnected.String())
	assert.Equal(t, "unknown", SignalKind(0).String())
}
