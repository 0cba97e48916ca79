package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/sentinel-console/internal/alerts"
	"github.com/tphakala/sentinel-console/internal/backend"
	"github.com/tphakala/sentinel-console/internal/blackout"
	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
	"github.com/tphakala/sentinel-console/internal/reconcile"
	"github.com/tphakala/sentinel-console/internal/store"
	"github.com/tphakala/sentinel-console/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

// fakeSource feeds frames and signals the test pushes into it.
type fakeSource struct {
	frames    chan []byte
	signals   chan transport.Signal
	connected atomic.Bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte, 64), signals: make(chan transport.Signal, 8)}
}

func (f *fakeSource) Run(ctx context.Context) error {
	<-ctx.Done()
	close(f.frames)
	close(f.signals)
	return nil
}

func (f *fakeSource) Frames() <-chan []byte            { return f.frames }
func (f *fakeSource) Signals() <-chan transport.Signal { return f.signals }
func (f *fakeSource) Connected() bool                  { return f.connected.Load() }
func (f *fakeSource) Stats() transport.Stats           { return transport.Stats{Connected: f.connected.Load()} }

func (f *fakeSource) push(frames ...string) {
	for _, fr := range frames {
		f.frames <- []byte(fr)
	}
}

// fakeBackend serves a fixed snapshot and acknowledges every command.
type fakeBackend struct {
	mu          sync.Mutex
	nodes       []model.Node
	dets        []model.Detection
	listCalls   int
	activates   int
	deactivates int
}

func (b *fakeBackend) ListNodes(context.Context) ([]model.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	return b.nodes, nil
}

func (b *fakeBackend) ListDetections(context.Context, backend.DetectionQuery) ([]model.Detection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dets, nil
}

func (b *fakeBackend) ActivateBlackout(_ context.Context, cmd backend.BlackoutCommand) (backend.Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activates++
	return backend.Ack{Status: backend.AckActivated, NodeID: cmd.NodeID}, nil
}

func (b *fakeBackend) DeactivateBlackout(_ context.Context, cmd backend.BlackoutCommand) (backend.Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deactivates++
	return backend.Ack{Status: backend.AckDeactivated, NodeID: cmd.NodeID}, nil
}

func (b *fakeBackend) lists() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

type alertSink struct {
	mu        sync.Mutex
	got       []model.Alert
	blackouts []model.BlackoutEvent
}

func (s *alertSink) NotifyBlackout(e model.BlackoutEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blackouts = append(s.blackouts, e)
	return nil
}

func (s *alertSink) blackoutEvents() []model.BlackoutEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.BlackoutEvent(nil), s.blackouts...)
}

func (s *alertSink) NotifyAlert(a model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return nil
}

func (s *alertSink) alerts() []model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Alert(nil), s.got...)
}

type fixture struct {
	eng  *Engine
	src  *fakeSource
	be   *fakeBackend
	sink *alertSink
}

func start(t *testing.T, withSource bool) *fixture {
	t.Helper()

	log := logger.NewDiscard()
	sink := &alertSink{}
	al, err := alerts.New(log, alerts.Config{Threshold: 0.9, Notifier: sink})
	require.NoError(t, err)

	f := &fixture{be: &fakeBackend{}, sink: sink}
	deps := Deps{
		Store:    store.New(log, store.Config{MaxDetections: 100}),
		Alerts:   al,
		Backend:  f.be,
		Notifier: sink,
	}
	if withSource {
		f.src = newFakeSource()
		deps.Source = f.src
	}
	f.eng = New(log, deps, Config{
		Blackout:  blackout.Config{CommandTimeout: time.Second},
		Reconcile: reconcile.Config{Interval: time.Hour},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return f
}

const (
	nodeOnline = `{"type":"node_status","data":{"node_id":"node-001","status":"online","last_heartbeat":"2026-03-01T12:00:00Z"}}`
	detection1 = `{"type":"detection","data":{"id":1,"node_id":"node-001","timestamp":"2026-03-01T12:00:05Z",
		"latitude":60.1,"longitude":24.9,
		"detections":[{"class":"person","class_id":0,"confidence":0.95,"bbox":{"xmin":10,"ymin":10,"xmax":50,"ymax":80}},
		{"class":"vehicle","class_id":2,"confidence":0.88,"bbox":{"xmin":60,"ymin":20,"xmax":120,"ymax":70}}],
		"detection_count":2}}`
	detection2 = `{"type":"detection","data":{"id":2,"node_id":"node-001","timestamp":"2026-03-01T12:00:09Z",
		"latitude":60.1,"longitude":24.9,"detections":[{"class":"person","confidence":0.61}]}}`
)

func TestOnlineNodeDetectionRaisesAlert(t *testing.T) {
	f := start(t, true)
	f.src.push(nodeOnline, detection1)

	require.Eventually(t, func() bool { return f.eng.Snapshot().DetectionCount() == 1 }, waitFor, time.Millisecond)

	snap := f.eng.Snapshot()
	assert.Equal(t, 1, snap.NodeCount())
	n, ok := snap.Node("node-001")
	require.True(t, ok)
	assert.Equal(t, model.StatusOnline, n.Status)

	det := snap.Detections()[0]
	assert.Equal(t, 2, det.DetectionCount)
	assert.Len(t, det.Detections, 2)

	view := f.eng.Alerts()
	require.Len(t, view.Alerts, 1)
	assert.Equal(t, int64(1), view.Alerts[0].Detection.ID)
	assert.Equal(t, "person", view.Alerts[0].Class)
	assert.InDelta(t, 0.95, view.Alerts[0].Confidence, 1e-9)

	require.Len(t, f.sink.alerts(), 1)
}

func TestActivateThenDetectionIsQueued(t *testing.T) {
	f := start(t, true)
	f.src.push(nodeOnline)
	require.Eventually(t, func() bool { return f.eng.Snapshot().NodeCount() == 1 }, waitFor, time.Millisecond)

	ev, err := f.eng.Activate(t.Context(), "node-001", "patrol", "op-1")
	require.NoError(t, err)
	assert.True(t, ev.IsOpen())
	assert.Equal(t, "patrol", ev.Reason)
	assert.Equal(t, blackout.PhaseCovert, f.eng.Phase("node-001"))

	n, _ := f.eng.Snapshot().Node("node-001")
	assert.Equal(t, model.StatusCovert, n.Status)

	f.src.push(detection2)
	require.Eventually(t, func() bool {
		open, ok := f.eng.Snapshot().OpenBlackout("node-001")
		return ok && open.DetectionsQueued == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1, f.eng.Snapshot().DetectionCount(), "queued detections stay in the list")

	closed, err := f.eng.Deactivate(t.Context(), "node-001", "op-1")
	require.NoError(t, err)
	assert.False(t, closed.IsOpen())
	assert.Equal(t, 1, closed.DetectionsQueued)
	assert.Zero(t, f.eng.Snapshot().OpenBlackoutCount())

	notified := f.sink.blackoutEvents()
	require.Len(t, notified, 2)
	assert.True(t, notified[0].IsOpen())
	assert.False(t, notified[1].IsOpen())
}

func TestPushedBlackoutEventNotifies(t *testing.T) {
	f := start(t, true)
	f.src.push(nodeOnline)
	f.src.push(`{"type":"blackout_event","data":{"id":9,"node_id":"node-001","activated_at":"2026-03-01T12:05:00Z","activated_by":"op-2","reason":"drill"}}`)

	require.Eventually(t, func() bool { return len(f.sink.blackoutEvents()) == 1 }, waitFor, time.Millisecond)
	ev := f.sink.blackoutEvents()[0]
	assert.Equal(t, int64(9), ev.ID)
	assert.Equal(t, "drill", ev.Reason)

	// Re-delivery of the same open event changes nothing and is not notified again.
	f.src.push(`{"type":"blackout_event","data":{"id":9,"node_id":"node-001","activated_at":"2026-03-01T12:05:00Z","activated_by":"op-2","reason":"drill"}}`)
	require.Eventually(t, func() bool { return f.eng.Stats().OpsApplied >= 3 }, waitFor, time.Millisecond)
	assert.Len(t, f.sink.blackoutEvents(), 1)
}

func TestDeactivateWhenNotCovertLeavesStateUnchanged(t *testing.T) {
	f := start(t, true)
	f.src.push(nodeOnline)
	require.Eventually(t, func() bool { return f.eng.Snapshot().NodeCount() == 1 }, waitFor, time.Millisecond)

	before := f.eng.Snapshot()
	_, err := f.eng.Deactivate(t.Context(), "node-001", "op-1")
	require.ErrorIs(t, err, blackout.ErrCommandFailed)
	assert.True(t, errors.IsCategory(err, errors.CategoryCommandFailed))
	assert.Same(t, before, f.eng.Snapshot())

	f.be.mu.Lock()
	assert.Zero(t, f.be.deactivates, "no command is sent")
	f.be.mu.Unlock()
}

func TestConnectedSignalTriggersReconcile(t *testing.T) {
	f := start(t, true)
	hb := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.be.mu.Lock()
	f.be.nodes = []model.Node{{NodeID: "node-007", Status: model.StatusOffline, LastHeartbeat: &hb}}
	f.be.dets = []model.Detection{{ID: 40, NodeID: "node-007", Timestamp: hb}}
	f.be.mu.Unlock()

	f.src.connected.Store(true)
	f.src.signals <- transport.Signal{Kind: transport.SignalConnected, At: time.Now()}

	require.Eventually(t, func() bool { return f.eng.Snapshot().NodeCount() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 1, f.eng.Snapshot().DetectionCount())
	assert.True(t, f.eng.Connected())
	assert.True(t, f.eng.Stats().Transport.Connected)
}

func TestSnapshotHintTriggersReconcile(t *testing.T) {
	f := start(t, true)
	f.src.push(`{"type":"new_detection","node_id":"node-001","detection_count":2}`)

	require.Eventually(t, func() bool { return f.be.lists() == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return f.eng.Stats().Reconcile.Runs == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, uint64(1), f.eng.Stats().SnapshotHints)
}

func TestMalformedFramesAreDroppedAndCounted(t *testing.T) {
	f := start(t, true)
	f.src.push(`{"type":"weather","data":{}}`, `{"type":"node_status","data":{"status":"online"}}`, nodeOnline)

	require.Eventually(t, func() bool { return f.eng.Snapshot().NodeCount() == 1 }, waitFor, time.Millisecond)
	st := f.eng.Stats()
	assert.Equal(t, uint64(2), st.Normalizer.Malformed)
	assert.Equal(t, uint64(1), st.Normalizer.Parsed)
}

func TestFramesApplyInArrivalOrder(t *testing.T) {
	f := start(t, true)
	f.src.push(
		nodeOnline,
		`{"type":"node_status","data":{"node_id":"node-001","status":"offline"}}`,
		`{"type":"node_status","data":{"node_id":"node-001","status":"online"}}`,
		`{"type":"node_status","data":{"node_id":"node-001","status":"offline"}}`,
		`{"type":"node_status","data":{"node_id":"node-002","status":"online"}}`,
	)

	require.Eventually(t, func() bool { return f.eng.Snapshot().NodeCount() == 2 }, waitFor, time.Millisecond)
	n, _ := f.eng.Snapshot().Node("node-001")
	assert.Equal(t, model.StatusOffline, n.Status)
}

func TestConcurrentSubmitsAreSerialized(t *testing.T) {
	f := start(t, false)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			err := f.eng.Submit(t.Context(), func(s *store.Store) {
				s.ApplyDetection(model.Detection{ID: int64(i + 1), NodeID: "node-001", Timestamp: time.Now()})
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Equal(t, 20, f.eng.Snapshot().DetectionCount())
	assert.Equal(t, uint64(20), f.eng.Stats().OpsApplied)
}

func TestReconcileWithoutSource(t *testing.T) {
	f := start(t, false)
	hb := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.be.nodes = []model.Node{{NodeID: "node-001", Status: model.StatusCovert, LastHeartbeat: &hb}}

	res, err := f.eng.Reconcile(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merge.NodesCreated)
	assert.Equal(t, blackout.PhaseCovert, f.eng.Phase("node-001"))
	assert.False(t, f.eng.Connected())
}

func TestSubmitAfterStop(t *testing.T) {
	log := logger.NewDiscard()
	al, err := alerts.New(log, alerts.Config{})
	require.NoError(t, err)
	eng := New(log, Deps{Store: store.New(log, store.Config{}), Alerts: al, Backend: &fakeBackend{}}, Config{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, eng.Run(ctx))

	err = eng.Submit(t.Context(), func(*store.Store) {})
	require.ErrorIs(t, err, ErrStopped)

	err = eng.Run(t.Context())
	require.Error(t, err, "an engine runs once")
}
