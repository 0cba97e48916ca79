package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/sentinel-console/internal/backend"
	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
	"github.com/tphakala/sentinel-console/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu      sync.Mutex
	nodes   []model.Node
	dets    []model.Detection
	nodeErr error
	detErr  error
	gate    chan struct{}
	queries []backend.DetectionQuery
	calls   int
}

func (f *fakeFetcher) ListNodes(ctx context.Context) ([]model.Node, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes, f.nodeErr
}

func (f *fakeFetcher) ListDetections(_ context.Context, q backend.DetectionQuery) ([]model.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.dets, f.detErr
}

type directWriter struct {
	mu sync.Mutex
	s  *store.Store
}

func (w *directWriter) Submit(_ context.Context, fn func(*store.Store)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w.s)
	return nil
}

type runRecorder struct {
	mu      sync.Mutex
	results map[string]int
}

func (r *runRecorder) RecordReconcile(result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string]int{}
	}
	r.results[result]++
}

func (r *runRecorder) get(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[result]
}

func snapshotFixture() ([]model.Node, []model.Detection) {
	hb := t0
	nodes := []model.Node{
		{NodeID: "node-001", Status: model.StatusOnline, LastHeartbeat: &hb},
		{NodeID: "node-002", Status: model.StatusCovert, LastHeartbeat: &hb},
	}
	dets := []model.Detection{
		{ID: 2, NodeID: "node-001", Timestamp: t0.Add(time.Second)},
		{ID: 1, NodeID: "node-002", Timestamp: t0},
	}
	return nodes, dets
}

func newLoop(t *testing.T, f *fakeFetcher, cfg Config) (*Loop, *store.Store) {
	t.Helper()
	s := store.New(logger.NewDiscard(), store.Config{Now: func() time.Time { return t0 }})
	return New(logger.NewDiscard(), f, &directWriter{s: s}, cfg), s
}

func TestRunOnceMergesSnapshot(t *testing.T) {
	t.Parallel()

	nodes, dets := snapshotFixture()
	f := &fakeFetcher{nodes: nodes, dets: dets}
	rec := &runRecorder{}
	l, s := newLoop(t, f, Config{DetectionLimit: 250, Recorder: rec})

	res, err := l.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Nodes)
	assert.Equal(t, 2, res.Detections)
	assert.Equal(t, 2, res.Merge.NodesCreated)
	assert.Equal(t, 2, res.Merge.DetectionsAdded)

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.NodeCount())
	n, _ := snap.Node("node-002")
	assert.Equal(t, model.StatusCovert, n.Status)
	assert.Equal(t, 2, snap.DetectionCount())

	// A second identical run changes nothing.
	res, err = l.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, res.Merge.NodesChanged)
	assert.False(t, res.Merge.DetectionsChanged())
	assert.Same(t, snap, s.Snapshot())

	f.mu.Lock()
	assert.Equal(t, 250, f.queries[0].Limit)
	f.mu.Unlock()

	st := l.Stats()
	assert.Equal(t, uint64(2), st.Runs)
	assert.Empty(t, st.LastError)
	assert.False(t, st.LastRun.IsZero())
	assert.Equal(t, 2, rec.get(ResultOK))
}

func TestRunOnceResolvesIntegerNodeKeys(t *testing.T) {
	t.Parallel()

	nodes := []model.Node{
		{NodeID: "node-001", Key: 1, Status: model.StatusOnline},
		{NodeID: "node-002", Key: 2, Status: model.StatusOnline},
	}
	dets := []model.Detection{
		{ID: 4, NodeKey: 1, Timestamp: t0.Add(3 * time.Second)},
		{ID: 3, NodeKey: 2, Timestamp: t0.Add(2 * time.Second)},
		{ID: 2, NodeKey: 9, Timestamp: t0.Add(time.Second)},
		{ID: 1, NodeID: "node-002", Timestamp: t0},
	}
	f := &fakeFetcher{nodes: nodes, dets: dets}
	l, s := newLoop(t, f, Config{})

	res, err := l.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unmapped)
	assert.Equal(t, 3, res.Detections)
	assert.Equal(t, 3, res.Merge.DetectionsAdded)

	snap := s.Snapshot()
	require.Len(t, snap.DetectionsForNode("node-001"), 1)
	assert.Equal(t, int64(4), snap.DetectionsForNode("node-001")[0].ID)
	assert.Len(t, snap.DetectionsForNode("node-002"), 2)
	assert.Empty(t, snap.DetectionsForNode("1"), "keys never leak into node ids")
	for _, d := range snap.Detections() {
		assert.NotEqual(t, int64(2), d.ID, "row with an unknown key is dropped")
	}

	_, err = l.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.Stats().Unmapped)
}

func TestRunOnceFetchFailureLeavesStateAlone(t *testing.T) {
	t.Parallel()

	nodes, _ := snapshotFixture()
	f := &fakeFetcher{nodes: nodes, detErr: errors.NewStd("status 500")}
	rec := &runRecorder{}
	l, s := newLoop(t, f, Config{Recorder: rec})
	before := s.Snapshot()

	_, err := l.RunOnce(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryReconcile))
	assert.Same(t, before, s.Snapshot(), "partial snapshots are not merged")

	st := l.Stats()
	assert.Equal(t, uint64(1), st.Failures)
	assert.Contains(t, st.LastError, "status 500")
	assert.Equal(t, 1, rec.get(ResultFailed))
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	t.Parallel()

	nodes, dets := snapshotFixture()
	gate := make(chan struct{})
	f := &fakeFetcher{nodes: nodes, dets: dets, gate: gate}
	rec := &runRecorder{}
	l, _ := newLoop(t, f, Config{Recorder: rec})

	var wg sync.WaitGroup
	var firstErr error
	wg.Go(func() { _, firstErr = l.RunOnce(context.Background()) })

	require.Eventually(t, func() bool { return l.running.Load() }, 2*time.Second, time.Millisecond)

	_, err := l.RunOnce(t.Context())
	require.ErrorIs(t, err, ErrSkipped)

	close(gate)
	wg.Wait()
	require.NoError(t, firstErr)

	st := l.Stats()
	assert.Equal(t, uint64(1), st.Runs)
	assert.Equal(t, uint64(1), st.Skipped)
	assert.Equal(t, 1, rec.get(ResultSkipped))
}

func TestTriggerRunsImmediately(t *testing.T) {
	t.Parallel()

	nodes, dets := snapshotFixture()
	f := &fakeFetcher{nodes: nodes, dets: dets}
	l, s := newLoop(t, f, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	l.Trigger()
	l.Trigger()
	require.Eventually(t, func() bool { return s.Snapshot().NodeCount() == 2 }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.LessOrEqual(t, l.Stats().Runs, uint64(2), "queued triggers collapse")
}

func TestRunTicksOnInterval(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	l, _ := newLoop(t, f, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.Stats().Runs >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
