// Package reconcile periodically re-fetches the authoritative REST snapshot
// and merges it into the store, repairing anything the push stream missed.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/sentinel-console/internal/backend"
	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
	"github.com/tphakala/sentinel-console/internal/store"
)

// ErrSkipped is returned by RunOnce when another run is in progress.
var ErrSkipped = errors.NewStd("reconciliation already running")

// Run outcome labels passed to the Recorder.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

const (
	defaultInterval       = 30 * time.Second
	defaultDetectionLimit = 500
	defaultTimeout        = 30 * time.Second
)

// Fetcher reads the REST snapshot; backend.Client implements it.
type Fetcher interface {
	ListNodes(ctx context.Context) ([]model.Node, error)
	ListDetections(ctx context.Context, q backend.DetectionQuery) ([]model.Detection, error)
}

// Writer runs fn on the store writer, serialized with push frames.
type Writer interface {
	Submit(ctx context.Context, fn func(*store.Store)) error
}

// Recorder receives run outcomes, typically the metrics collector.
type Recorder interface {
	RecordReconcile(result string, elapsed time.Duration)
}

// Config configures a Loop. Zero values take defaults.
type Config struct {
	Interval       time.Duration
	DetectionLimit int
	// Timeout bounds one fetch.
	Timeout  time.Duration
	Recorder Recorder
}

// Result describes one completed run.
type Result struct {
	At         time.Time         `json:"at"`
	Elapsed    time.Duration     `json:"elapsed"`
	Nodes      int               `json:"nodes"`
	Detections int               `json:"detections"`
	// Unmapped counts detection rows whose integer node key matched no node.
	Unmapped int               `json:"unmapped"`
	Merge    store.MergeResult `json:"merge"`
}

// Stats are cumulative loop counters.
type Stats struct {
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	Skipped   uint64    `json:"skipped"`
	Unmapped  uint64    `json:"unmapped"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Loop is the reconciliation loop.
type Loop struct {
	log    logger.Logger
	fetch  Fetcher
	writer Writer
	cfg    Config

	trigger chan struct{}
	running atomic.Bool

	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	unmapped atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// New creates a Loop.
func New(log logger.Logger, fetch Fetcher, writer Writer, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.DetectionLimit <= 0 {
		cfg.DetectionLimit = defaultDetectionLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Loop{
		log:     log.Module("reconcile"),
		fetch:   fetch,
		writer:  writer,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests an immediate run. Requests made while one is pending
// collapse into it.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Run reconciles every interval and on Trigger until ctx is cancelled.
// Failures are logged and counted; Run only returns when ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.log.Info("reconciliation loop started",
		logger.Duration("interval", l.cfg.Interval),
		logger.Int("detection_limit", l.cfg.DetectionLimit))

	for {
		select {
		case <-ctx.Done():
			l.log.Info("reconciliation loop stopped")
			return nil
		case <-ticker.C:
		case <-l.trigger:
		}
		_, _ = l.RunOnce(ctx)
	}
}

// RunOnce fetches the snapshot and merges it. It returns ErrSkipped without
// doing anything when another run is in progress.
func (l *Loop) RunOnce(ctx context.Context) (Result, error) {
	if !l.running.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		l.record(ResultSkipped, 0)
		l.log.Debug("reconciliation skipped, previous run still in progress")
		return Result{}, ErrSkipped
	}
	defer l.running.Store(false)

	start := time.Now()
	res, err := l.run(ctx)
	res.At, res.Elapsed = start, time.Since(start)

	l.runs.Add(1)
	l.mu.Lock()
	l.lastRun = start
	if err != nil {
		l.lastErr = err.Error()
	} else {
		l.lastErr = ""
	}
	l.mu.Unlock()

	if err != nil {
		l.failures.Add(1)
		l.record(ResultFailed, res.Elapsed)
		l.log.Warn("reconciliation failed", logger.Duration("elapsed", res.Elapsed), logger.Error(err))
		return res, err
	}

	l.record(ResultOK, res.Elapsed)
	l.log.Debug("reconciliation complete",
		logger.Int("nodes", res.Nodes),
		logger.Int("detections", res.Detections),
		logger.Int("nodes_changed", res.Merge.NodesChanged),
		logger.Int("detections_added", res.Merge.DetectionsAdded),
		logger.Duration("elapsed", res.Elapsed))
	return res, nil
}

func (l *Loop) run(ctx context.Context) (Result, error) {
	fctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	var (
		nodes []model.Node
		dets  []model.Detection
	)
	g, gctx := errgroup.WithContext(fctx)
	g.Go(func() error {
		var err error
		nodes, err = l.fetch.ListNodes(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		dets, err = l.fetch.ListDetections(gctx, backend.DetectionQuery{Limit: l.cfg.DetectionLimit})
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, l.wrap(err, "fetch")
	}

	res := Result{Nodes: len(nodes)}
	dets, res.Unmapped = resolveNodeKeys(nodes, dets)
	res.Detections = len(dets)
	if res.Unmapped > 0 {
		l.unmapped.Add(uint64(res.Unmapped))
		l.log.Warn("dropped detections with unknown node key",
			logger.Int("count", res.Unmapped))
	}

	err := l.writer.Submit(ctx, func(s *store.Store) {
		res.Merge = s.MergeSnapshot(nodes, dets)
	})
	if err != nil {
		return res, l.wrap(err, "merge")
	}
	return res, nil
}

// resolveNodeKeys rewrites detections that reference a node by its integer
// REST key to the node's string id. Rows whose key is not in nodes are
// dropped and counted.
func resolveNodeKeys(nodes []model.Node, dets []model.Detection) ([]model.Detection, int) {
	ids := make(map[int64]string, len(nodes))
	for i := range nodes {
		if nodes[i].Key != 0 {
			ids[nodes[i].Key] = nodes[i].NodeID
		}
	}

	out := make([]model.Detection, 0, len(dets))
	dropped := 0
	for i := range dets {
		d := dets[i]
		if d.NodeID == "" {
			id, ok := ids[d.NodeKey]
			if !ok {
				dropped++
				continue
			}
			d.NodeID = id
		}
		out = append(out, d)
	}
	return out, dropped
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Runs:      l.runs.Load(),
		Failures:  l.failures.Load(),
		Skipped:   l.skipped.Load(),
		Unmapped:  l.unmapped.Load(),
		LastRun:   l.lastRun,
		LastError: l.lastErr,
	}
}

func (l *Loop) wrap(err error, stage string) error {
	return errors.New(err).
		Component("reconcile").
		Category(errors.CategoryReconcile).
		Context("stage", stage).
		Build()
}

func (l *Loop) record(result string, elapsed time.Duration) {
	if l.cfg.Recorder != nil {
		l.cfg.Recorder.RecordReconcile(result, elapsed)
	}
}
