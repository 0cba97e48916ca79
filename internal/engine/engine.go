// Package engine wires the push channel, the normalizer, the store and the
// derived views into one running sync engine.
//
// All store writes run on a single writer goroutine that drains a FIFO queue
// of operations. Push frames are enqueued in arrival order by the pipeline
// goroutine; the blackout coordinator and the reconciliation loop submit
// their writes through the same queue, so a snapshot merge is atomic with
// respect to frames.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/sentinel-console/internal/alerts"
	"github.com/tphakala/sentinel-console/internal/blackout"
	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
	"github.com/tphakala/sentinel-console/internal/normalizer"
	"github.com/tphakala/sentinel-console/internal/reconcile"
	"github.com/tphakala/sentinel-console/internal/store"
	"github.com/tphakala/sentinel-console/internal/transport"
)

// ErrStopped is returned by Submit once the writer has exited.
var ErrStopped = errors.NewStd("engine stopped")

const defaultQueueSize = 256

// Source is the push channel; transport.Channel implements it.
type Source interface {
	Run(ctx context.Context) error
	Frames() <-chan []byte
	Signals() <-chan transport.Signal
	Connected() bool
	Stats() transport.Stats
}

// Backend is the REST side the engine needs: commands and the snapshot.
type Backend interface {
	blackout.Commander
	reconcile.Fetcher
}

// BlackoutNotifier is told about blackouts opening or closing;
// notification.Dispatcher implements it. It must not block.
type BlackoutNotifier interface {
	NotifyBlackout(e model.BlackoutEvent) error
}

// Deps are the collaborators an Engine is built from. Store, Alerts and
// Backend are required. Source may be nil for one-shot use, in which case no
// push frames are consumed.
type Deps struct {
	Store      *store.Store
	Normalizer *normalizer.Normalizer
	Alerts     *alerts.Engine
	Source     Source
	Backend    Backend
	// Notifier is optional.
	Notifier BlackoutNotifier
}

// Config configures an Engine.
type Config struct {
	// QueueSize bounds the writer queue. Producers block when it is full.
	QueueSize int
	Blackout  blackout.Config
	Reconcile reconcile.Config
}

type op struct {
	fn   func(*store.Store)
	done chan struct{} // nil for fire-and-forget frame ops
}

// Engine is the running sync engine.
type Engine struct {
	log    logger.Logger
	store  *store.Store
	norm   *normalizer.Normalizer
	alerts *alerts.Engine
	source Source
	notify BlackoutNotifier
	coord  *blackout.Coordinator
	recon  *reconcile.Loop

	ops     chan op
	quit    chan struct{}
	stopped chan struct{}
	started atomic.Bool

	applied atomic.Uint64
	hints   atomic.Uint64
}

// New creates an Engine. Call Run to start it.
func New(log logger.Logger, deps Deps, cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalizer.New(log)
	}
	e := &Engine{
		log:     log.Module("engine"),
		store:   deps.Store,
		norm:    deps.Normalizer,
		alerts:  deps.Alerts,
		source:  deps.Source,
		notify:  deps.Notifier,
		ops:     make(chan op, cfg.QueueSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	e.coord = blackout.New(log, deps.Backend, e, cfg.Blackout)
	e.recon = reconcile.New(log, deps.Backend, e, cfg.Reconcile)
	return e
}

// Run starts the writer, the push pipeline and the reconciliation loop and
// blocks until ctx is cancelled. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.Newf("engine already started").
			Component("engine").
			Category(errors.CategoryState).
			Build()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		e.writer()
	}()

	e.log.Info("engine started", logger.Bool("push", e.source != nil))

	g, gctx := errgroup.WithContext(ctx)
	if e.source != nil {
		g.Go(func() error { return e.source.Run(gctx) })
		g.Go(func() error { e.pipeline(gctx); return nil })
		g.Go(func() error { e.watchSignals(); return nil })
	}
	g.Go(func() error { return e.recon.Run(gctx) })
	err := g.Wait()

	close(e.quit)
	<-writerDone
	e.log.Info("engine stopped", logger.Uint64("ops_applied", e.applied.Load()))
	return err
}

// Submit runs fn on the writer goroutine and waits until it has been applied.
// If ctx ends first the op may still be applied later.
func (e *Engine) Submit(ctx context.Context, fn func(*store.Store)) error {
	o := op{fn: fn, done: make(chan struct{})}
	if err := e.enqueue(ctx, o); err != nil {
		return err
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		select {
		case <-o.done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (e *Engine) enqueue(ctx context.Context, o op) error {
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}
	select {
	case e.ops <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

// writer applies ops in queue order. On quit it drains what is already
// queued before reporting stopped.
func (e *Engine) writer() {
	defer close(e.stopped)
	for {
		select {
		case o := <-e.ops:
			e.apply(o)
		case <-e.quit:
			for {
				select {
				case o := <-e.ops:
					e.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) apply(o op) {
	before := e.store.Snapshot().DetectionsVersion
	o.fn(e.store)
	e.applied.Add(1)
	if o.done != nil {
		close(o.done)
	}
	if snap := e.store.Snapshot(); snap.DetectionsVersion != before {
		e.alerts.Update(snap.Detections())
	}
}

// pipeline normalizes frames and enqueues their writes in arrival order.
func (e *Engine) pipeline(ctx context.Context) {
	for raw := range e.source.Frames() {
		ev, err := e.norm.Normalize(raw)
		switch {
		case errors.Is(err, normalizer.ErrSnapshotHint):
			e.hints.Add(1)
			e.recon.Trigger()
			continue
		case err != nil:
			// Logged and counted by the normalizer.
			continue
		}
		if err := e.enqueue(ctx, op{fn: func(s *store.Store) { e.applyEvent(s, ev) }}); err != nil {
			e.log.Debug("frame not applied, engine stopping", logger.String("kind", string(ev.Kind())))
		}
	}
}

func (e *Engine) applyEvent(s *store.Store, ev normalizer.Event) {
	switch ev := ev.(type) {
	case normalizer.NodeStatusEvent:
		res := s.ApplyNodeStatus(ev.Node)
		if res.Changed {
			e.log.Debug("node updated",
				logger.String("node_id", ev.Node.NodeID),
				logger.String("from", string(res.Previous)),
				logger.String("to", string(res.Status)))
		}
	case normalizer.DetectionEvent:
		res := s.ApplyDetection(ev.Detection)
		if !res.Added {
			return
		}
		d := ev.Detection
		d.ID = res.ID
		e.coord.ObserveDetection(s, d)
	case normalizer.BlackoutEventMsg:
		res := s.ApplyBlackoutEvent(ev.Event)
		if !res.Changed {
			return
		}
		fields := []logger.Field{
			logger.String("node_id", ev.Event.NodeID),
			logger.String("action", ev.Action.String()),
			logger.Int64("event_id", res.Event.ID),
		}
		if ev.DetectionsTransmitted != nil {
			fields = append(fields, logger.Int("detections_transmitted", *ev.DetectionsTransmitted))
		}
		e.log.Info("blackout event applied", fields...)
		if res.Opened || res.Closed {
			e.notifyBlackout(res.Event)
		}
	}
}

func (e *Engine) notifyBlackout(ev model.BlackoutEvent) {
	if e.notify == nil {
		return
	}
	if err := e.notify.NotifyBlackout(ev); err != nil {
		e.log.Warn("blackout notification dropped",
			logger.String("node_id", ev.NodeID),
			logger.Error(err))
	}
}

// watchSignals reconciles after every (re)connect so state missed while
// disconnected is repaired.
func (e *Engine) watchSignals() {
	for sig := range e.source.Signals() {
		switch sig.Kind {
		case transport.SignalConnected:
			e.log.Info("push channel connected, reconciling")
			e.recon.Trigger()
		case transport.SignalDisconnected:
			if sig.Err == nil {
				continue
			}
			err := errors.New(sig.Err).
				Component("engine").
				Category(errors.CategoryTransport).
				Priority(errors.PriorityMedium).
				Build()
			e.log.Warn("push channel lost", logger.Error(err))
		}
	}
}

// Snapshot returns the current store snapshot.
func (e *Engine) Snapshot() *store.Snapshot { return e.store.Snapshot() }

// Alerts returns the current alert view.
func (e *Engine) Alerts() *alerts.View { return e.alerts.View() }

// Connected reports whether the push channel is up.
func (e *Engine) Connected() bool {
	return e.source != nil && e.source.Connected()
}

// Activate puts a node into covert mode.
func (e *Engine) Activate(ctx context.Context, nodeID, reason, actor string) (model.BlackoutEvent, error) {
	ev, err := e.coord.Activate(ctx, nodeID, reason, actor)
	if err == nil {
		e.notifyBlackout(ev)
	}
	return ev, err
}

// Deactivate ends a node's covert mode.
func (e *Engine) Deactivate(ctx context.Context, nodeID, actor string) (model.BlackoutEvent, error) {
	ev, err := e.coord.Deactivate(ctx, nodeID, actor)
	if err == nil {
		e.notifyBlackout(ev)
	}
	return ev, err
}

// Phase returns a node's blackout phase, including pending commands.
func (e *Engine) Phase(nodeID string) blackout.Phase { return e.coord.Phase(nodeID) }

// Pending returns the nodes with a blackout command in flight.
func (e *Engine) Pending() map[string]blackout.Phase { return e.coord.Pending() }

// Reconcile runs one reconciliation now. Run must be active.
func (e *Engine) Reconcile(ctx context.Context) (reconcile.Result, error) {
	return e.recon.RunOnce(ctx)
}

// Stats aggregates the engine's component counters.
type Stats struct {
	Connected         bool             `json:"connected"`
	Version           uint64           `json:"version"`
	DetectionsVersion uint64           `json:"detections_version"`
	Nodes             int              `json:"nodes"`
	Detections        int              `json:"detections"`
	OpenBlackouts     int              `json:"open_blackouts"`
	OpsApplied        uint64           `json:"ops_applied"`
	SnapshotHints     uint64           `json:"snapshot_hints"`
	Transport         transport.Stats  `json:"transport"`
	Normalizer        normalizer.Stats `json:"normalizer"`
	Store             store.Stats      `json:"store"`
	Alerts            alerts.Stats     `json:"alerts"`
	Reconcile         reconcile.Stats  `json:"reconcile"`
	At                time.Time        `json:"at"`
}

// Stats returns a point-in-time summary.
func (e *Engine) Stats() Stats {
	snap := e.store.Snapshot()
	st := Stats{
		Connected:         e.Connected(),
		Version:           snap.Version,
		DetectionsVersion: snap.DetectionsVersion,
		Nodes:             snap.NodeCount(),
		Detections:        snap.DetectionCount(),
		OpenBlackouts:     snap.OpenBlackoutCount(),
		OpsApplied:        e.applied.Load(),
		SnapshotHints:     e.hints.Load(),
		Normalizer:        e.norm.Stats(),
		Store:             e.store.Stats(),
		Alerts:            e.alerts.Stats(),
		Reconcile:         e.recon.Stats(),
		At:                time.Now().UTC(),
	}
	if e.source != nil {
		st.Transport = e.source.Stats()
	}
	return st
}
