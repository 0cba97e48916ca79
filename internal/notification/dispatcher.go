package notification

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
)

// ErrQueueFull is returned by Enqueue when the dispatcher cannot accept more
// notifications.
var ErrQueueFull = errors.Newf("notification queue full").
	Component("notification").
	Category(errors.CategoryNotification).
	Build()

// Delivery outcome labels passed to the Recorder.
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

const (
	defaultQueueSize   = 100
	defaultRatePerMin  = 30
	defaultBurst       = 5
	defaultSendTimeout = 10 * time.Second
)

// Recorder receives delivery outcomes, typically the metrics collector.
type Recorder interface {
	RecordNotification(provider, result string)
}

// DispatcherConfig configures a Dispatcher. Zero values take defaults.
type DispatcherConfig struct {
	QueueSize int
	// RatePerMinute limits deliveries across all providers.
	RatePerMinute int
	Burst         int
	// SendTimeout bounds each provider call.
	SendTimeout time.Duration
	Recorder    Recorder
}

// DispatcherStats are cumulative delivery counters.
type DispatcherStats struct {
	Queued  int    `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Dispatcher queues notifications and delivers them to every provider from a
// single worker, rate limited. Enqueue never blocks.
type Dispatcher struct {
	log       logger.Logger
	providers []Provider
	queue     chan *Notification
	limiter   *rate.Limiter
	timeout   time.Duration
	rec       Recorder

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewDispatcher creates a Dispatcher. Call Run to start delivery.
func NewDispatcher(log logger.Logger, providers []Provider, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMin
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Dispatcher{
		log:       log.Module("notification"),
		providers: providers,
		queue:     make(chan *Notification, cfg.QueueSize),
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), cfg.Burst),
		timeout:   cfg.SendTimeout,
		rec:       cfg.Recorder,
	}
}

// Providers returns the provider names.
func (d *Dispatcher) Providers() []string {
	names := make([]string, 0, len(d.providers))
	for _, p := range d.providers {
		names = append(names, p.Name())
	}
	return names
}

// Enqueue schedules n for delivery or returns ErrQueueFull.
func (d *Dispatcher) Enqueue(n *Notification) error {
	select {
	case d.queue <- n:
		return nil
	default:
		d.dropped.Add(1)
		d.record("queue", ResultDropped)
		return ErrQueueFull
	}
}

// NotifyAlert enqueues an alert notification. It implements alerts.Notifier.
func (d *Dispatcher) NotifyAlert(a model.Alert) error {
	return d.Enqueue(NewAlertNotification(a))
}

// NotifyBlackout enqueues a blackout change notification.
func (d *Dispatcher) NotifyBlackout(e model.BlackoutEvent) error {
	return d.Enqueue(NewBlackoutNotification(e))
}

// Run delivers queued notifications until ctx is cancelled. Notifications
// still queued at that point are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("notification dispatcher started", logger.Int("providers", len(d.providers)))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("notification dispatcher stopped", logger.Int("pending", len(d.queue)))
			return nil
		case n := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				// Only cancellation ends the wait early.
				continue
			}
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	for _, p := range d.providers {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		start := time.Now()
		err := p.Send(sctx, n.Clone())
		cancel()

		if err != nil {
			d.failed.Add(1)
			d.record(p.Name(), ResultFailed)
			enhanced := errors.New(err).
				Component("notification").
				Category(errors.CategoryNotification).
				Context("provider", p.Name()).
				Context("notification_type", string(n.Type)).
				Timing("send", time.Since(start)).
				Build()
			d.log.Warn("notification delivery failed",
				logger.String("provider", p.Name()),
				logger.String("id", n.ID),
				logger.Error(enhanced))
			continue
		}
		d.sent.Add(1)
		d.record(p.Name(), ResultSent)
		d.log.Debug("notification delivered",
			logger.String("provider", p.Name()),
			logger.String("id", n.ID),
			logger.Duration("elapsed", time.Since(start)))
	}
}

// Stats returns the delivery counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:  len(d.queue),
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}

func (d *Dispatcher) record(provider, result string) {
	if d.rec != nil {
		d.rec.RecordNotification(provider, result)
	}
}
