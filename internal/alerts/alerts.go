// Package alerts derives the alert feed from the detection collection and
// forwards new alerts to an operator notifier.
package alerts

import (
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
)

// DefaultThreshold is the alert confidence used when none is configured.
const DefaultThreshold = 0.9

// Notification outcome labels passed to the Recorder.
const (
	ResultNotified  = "notified"
	ResultThrottled = "throttled"
	ResultStale     = "stale"
	ResultDropped   = "dropped"
)

// defaultSeenTTL bounds how long an alert id is remembered as notified.
const defaultSeenTTL = 24 * time.Hour

// Project returns the detections whose best sub-detection has confidence of
// at least threshold, newest first, one alert per detection id. The input is
// expected newest first, as the store keeps it. A detection with no objects
// has max confidence 0 and an empty class.
func Project(detections []model.Detection, threshold float64) []model.Alert {
	out := make([]model.Alert, 0)
	seen := make(map[int64]struct{})
	for i := range detections {
		d := &detections[i]
		if d.MaxConfidence() < threshold {
			continue
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		alert := model.Alert{Detection: *d}
		if top, ok := d.TopObject(); ok {
			alert.Class, alert.Confidence = top.Class, top.Confidence
		}
		out = append(out, alert)
	}
	return out
}

// Notifier receives alerts selected for operator notification. It is called
// on the store writer and must not block.
type Notifier interface {
	NotifyAlert(alert model.Alert) error
}

// Recorder receives notification outcomes, typically the metrics collector.
type Recorder interface {
	RecordAlertNotification(result string)
}

// Config configures an Engine.
type Config struct {
	Threshold float64
	// Cooldown suppresses repeat notifications for the same node and class.
	Cooldown time.Duration
	// NotifyMaxAge skips notification of alerts whose detection is older.
	// Zero notifies regardless of age.
	NotifyMaxAge time.Duration
	// SeenTTL is how long notified alert ids are remembered.
	SeenTTL  time.Duration
	Notifier Notifier
	Recorder Recorder
	Now      func() time.Time
}

// View is one published alert list.
type View struct {
	Generation uint64
	Threshold  float64
	Alerts     []model.Alert
}

// Stats are cumulative notification counters.
type Stats struct {
	Alerts    int    `json:"alerts"`
	Notified  uint64 `json:"notified"`
	Throttled uint64 `json:"throttled"`
	Stale     uint64 `json:"stale"`
	Dropped   uint64 `json:"dropped"`
}

// Engine keeps the alert view. Update is serialized; readers use Alerts or
// View from any goroutine.
type Engine struct {
	log logger.Logger
	cfg Config

	mu       sync.Mutex
	view     atomic.Pointer[View]
	throttle *cache.Cache
	seen     *cache.Cache

	notified  atomic.Uint64
	throttled atomic.Uint64
	stale     atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an Engine. The threshold must be in [0, 1.01]; values above 1
// disable alerts.
func New(log logger.Logger, cfg Config) (*Engine, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1.01 {
		return nil, errors.Newf("alert threshold %v outside [0, 1.01]", cfg.Threshold).
			Component("alerts").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = max(defaultSeenTTL, 2*cfg.NotifyMaxAge)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	// No janitor goroutines; expired entries are dropped on Update.
	e := &Engine{
		log:      log.Module("alerts"),
		cfg:      cfg,
		throttle: cache.New(cfg.Cooldown, 0),
		seen:     cache.New(cfg.SeenTTL, 0),
	}
	e.view.Store(&View{Threshold: cfg.Threshold, Alerts: []model.Alert{}})
	return e, nil
}

// Threshold returns the configured alert confidence.
func (e *Engine) Threshold() float64 { return e.cfg.Threshold }

// View returns the current alert view. The slice must not be modified.
func (e *Engine) View() *View { return e.view.Load() }

// Alerts returns a copy of the current alert list, newest first.
func (e *Engine) Alerts() []model.Alert {
	return slices.Clone(e.view.Load().Alerts)
}

// Stats returns the notification counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Alerts:    len(e.view.Load().Alerts),
		Notified:  e.notified.Load(),
		Throttled: e.throttled.Load(),
		Stale:     e.stale.Load(),
		Dropped:   e.dropped.Load(),
	}
}

// Update recomputes the alert view from the detection collection and
// notifies alerts not seen before, oldest first. It returns the new list.
func (e *Engine) Update(detections []model.Detection) []model.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := Project(detections, e.cfg.Threshold)
	prev := e.view.Load()
	e.view.Store(&View{Generation: prev.Generation + 1, Threshold: e.cfg.Threshold, Alerts: list})

	if len(list) != len(prev.Alerts) {
		e.log.Debug("alert view updated", logger.Int("alerts", len(list)), logger.Int("previous", len(prev.Alerts)))
	}

	e.seen.DeleteExpired()
	e.throttle.DeleteExpired()
	now := e.cfg.Now()
	for i := len(list) - 1; i >= 0; i-- {
		e.consider(list[i], now)
	}
	return list
}

func (e *Engine) consider(a model.Alert, now time.Time) {
	seenKey := alertKey(a.Detection.ID)
	if _, ok := e.seen.Get(seenKey); ok {
		return
	}
	e.seen.SetDefault(seenKey, struct{}{})

	if e.cfg.NotifyMaxAge > 0 && now.Sub(a.Detection.Timestamp) > e.cfg.NotifyMaxAge {
		e.stale.Add(1)
		e.record(ResultStale)
		return
	}

	if e.cfg.Cooldown > 0 {
		key := throttleKey(a)
		if err := e.throttle.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
			e.throttled.Add(1)
			e.record(ResultThrottled)
			e.log.Debug("alert notification coalesced",
				logger.String("node_id", a.Detection.NodeID),
				logger.String("class", a.Class),
				logger.Int64("detection_id", a.Detection.ID))
			return
		}
	}

	if e.cfg.Notifier == nil {
		return
	}
	if err := e.cfg.Notifier.NotifyAlert(a); err != nil {
		e.dropped.Add(1)
		e.record(ResultDropped)
		e.log.Warn("alert notification dropped",
			logger.Int64("detection_id", a.Detection.ID),
			logger.Error(err))
		return
	}
	e.notified.Add(1)
	e.record(ResultNotified)
}

func (e *Engine) record(result string) {
	if e.cfg.Recorder != nil {
		e.cfg.Recorder.RecordAlertNotification(result)
	}
}

func alertKey(id int64) string {
	return "det:" + strconv.FormatInt(id, 10)
}

func throttleKey(a model.Alert) string {
	return a.Detection.NodeID + "|" + strings.ToLower(a.Class)
}
