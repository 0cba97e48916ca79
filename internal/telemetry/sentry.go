// Package telemetry provides privacy-compliant error tracking.
//
// Telemetry is opt-in. When enabled, a Reporter is installed into the errors
// package so that errors built with the error builder in reportable
// categories (command failures, transport and reconciliation problems) are
// forwarded to Sentry after scrubbing.
package telemetry

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/sentinel-console/internal/conf"
	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/privacy"
)

// allowedContextKeys lists the error context keys forwarded to Sentry.
// Everything else, node coordinates included, stays local.
var allowedContextKeys = []string{"operation", "stage", "result", "node_id", "duration_ms", "url_category", "status_code"}

// Option adjusts the Sentry client options before the client is created.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, for tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// Reporter forwards enhanced errors to Sentry. It implements
// errors.TelemetryReporter. A disabled Reporter drops everything.
type Reporter struct {
	log      logger.Logger
	hub      *sentry.Hub
	reported atomic.Uint64
}

// New creates a Reporter from the sentry settings. With telemetry disabled it
// returns a disabled Reporter and no error.
func New(log logger.Logger, cfg conf.SentrySettings, release string, opts ...Option) (*Reporter, error) {
	r := &Reporter{log: log.Module("telemetry")}
	if !cfg.Enabled {
		r.log.Debug("sentry telemetry is disabled (opt-in required)")
		return r, nil
	}

	env := cfg.Environment
	if env == "" {
		env = "production"
	}
	options := sentry.ClientOptions{
		Dsn:              cfg.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      env,
		ServerName:       "", // keep the hostname out of events
		Release:          "sentinel-console@" + release,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	scope := sentry.NewScope()
	scope.SetTag("os", runtime.GOOS)
	scope.SetTag("arch", runtime.GOARCH)
	r.hub = sentry.NewHub(client, scope)

	r.log.Info("sentry telemetry enabled", logger.String("environment", env), logger.String("release", options.Release))
	return r, nil
}

// Install makes r the process-wide telemetry reporter and privacy scrubber.
func (r *Reporter) Install() {
	errors.SetTelemetryReporter(r)
	errors.SetPrivacyScrubber(privacy.ScrubMessage)
}

// IsEnabled reports whether events are sent.
func (r *Reporter) IsEnabled() bool {
	return r != nil && r.hub != nil
}

// Reported returns the number of events handed to Sentry.
func (r *Reporter) Reported() uint64 {
	return r.reported.Load()
}

// ReportError sends ee as a scrubbed Sentry event. Errors that wrap an already
// reported error are skipped so re-wrapping does not duplicate events.
func (r *Reporter) ReportError(ee *errors.EnhancedError) {
	if !r.IsEnabled() || ee == nil {
		return
	}
	var inner *errors.EnhancedError
	if errors.As(ee.Err, &inner) && inner.IsReported() {
		return
	}

	component := ee.GetComponent()
	title := errors.GenerateErrorTitle(ee)
	message := privacy.ScrubMessage(ee.GetMessage())

	details := sentry.Context{"category": ee.GetCategory()}
	ctx := ee.GetContext()
	for _, k := range allowedContextKeys {
		if v, ok := ctx[k]; ok {
			details[k] = v
		}
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("category", ee.GetCategory())
		scope.SetTag("error_title", title)
		if p := ee.GetPriority(); p != "" {
			scope.SetTag("priority", p)
		}
		scope.SetContext("error", details)
		scope.SetFingerprint([]string{title, component})

		event := sentry.NewEvent()
		event.Level = level(ee.Category)
		event.Message = message
		event.Timestamp = ee.GetTimestamp()
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		r.hub.CaptureEvent(event)
	})
	r.reported.Add(1)

	r.log.Debug("error reported to sentry",
		logger.String("component", component),
		logger.String("category", ee.GetCategory()),
		logger.String("title", title))
}

// Flush waits for buffered events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.IsEnabled() {
		return true
	}
	return r.hub.Flush(timeout)
}

func level(category errors.ErrorCategory) sentry.Level {
	if errors.Severity(category) == "warning" {
		return sentry.LevelWarning
	}
	return sentry.LevelError
}

// applyPrivacyFilters strips host identity and any extra data from an event
// before it leaves the process.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil
	event.Modules = nil

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	event.Message = privacy.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = privacy.ScrubMessage(event.Exception[i].Value)
	}
	return event
}
