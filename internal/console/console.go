// Package console assembles the sync engine, its push transport and its
// outer surfaces (HTTP API, notifications, metrics, telemetry) from settings.
package console

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/sentinel-console/internal/alerts"
	"github.com/tphakala/sentinel-console/internal/api"
	"github.com/tphakala/sentinel-console/internal/backend"
	"github.com/tphakala/sentinel-console/internal/blackout"
	"github.com/tphakala/sentinel-console/internal/buildinfo"
	"github.com/tphakala/sentinel-console/internal/conf"
	"github.com/tphakala/sentinel-console/internal/engine"
	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/httpclient"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/normalizer"
	"github.com/tphakala/sentinel-console/internal/notification"
	"github.com/tphakala/sentinel-console/internal/observability"
	"github.com/tphakala/sentinel-console/internal/privacy"
	"github.com/tphakala/sentinel-console/internal/reconcile"
	"github.com/tphakala/sentinel-console/internal/store"
	"github.com/tphakala/sentinel-console/internal/telemetry"
	"github.com/tphakala/sentinel-console/internal/transport"
)

const telemetryFlushTimeout = 2 * time.Second

// Options select which parts are built.
type Options struct {
	// Push connects the push channel. One-shot commands leave it off and
	// rely on a reconciliation instead.
	Push bool
	// API serves the HTTP API when the web server is enabled in settings.
	API bool
	// Notify delivers notifications when enabled in settings.
	Notify bool
	// HTTPTransport replaces the REST client transport, for tests.
	HTTPTransport http.RoundTripper
}

// Console is an assembled, not yet running, console.
type Console struct {
	Settings   *conf.Settings
	Metrics    *observability.Metrics
	Backend    *backend.Client
	Engine     *engine.Engine
	Dispatcher *notification.Dispatcher // nil when notifications are off
	API        *api.Server              // nil when the API is off
	Telemetry  *telemetry.Reporter

	log logger.Logger
}

// New builds every component from settings. Nothing is started.
func New(log logger.Logger, settings *conf.Settings, info *buildinfo.Context, opts Options) (*Console, error) {
	c := &Console{Settings: settings, log: log.Module("console")}

	reporter, err := telemetry.New(log, settings.Sentry, info.GetVersion())
	if err != nil {
		return nil, err
	}
	if reporter.IsEnabled() {
		reporter.Install()
	}
	c.Telemetry = reporter

	if c.Metrics, err = observability.NewMetrics(); err != nil {
		return nil, errors.New(err).
			Component("console").
			Category(errors.CategoryConfiguration).
			Context("operation", "metrics_init").
			Build()
	}

	if c.Backend, err = newBackend(log, settings, info, c.Metrics, opts.HTTPTransport); err != nil {
		return nil, err
	}

	if opts.Notify && settings.Notification.Enabled {
		if c.Dispatcher, err = newDispatcher(log, settings, c.Metrics); err != nil {
			return nil, err
		}
	}

	var source engine.Source
	if opts.Push {
		if source, err = newSource(log, settings, c.Metrics); err != nil {
			return nil, err
		}
	}

	if c.Engine, err = c.newEngine(log, source); err != nil {
		return nil, err
	}

	if opts.API && settings.WebServer.Enabled {
		c.API, err = api.New(log, api.ConfigFromSettings(settings), c.Engine,
			api.WithMetrics(c.Metrics),
			api.WithBuildInfo(info))
		if err != nil {
			return nil, err
		}
	}

	c.log.Info("console assembled",
		logger.String("rest_url", privacy.RedactURL(settings.Backend.RestURL)),
		logger.String("transport", settings.Backend.Transport),
		logger.Bool("push", opts.Push),
		logger.Bool("api", c.API != nil),
		logger.Bool("notifications", c.Dispatcher != nil),
		logger.Bool("telemetry", reporter.IsEnabled()))
	return c, nil
}

func newBackend(log logger.Logger, settings *conf.Settings, info *buildinfo.Context, m *observability.Metrics, rt http.RoundTripper) (*backend.Client, error) {
	userAgent := settings.Backend.UserAgent
	if userAgent == "" {
		userAgent = info.UserAgent()
	}
	hc := httpclient.New(&httpclient.Config{
		DefaultTimeout: settings.Backend.RequestTimeout,
		UserAgent:      userAgent,
		Transport:      rt,
	})
	hc.SetBeforeRequestHook(backend.PropagateRequestID)
	hc.SetAfterResponseHook(m.HTTP.ObserveRESTRequest)
	return backend.New(hc, settings.Backend.RestURL, log)
}

func newDispatcher(log logger.Logger, settings *conf.Settings, m *observability.Metrics) (*notification.Dispatcher, error) {
	n := settings.Notification
	providers := []notification.Provider{notification.NewLogProvider(log.Module("notification"))}
	if len(n.URLs) > 0 {
		p, err := notification.NewShoutrrrProvider("shoutrrr", n.URLs, n.Timeout)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return notification.NewDispatcher(log, providers, notification.DispatcherConfig{
		QueueSize:     n.QueueSize,
		RatePerMinute: n.RateLimit,
		SendTimeout:   n.Timeout,
		Recorder:      m.Notification,
	}), nil
}

// newSource builds the push channel for the configured transport.
func newSource(log logger.Logger, settings *conf.Settings, m *observability.Metrics) (*transport.Channel, error) {
	var (
		dialer transport.Dialer
		err    error
	)
	switch settings.Backend.Transport {
	case conf.TransportMQTT:
		mq := settings.MQTT
		dialer, err = transport.NewMQTTDialer(log, transport.MQTTConfig{
			Broker:         mq.Broker,
			Topic:          mq.Topic,
			Username:       mq.Username,
			Password:       mq.Password,
			ClientID:       mq.ClientID,
			QoS:            byte(mq.QoS),
			ConnectTimeout: settings.Backend.RequestTimeout,
		})
	default:
		header := http.Header{}
		if settings.Backend.UserAgent != "" {
			header.Set("User-Agent", settings.Backend.UserAgent)
		}
		dialer, err = transport.NewWebSocketDialer(log, transport.WebSocketConfig{
			URL:          settings.Backend.PushURL,
			PingInterval: settings.Push.PingInterval,
			IdleTimeout:  settings.Push.IdleTimeout,
			Header:       header,
		})
	}
	if err != nil {
		return nil, err
	}

	b := settings.Push.Backoff
	return transport.NewChannel(log, dialer, transport.Config{
		Backoff: transport.BackoffConfig{
			Initial:    b.Initial,
			Max:        b.Max,
			Multiplier: b.Multiplier,
			Jitter:     b.Jitter,
		},
		Recorder: m.Transport,
	}), nil
}

func (c *Console) newEngine(log logger.Logger, source engine.Source) (*engine.Engine, error) {
	s := c.Settings

	var notifier alerts.Notifier
	if c.Dispatcher != nil {
		notifier = c.Dispatcher
	}
	al, err := alerts.New(log, alerts.Config{
		Threshold:    s.Alerts.Threshold,
		Cooldown:     s.Alerts.Cooldown,
		NotifyMaxAge: s.Alerts.NotifyMaxAge,
		Notifier:     notifier,
		Recorder:     c.Metrics.Commands,
	})
	if err != nil {
		return nil, err
	}

	deps := engine.Deps{
		Store: store.New(log, store.Config{
			MaxDetections: s.Retention.MaxDetections,
			MaxAge:        s.Retention.MaxAge,
			Recorder:      c.Metrics.Sync,
		}),
		Normalizer: normalizer.New(log, normalizer.WithRecorder(c.Metrics.Sync)),
		Alerts:     al,
		Backend:    c.Backend,
	}
	// A nil *transport.Channel must not become a non-nil interface.
	if source != nil {
		deps.Source = source
	}
	if c.Dispatcher != nil {
		deps.Notifier = c.Dispatcher
	}

	return engine.New(log, deps, engine.Config{
		Blackout: blackout.Config{
			CommandTimeout: s.Backend.CommandTimeout,
			Recorder:       c.Metrics.Commands,
		},
		Reconcile: reconcile.Config{
			Interval:       s.Reconcile.Interval,
			DetectionLimit: s.Reconcile.DetectionLimit,
			Timeout:        s.Backend.RequestTimeout,
			Recorder:       c.Metrics.Sync,
		},
	}), nil
}

// Run runs the engine, the dispatcher and the API until ctx is cancelled or
// one of them fails.
func (c *Console) Run(ctx context.Context) error {
	defer c.Telemetry.Flush(telemetryFlushTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Engine.Run(gctx) })
	if c.Dispatcher != nil {
		g.Go(func() error { return c.Dispatcher.Run(gctx) })
	}
	if c.API != nil {
		g.Go(func() error { return c.API.Run(gctx) })
	}
	err := g.Wait()
	c.log.Info("console stopped", logger.Bool("error", err != nil))
	return err
}

// OneShot runs the engine long enough to reconcile once and then calls fn
// with it. Used by the CLI commands that do not stay running.
func (c *Console) OneShot(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Engine.Run(ctx) }()

	_, err := c.Engine.Reconcile(ctx)
	if err == nil {
		err = fn(ctx, c.Engine)
	}
	cancel()
	if runErr := <-done; err == nil {
		err = runErr
	}
	c.Telemetry.Flush(telemetryFlushTimeout)
	return err
}
