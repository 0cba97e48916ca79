package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/sentinel-console/internal/alerts"
	mw "github.com/tphakala/sentinel-console/internal/api/middleware"
	"github.com/tphakala/sentinel-console/internal/blackout"
	"github.com/tphakala/sentinel-console/internal/buildinfo"
	"github.com/tphakala/sentinel-console/internal/engine"
	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/model"
	"github.com/tphakala/sentinel-console/internal/observability"
	"github.com/tphakala/sentinel-console/internal/store"
)

// Engine is the part of the sync engine the API reads and commands.
// *engine.Engine implements it.
type Engine interface {
	Snapshot() *store.Snapshot
	Alerts() *alerts.View
	Stats() engine.Stats
	Phase(nodeID string) blackout.Phase
	Pending() map[string]blackout.Phase
	Activate(ctx context.Context, nodeID, reason, actor string) (model.BlackoutEvent, error)
	Deactivate(ctx context.Context, nodeID, actor string) (model.BlackoutEvent, error)
}

// Server is the console HTTP server. It manages the Echo instance, the
// middleware stack and the routes.
type Server struct {
	echo    *echo.Echo
	config  *Config
	log     logger.Logger
	engine  Engine
	metrics *observability.Metrics
	build   buildinfo.BuildInfo

	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithMetrics enables request metrics and the /metrics endpoint.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithBuildInfo sets the version reported by the health endpoint.
func WithBuildInfo(b buildinfo.BuildInfo) ServerOption {
	return func(s *Server) {
		s.build = b
	}
}

// New creates the HTTP server. It does not start listening.
func New(log logger.Logger, config *Config, eng Engine, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:    config,
		log:       log.Module("api"),
		engine:    eng,
		build:     &buildinfo.Context{},
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug

	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Listen),
		logger.Bool("metrics", s.metrics != nil))
	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())

	if s.metrics != nil {
		s.echo.Use(mw.NewMetrics(s.metrics.HTTP))
	}
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, func(c echo.Context) bool {
		return c.Path() == "/metrics" || c.Path() == "/api/v1/health"
	}))

	s.echo.Use(mw.NewSecurity(s.config.AllowedOrigins, s.config.BodyLimit)...)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	v1 := s.echo.Group("/api/v1")

	v1.GET("/health", s.healthCheck)
	v1.GET("/status", s.getStatus)

	v1.GET("/nodes", s.listNodes)
	v1.GET("/nodes/:id", s.getNode)
	v1.GET("/detections", s.listDetections)
	v1.GET("/alerts", s.listAlerts)
	v1.GET("/blackouts", s.listBlackouts)

	v1.POST("/blackout/activate", s.activateBlackout)
	v1.POST("/blackout/deactivate", s.deactivateBlackout)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// ServeHTTP lets the server be used as an http.Handler, mainly in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", logger.String("address", s.config.Listen))
		errCh <- s.echo.Start(s.config.Listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("operation", "listen").
			Build()
	case <-ctx.Done():
	}

	err := s.Shutdown()
	<-errCh
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return errors.New(err).
			Component("api").
			Category(errors.CategoryGeneric).
			Context("operation", "shutdown").
			Build()
	}
	s.log.Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
