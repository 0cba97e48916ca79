// Package api serves the console's state and blackout commands over HTTP for
// the UI.
package api

import (
	"time"

	"github.com/tphakala/sentinel-console/internal/conf"
	"github.com/tphakala/sentinel-console/internal/errors"
)

// Default constants for the HTTP server.
const (
	DefaultListen          = "127.0.0.1:8787"
	DefaultReadTimeout     = 15 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	// Blackout commands wait for the backend, so writes get the command
	// timeout plus headroom.
	writeHeadroom = 5 * time.Second

	defaultDetectionLimit = 100
	maxDetectionLimit     = 5000
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen         string   // host:port to bind
	AllowedOrigins []string // CORS allowed origins

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BodyLimit string // e.g. "64K"
	Debug     bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          DefaultListen,
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    10*time.Second + writeHeadroom,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		BodyLimit:       "64K",
	}
}

// ConfigFromSettings bridges conf.Settings to the server config.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	if settings.WebServer.Listen != "" {
		cfg.Listen = settings.WebServer.Listen
	}
	if settings.Backend.CommandTimeout > 0 {
		cfg.WriteTimeout = settings.Backend.CommandTimeout + writeHeadroom
	}
	cfg.Debug = settings.Debug
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.Newf("listen address is required").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if c.WriteTimeout <= 0 || c.ReadTimeout <= 0 {
		return errors.Newf("server timeouts must be positive").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}
