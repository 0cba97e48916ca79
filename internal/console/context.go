package console

import (
	"io"

	"github.com/tphakala/sentinel-console/internal/buildinfo"
	"github.com/tphakala/sentinel-console/internal/conf"
	"github.com/tphakala/sentinel-console/internal/logger"
)

// Context carries what the CLI resolves before any command runs. Settings
// and Logger are nil until Init.
type Context struct {
	Build    *buildinfo.Context
	Settings *conf.Settings
	Logger   logger.Logger

	central *logger.CentralLogger
}

// NewContext returns a Context for the given build.
func NewContext(build *buildinfo.Context) *Context {
	return &Context{Build: build}
}

// Init loads settings and builds the logger. An empty configFile searches the
// default locations. A non-nil logTo replaces the configured log outputs so
// one-shot commands keep stdout for their own output.
func (c *Context) Init(configFile string, logTo io.Writer) error {
	settings, err := conf.Load(configFile)
	if err != nil {
		return err
	}
	var central *logger.CentralLogger
	if logTo != nil {
		central = logger.NewWriterLogger(logTo, logger.LogLevel(logLevel(settings)))
	} else if central, err = NewLogger(settings); err != nil {
		return err
	}
	c.Settings, c.central = settings, central
	c.Logger = central.Module("sentinel")
	return nil
}

// Close flushes and closes the log outputs.
func (c *Context) Close() error {
	if c.central == nil {
		return nil
	}
	return c.central.Close()
}

// NewLogger builds the central logger from the logging settings. Debug mode
// lowers the default level to debug.
func NewLogger(settings *conf.Settings) (*logger.CentralLogger, error) {
	level := logLevel(settings)
	cfg := &logger.LoggingConfig{
		DefaultLevel: level,
		Console:      &logger.ConsoleOutput{Enabled: true, Level: level},
		ModuleLevels: settings.Logging.ModuleLevels,
	}
	if settings.Logging.File != "" {
		cfg.FileOutput = &logger.FileOutput{Enabled: true, Path: settings.Logging.File, Level: level}
	}
	return logger.NewCentralLogger(cfg)
}

func logLevel(settings *conf.Settings) string {
	if settings.Debug {
		return string(logger.LogLevelDebug)
	}
	return settings.Logging.Level
}
