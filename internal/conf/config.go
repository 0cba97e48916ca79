// Package conf loads and validates console settings using viper.
package conf

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

//go:embed config.yaml
var configFiles embed.FS

// BackendSettings describe the authoritative backend this console follows.
type BackendSettings struct {
	RestURL        string        `yaml:"resturl"`        // REST base URL
	PushURL        string        `yaml:"pushurl"`        // WebSocket push endpoint
	Transport      string        `yaml:"transport"`      // "websocket" or "mqtt"
	CommandTimeout time.Duration `yaml:"commandtimeout"` // activate/deactivate deadline
	RequestTimeout time.Duration `yaml:"requesttimeout"` // default REST deadline
	UserAgent      string        `yaml:"useragent"`
}

// BackoffSettings shape the push reconnect schedule.
type BackoffSettings struct {
	Initial    time.Duration `yaml:"initial"`    // first reconnect delay, at most 1s
	Max        time.Duration `yaml:"max"`        // delay cap
	Multiplier float64       `yaml:"multiplier"` // growth per attempt
	Jitter     float64       `yaml:"jitter"`     // +/- fraction applied to each delay
}

// PushSettings control the push connection.
type PushSettings struct {
	PingInterval time.Duration   `yaml:"pinginterval"`
	IdleTimeout  time.Duration   `yaml:"idletimeout"`
	Backoff      BackoffSettings `yaml:"backoff"`
}

// MQTTSettings configure the MQTT push transport.
type MQTTSettings struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"clientid"`
	QoS      int    `yaml:"qos"`
}

// ReconcileSettings control the snapshot re-fetch loop.
type ReconcileSettings struct {
	Interval       time.Duration `yaml:"interval"`
	DetectionLimit int           `yaml:"detectionlimit"`
}

// AlertSettings control the alert feed and its notifications.
type AlertSettings struct {
	Threshold    float64       `yaml:"threshold"`    // minimum max-confidence for an alert
	Cooldown     time.Duration `yaml:"cooldown"`     // per node+class notification cooldown
	NotifyMaxAge time.Duration `yaml:"notifymaxage"` // older alerts are listed but not notified
}

// RetentionSettings bound the in-memory detection collection.
type RetentionSettings struct {
	MaxDetections int           `yaml:"maxdetections"`
	MaxAge        time.Duration `yaml:"maxage"` // 0 disables age eviction
}

// NotificationSettings configure operator alert delivery.
type NotificationSettings struct {
	Enabled   bool          `yaml:"enabled"`
	URLs      []string      `yaml:"urls"`      // shoutrrr service URLs
	RateLimit int           `yaml:"ratelimit"` // deliveries per minute
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queuesize"`
}

// WebServerSettings configure the local HTTP API.
type WebServerSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SentrySettings configure opt-in error telemetry.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// LoggingSettings configure the central logger.
type LoggingSettings struct {
	Level        string            `yaml:"level"`
	File         string            `yaml:"file"`
	ModuleLevels map[string]string `yaml:"modulelevels"`
}

// Settings is the single configuration object for the console.
type Settings struct {
	Debug        bool                 `yaml:"debug"`
	Backend      BackendSettings      `yaml:"backend"`
	Push         PushSettings         `yaml:"push"`
	MQTT         MQTTSettings         `yaml:"mqtt"`
	Reconcile    ReconcileSettings    `yaml:"reconcile"`
	Alerts       AlertSettings        `yaml:"alerts"`
	Retention    RetentionSettings    `yaml:"retention"`
	Notification NotificationSettings `yaml:"notification"`
	WebServer    WebServerSettings    `yaml:"webserver"`
	Sentry       SentrySettings       `yaml:"sentry"`
	Logging      LoggingSettings      `yaml:"logging"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration into the global viper instance and returns the
// validated settings. An empty configFile searches the default paths and
// falls back to the embedded defaults when no file exists.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings, err := LoadFrom(viper.GetViper(), configFile)
	if err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settings, nil
}

// LoadFrom is Load against an explicit viper instance.
func LoadFrom(v *viper.Viper, configFile string) (*Settings, error) {
	if err := initViper(v, configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

// initViper sets defaults, environment bindings and reads the config file.
func initViper(v *viper.Viper, configFile string) error {
	v.SetConfigType("yaml")
	setDefaultConfig(v)

	if err := configureEnvironmentVariables(v); err != nil {
		return err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName("config")
	for _, path := range defaultConfigPaths() {
		v.AddConfigPath(path)
	}

	err := v.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return v.ReadConfig(bytes.NewReader(getDefaultConfig()))
}

// defaultConfigPaths lists where config.yaml is searched, most specific first.
func defaultConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "sentinel"))
	}
	return append(paths, "/etc/sentinel")
}

// getDefaultConfig returns the embedded default configuration file.
func getDefaultConfig() []byte {
	data, err := configFiles.ReadFile("config.yaml")
	if err != nil {
		// embedded at build time
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return data
}

// DefaultConfigYAML exposes the embedded defaults, used by `sentinel config --defaults`.
func DefaultConfigYAML() string {
	return string(getDefaultConfig())
}

// Setting returns the settings loaded by Load, or nil before the first Load.
func Setting() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Redacted returns a copy with secrets masked for display.
func (s *Settings) Redacted() Settings {
	out := *s
	if out.MQTT.Password != "" {
		out.MQTT.Password = redactedValue
	}
	if out.Sentry.DSN != "" {
		out.Sentry.DSN = redactedValue
	}
	if len(out.Notification.URLs) > 0 {
		urls := make([]string, len(out.Notification.URLs))
		for i := range urls {
			urls[i] = redactedValue
		}
		out.Notification.URLs = urls
	}
	return out
}

const redactedValue = "[REDACTED]"
