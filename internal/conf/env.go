// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the console reads.
const EnvPrefix = "SENTINEL"

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the environment variable bindings that carry validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"backend.resturl", "SENTINEL_BACKEND_RESTURL", validateEnvURL},
		{"backend.pushurl", "SENTINEL_BACKEND_PUSHURL", validateEnvURL},
		{"backend.transport", "SENTINEL_BACKEND_TRANSPORT", validateEnvTransport},
		{"backend.commandtimeout", "SENTINEL_BACKEND_COMMANDTIMEOUT", validateEnvDuration},
		{"reconcile.interval", "SENTINEL_RECONCILE_INTERVAL", validateEnvDuration},
		{"alerts.threshold", "SENTINEL_ALERTS_THRESHOLD", validateEnvThreshold},
		{"alerts.cooldown", "SENTINEL_ALERTS_COOLDOWN", validateEnvDuration},
		{"retention.maxdetections", "SENTINEL_RETENTION_MAXDETECTIONS", validateEnvPositiveInt},
		{"retention.maxage", "SENTINEL_RETENTION_MAXAGE", validateEnvDuration},
		{"mqtt.broker", "SENTINEL_MQTT_BROKER", nil},
		{"mqtt.password", "SENTINEL_MQTT_PASSWORD", nil},
		{"sentry.enabled", "SENTINEL_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "SENTINEL_SENTRY_DSN", nil},
		{"webserver.listen", "SENTINEL_WEBSERVER_LISTEN", nil},
		{"logging.level", "SENTINEL_LOGGING_LEVEL", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(binding.EnvVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

// Environment variable validation functions

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid boolean value: %s", value)
	}
	return nil
}

func validateEnvThreshold(value string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fmt.Errorf("invalid threshold value: %s", value)
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %v", f)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid duration value: %s", value)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative, got %s", d)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid integer value: %s", value)
	}
	if n <= 0 {
		return fmt.Errorf("value must be positive, got %d", n)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL: %s", value)
	}
	return nil
}

func validateEnvTransport(value string) error {
	switch strings.TrimSpace(value) {
	case TransportWebSocket, TransportMQTT:
		return nil
	default:
		return fmt.Errorf("transport must be %q or %q", TransportWebSocket, TransportMQTT)
	}
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return bindEnvVars(v)
}
