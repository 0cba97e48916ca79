// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/tphakala/sentinel-console/internal/logger"
)

// Supported push transports.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// maxInitialBackoff bounds the first reconnect delay.
const maxInitialBackoff = time.Second

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validateBackendSettings,
		validatePushSettings,
		validateReconcileSettings,
		validateAlertSettings,
		validateRetentionSettings,
		validateNotificationSettings,
		validateWebServerSettings,
		validateSentrySettings,
		validateLoggingSettings,
	}
	for _, validate := range validators {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateBackendSettings(s *Settings) []string {
	var errs []string

	if err := validateURL(s.Backend.RestURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Sprintf("backend.resturl: %v", err))
	}

	switch s.Backend.Transport {
	case TransportWebSocket:
		if err := validateURL(s.Backend.PushURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Sprintf("backend.pushurl: %v", err))
		}
	case TransportMQTT:
		if s.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when backend.transport is mqtt")
		}
		if s.MQTT.Topic == "" {
			errs = append(errs, "mqtt.topic is required when backend.transport is mqtt")
		}
		if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
			errs = append(errs, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", s.MQTT.QoS))
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.transport must be %q or %q, got %q", TransportWebSocket, TransportMQTT, s.Backend.Transport))
	}

	if s.Backend.CommandTimeout <= 0 {
		errs = append(errs, "backend.commandtimeout must be positive")
	}
	if s.Backend.RequestTimeout <= 0 {
		errs = append(errs, "backend.requesttimeout must be positive")
	}

	return errs
}

func validatePushSettings(s *Settings) []string {
	var errs []string
	b := s.Push.Backoff

	if b.Initial <= 0 || b.Initial > maxInitialBackoff {
		errs = append(errs, fmt.Sprintf("push.backoff.initial must be in (0, %s], got %s", maxInitialBackoff, b.Initial))
	}
	if b.Max < b.Initial {
		errs = append(errs, "push.backoff.max must not be lower than push.backoff.initial")
	}
	if b.Multiplier < 1 {
		errs = append(errs, "push.backoff.multiplier must be at least 1")
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		errs = append(errs, "push.backoff.jitter must be in [0, 1)")
	}
	if s.Push.PingInterval <= 0 {
		errs = append(errs, "push.pinginterval must be positive")
	}
	if s.Push.IdleTimeout <= s.Push.PingInterval {
		errs = append(errs, "push.idletimeout must exceed push.pinginterval")
	}

	return errs
}

func validateReconcileSettings(s *Settings) []string {
	var errs []string
	if s.Reconcile.Interval <= 0 {
		errs = append(errs, "reconcile.interval must be positive")
	}
	if s.Reconcile.DetectionLimit <= 0 || s.Reconcile.DetectionLimit > 1000 {
		errs = append(errs, "reconcile.detectionlimit must be between 1 and 1000")
	}
	return errs
}

func validateAlertSettings(s *Settings) []string {
	var errs []string
	if s.Alerts.Threshold < 0 || s.Alerts.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("alerts.threshold must be between 0 and 1, got %v", s.Alerts.Threshold))
	}
	if s.Alerts.Cooldown < 0 {
		errs = append(errs, "alerts.cooldown must not be negative")
	}
	if s.Alerts.NotifyMaxAge < 0 {
		errs = append(errs, "alerts.notifymaxage must not be negative")
	}
	return errs
}

func validateRetentionSettings(s *Settings) []string {
	var errs []string
	if s.Retention.MaxDetections <= 0 {
		errs = append(errs, "retention.maxdetections must be positive")
	}
	if s.Retention.MaxAge < 0 {
		errs = append(errs, "retention.maxage must not be negative")
	}
	return errs
}

func validateNotificationSettings(s *Settings) []string {
	if !s.Notification.Enabled {
		return nil
	}

	var errs []string
	if len(s.Notification.URLs) == 0 {
		errs = append(errs, "notification.urls must list at least one service URL when notifications are enabled")
	}
	if s.Notification.RateLimit <= 0 {
		errs = append(errs, "notification.ratelimit must be positive")
	}
	if s.Notification.Timeout <= 0 {
		errs = append(errs, "notification.timeout must be positive")
	}
	if s.Notification.QueueSize <= 0 {
		errs = append(errs, "notification.queuesize must be positive")
	}
	return errs
}

func validateWebServerSettings(s *Settings) []string {
	if !s.WebServer.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.WebServer.Listen); err != nil {
		return []string{fmt.Sprintf("webserver.listen: %v", err)}
	}
	return nil
}

func validateSentrySettings(s *Settings) []string {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return []string{"sentry.dsn is required when sentry is enabled"}
	}
	return nil
}

func validateLoggingSettings(s *Settings) []string {
	var errs []string
	if !logger.ValidLevel(s.Logging.Level) {
		errs = append(errs, fmt.Sprintf("logging.level %q is not a valid level", s.Logging.Level))
	}
	for module, level := range s.Logging.ModuleLevels {
		if !logger.ValidLevel(level) {
			errs = append(errs, fmt.Sprintf("logging.modulelevels.%s %q is not a valid level", module, level))
		}
	}
	return errs
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}
