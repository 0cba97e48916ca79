package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	return &Settings{
		Backend: BackendSettings{
			RestURL:        "http://localhost:8001",
			PushURL:        "ws://localhost:8001/ws",
			Transport:      TransportWebSocket,
			CommandTimeout: 10 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Push: PushSettings{
			PingInterval: 20 * time.Second,
			IdleTimeout:  60 * time.Second,
			Backoff:      BackoffSettings{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2},
		},
		Reconcile: ReconcileSettings{Interval: 30 * time.Second, DetectionLimit: 500},
		Alerts:    AlertSettings{Threshold: 0.9, Cooldown: 2 * time.Minute, NotifyMaxAge: 5 * time.Minute},
		Retention: RetentionSettings{MaxDetections: 1000, MaxAge: 24 * time.Hour},
		WebServer: WebServerSettings{Enabled: true, Listen: "127.0.0.1:8787"},
		Logging:   LoggingSettings{Level: "info"},
	}
}

func TestValidateSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"valid", func(*Settings) {}, ""},
		{"bad rest scheme", func(s *Settings) { s.Backend.RestURL = "ftp://host" }, "backend.resturl"},
		{"bad push scheme", func(s *Settings) { s.Backend.PushURL = "http://host/ws" }, "backend.pushurl"},
		{"unknown transport", func(s *Settings) { s.Backend.Transport = "carrier-pigeon" }, "backend.transport"},
		{"mqtt without broker", func(s *Settings) { s.Backend.Transport = TransportMQTT; s.MQTT.Topic = "t" }, "mqtt.broker"},
		{"initial backoff above 1s", func(s *Settings) { s.Push.Backoff.Initial = 2 * time.Second }, "push.backoff.initial"},
		{"max below initial", func(s *Settings) { s.Push.Backoff.Max = 100 * time.Millisecond }, "push.backoff.max"},
		{"jitter too large", func(s *Settings) { s.Push.Backoff.Jitter = 1 }, "push.backoff.jitter"},
		{"idle below ping", func(s *Settings) { s.Push.IdleTimeout = time.Second }, "push.idletimeout"},
		{"threshold above one", func(s *Settings) { s.Alerts.Threshold = 1.2 }, "alerts.threshold"},
		{"zero retention", func(s *Settings) { s.Retention.MaxDetections = 0 }, "retention.maxdetections"},
		{"detection limit above backend max", func(s *Settings) { s.Reconcile.DetectionLimit = 5000 }, "reconcile.detectionlimit"},
		{"notifications without urls", func(s *Settings) {
			s.Notification = NotificationSettings{Enabled: true, RateLimit: 1, Timeout: time.Second, QueueSize: 1}
		}, "notification.urls"},
		{"bad listen", func(s *Settings) { s.WebServer.Listen = "8787" }, "webserver.listen"},
		{"disabled webserver ignores listen", func(s *Settings) { s.WebServer = WebServerSettings{Listen: "x"} }, ""},
		{"sentry without dsn", func(s *Settings) { s.Sentry.Enabled = true }, "sentry.dsn"},
		{"bad log level", func(s *Settings) { s.Logging.Level = "loud" }, "logging.level"},
		{"bad module level", func(s *Settings) { s.Logging.ModuleLevels = map[string]string{"store": "x"} }, "logging.modulelevels.store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := validSettings()
			tt.mutate(s)

			err := ValidateSettings(s)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSettingsCollectsAllErrors(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Alerts.Threshold = -1
	s.Retention.MaxDetections = -5
	s.Reconcile.Interval = 0

	err := ValidateSettings(s)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
}

func TestValidateEnvHelpers(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateEnvBool(" true "))
	assert.Error(t, validateEnvBool("yes"))
	assert.NoError(t, validateEnvThreshold("0.42"))
	assert.Error(t, validateEnvThreshold("-0.1"))
	assert.NoError(t, validateEnvDuration("1m30s"))
	assert.Error(t, validateEnvDuration("soon"))
	assert.NoError(t, validateEnvPositiveInt("10"))
	assert.Error(t, validateEnvPositiveInt("0"))
	assert.NoError(t, validateEnvURL("wss://h/ws"))
	assert.Error(t, validateEnvURL("not a url"))
	assert.NoError(t, validateEnvTransport("mqtt"))
	assert.Error(t, validateEnvTransport("udp"))
}
