// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("backend.resturl", "http://localhost:8001")
	v.SetDefault("backend.pushurl", "ws://localhost:8001/ws")
	v.SetDefault("backend.transport", TransportWebSocket)
	v.SetDefault("backend.commandtimeout", 10*time.Second)
	v.SetDefault("backend.requesttimeout", 15*time.Second)
	v.SetDefault("backend.useragent", "sentinel-console")

	v.SetDefault("push.pinginterval", 20*time.Second)
	v.SetDefault("push.idletimeout", 60*time.Second)
	v.SetDefault("push.backoff.initial", 500*time.Millisecond)
	v.SetDefault("push.backoff.max", 30*time.Second)
	v.SetDefault("push.backoff.multiplier", 2.0)
	v.SetDefault("push.backoff.jitter", 0.2)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "sentinel/events")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.clientid", "")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.detectionlimit", 500)

	v.SetDefault("alerts.threshold", 0.9)
	v.SetDefault("alerts.cooldown", 2*time.Minute)
	v.SetDefault("alerts.notifymaxage", 5*time.Minute)

	v.SetDefault("retention.maxdetections", 1000)
	v.SetDefault("retention.maxage", 24*time.Hour)

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.urls", []string{})
	v.SetDefault("notification.ratelimit", 30)
	v.SetDefault("notification.timeout", 10*time.Second)
	v.SetDefault("notification.queuesize", 100)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.listen", "127.0.0.1:8787")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}
