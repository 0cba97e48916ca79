package transport

import (
	"math"
	"time"
)

// BackoffConfig shapes the reconnect schedule.
type BackoffConfig struct {
	// Initial is the first delay, at most one second.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Multiplier is the growth per attempt, at least 1.
	Multiplier float64
	// Jitter is the fraction of the delay that is randomized, in [0, 1].
	Jitter float64
}

// DefaultBackoff is the schedule used when none is configured.
var DefaultBackoff = BackoffConfig{
	Initial:    500 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = DefaultBackoff.Initial
	}
	c.Initial = min(c.Initial, time.Second)
	if c.Max <= 0 {
		c.Max = DefaultBackoff.Max
	}
	c.Max = max(c.Max, c.Initial)
	if c.Multiplier < 1 {
		c.Multiplier = DefaultBackoff.Multiplier
	}
	c.Jitter = min(max(c.Jitter, 0), 1)
	return c
}

// Backoff returns the delay before reconnect attempt number attempt
// (0-based). r in [-1, 1] selects the jitter; r == 0 gives the nominal
// delay. The result never exceeds cfg.Max.
func Backoff(attempt int, cfg BackoffConfig, r float64) time.Duration {
	cfg = cfg.withDefaults()
	attempt = max(attempt, 0)

	nominal := float64(cfg.Initial) * math.Pow(cfg.Multiplier, float64(attempt))
	if math.IsInf(nominal, 0) || nominal > float64(cfg.Max) {
		nominal = float64(cfg.Max)
	}

	r = min(max(r, -1), 1)
	d := nominal * (1 + cfg.Jitter*r)
	d = min(max(d, 0), float64(cfg.Max))
	return time.Duration(d)
}
