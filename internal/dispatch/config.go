package dispatch

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Workers      int
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PushTimeout  time.Duration
	// StaleAfter is how long an item may sit in processing before it is
	// assumed abandoned by a dead worker.
	StaleAfter time.Duration
	// RatePerSecond caps outbound calls per platform; 0 disables limiting.
	RatePerSecond float64
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		BatchSize:     16,
		MaxAttempts:   5,
		PollInterval:  time.Second,
		BaseBackoff:   30 * time.Second,
		MaxBackoff:    30 * time.Minute,
		PushTimeout:   10 * time.Second,
		StaleAfter:    10 * time.Minute,
		RatePerSecond: 10,
	}
}

// ConfigFromEnv overlays DISPATCH_* variables on the defaults.
func ConfigFromEnv() Config {
	c := DefaultConfig()
	c.Workers = envInt("DISPATCH_WORKERS", c.Workers)
	c.BatchSize = envInt("DISPATCH_BATCH_SIZE", c.BatchSize)
	c.MaxAttempts = envInt("DISPATCH_MAX_ATTEMPTS", c.MaxAttempts)
	c.PollInterval = envDuration("DISPATCH_POLL_INTERVAL", c.PollInterval)
	c.BaseBackoff = envDuration("DISPATCH_BASE_BACKOFF", c.BaseBackoff)
	c.MaxBackoff = envDuration("DISPATCH_MAX_BACKOFF", c.MaxBackoff)
	c.PushTimeout = envDuration("DISPATCH_PUSH_TIMEOUT", c.PushTimeout)
	c.StaleAfter = envDuration("DISPATCH_STALE_AFTER", c.StaleAfter)
	if v, err := strconv.ParseFloat(os.Getenv("PLATFORM_RATE_PER_SEC"), 64); err == nil && v >= 0 {
		c.RatePerSecond = v
	}
	return c
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = d.PushTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// Backoff is the delay before attempt n+1 after n failed attempts: base·2^(n-1), capped.
func (c Config) Backoff(failedAttempts int) time.Duration {
	if failedAttempts < 1 {
		failedAttempts = 1
	}
	d := c.BaseBackoff
	for i := 1; i < failedAttempts; i++ {
		d *= 2
		if d >= c.MaxBackoff || d <= 0 {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}
