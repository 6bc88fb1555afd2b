package dispatch

import (
	"time"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// Config holds dispatch module settings, read from modules.dispatch.
type Config struct {
	// MaxAttempts is the delivery attempt cap per target.
	MaxAttempts int `mapstructure:"max_attempts"`

	// RetryBaseDelay is the first retry delay; it doubles per attempt.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// RequestTimeout bounds each HTTP delivery request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Concurrency caps simultaneous per-target deliveries per job.
	Concurrency int `mapstructure:"concurrency"`
}

func defaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		RetryBaseDelay: 2 * time.Second,
		RequestTimeout: 30 * time.Second,
		Concurrency:    8,
	}
}

func loadConfig(cfg plugin.Config) Config {
	c := defaultConfig()
	if cfg == nil {
		return c
	}
	if err := cfg.Unmarshal(&c); err != nil {
		return defaultConfig()
	}
	d := defaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}
