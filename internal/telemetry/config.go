package telemetry

import (
	"time"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// Config holds telemetry module settings, read from modules.telemetry.
type Config struct {
	// RetentionPeriod is how long health reports are kept.
	RetentionPeriod time.Duration `mapstructure:"retention_period"`

	// MaintenanceInterval is how often old reports are purged.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`

	// MaxSamplesPerDevice bounds per-device history regardless of age.
	MaxSamplesPerDevice int `mapstructure:"max_samples_per_device"`
}

func defaultConfig() Config {
	return Config{
		RetentionPeriod:     30 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
		MaxSamplesPerDevice: 500,
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
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = defaultConfig().RetentionPeriod
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaultConfig().MaintenanceInterval
	}
	if c.MaxSamplesPerDevice <= 0 {
		c.MaxSamplesPerDevice = defaultConfig().MaxSamplesPerDevice
	}
	return c
}
