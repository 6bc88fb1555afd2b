package liveness

import (
	"time"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// Config holds liveness module settings, read from modules.liveness.
type Config struct {
	// CheckInterval is the time between probe sweeps.
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// ProbeTimeout bounds each individual HTTP probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// MaxWorkers caps concurrent probes per sweep.
	MaxWorkers int `mapstructure:"max_workers"`

	// ICMPRefinement enables a ping after a failed HTTP probe to
	// distinguish a down host from a down agent.
	ICMPRefinement bool `mapstructure:"icmp_refinement"`

	// RetentionPeriod is how long probe results are kept.
	RetentionPeriod time.Duration `mapstructure:"retention_period"`

	// MaintenanceInterval is how often old probe results are purged.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

func defaultConfig() Config {
	return Config{
		CheckInterval:       5 * time.Minute,
		ProbeTimeout:        10 * time.Second,
		MaxWorkers:          8,
		ICMPRefinement:      true,
		RetentionPeriod:     7 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
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
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = d.RetentionPeriod
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	return c
}
