package fleet

import (
	"time"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// Config holds fleet module settings, read from modules.fleet.
type Config struct {
	// OfflineThreshold is how long a device may go without contact
	// before the list and summary views report it as offline.
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
}

func defaultConfig() Config {
	return Config{
		OfflineThreshold: 15 * time.Minute,
	}
}

// loadConfig reads the module's scoped config section.
func loadConfig(cfg plugin.Config) Config {
	c := defaultConfig()
	if cfg == nil {
		return c
	}
	if err := cfg.Unmarshal(&c); err != nil {
		return defaultConfig()
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = defaultConfig().OfflineThreshold
	}
	return c
}
