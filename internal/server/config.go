package server

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/signalfleet.db")

	// Module defaults
	v.SetDefault("modules.fleet.enabled", true)
	v.SetDefault("modules.fleet.offline_threshold", "15m")
	v.SetDefault("modules.telemetry.enabled", true)
	v.SetDefault("modules.telemetry.retention_period", "720h")
	v.SetDefault("modules.telemetry.maintenance_interval", "1h")
	v.SetDefault("modules.liveness.enabled", true)
	v.SetDefault("modules.liveness.check_interval", "5m")
	v.SetDefault("modules.liveness.probe_timeout", "10s")
	v.SetDefault("modules.liveness.max_workers", 8)
	v.SetDefault("modules.liveness.icmp_refinement", true)
	v.SetDefault("modules.liveness.retention_period", "168h")
	v.SetDefault("modules.liveness.maintenance_interval", "1h")
	v.SetDefault("modules.dispatch.enabled", true)
	v.SetDefault("modules.dispatch.max_attempts", 3)
	v.SetDefault("modules.dispatch.retry_base_delay", "2s")
	v.SetDefault("modules.dispatch.request_timeout", "30s")
	v.SetDefault("modules.dispatch.concurrency", 8)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("signalfleet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/signalfleet")
	}

	// Environment variable support: SF_SERVER_PORT=9090
	v.SetEnvPrefix("SF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
