// Package config loads the durabled configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the complete durabled configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the backing store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN    string `mapstructure:"dsn"`
	Schema string `mapstructure:"schema"`
}

type WorkerConfig struct {
	Group              string        `mapstructure:"group"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	PreserveTime       time.Duration `mapstructure:"preserve_time"`
	FailedPreserveTime time.Duration `mapstructure:"failed_preserve_time"`
}

type MetricsConfig struct {
	// Addr serves /metrics, /health and the workflow API when non-empty.
	Addr string `mapstructure:"addr"`
}

type NotifyConfig struct {
	// Driver is "", "postgres" or "redis".
	Driver    string `mapstructure:"driver"`
	RedisAddr string `mapstructure:"redis_addr"`
	Channel   string `mapstructure:"channel"`
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Worker.IdleTimeout <= 0 {
		return fmt.Errorf("worker.idle_timeout must be positive")
	}
	if c.Worker.PreserveTime < 0 || c.Worker.FailedPreserveTime < 0 {
		return fmt.Errorf("worker preserve times must not be negative")
	}
	switch c.Notify.Driver {
	case "":
	case "postgres":
		if c.Store.Driver != "postgres" {
			return fmt.Errorf("notify.driver postgres requires store.driver postgres")
		}
	case "redis":
		if c.Notify.RedisAddr == "" {
			return fmt.Errorf("notify.redis_addr is required for notify.driver redis")
		}
	default:
		return fmt.Errorf("notify.driver must be empty, postgres or redis, got %q", c.Notify.Driver)
	}
	return nil
}
