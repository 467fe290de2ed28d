// Package config loads server settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration for the ledger server.
type Config struct {
	Port           int    `mapstructure:"PORT"`
	StoreDriver    string `mapstructure:"STORE_DRIVER"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	SweepSchedule  string `mapstructure:"SWEEP_SCHEDULE"`
	SweepEnabled   bool   `mapstructure:"SWEEP_ENABLED"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	LogFormat      string `mapstructure:"LOG_FORMAT"`
	AMQPURL        string `mapstructure:"AMQP_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`
}

var keys = []string{
	"PORT", "STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL", "SWEEP_SCHEDULE",
	"SWEEP_ENABLED", "LOG_LEVEL", "LOG_FORMAT", "AMQP_URL", "EVENTS_EXCHANGE",
}

// Load reads configuration from environment variables. envFiles are loaded
// first if they exist; variables already set in the process win. A missing
// env file is skipped, a malformed one is an error.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetDefault("PORT", 8080)
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "concessions.db")
	v.SetDefault("SWEEP_SCHEDULE", "@every 1h")
	v.SetDefault("SWEEP_ENABLED", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("EVENTS_EXCHANGE", "concessions")
	v.AutomaticEnv()

	// Bind explicitly so keys without defaults appear in Unmarshal.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for store driver %q", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}
