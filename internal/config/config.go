// Package config holds the client's runtime settings, parsed from the
// environment with optional .env support in the daemon entry point.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/pkg/errors"
)

// Config is parsed from environment variables.
type Config struct {
	AppName string `env:"APP_NAME" envDefault:"Attend Session"`
	Env     string `env:"ENV" envDefault:"DEV"`

	// Identity service.
	APIBaseURL     string        `env:"API_BASE_URL" envDefault:"http://localhost:8080"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	// Credential store.
	StoragePath   string `env:"STORAGE_PATH" envDefault:"./data/session.db"`
	StorageSecret string `env:"STORAGE_SECRET"`

	// Session monitoring.
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"30s"`
	RefreshFraction float64       `env:"REFRESH_FRACTION" envDefault:"0.9"`
	WarningLead     time.Duration `env:"EXPIRY_WARNING_LEAD" envDefault:"5m"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "[config.Load] parse environment")
	}
	if cfg.APIBaseURL == "" {
		return nil, errors.New("[config.Load] API_BASE_URL is required")
	}
	if cfg.RefreshFraction <= 0 || cfg.RefreshFraction >= 1 {
		return nil, errors.Errorf("[config.Load] REFRESH_FRACTION %v out of range (0,1)", cfg.RefreshFraction)
	}
	return cfg, nil
}

// IsDev reports whether the client runs in a development environment.
func (c *Config) IsDev() bool {
	return c.Env == "DEV"
}
