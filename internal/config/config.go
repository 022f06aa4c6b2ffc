// Package config loads server configuration from the environment.
// Priority: explicit env vars > .env file > struct defaults.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all server configuration.
type Config struct {
	Addr         string `env:"ADDR" envDefault:":8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"data/chat.db"`
	StaticDir    string `env:"STATIC_DIR" envDefault:"frontend/dist"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	// BodyLimit is the maximum JSON request body size. Raised well above
	// the 5 MiB file limit to leave room for base64 expansion.
	BodyLimit string `env:"BODY_LIMIT" envDefault:"12M"`

	// HeartbeatInterval is how often SSE streams emit a heartbeat event.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`

	// StatsInterval is how often operational stats are logged.
	StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"60s"`
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// SlogLevel converts the configured level string to a slog.Level.
// Unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
