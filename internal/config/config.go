package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Port            string        `env:"ACCORD_PORT" env-default:"3000"`
	DBPath          string        `env:"ACCORD_DB_PATH" env-default:"./data/accord.db"`
	JWTSecret       string        `env:"ACCORD_JWT_SECRET"`
	Domain          string        `env:"ACCORD_DOMAIN" env-default:"localhost"`
	MediaURL        string        `env:"ACCORD_MEDIA_URL"` // empty = no media service
	AccessTokenTTL  time.Duration `env:"ACCORD_ACCESS_TOKEN_TTL" env-default:"15m"`
	ShutdownTimeout time.Duration `env:"ACCORD_SHUTDOWN_TIMEOUT" env-default:"5s"`
	LogLevel        string        `env:"ACCORD_LOG_LEVEL" env-default:"info"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return &cfg, nil
}

// SlogLevel maps LogLevel onto a slog.Level, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
