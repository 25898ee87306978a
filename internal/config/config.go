package config

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0" validate:"required"`
	Port            string        `env:"PORT" envDefault:"8787" validate:"required,numeric"`
	DefaultRoom     string        `env:"DEFAULT_ROOM" envDefault:"demo" validate:"required"`
	DatabaseURL     string        `env:"DATABASE_URL"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	SendBuffer      int           `env:"SEND_BUFFER" envDefault:"64" validate:"gt=0"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	ReadLimit       int64         `env:"READ_LIMIT" envDefault:"65536" validate:"gt=0"`
	PersistInterval time.Duration `env:"PERSIST_INTERVAL" envDefault:"500ms" validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
