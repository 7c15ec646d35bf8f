// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/database"
)

// Ledger drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the complete runtime configuration.
type Config struct {
	Port            string        `env:"PORT"             envDefault:"8080"`
	LedgerDriver    string        `env:"LEDGER_DRIVER"    envDefault:"postgres"`
	SQLitePath      string        `env:"SQLITE_PATH"      envDefault:"crowd-admission.db"`
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT"  envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	OTelEndpoint    string `env:"OTEL_ENDPOINT"`
	OTelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"crowd-admission"`

	Postgres database.Config `envPrefix:"DB_"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch c.LedgerDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("LEDGER_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.LedgerDriver)
	}
	if c.LedgerDriver == DriverSQLite && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("SQLITE_PATH is required for the sqlite ledger")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.Postgres.ConnectAttempts < 1 {
		return fmt.Errorf("DB_CONNECT_ATTEMPTS must be at least 1")
	}
	return nil
}

// Logger builds the structured logger described by LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", s)
}
