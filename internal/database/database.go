// Package database provides connection management for the booking ledger:
// a pgx pool for PostgreSQL and a single-connection SQLite handle.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"
)

// Config holds PostgreSQL connection settings. Field tags are read relative
// to the DB_ prefix.
type Config struct {
	Host            string        `env:"HOST"               envDefault:"localhost"`
	Port            string        `env:"PORT"               envDefault:"5432"`
	User            string        `env:"USER"               envDefault:"postgres"`
	Password        string        `env:"PASSWORD"           envDefault:"postgres"`
	DBName          string        `env:"NAME"               envDefault:"crowd_admission"`
	SSLMode         string        `env:"SSLMODE"            envDefault:"disable"`
	MaxConns        int32         `env:"MAX_CONNS"          envDefault:"20"`
	MinConns        int32         `env:"MIN_CONNS"          envDefault:"2"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME"  envDefault:"30m"`
	MaxConnIdleTime time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"5m"`
	ConnectAttempts int           `env:"CONNECT_ATTEMPTS"   envDefault:"5"`
	RetryDelay      time.Duration `env:"RETRY_DELAY"        envDefault:"2s"`
}

// DSN builds a libpq-compatible connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// NewPool creates and validates a pgxpool connection pool.
// It retries cfg.ConnectAttempts times to accommodate containers starting up.
func NewPool(ctx context.Context, cfg Config, log *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	attempts := max(cfg.ConnectAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		var pool *pgxpool.Pool
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		log.Warn("db connect attempt failed",
			"attempt", attempt,
			"attempts", attempts,
			"host", cfg.Host,
			"error", err,
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to postgres: %w", ctx.Err())
		case <-time.After(cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("connect to postgres: %w", err)
}

// OpenSQLite opens the SQLite database at path.
//
// The handle is limited to one open connection, so every ledger transaction
// runs alone and no writer ever sees "database is locked".
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}
