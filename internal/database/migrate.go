package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrations embed.FS

// MigratePostgres applies the embedded Postgres migrations through pool.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrate(ctx, goose.DialectPostgres, db, "migrations/postgres", log)
}

// MigrateSQLite applies the embedded SQLite migrations.
func MigrateSQLite(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	return migrate(ctx, goose.DialectSQLite3, db, "migrations/sqlite", log)
}

func migrate(ctx context.Context, dialect goose.Dialect, db *sql.DB, dir string, log *slog.Logger) error {
	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", dir, err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		log.Info("migration applied",
			"dialect", string(dialect),
			"version", r.Source.Version,
			"duration", r.Duration,
		)
	}
	return nil
}
