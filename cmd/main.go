// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/config"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/database"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/handler"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/repository"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/repository/sqlite"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/service"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("crowd-admission exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Configuration and logging ─────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := cfg.Logger(os.Stdout)
	slog.SetDefault(log)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelServiceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// ── 2. Open the ledger ───────────────────────────────────────────────
	events, ledger, closeLedger, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLedger()

	// ── 3. Wire up layers ────────────────────────────────────────────────
	bookingSvc := service.NewBookingService(events, ledger, log)
	bookingHandler := handler.NewBookingHandler(bookingSvc, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler.NewRouter(bookingHandler, log, cfg.RequestTimeout),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── 4. Start server with graceful shutdown ────────────────────────────
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr, "ledger", cfg.LedgerDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// openLedger connects to the configured backend and applies its migrations.
func openLedger(ctx context.Context, cfg *config.Config, log *slog.Logger) (service.EventStore, service.Ledger, func(), error) {
	switch cfg.LedgerDriver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database: %w", err)
		}
		if err := database.MigrateSQLite(ctx, db, log); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("connected to sqlite", "path", cfg.SQLitePath)
		return sqlite.NewEventRepository(db), sqlite.NewBookingRepository(db), func() { _ = db.Close() }, nil

	default:
		pool, err := database.NewPool(ctx, cfg.Postgres, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database: %w", err)
		}
		if err := database.MigratePostgres(ctx, pool, log); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("connected to postgres", "host", cfg.Postgres.Host, "db", cfg.Postgres.DBName)
		return repository.NewEventRepository(pool), repository.NewBookingRepository(pool), pool.Close, nil
	}
}
