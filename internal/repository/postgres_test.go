package repository

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/database"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/repository/repotest"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/service"
)

// TestLedgerConformance runs against a real PostgreSQL when
// TEST_DATABASE_URL is set. Every table is truncated between cases.
func TestLedgerConformance(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.MigratePostgres(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil))))

	repotest.Run(t, func(t *testing.T) (service.EventStore, service.Ledger) {
		_, err := pool.Exec(ctx, `TRUNCATE bookings, quadrant_occupancy, events RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		return NewEventRepository(pool), NewBookingRepository(pool)
	})
}
