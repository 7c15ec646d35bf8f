package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/database"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/model"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/repository/repotest"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/service"
)

func openStores(t *testing.T) (*EventRepository, *BookingRepository) {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.MigrateSQLite(ctx, db, slog.New(slog.NewTextHandler(io.Discard, nil))))
	return NewEventRepository(db), NewBookingRepository(db)
}

func TestLedgerConformance(t *testing.T) {
	repotest.Run(t, func(t *testing.T) (service.EventStore, service.Ledger) {
		return openStores(t)
	})
}

func TestCreate_StampsCreatedAt(t *testing.T) {
	events, ledger := openStores(t)
	fixed := time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)
	ledger.now = func() time.Time { return fixed }

	ctx := context.Background()
	event, err := events.Create(ctx, model.CreateEventRequest{
		NumberOfQuadrants: 1, AttendeesPerQuadrant: 5, NumberOfGatesPerQuadrant: 1,
	})
	require.NoError(t, err)

	b, err := ledger.Create(ctx, event, model.CreateBookingRequest{
		EventID: event.ID, QuadrantNumber: 1, NumberOfAttendees: 2, AttendeeID: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, fixed, b.CreatedAt)

	list, err := ledger.ListByAttendee(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fixed, list[0].CreatedAt)
}

func TestCreate_CancelledContextLeavesNoTrace(t *testing.T) {
	events, ledger := openStores(t)
	event, err := events.Create(context.Background(), model.CreateEventRequest{
		NumberOfQuadrants: 1, AttendeesPerQuadrant: 5, NumberOfGatesPerQuadrant: 2,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ledger.Create(ctx, event, model.CreateBookingRequest{
		EventID: event.ID, QuadrantNumber: 1, NumberOfAttendees: 2, AttendeeID: "alice",
	})
	require.Error(t, err)

	totals, err := ledger.QuadrantTotals(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Empty(t, totals)

	audits, err := ledger.Audit(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, audits[0].Consistent())
	assert.Zero(t, audits[0].RunningAttendees)
}
