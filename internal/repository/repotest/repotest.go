// Package repotest is a conformance suite for booking ledger implementations.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/model"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/service"
)

// Factory returns a fresh event store and ledger sharing one database.
type Factory func(t *testing.T) (service.EventStore, service.Ledger)

type suite struct {
	events service.EventStore
	ledger service.Ledger
}

// Run exercises every ledger guarantee against the stores built by newStores.
func Run(t *testing.T, newStores Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s *suite)
	}{
		{"EventRoundTrip", testEventRoundTrip},
		{"RoundRobinGates", testRoundRobinGates},
		{"CapacityRejection", testCapacityRejection},
		{"QuadrantsAreIndependent", testQuadrantsAreIndependent},
		{"CancelFreesCapacity", testCancelFreesCapacity},
		{"CancelNotFound", testCancelNotFound},
		{"BookCancelRebookScenario", testBookCancelRebookScenario},
		{"ConcurrentCreatesNeverOverbook", testConcurrentCreatesNeverOverbook},
		{"ConcurrentCreatesAndCancels", testConcurrentCreatesAndCancels},
		{"Listings", testListings},
		{"AdmissionToggle", testAdmissionToggle},
		{"AdmissionSetAndScope", testAdmissionSetAndScope},
		{"RebalanceMovesRecentToHotGate", testRebalanceMovesRecentToHotGate},
		{"RebalanceTieBreak", testRebalanceTieBreak},
		{"RebalanceNotFound", testRebalanceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, ledger := newStores(t)
			tt.fn(t, &suite{events: events, ledger: ledger})
		})
	}
}

func (s *suite) event(t *testing.T, quadrants, capacity, gates int) *model.Event {
	t.Helper()
	event, err := s.events.Create(context.Background(), model.CreateEventRequest{
		Name:                     t.Name(),
		NumberOfQuadrants:        quadrants,
		AttendeesPerQuadrant:     capacity,
		NumberOfGatesPerQuadrant: gates,
	})
	require.NoError(t, err)
	return event
}

func (s *suite) book(t *testing.T, event *model.Event, quadrant, attendees int, attendeeID string) *model.Booking {
	t.Helper()
	b, err := s.ledger.Create(context.Background(), event, model.CreateBookingRequest{
		EventID:           event.ID,
		QuadrantNumber:    quadrant,
		NumberOfAttendees: attendees,
		AttendeeID:        attendeeID,
	})
	require.NoError(t, err)
	return b
}

func (s *suite) tryBook(event *model.Event, quadrant, attendees int, attendeeID string) (*model.Booking, error) {
	return s.ledger.Create(context.Background(), event, model.CreateBookingRequest{
		EventID:           event.ID,
		QuadrantNumber:    quadrant,
		NumberOfAttendees: attendees,
		AttendeeID:        attendeeID,
	})
}

// requireConsistent cross-checks the running counters against the rows.
func (s *suite) requireConsistent(t *testing.T, event *model.Event) []model.QuadrantAudit {
	t.Helper()
	audits, err := s.ledger.Audit(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, audits, event.NumberOfQuadrants)
	for _, a := range audits {
		require.True(t, a.Consistent(), "quadrant %d: %+v", a.QuadrantNumber, a)
		require.LessOrEqual(t, a.LedgerAttendees, event.AttendeesPerQuadrant)
	}
	return audits
}

func testEventRoundTrip(t *testing.T, s *suite) {
	ctx := context.Background()
	created := s.event(t, 3, 50, 4)

	got, err := s.events.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, 3, got.NumberOfQuadrants)
	assert.Equal(t, 50, got.AttendeesPerQuadrant)
	assert.Equal(t, 4, got.NumberOfGatesPerQuadrant)

	_, err = s.events.GetByID(ctx, "no-such-event")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testRoundRobinGates(t *testing.T, s *suite) {
	event := s.event(t, 1, 100, 3)

	var gates []int
	for i := 0; i < 7; i++ {
		b := s.book(t, event, 1, 1, fmt.Sprintf("a%d", i))
		gates = append(gates, b.GateNumber)
		assert.True(t, event.HasGate(b.GateNumber))
	}
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3, 1}, gates)
}

func testCapacityRejection(t *testing.T, s *suite) {
	event := s.event(t, 1, 10, 2)

	s.book(t, event, 1, 6, "a")

	_, err := s.tryBook(event, 1, 5, "b")
	require.ErrorIs(t, err, model.ErrCapacityExceeded)
	var capErr *model.CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 1, capErr.Quadrant)
	assert.Equal(t, 1, capErr.Excess())

	b := s.book(t, event, 1, 4, "c")
	assert.Equal(t, 2, b.GateNumber, "a rejected request must not consume a gate slot")

	_, err = s.tryBook(event, 1, 1, "d")
	require.ErrorIs(t, err, model.ErrCapacityExceeded)

	totals, err := s.ledger.QuadrantTotals(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 10}, totals)
	s.requireConsistent(t, event)
}

func testQuadrantsAreIndependent(t *testing.T, s *suite) {
	event := s.event(t, 2, 5, 2)

	assert.Equal(t, 1, s.book(t, event, 1, 5, "a").GateNumber)
	assert.Equal(t, 1, s.book(t, event, 2, 3, "b").GateNumber)
	assert.Equal(t, 2, s.book(t, event, 2, 2, "c").GateNumber)

	_, err := s.tryBook(event, 1, 1, "d")
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
	_, err = s.tryBook(event, 2, 1, "d")
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)

	totals, err := s.ledger.QuadrantTotals(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 5, 2: 5}, totals)
}

func testCancelFreesCapacity(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 1, 10, 3)

	s.book(t, event, 1, 3, "a")
	k := s.book(t, event, 1, 4, "b")
	s.book(t, event, 1, 3, "c")

	_, err := s.tryBook(event, 1, 1, "d")
	require.ErrorIs(t, err, model.ErrCapacityExceeded)

	require.NoError(t, s.ledger.Cancel(ctx, k.ID))

	s.book(t, event, 1, 4, "d")
	_, err = s.tryBook(event, 1, 1, "e")
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
	s.requireConsistent(t, event)
}

func testCancelNotFound(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 1, 10, 1)
	b := s.book(t, event, 1, 2, "a")

	require.NoError(t, s.ledger.Cancel(ctx, b.ID))
	assert.ErrorIs(t, s.ledger.Cancel(ctx, b.ID), model.ErrNotFound)
	assert.ErrorIs(t, s.ledger.Cancel(ctx, 1<<40), model.ErrNotFound)
	s.requireConsistent(t, event)
}

func testBookCancelRebookScenario(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 2, 10, 2)

	first := s.book(t, event, 1, 10, "a")
	assert.Equal(t, 1, first.GateNumber)

	_, err := s.tryBook(event, 1, 1, "b")
	require.ErrorIs(t, err, model.ErrCapacityExceeded)

	require.NoError(t, s.ledger.Cancel(ctx, first.ID))

	again := s.book(t, event, 1, 5, "c")
	assert.Equal(t, 1, again.GateNumber)
	s.requireConsistent(t, event)
}

func testConcurrentCreatesNeverOverbook(t *testing.T, s *suite) {
	const (
		capacity = 5
		requests = 40
	)
	event := s.event(t, 1, capacity, 2)

	var accepted, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < requests; i++ {
		i := i
		g.Go(func() error {
			_, err := s.tryBook(event, 1, 1, fmt.Sprintf("gopher%d", i))
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, model.ErrCapacityExceeded):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(capacity), accepted.Load())
	assert.Equal(t, int32(requests-capacity), rejected.Load())

	var bookings []model.Booking
	for i := 0; i < requests; i++ {
		list, err := s.ledger.ListByAttendee(context.Background(), fmt.Sprintf("gopher%d", i))
		require.NoError(t, err)
		for _, b := range list {
			if b.EventID == event.ID {
				bookings = append(bookings, b)
			}
		}
	}
	require.Len(t, bookings, capacity)
	sort.Slice(bookings, func(i, j int) bool { return bookings[i].ID < bookings[j].ID })
	var gates []int
	for _, b := range bookings {
		gates = append(gates, b.GateNumber)
	}
	assert.Equal(t, []int{1, 2, 1, 2, 1}, gates)
	s.requireConsistent(t, event)
}

func testConcurrentCreatesAndCancels(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 1, 6, 3)

	var seeded []*model.Booking
	for i := 0; i < 3; i++ {
		seeded = append(seeded, s.book(t, event, 1, 2, fmt.Sprintf("seed%d", i)))
	}

	var g errgroup.Group
	for _, b := range seeded {
		b := b
		g.Go(func() error { return s.ledger.Cancel(ctx, b.ID) })
	}
	for i := 0; i < 12; i++ {
		i := i
		g.Go(func() error {
			_, err := s.tryBook(event, 1, 1, fmt.Sprintf("late%d", i))
			if err != nil && !errors.Is(err, model.ErrCapacityExceeded) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	audits := s.requireConsistent(t, event)
	assert.LessOrEqual(t, audits[0].LedgerAttendees, 6)
}

func testListings(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 2, 20, 2)
	other := s.event(t, 1, 20, 1)

	a1 := s.book(t, event, 1, 2, "alice")
	s.book(t, event, 1, 3, "bob")
	a3 := s.book(t, event, 1, 1, "alice")
	a4 := s.book(t, other, 1, 4, "alice")

	mine, err := s.ledger.ListByAttendee(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, []int64{a1.ID, a3.ID, a4.ID}, []int64{mine[0].ID, mine[1].ID, mine[2].ID})
	assert.Equal(t, model.NotAdmitted, mine[0].AdmissionStatus)
	assert.Equal(t, event.ID, mine[0].EventID)
	assert.Equal(t, 2, mine[0].NumberOfAttendees)
	assert.False(t, mine[0].CreatedAt.IsZero())

	none, err := s.ledger.ListByAttendee(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)

	gate1, err := s.ledger.ListByGate(ctx, event.ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, gate1, 2)
	assert.Equal(t, model.GateAttendee{
		BookingID: a1.ID, AttendeeID: "alice", AdmissionStatus: model.NotAdmitted, NumberOfAttendees: 2,
	}, gate1[0])
	assert.Equal(t, a3.ID, gate1[1].BookingID)

	gate2, err := s.ledger.ListByGate(ctx, event.ID, 1, 2)
	require.NoError(t, err)
	require.Len(t, gate2, 1)
	assert.Equal(t, "bob", gate2[0].AttendeeID)

	empty, err := s.ledger.ListByGate(ctx, event.ID, 2, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testAdmissionToggle(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 1, 10, 1)
	b := s.book(t, event, 1, 4, "alice")

	req := model.AdmissionRequest{AttendeeID: "alice", BookingID: b.ID}
	changes, err := s.ledger.UpdateAdmission(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []model.AdmissionChange{{BookingID: b.ID, AdmissionStatus: model.Admitted}}, changes)

	changes, err = s.ledger.UpdateAdmission(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.NotAdmitted, changes[0].AdmissionStatus)

	totals, err := s.ledger.QuadrantTotals(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, totals[1], "admission must not touch capacity")

	_, err = s.ledger.UpdateAdmission(ctx, model.AdmissionRequest{AttendeeID: "mallory"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.ledger.UpdateAdmission(ctx, model.AdmissionRequest{AttendeeID: "alice", BookingID: b.ID + 1000})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testAdmissionSetAndScope(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 1, 10, 2)
	other := s.event(t, 1, 10, 2)
	b1 := s.book(t, event, 1, 1, "alice")
	b2 := s.book(t, event, 1, 1, "alice")
	b3 := s.book(t, other, 1, 1, "alice")

	admitted := model.Admitted
	changes, err := s.ledger.UpdateAdmission(ctx, model.AdmissionRequest{
		AttendeeID: "alice", EventID: event.ID, AdmissionStatus: &admitted,
	})
	require.NoError(t, err)
	require.Len(t, changes, 2)

	changes, err = s.ledger.UpdateAdmission(ctx, model.AdmissionRequest{
		AttendeeID: "alice", EventID: event.ID, AdmissionStatus: &admitted,
	})
	require.NoError(t, err)
	for _, c := range changes {
		assert.Equal(t, model.Admitted, c.AdmissionStatus, "set is idempotent")
	}

	list, err := s.ledger.ListByAttendee(ctx, "alice")
	require.NoError(t, err)
	status := map[int64]model.AdmissionStatus{}
	for _, b := range list {
		status[b.ID] = b.AdmissionStatus
	}
	assert.Equal(t, model.Admitted, status[b1.ID])
	assert.Equal(t, model.Admitted, status[b2.ID])
	assert.Equal(t, model.NotAdmitted, status[b3.ID])
}

// Four bookings created in order across two quadrants so that b1, b2 sit on
// gate 1 and b3, b4 on gate 2. Admitting b1 and b2 makes gate 1 hot.
func testRebalanceMovesRecentToHotGate(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 2, 10, 2)

	b1 := s.book(t, event, 1, 1, "A")
	b2 := s.book(t, event, 2, 1, "B")
	b3 := s.book(t, event, 1, 1, "C")
	b4 := s.book(t, event, 2, 1, "D")
	require.Equal(t, []int{1, 1, 2, 2}, []int{b1.GateNumber, b2.GateNumber, b3.GateNumber, b4.GateNumber})

	for _, b := range []*model.Booking{b1, b2} {
		_, err := s.ledger.UpdateAdmission(ctx, model.AdmissionRequest{AttendeeID: b.AttendeeID, BookingID: b.ID})
		require.NoError(t, err)
	}

	result, err := s.ledger.Rebalance(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.HotGate)
	assert.ElementsMatch(t, []int64{b3.ID, b4.ID}, result.MovedBookingIDs)

	for _, q := range []int{1, 2} {
		gate1, err := s.ledger.ListByGate(ctx, event.ID, q, 1)
		require.NoError(t, err)
		assert.Len(t, gate1, 2, "quadrant %d", q)
		gate2, err := s.ledger.ListByGate(ctx, event.ID, q, 2)
		require.NoError(t, err)
		assert.Empty(t, gate2, "quadrant %d", q)
	}
	s.requireConsistent(t, event)
}

func testRebalanceTieBreak(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 1, 10, 3)

	var bs []*model.Booking
	for i := 0; i < 4; i++ {
		bs = append(bs, s.book(t, event, 1, 1, fmt.Sprintf("a%d", i)))
	}
	// gates 1,2,3,1; admit the gate 2 and gate 3 bookings: one each.
	for _, b := range []*model.Booking{bs[1], bs[2]} {
		_, err := s.ledger.UpdateAdmission(ctx, model.AdmissionRequest{AttendeeID: b.AttendeeID})
		require.NoError(t, err)
	}

	result, err := s.ledger.Rebalance(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.HotGate)
	assert.ElementsMatch(t, []int64{bs[2].ID, bs[3].ID}, result.MovedBookingIDs)
}

func testRebalanceNotFound(t *testing.T, s *suite) {
	ctx := context.Background()
	event := s.event(t, 1, 10, 2)

	_, err := s.ledger.Rebalance(ctx, event.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "no bookings")

	only := s.book(t, event, 1, 1, "a")
	_, err = s.ledger.Rebalance(ctx, event.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "no admitted bookings")

	_, err = s.ledger.UpdateAdmission(ctx, model.AdmissionRequest{AttendeeID: "a"})
	require.NoError(t, err)
	result, err := s.ledger.Rebalance(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{only.ID}, result.MovedBookingIDs)
	assert.Equal(t, 1, result.HotGate)
}
