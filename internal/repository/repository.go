// Package repository implements the booking ledger and event capacity store
// on PostgreSQL. It uses pgx directly (no ORM).
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/model"
)

// EventRepository handles persistence for event capacity configuration.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a new event and returns it with a generated UUID.
func (r *EventRepository) Create(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	event := &model.Event{
		ID:                       uuid.New().String(),
		Name:                     req.Name,
		NumberOfQuadrants:        req.NumberOfQuadrants,
		AttendeesPerQuadrant:     req.AttendeesPerQuadrant,
		NumberOfGatesPerQuadrant: req.NumberOfGatesPerQuadrant,
		CreatedAt:                time.Now().UTC(),
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO events (event_id, name, number_of_quadrants, attendees_per_quadrant,
		                     number_of_gates_per_quadrant, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Name, event.NumberOfQuadrants, event.AttendeesPerQuadrant,
		event.NumberOfGatesPerQuadrant, event.CreatedAt,
	)
	if err != nil {
		return nil, model.StorageError("insert event", err)
	}
	return event, nil
}

// GetByID returns a single event or ErrNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	err := r.db.QueryRow(ctx,
		`SELECT event_id, name, number_of_quadrants, attendees_per_quadrant,
		        number_of_gates_per_quadrant, created_at
		 FROM events WHERE event_id = $1`,
		id,
	).Scan(&e.ID, &e.Name, &e.NumberOfQuadrants, &e.AttendeesPerQuadrant,
		&e.NumberOfGatesPerQuadrant, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
		}
		return nil, model.StorageError("get event", err)
	}
	return &e, nil
}

// BookingRepository is the PostgreSQL booking ledger.
type BookingRepository struct {
	db *pgxpool.Pool
}

// NewBookingRepository constructs a BookingRepository.
func NewBookingRepository(db *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{db: db}
}

// inTx runs fn inside a transaction, committing on success and rolling back
// on any error, including a cancelled context.
func (r *BookingRepository) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return model.StorageError(op+": begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.StorageError(op+": commit transaction", err)
	}
	return nil
}

// Create reserves capacity and inserts a booking as one serialised unit.
//
// Two concurrent requests must never both pass the capacity check when only
// one fits. The quadrant's occupancy row is locked with SELECT ... FOR UPDATE
// before it is read; any other transaction that books into or cancels from
// the same quadrant blocks on that lock until this one commits or rolls back.
// The running booking count read under the same lock yields the gate, so the
// round-robin slot cannot be claimed twice either.
func (r *BookingRepository) Create(ctx context.Context, event *model.Event, req model.CreateBookingRequest) (*model.Booking, error) {
	booking := &model.Booking{
		EventID:           event.ID,
		QuadrantNumber:    req.QuadrantNumber,
		NumberOfAttendees: req.NumberOfAttendees,
		AttendeeID:        req.AttendeeID,
		AdmissionStatus:   model.NotAdmitted,
	}

	err := r.inTx(ctx, "create booking", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO quadrant_occupancy (event_id, quadrant_number)
			 VALUES ($1, $2)
			 ON CONFLICT (event_id, quadrant_number) DO NOTHING`,
			event.ID, req.QuadrantNumber,
		); err != nil {
			return model.StorageError("ensure occupancy row", err)
		}

		var booked, count int
		if err := tx.QueryRow(ctx,
			`SELECT booked_attendees, booking_count
			 FROM quadrant_occupancy
			 WHERE event_id = $1 AND quadrant_number = $2
			 FOR UPDATE`,
			event.ID, req.QuadrantNumber,
		).Scan(&booked, &count); err != nil {
			return model.StorageError("lock occupancy row", err)
		}

		if booked+req.NumberOfAttendees > event.AttendeesPerQuadrant {
			return &model.CapacityError{
				EventID:   event.ID,
				Quadrant:  req.QuadrantNumber,
				Requested: req.NumberOfAttendees,
				Booked:    booked,
				Capacity:  event.AttendeesPerQuadrant,
			}
		}
		booking.GateNumber = model.NextGate(count, event.NumberOfGatesPerQuadrant)

		if _, err := tx.Exec(ctx,
			`UPDATE quadrant_occupancy
			 SET booked_attendees = booked_attendees + $3, booking_count = booking_count + 1
			 WHERE event_id = $1 AND quadrant_number = $2`,
			event.ID, req.QuadrantNumber, req.NumberOfAttendees,
		); err != nil {
			return model.StorageError("update occupancy", err)
		}

		if err := tx.QueryRow(ctx,
			`INSERT INTO bookings (event_id, quadrant_number, gate_number, number_of_attendees, attendee_id)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING booking_id, created_at`,
			booking.EventID, booking.QuadrantNumber, booking.GateNumber,
			booking.NumberOfAttendees, booking.AttendeeID,
		).Scan(&booking.ID, &booking.CreatedAt); err != nil {
			return model.StorageError("insert booking", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// Cancel deletes a booking and releases its capacity in the same transaction.
// The booking row is locked first and the occupancy row second; Create never
// locks existing booking rows, so the two cannot deadlock.
func (r *BookingRepository) Cancel(ctx context.Context, bookingID int64) error {
	return r.inTx(ctx, "cancel booking", func(tx pgx.Tx) error {
		var eventID string
		var quadrant, attendees int
		err := tx.QueryRow(ctx,
			`SELECT event_id, quadrant_number, number_of_attendees
			 FROM bookings WHERE booking_id = $1
			 FOR UPDATE`,
			bookingID,
		).Scan(&eventID, &quadrant, &attendees)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("booking %d: %w", bookingID, model.ErrNotFound)
			}
			return model.StorageError("lock booking", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE quadrant_occupancy
			 SET booked_attendees = booked_attendees - $3, booking_count = booking_count - 1
			 WHERE event_id = $1 AND quadrant_number = $2`,
			eventID, quadrant, attendees,
		); err != nil {
			return model.StorageError("release occupancy", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM bookings WHERE booking_id = $1`, bookingID); err != nil {
			return model.StorageError("delete booking", err)
		}
		return nil
	})
}

// QuadrantTotals sums booked attendees per quadrant from the booking rows.
// Quadrants without bookings are absent from the map.
func (r *BookingRepository) QuadrantTotals(ctx context.Context, eventID string) (map[int]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT quadrant_number, COALESCE(SUM(number_of_attendees), 0)
		 FROM bookings
		 WHERE event_id = $1
		 GROUP BY quadrant_number`,
		eventID,
	)
	if err != nil {
		return nil, model.StorageError("sum quadrant totals", err)
	}
	defer rows.Close()

	totals := make(map[int]int)
	for rows.Next() {
		var quadrant int
		var total int64
		if err := rows.Scan(&quadrant, &total); err != nil {
			return nil, model.StorageError("scan quadrant total", err)
		}
		totals[quadrant] = int(total)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageError("sum quadrant totals", err)
	}
	return totals, nil
}

// ListByAttendee returns all bookings of an attendee, oldest first.
func (r *BookingRepository) ListByAttendee(ctx context.Context, attendeeID string) ([]model.Booking, error) {
	rows, err := r.db.Query(ctx,
		`SELECT booking_id, event_id, quadrant_number, gate_number, number_of_attendees,
		        attendee_id, admission_status, created_at
		 FROM bookings
		 WHERE attendee_id = $1
		 ORDER BY booking_id ASC`,
		attendeeID,
	)
	if err != nil {
		return nil, model.StorageError("list bookings", err)
	}
	defer rows.Close()

	var bookings []model.Booking
	for rows.Next() {
		var b model.Booking
		var admitted bool
		if err := rows.Scan(&b.ID, &b.EventID, &b.QuadrantNumber, &b.GateNumber,
			&b.NumberOfAttendees, &b.AttendeeID, &admitted, &b.CreatedAt); err != nil {
			return nil, model.StorageError("scan booking", err)
		}
		b.AdmissionStatus = model.AdmissionStatus(admitted)
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageError("list bookings", err)
	}
	return bookings, nil
}

// ListByGate returns the bookings bound to a gate of a quadrant, oldest first.
func (r *BookingRepository) ListByGate(ctx context.Context, eventID string, quadrant, gate int) ([]model.GateAttendee, error) {
	rows, err := r.db.Query(ctx,
		`SELECT booking_id, attendee_id, admission_status, number_of_attendees
		 FROM bookings
		 WHERE event_id = $1 AND quadrant_number = $2 AND gate_number = $3
		 ORDER BY booking_id ASC`,
		eventID, quadrant, gate,
	)
	if err != nil {
		return nil, model.StorageError("list gate attendees", err)
	}
	defer rows.Close()

	var attendees []model.GateAttendee
	for rows.Next() {
		var a model.GateAttendee
		var admitted bool
		if err := rows.Scan(&a.BookingID, &a.AttendeeID, &admitted, &a.NumberOfAttendees); err != nil {
			return nil, model.StorageError("scan gate attendee", err)
		}
		a.AdmissionStatus = model.AdmissionStatus(admitted)
		attendees = append(attendees, a)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageError("list gate attendees", err)
	}
	return attendees, nil
}

// UpdateAdmission flips, or sets when req.AdmissionStatus is given, the
// admission flag of the attendee's selected bookings in one statement.
func (r *BookingRepository) UpdateAdmission(ctx context.Context, req model.AdmissionRequest) ([]model.AdmissionChange, error) {
	var set *bool
	if req.AdmissionStatus != nil {
		v := bool(*req.AdmissionStatus)
		set = &v
	}

	rows, err := r.db.Query(ctx,
		`UPDATE bookings
		 SET admission_status = COALESCE($4::boolean, NOT admission_status)
		 WHERE attendee_id = $1
		   AND ($2::text = '' OR event_id = $2::text)
		   AND ($3::bigint = 0 OR booking_id = $3::bigint)
		 RETURNING booking_id, admission_status`,
		req.AttendeeID, req.EventID, req.BookingID, set,
	)
	if err != nil {
		return nil, model.StorageError("update admission", err)
	}
	defer rows.Close()

	var changes []model.AdmissionChange
	for rows.Next() {
		var c model.AdmissionChange
		var admitted bool
		if err := rows.Scan(&c.BookingID, &admitted); err != nil {
			return nil, model.StorageError("scan admission", err)
		}
		c.AdmissionStatus = model.AdmissionStatus(admitted)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageError("update admission", err)
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("bookings of attendee %s: %w", req.AttendeeID, model.ErrNotFound)
	}
	return changes, nil
}

// Rebalance moves the two most recent bookings of an event to its hot gate:
// the gate with the most admitted bookings, lowest gate number on ties.
func (r *BookingRepository) Rebalance(ctx context.Context, eventID string) (*model.RebalanceResult, error) {
	result := &model.RebalanceResult{EventID: eventID}

	err := r.inTx(ctx, "rebalance", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT booking_id FROM bookings
			 WHERE event_id = $1
			 ORDER BY booking_id DESC
			 LIMIT 2
			 FOR UPDATE`,
			eventID,
		)
		if err != nil {
			return model.StorageError("select recent bookings", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return model.StorageError("select recent bookings", err)
		}
		if len(ids) == 0 {
			return fmt.Errorf("no bookings for event %s: %w", eventID, model.ErrNotFound)
		}

		err = tx.QueryRow(ctx,
			`SELECT gate_number FROM bookings
			 WHERE event_id = $1 AND admission_status
			 GROUP BY gate_number
			 ORDER BY COUNT(*) DESC, gate_number ASC
			 LIMIT 1`,
			eventID,
		).Scan(&result.HotGate)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("no admitted bookings for event %s: %w", eventID, model.ErrNotFound)
			}
			return model.StorageError("select hot gate", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE bookings SET gate_number = $1 WHERE booking_id = ANY($2)`,
			result.HotGate, ids,
		); err != nil {
			return model.StorageError("move bookings", err)
		}
		result.MovedBookingIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Audit reads the running counters and the booking aggregates of every
// quadrant from one repeatable-read snapshot.
func (r *BookingRepository) Audit(ctx context.Context, event *model.Event) ([]model.QuadrantAudit, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, model.StorageError("audit: begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	audits := make([]model.QuadrantAudit, event.NumberOfQuadrants)
	for i := range audits {
		audits[i].QuadrantNumber = i + 1
	}

	running, err := tx.Query(ctx,
		`SELECT quadrant_number, booked_attendees, booking_count
		 FROM quadrant_occupancy WHERE event_id = $1`,
		event.ID,
	)
	if err != nil {
		return nil, model.StorageError("audit counters", err)
	}
	for running.Next() {
		var q, attendees, count int
		if err := running.Scan(&q, &attendees, &count); err != nil {
			running.Close()
			return nil, model.StorageError("scan counters", err)
		}
		if event.HasQuadrant(q) {
			audits[q-1].RunningAttendees = attendees
			audits[q-1].RunningBookings = count
		}
	}
	running.Close()
	if err := running.Err(); err != nil {
		return nil, model.StorageError("audit counters", err)
	}

	ledger, err := tx.Query(ctx,
		`SELECT quadrant_number, COALESCE(SUM(number_of_attendees), 0), COUNT(*)
		 FROM bookings WHERE event_id = $1
		 GROUP BY quadrant_number`,
		event.ID,
	)
	if err != nil {
		return nil, model.StorageError("audit ledger", err)
	}
	defer ledger.Close()
	for ledger.Next() {
		var q int
		var attendees, count int64
		if err := ledger.Scan(&q, &attendees, &count); err != nil {
			return nil, model.StorageError("scan ledger", err)
		}
		if event.HasQuadrant(q) {
			audits[q-1].LedgerAttendees = int(attendees)
			audits[q-1].LedgerBookings = int(count)
		}
	}
	if err := ledger.Err(); err != nil {
		return nil, model.StorageError("audit ledger", err)
	}
	return audits, nil
}
