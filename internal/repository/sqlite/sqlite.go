// Package sqlite provides the SQLite-backed booking ledger and event capacity
// store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/model"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EventRepository persists event capacity configuration.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs an EventRepository over an opened handle.
func NewEventRepository(db *sql.DB) *EventRepository {
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
		CreatedAt:                time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (event_id, name, number_of_quadrants, attendees_per_quadrant,
		                     number_of_gates_per_quadrant, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Name, event.NumberOfQuadrants, event.AttendeesPerQuadrant,
		event.NumberOfGatesPerQuadrant, toMillis(event.CreatedAt),
	)
	if err != nil {
		return nil, model.StorageError("insert event", err)
	}
	return event, nil
}

// GetByID returns a single event or ErrNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	var created int64
	err := r.db.QueryRowContext(ctx,
		`SELECT event_id, name, number_of_quadrants, attendees_per_quadrant,
		        number_of_gates_per_quadrant, created_at
		 FROM events WHERE event_id = ?`,
		id,
	).Scan(&e.ID, &e.Name, &e.NumberOfQuadrants, &e.AttendeesPerQuadrant,
		&e.NumberOfGatesPerQuadrant, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
		}
		return nil, model.StorageError("get event", err)
	}
	e.CreatedAt = fromMillis(created)
	return &e, nil
}

// BookingRepository is the SQLite booking ledger. The handle it is given
// must be limited to a single open connection (see database.OpenSQLite), which
// makes every transaction below run alone.
type BookingRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewBookingRepository constructs a BookingRepository over an opened handle.
func NewBookingRepository(db *sql.DB) *BookingRepository {
	return &BookingRepository{db: db, now: time.Now}
}

func (r *BookingRepository) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StorageError(op+": begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.StorageError(op+": commit transaction", err)
	}
	return nil
}

// Create reserves capacity and inserts a booking in one transaction.
//
// The reservation is a conditional UPDATE that only succeeds while the
// quadrant still has room, so the capacity check and the increment are one
// statement. RETURNING hands back the new running booking count, from which
// the round-robin gate is derived.
func (r *BookingRepository) Create(ctx context.Context, event *model.Event, req model.CreateBookingRequest) (*model.Booking, error) {
	booking := &model.Booking{
		EventID:           event.ID,
		QuadrantNumber:    req.QuadrantNumber,
		NumberOfAttendees: req.NumberOfAttendees,
		AttendeeID:        req.AttendeeID,
		AdmissionStatus:   model.NotAdmitted,
		CreatedAt:         r.now().UTC().Truncate(time.Millisecond),
	}

	err := r.inTx(ctx, "create booking", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quadrant_occupancy (event_id, quadrant_number)
			 VALUES (?, ?)
			 ON CONFLICT (event_id, quadrant_number) DO NOTHING`,
			event.ID, req.QuadrantNumber,
		); err != nil {
			return model.StorageError("ensure occupancy row", err)
		}

		var count int
		err := tx.QueryRowContext(ctx,
			`UPDATE quadrant_occupancy
			 SET booked_attendees = booked_attendees + ?, booking_count = booking_count + 1
			 WHERE event_id = ? AND quadrant_number = ? AND booked_attendees + ? <= ?
			 RETURNING booking_count`,
			req.NumberOfAttendees, event.ID, req.QuadrantNumber,
			req.NumberOfAttendees, event.AttendeesPerQuadrant,
		).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			var booked int
			if err := tx.QueryRowContext(ctx,
				`SELECT booked_attendees FROM quadrant_occupancy
				 WHERE event_id = ? AND quadrant_number = ?`,
				event.ID, req.QuadrantNumber,
			).Scan(&booked); err != nil {
				return model.StorageError("read occupancy", err)
			}
			return &model.CapacityError{
				EventID:   event.ID,
				Quadrant:  req.QuadrantNumber,
				Requested: req.NumberOfAttendees,
				Booked:    booked,
				Capacity:  event.AttendeesPerQuadrant,
			}
		}
		if err != nil {
			return model.StorageError("reserve capacity", err)
		}
		booking.GateNumber = model.NextGate(count-1, event.NumberOfGatesPerQuadrant)

		res, err := tx.ExecContext(ctx,
			`INSERT INTO bookings (event_id, quadrant_number, gate_number, number_of_attendees,
			                       attendee_id, admission_status, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?)`,
			booking.EventID, booking.QuadrantNumber, booking.GateNumber,
			booking.NumberOfAttendees, booking.AttendeeID, toMillis(booking.CreatedAt),
		)
		if err != nil {
			return model.StorageError("insert booking", err)
		}
		if booking.ID, err = res.LastInsertId(); err != nil {
			return model.StorageError("insert booking", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// Cancel deletes a booking and releases its capacity in one transaction.
func (r *BookingRepository) Cancel(ctx context.Context, bookingID int64) error {
	return r.inTx(ctx, "cancel booking", func(tx *sql.Tx) error {
		var eventID string
		var quadrant, attendees int
		err := tx.QueryRowContext(ctx,
			`DELETE FROM bookings WHERE booking_id = ?
			 RETURNING event_id, quadrant_number, number_of_attendees`,
			bookingID,
		).Scan(&eventID, &quadrant, &attendees)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("booking %d: %w", bookingID, model.ErrNotFound)
			}
			return model.StorageError("delete booking", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE quadrant_occupancy
			 SET booked_attendees = booked_attendees - ?, booking_count = booking_count - 1
			 WHERE event_id = ? AND quadrant_number = ?`,
			attendees, eventID, quadrant,
		); err != nil {
			return model.StorageError("release occupancy", err)
		}
		return nil
	})
}

// QuadrantTotals sums booked attendees per quadrant from the booking rows.
func (r *BookingRepository) QuadrantTotals(ctx context.Context, eventID string) (map[int]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT quadrant_number, COALESCE(SUM(number_of_attendees), 0)
		 FROM bookings
		 WHERE event_id = ?
		 GROUP BY quadrant_number`,
		eventID,
	)
	if err != nil {
		return nil, model.StorageError("sum quadrant totals", err)
	}
	defer rows.Close()

	totals := make(map[int]int)
	for rows.Next() {
		var quadrant, total int
		if err := rows.Scan(&quadrant, &total); err != nil {
			return nil, model.StorageError("scan quadrant total", err)
		}
		totals[quadrant] = total
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageError("sum quadrant totals", err)
	}
	return totals, nil
}

// ListByAttendee returns all bookings of an attendee, oldest first.
func (r *BookingRepository) ListByAttendee(ctx context.Context, attendeeID string) ([]model.Booking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT booking_id, event_id, quadrant_number, gate_number, number_of_attendees,
		        attendee_id, admission_status, created_at
		 FROM bookings
		 WHERE attendee_id = ?
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
		var admitted, created int64
		if err := rows.Scan(&b.ID, &b.EventID, &b.QuadrantNumber, &b.GateNumber,
			&b.NumberOfAttendees, &b.AttendeeID, &admitted, &created); err != nil {
			return nil, model.StorageError("scan booking", err)
		}
		b.AdmissionStatus = model.AdmissionStatus(admitted == 1)
		b.CreatedAt = fromMillis(created)
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageError("list bookings", err)
	}
	return bookings, nil
}

// ListByGate returns the bookings bound to a gate of a quadrant, oldest first.
func (r *BookingRepository) ListByGate(ctx context.Context, eventID string, quadrant, gate int) ([]model.GateAttendee, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT booking_id, attendee_id, admission_status, number_of_attendees
		 FROM bookings
		 WHERE event_id = ? AND quadrant_number = ? AND gate_number = ?
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
		var admitted int64
		if err := rows.Scan(&a.BookingID, &a.AttendeeID, &admitted, &a.NumberOfAttendees); err != nil {
			return nil, model.StorageError("scan gate attendee", err)
		}
		a.AdmissionStatus = model.AdmissionStatus(admitted == 1)
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
	var set any
	if req.AdmissionStatus != nil {
		set = boolInt(bool(*req.AdmissionStatus))
	}

	rows, err := r.db.QueryContext(ctx,
		`UPDATE bookings
		 SET admission_status = COALESCE(?, 1 - admission_status)
		 WHERE attendee_id = ?
		   AND (? = '' OR event_id = ?)
		   AND (? = 0 OR booking_id = ?)
		 RETURNING booking_id, admission_status`,
		set, req.AttendeeID, req.EventID, req.EventID, req.BookingID, req.BookingID,
	)
	if err != nil {
		return nil, model.StorageError("update admission", err)
	}
	defer rows.Close()

	var changes []model.AdmissionChange
	for rows.Next() {
		var c model.AdmissionChange
		var admitted int64
		if err := rows.Scan(&c.BookingID, &admitted); err != nil {
			return nil, model.StorageError("scan admission", err)
		}
		c.AdmissionStatus = model.AdmissionStatus(admitted == 1)
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

	err := r.inTx(ctx, "rebalance", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT booking_id FROM bookings
			 WHERE event_id = ?
			 ORDER BY booking_id DESC
			 LIMIT 2`,
			eventID,
		)
		if err != nil {
			return model.StorageError("select recent bookings", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return model.StorageError("scan recent booking", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return model.StorageError("select recent bookings", err)
		}
		if len(ids) == 0 {
			return fmt.Errorf("no bookings for event %s: %w", eventID, model.ErrNotFound)
		}

		err = tx.QueryRowContext(ctx,
			`SELECT gate_number FROM bookings
			 WHERE event_id = ? AND admission_status = 1
			 GROUP BY gate_number
			 ORDER BY COUNT(*) DESC, gate_number ASC
			 LIMIT 1`,
			eventID,
		).Scan(&result.HotGate)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("no admitted bookings for event %s: %w", eventID, model.ErrNotFound)
			}
			return model.StorageError("select hot gate", err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE bookings SET gate_number = ? WHERE booking_id = ?`,
				result.HotGate, id,
			); err != nil {
				return model.StorageError("move booking", err)
			}
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
// quadrant inside one transaction.
func (r *BookingRepository) Audit(ctx context.Context, event *model.Event) ([]model.QuadrantAudit, error) {
	audits := make([]model.QuadrantAudit, event.NumberOfQuadrants)
	for i := range audits {
		audits[i].QuadrantNumber = i + 1
	}

	err := r.inTx(ctx, "audit", func(tx *sql.Tx) error {
		running, err := tx.QueryContext(ctx,
			`SELECT quadrant_number, booked_attendees, booking_count
			 FROM quadrant_occupancy WHERE event_id = ?`,
			event.ID,
		)
		if err != nil {
			return model.StorageError("audit counters", err)
		}
		for running.Next() {
			var q, attendees, count int
			if err := running.Scan(&q, &attendees, &count); err != nil {
				running.Close()
				return model.StorageError("scan counters", err)
			}
			if event.HasQuadrant(q) {
				audits[q-1].RunningAttendees = attendees
				audits[q-1].RunningBookings = count
			}
		}
		running.Close()
		if err := running.Err(); err != nil {
			return model.StorageError("audit counters", err)
		}

		ledger, err := tx.QueryContext(ctx,
			`SELECT quadrant_number, COALESCE(SUM(number_of_attendees), 0), COUNT(*)
			 FROM bookings WHERE event_id = ?
			 GROUP BY quadrant_number`,
			event.ID,
		)
		if err != nil {
			return model.StorageError("audit ledger", err)
		}
		defer ledger.Close()
		for ledger.Next() {
			var q, attendees, count int
			if err := ledger.Scan(&q, &attendees, &count); err != nil {
				return model.StorageError("scan ledger", err)
			}
			if event.HasQuadrant(q) {
				audits[q-1].LedgerAttendees = attendees
				audits[q-1].LedgerBookings = count
			}
		}
		if err := ledger.Err(); err != nil {
			return model.StorageError("audit ledger", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return audits, nil
}
