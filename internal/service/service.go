// Package service implements admission control over shared quadrant capacity:
// validation, orchestration and observability between the HTTP handlers and
// the booking ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/model"
)

const tracerName = "github.com/Shivanand-hulikatti/crowd-admission/internal/service"

// maxCount bounds every configured count and attendee number.
const maxCount = 100_000

// EventStore supplies event capacity configuration.
type EventStore interface {
	Create(ctx context.Context, req model.CreateEventRequest) (*model.Event, error)
	GetByID(ctx context.Context, id string) (*model.Event, error)
}

// Ledger is the durable set of bookings. Create and Cancel must each be one
// atomic unit per (event, quadrant).
type Ledger interface {
	Create(ctx context.Context, event *model.Event, req model.CreateBookingRequest) (*model.Booking, error)
	Cancel(ctx context.Context, bookingID int64) error
	QuadrantTotals(ctx context.Context, eventID string) (map[int]int, error)
	ListByAttendee(ctx context.Context, attendeeID string) ([]model.Booking, error)
	ListByGate(ctx context.Context, eventID string, quadrant, gate int) ([]model.GateAttendee, error)
	UpdateAdmission(ctx context.Context, req model.AdmissionRequest) ([]model.AdmissionChange, error)
	Rebalance(ctx context.Context, eventID string) (*model.RebalanceResult, error)
	Audit(ctx context.Context, event *model.Event) ([]model.QuadrantAudit, error)
}

// BookingService orchestrates admission control operations.
type BookingService struct {
	events EventStore
	ledger Ledger
	log    *slog.Logger
	tracer trace.Tracer
}

// NewBookingService constructs a BookingService with its dependencies.
func NewBookingService(events EventStore, ledger Ledger, log *slog.Logger) *BookingService {
	return &BookingService{
		events: events,
		ledger: ledger,
		log:    log,
		tracer: otel.Tracer(tracerName),
	}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrValidation, fmt.Sprintf(format, args...))
}

// finish records err on span and ends it.
func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateEvent validates and registers an event's capacity configuration.
func (s *BookingService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (_ *model.Event, err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.CreateEvent")
	defer func() { finish(span, err) }()

	req.Name = strings.TrimSpace(req.Name)
	if req.NumberOfQuadrants <= 0 || req.NumberOfQuadrants > maxCount {
		return nil, validationError("number_of_quadrants must be a positive integer")
	}
	if req.AttendeesPerQuadrant <= 0 || req.AttendeesPerQuadrant > maxCount {
		return nil, validationError("attendees_per_quadrant must be a positive integer")
	}
	if req.NumberOfGatesPerQuadrant <= 0 || req.NumberOfGatesPerQuadrant > maxCount {
		return nil, validationError("number_of_gates_per_quadrant must be a positive integer")
	}

	event, err := s.events.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	span.SetAttributes(attribute.String("event.id", event.ID))
	s.log.InfoContext(ctx, "event registered",
		"event_id", event.ID,
		"quadrants", event.NumberOfQuadrants,
		"attendees_per_quadrant", event.AttendeesPerQuadrant,
		"gates_per_quadrant", event.NumberOfGatesPerQuadrant,
	)
	return event, nil
}

// GetEvent returns a single event's capacity configuration.
func (s *BookingService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, validationError("event_id is required")
	}
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return event, nil
}

// CreateBooking checks the quadrant's remaining capacity and, when the
// request fits, persists a booking bound to the next round-robin gate.
func (s *BookingService) CreateBooking(ctx context.Context, req model.CreateBookingRequest) (_ *model.Booking, err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.CreateBooking", trace.WithAttributes(
		attribute.String("event.id", req.EventID),
		attribute.Int("quadrant.number", req.QuadrantNumber),
		attribute.Int("booking.attendees", req.NumberOfAttendees),
	))
	defer func() { finish(span, err) }()

	req.EventID = strings.TrimSpace(req.EventID)
	req.AttendeeID = strings.TrimSpace(req.AttendeeID)
	switch {
	case req.EventID == "":
		return nil, validationError("event_id is required")
	case req.AttendeeID == "":
		return nil, validationError("attendee_id is required")
	case req.QuadrantNumber <= 0:
		return nil, validationError("quadrant_number must be a positive integer")
	case req.NumberOfAttendees <= 0 || req.NumberOfAttendees > maxCount:
		return nil, validationError("number_of_attendees must be a positive integer")
	}

	event, err := s.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if !event.HasQuadrant(req.QuadrantNumber) {
		return nil, validationError("quadrant_number must be between 1 and %d", event.NumberOfQuadrants)
	}

	booking, err := s.ledger.Create(ctx, event, req)
	if err != nil {
		var capErr *model.CapacityError
		if errors.As(err, &capErr) {
			s.log.WarnContext(ctx, "booking rejected",
				"event_id", req.EventID,
				"quadrant", req.QuadrantNumber,
				"requested", req.NumberOfAttendees,
				"excess", capErr.Excess(),
			)
			return nil, err
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("booking.id", booking.ID),
		attribute.Int("gate.number", booking.GateNumber),
	)
	s.log.InfoContext(ctx, "booking created",
		"booking_id", booking.ID,
		"event_id", booking.EventID,
		"quadrant", booking.QuadrantNumber,
		"gate", booking.GateNumber,
		"attendees", booking.NumberOfAttendees,
		"attendee_id", booking.AttendeeID,
	)
	return booking, nil
}

// CancelBooking deletes a booking and releases its capacity.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.CancelBooking", trace.WithAttributes(
		attribute.Int64("booking.id", bookingID),
	))
	defer func() { finish(span, err) }()

	if bookingID <= 0 {
		return validationError("booking_id must be a positive integer")
	}
	if err := s.ledger.Cancel(ctx, bookingID); err != nil {
		return fmt.Errorf("cancel booking %d: %w", bookingID, err)
	}
	s.log.InfoContext(ctx, "booking cancelled", "booking_id", bookingID)
	return nil
}

// CheckAvailability reports for each quadrant whether it still has room.
// Quadrants without bookings are available. The result is advisory.
func (s *BookingService) CheckAvailability(ctx context.Context, eventID string) (_ *model.Availability, err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.CheckAvailability", trace.WithAttributes(
		attribute.String("event.id", eventID),
	))
	defer func() { finish(span, err) }()

	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	totals, err := s.ledger.QuadrantTotals(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("quadrant totals: %w", err)
	}

	status := make(map[int]bool, event.NumberOfQuadrants)
	for q := 1; q <= event.NumberOfQuadrants; q++ {
		status[q] = totals[q] < event.AttendeesPerQuadrant
	}
	return &model.Availability{
		EventID:           event.ID,
		NumberOfQuadrants: event.NumberOfQuadrants,
		QuadrantStatus:    status,
	}, nil
}

// ListAttendeeBookings returns every booking owned by attendeeID.
func (s *BookingService) ListAttendeeBookings(ctx context.Context, attendeeID string) ([]model.Booking, error) {
	attendeeID = strings.TrimSpace(attendeeID)
	if attendeeID == "" {
		return nil, validationError("attendee_id is required")
	}
	return s.ledger.ListByAttendee(ctx, attendeeID)
}

// ListGateAttendees returns the bookings bound to one gate of one quadrant.
func (s *BookingService) ListGateAttendees(ctx context.Context, eventID string, quadrant, gate int) ([]model.GateAttendee, error) {
	eventID = strings.TrimSpace(eventID)
	switch {
	case eventID == "":
		return nil, validationError("event_id is required")
	case quadrant <= 0:
		return nil, validationError("quadrant_number must be a positive integer")
	case gate <= 0:
		return nil, validationError("gate_number must be a positive integer")
	}
	return s.ledger.ListByGate(ctx, eventID, quadrant, gate)
}

// ToggleAdmission flips the admission flag of the selected bookings.
func (s *BookingService) ToggleAdmission(ctx context.Context, req model.AdmissionRequest) ([]model.AdmissionChange, error) {
	req.AdmissionStatus = nil
	return s.updateAdmission(ctx, req)
}

// SetAdmission sets the admission flag of the selected bookings to status.
func (s *BookingService) SetAdmission(ctx context.Context, req model.AdmissionRequest, status model.AdmissionStatus) ([]model.AdmissionChange, error) {
	req.AdmissionStatus = &status
	return s.updateAdmission(ctx, req)
}

func (s *BookingService) updateAdmission(ctx context.Context, req model.AdmissionRequest) (_ []model.AdmissionChange, err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.UpdateAdmission", trace.WithAttributes(
		attribute.String("attendee.id", req.AttendeeID),
		attribute.Int64("booking.id", req.BookingID),
	))
	defer func() { finish(span, err) }()

	req.AttendeeID = strings.TrimSpace(req.AttendeeID)
	req.EventID = strings.TrimSpace(req.EventID)
	if req.AttendeeID == "" {
		return nil, validationError("attendee_id is required")
	}
	if req.BookingID < 0 {
		return nil, validationError("booking_id must be a positive integer")
	}

	changes, err := s.ledger.UpdateAdmission(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("update admission for %s: %w", req.AttendeeID, err)
	}
	for _, c := range changes {
		s.log.InfoContext(ctx, "admission updated",
			"booking_id", c.BookingID,
			"attendee_id", req.AttendeeID,
			"admission_status", c.AdmissionStatus.String(),
		)
	}
	return changes, nil
}

// Rebalance moves the two most recent bookings of an event to the gate with
// the most admitted bookings. Capacity is not re-checked: moving a gate
// assignment never changes quadrant occupancy.
func (s *BookingService) Rebalance(ctx context.Context, eventID string) (_ *model.RebalanceResult, err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.Rebalance", trace.WithAttributes(
		attribute.String("event.id", eventID),
	))
	defer func() { finish(span, err) }()

	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, validationError("event_id is required")
	}
	result, err := s.ledger.Rebalance(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("rebalance event %s: %w", eventID, err)
	}
	span.SetAttributes(attribute.Int("gate.hot", result.HotGate))
	s.log.InfoContext(ctx, "crowd rebalanced",
		"event_id", eventID,
		"hot_gate", result.HotGate,
		"moved", result.MovedBookingIDs,
	)
	return result, nil
}

// Audit compares the running occupancy counters with the booking rows for
// every quadrant of an event. Inconsistencies are logged at error level.
func (s *BookingService) Audit(ctx context.Context, eventID string) (_ []model.QuadrantAudit, err error) {
	ctx, span := s.tracer.Start(ctx, "BookingService.Audit", trace.WithAttributes(
		attribute.String("event.id", eventID),
	))
	defer func() { finish(span, err) }()

	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	audits, err := s.ledger.Audit(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("audit event %s: %w", event.ID, err)
	}
	for _, a := range audits {
		if !a.Consistent() {
			s.log.ErrorContext(ctx, "occupancy counters diverge from ledger",
				"event_id", event.ID,
				"quadrant", a.QuadrantNumber,
				"running_attendees", a.RunningAttendees,
				"ledger_attendees", a.LedgerAttendees,
				"running_bookings", a.RunningBookings,
				"ledger_bookings", a.LedgerBookings,
			)
		}
	}
	return audits, nil
}
