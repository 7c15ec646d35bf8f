// Package model defines the core domain types for quadrant admission control.
package model

import "time"

// Event is the read-only capacity configuration of an event. It is fixed at
// event creation and applies uniformly to every quadrant.
type Event struct {
	ID                       string    `json:"event_id"`
	Name                     string    `json:"name"`
	NumberOfQuadrants        int       `json:"number_of_quadrants"`
	AttendeesPerQuadrant     int       `json:"attendees_per_quadrant"`
	NumberOfGatesPerQuadrant int       `json:"number_of_gates_per_quadrant"`
	CreatedAt                time.Time `json:"created_at"`
}

// HasQuadrant reports whether q is a valid quadrant number for the event.
func (e *Event) HasQuadrant(q int) bool {
	return q >= 1 && q <= e.NumberOfQuadrants
}

// HasGate reports whether g is a valid gate number within any quadrant.
func (e *Event) HasGate(g int) bool {
	return g >= 1 && g <= e.NumberOfGatesPerQuadrant
}

// NextGate returns the round-robin gate for a booking that arrives after
// accepted live bookings in its quadrant. Gates are numbered from 1.
func NextGate(accepted, gates int) int {
	return accepted%gates + 1
}

// Booking is one accepted reservation of capacity within a quadrant, bound to
// a gate.
type Booking struct {
	ID                int64           `json:"booking_id"`
	EventID           string          `json:"event_id"`
	QuadrantNumber    int             `json:"quadrant_number"`
	GateNumber        int             `json:"gate_number"`
	NumberOfAttendees int             `json:"number_of_attendees"`
	AttendeeID        string          `json:"attendee_id"`
	AdmissionStatus   AdmissionStatus `json:"admission_status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// GateAttendee is a row of the staff view of one gate.
type GateAttendee struct {
	BookingID         int64           `json:"booking_id"`
	AttendeeID        string          `json:"attendee_id"`
	AdmissionStatus   AdmissionStatus `json:"admission_status"`
	NumberOfAttendees int             `json:"number_of_attendees"`
}

// Availability reports, per quadrant, whether bookings are still accepted.
type Availability struct {
	EventID           string       `json:"event_id"`
	NumberOfQuadrants int          `json:"number_of_quadrants"`
	QuadrantStatus    map[int]bool `json:"quadrant_status"`
}

// AdmissionChange is the resulting admission flag of one booking.
type AdmissionChange struct {
	BookingID       int64           `json:"booking_id"`
	AdmissionStatus AdmissionStatus `json:"admission_status"`
}

// RebalanceResult describes the bookings moved by a rebalance.
type RebalanceResult struct {
	EventID         string  `json:"event_id"`
	HotGate         int     `json:"hot_gate"`
	MovedBookingIDs []int64 `json:"moved_booking_ids"`
}

// QuadrantAudit compares the running occupancy counters of a quadrant with
// the totals recomputed from its booking rows.
type QuadrantAudit struct {
	QuadrantNumber   int `json:"quadrant_number"`
	RunningAttendees int `json:"running_attendees"`
	LedgerAttendees  int `json:"ledger_attendees"`
	RunningBookings  int `json:"running_bookings"`
	LedgerBookings   int `json:"ledger_bookings"`
}

// Consistent reports whether the counters match the ledger.
func (a QuadrantAudit) Consistent() bool {
	return a.RunningAttendees == a.LedgerAttendees && a.RunningBookings == a.LedgerBookings
}

// CreateEventRequest is the payload for registering an event's capacity
// configuration.
type CreateEventRequest struct {
	Name                     string `json:"name"`
	NumberOfQuadrants        int    `json:"number_of_quadrants"`
	AttendeesPerQuadrant     int    `json:"attendees_per_quadrant"`
	NumberOfGatesPerQuadrant int    `json:"number_of_gates_per_quadrant"`
}

// CreateBookingRequest is the payload for reserving capacity in a quadrant.
type CreateBookingRequest struct {
	EventID           string `json:"event_id"`
	QuadrantNumber    int    `json:"quadrant_number"`
	NumberOfAttendees int    `json:"number_of_attendees"`
	AttendeeID        string `json:"attendee_id"`
}

// AdmissionRequest selects the bookings of an attendee whose admission flag
// changes. BookingID and EventID narrow the selection when set. A nil
// AdmissionStatus flips the flag; otherwise the flag is set to that value.
type AdmissionRequest struct {
	AttendeeID      string           `json:"attendee_id"`
	EventID         string           `json:"event_id,omitempty"`
	BookingID       int64            `json:"booking_id,omitempty"`
	AdmissionStatus *AdmissionStatus `json:"admission_status,omitempty"`
}

// BookingResponse is returned when a booking is accepted.
type BookingResponse struct {
	Message      string   `json:"message"`
	AssignedGate int      `json:"assigned_gate"`
	Booking      *Booking `json:"booking"`
}

// MessageResponse is a plain confirmation envelope.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error    string `json:"error"`
	Quadrant int    `json:"quadrant,omitempty"`
	Excess   int    `json:"excess,omitempty"`
}
