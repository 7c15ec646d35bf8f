package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a referenced event, booking or attendee
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded is returned when a booking would overfill its quadrant.
	ErrCapacityExceeded = errors.New("quadrant capacity exceeded")

	// ErrStorage wraps persistence failures. The core never retries them.
	ErrStorage = errors.New("storage error")
)

// CapacityError describes a rejected booking. It matches ErrCapacityExceeded
// with errors.Is.
type CapacityError struct {
	EventID   string
	Quadrant  int
	Requested int
	Booked    int
	Capacity  int
}

// Excess is the number of attendees by which the quadrant would be overfilled.
func (e *CapacityError) Excess() int {
	return e.Booked + e.Requested - e.Capacity
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("quadrant %d can't occupy %d attendees: capacity exceeded by %d",
		e.Quadrant, e.Requested, e.Excess())
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacityExceeded
}

// StorageError wraps err as an ErrStorage failure of op, keeping the cause.
func StorageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
