// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/model"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/service"
)

// BookingHandler holds all HTTP handlers for the admission API.
type BookingHandler struct {
	svc *service.BookingService
	log *slog.Logger
}

// NewBookingHandler constructs a BookingHandler.
func NewBookingHandler(svc *service.BookingService, log *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, log: log}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (h *BookingHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var capErr *model.CapacityError
	switch {
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusConflict, model.ErrorResponse{
			Error:    capErr.Error(),
			Quadrant: capErr.Quadrant,
			Excess:   capErr.Excess(),
		})
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrStorage):
		h.log.ErrorContext(r.Context(), "storage failure", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		h.log.ErrorContext(r.Context(), "unexpected failure", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	return v, err == nil
}

// ─── Events ───────────────────────────────────────────────────────────────────

// CreateEvent handles POST /events
// Registers an event's quadrant and gate configuration.
func (h *BookingHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	event, err := h.svc.CreateEvent(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// GetEvent handles GET /events/{id}
func (h *BookingHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// CheckAvailability handles GET /events/{id}/availability
// Returns, per quadrant, whether bookings are still accepted.
func (h *BookingHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	avail, err := h.svc.CheckAvailability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

// ListGateAttendees handles GET /events/{id}/quadrants/{quadrant}/gates/{gate}/attendees
func (h *BookingHandler) ListGateAttendees(w http.ResponseWriter, r *http.Request) {
	quadrant, ok := intParam(r, "quadrant")
	if !ok {
		writeError(w, http.StatusBadRequest, "quadrant must be an integer")
		return
	}
	gate, ok := intParam(r, "gate")
	if !ok {
		writeError(w, http.StatusBadRequest, "gate must be an integer")
		return
	}

	attendees, err := h.svc.ListGateAttendees(r.Context(), chi.URLParam(r, "id"), quadrant, gate)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if attendees == nil {
		attendees = []model.GateAttendee{}
	}
	writeJSON(w, http.StatusOK, attendees)
}

// Rebalance handles POST /events/{id}/rebalance
func (h *BookingHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Rebalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Audit handles GET /events/{id}/audit
func (h *BookingHandler) Audit(w http.ResponseWriter, r *http.Request) {
	audits, err := h.svc.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	type quadrant struct {
		model.QuadrantAudit
		Consistent bool `json:"consistent"`
	}
	out := make([]quadrant, 0, len(audits))
	for _, a := range audits {
		out = append(out, quadrant{QuadrantAudit: a, Consistent: a.Consistent()})
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Bookings ─────────────────────────────────────────────────────────────────

// CreateBooking handles POST /bookings
// Performs the capacity-checked booking and returns the assigned gate.
func (h *BookingHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req model.CreateBookingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	booking, err := h.svc.CreateBooking(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, model.BookingResponse{
		Message:      "Booking successful",
		AssignedGate: booking.GateNumber,
		Booking:      booking,
	})
}

// ListBookings handles GET /bookings?attendee_id=
func (h *BookingHandler) ListBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.svc.ListAttendeeBookings(r.Context(), r.URL.Query().Get("attendee_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if bookings == nil {
		bookings = []model.Booking{}
	}
	writeJSON(w, http.StatusOK, bookings)
}

// CancelBooking handles DELETE /bookings/{bookingID}
func (h *BookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "bookingID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "booking id must be an integer")
		return
	}

	if err := h.svc.CancelBooking(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.MessageResponse{Message: "Booking cancelled successfully"})
}

// ─── Admission ────────────────────────────────────────────────────────────────

// UpdateAdmission handles POST /admissions/toggle
// Flips the admission flag, or sets it when admission_status is present.
func (h *BookingHandler) UpdateAdmission(w http.ResponseWriter, r *http.Request) {
	var req model.AdmissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var (
		changes []model.AdmissionChange
		err     error
	)
	if req.AdmissionStatus != nil {
		changes, err = h.svc.SetAdmission(r.Context(), req, *req.AdmissionStatus)
	} else {
		changes, err = h.svc.ToggleAdmission(r.Context(), req)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
