package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router with the global middleware stack.
// Every request gets a deadline of requestTimeout.
func NewRouter(h *BookingHandler, log *slog.Logger, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(chimiddleware.Timeout(requestTimeout))

	r.Get("/health", HealthCheck)

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetEvent)
			r.Get("/availability", h.CheckAvailability)
			r.Get("/quadrants/{quadrant}/gates/{gate}/attendees", h.ListGateAttendees)
			r.Post("/rebalance", h.Rebalance)
			r.Get("/audit", h.Audit)
		})
	})

	r.Route("/bookings", func(r chi.Router) {
		r.Post("/", h.CreateBooking)
		r.Get("/", h.ListBookings)
		r.Delete("/{bookingID}", h.CancelBooking)
	})

	r.Post("/admissions/toggle", h.UpdateAdmission)

	return r
}
