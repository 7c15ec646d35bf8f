package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/crowd-admission/internal/database"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/model"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/repository/sqlite"
	"github.com/Shivanand-hulikatti/crowd-admission/internal/service"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.MigrateSQLite(ctx, db, log))

	svc := service.NewBookingService(sqlite.NewEventRepository(db), sqlite.NewBookingRepository(db), log)
	srv := httptest.NewServer(NewRouter(NewBookingHandler(svc, log), log, 5*time.Second))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createEvent(t *testing.T, base string, quadrants, capacity, gates int) model.Event {
	t.Helper()
	var event model.Event
	status := do(t, http.MethodPost, base+"/events", model.CreateEventRequest{
		Name:                     "Arena",
		NumberOfQuadrants:        quadrants,
		AttendeesPerQuadrant:     capacity,
		NumberOfGatesPerQuadrant: gates,
	}, &event)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, event.ID)
	return event
}

func book(t *testing.T, base, eventID string, quadrant, attendees int, attendeeID string) (int, model.BookingResponse, model.ErrorResponse) {
	t.Helper()
	raw, err := json.Marshal(model.CreateBookingRequest{
		EventID: eventID, QuadrantNumber: quadrant, NumberOfAttendees: attendees, AttendeeID: attendeeID,
	})
	require.NoError(t, err)
	resp, err := http.Post(base+"/bookings", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var ok model.BookingResponse
	var fail model.ErrorResponse
	if resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ok))
	} else {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&fail))
	}
	return resp.StatusCode, ok, fail
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCreateEvent_RejectsBadInput(t *testing.T) {
	srv := newTestServer(t)

	var fail model.ErrorResponse
	status := do(t, http.MethodPost, srv.URL+"/events", map[string]any{
		"number_of_quadrants": 0, "attendees_per_quadrant": 10, "number_of_gates_per_quadrant": 1,
	}, &fail)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, fail.Error, "number_of_quadrants")

	status = do(t, http.MethodPost, srv.URL+"/events", map[string]any{
		"number_of_quadrants": "four",
	}, &fail)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBookingLifecycle(t *testing.T) {
	srv := newTestServer(t)
	event := createEvent(t, srv.URL, 2, 10, 2)

	var got model.Event
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/events/"+event.ID, nil, &got))
	assert.Equal(t, 2, got.NumberOfGatesPerQuadrant)

	status, first, _ := book(t, srv.URL, event.ID, 1, 10, "alice")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 1, first.AssignedGate)
	assert.Equal(t, "Booking successful", first.Message)

	status, _, fail := book(t, srv.URL, event.ID, 1, 1, "bob")
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, 1, fail.Quadrant)
	assert.Equal(t, 1, fail.Excess)

	var avail model.Availability
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/events/"+event.ID+"/availability", nil, &avail))
	assert.Equal(t, 2, avail.NumberOfQuadrants)
	assert.Equal(t, map[int]bool{1: false, 2: true}, avail.QuadrantStatus)

	var msg model.MessageResponse
	url := fmt.Sprintf("%s/bookings/%d", srv.URL, first.Booking.ID)
	require.Equal(t, http.StatusOK, do(t, http.MethodDelete, url, nil, &msg))
	assert.Equal(t, "Booking cancelled successfully", msg.Message)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, url, nil, &fail))

	status, again, _ := book(t, srv.URL, event.ID, 1, 5, "carol")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 1, again.AssignedGate)

	var audit []struct {
		QuadrantNumber int  `json:"quadrant_number"`
		Consistent     bool `json:"consistent"`
	}
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/events/"+event.ID+"/audit", nil, &audit))
	require.Len(t, audit, 2)
	for _, q := range audit {
		assert.True(t, q.Consistent, "quadrant %d", q.QuadrantNumber)
	}
}

func TestCreateBooking_Errors(t *testing.T) {
	srv := newTestServer(t)
	event := createEvent(t, srv.URL, 1, 10, 1)

	status, _, fail := book(t, srv.URL, "missing", 1, 1, "a")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, fail.Error, "not found")

	status, _, _ = book(t, srv.URL, event.ID, 2, 1, "a")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _ = book(t, srv.URL, event.ID, 1, 1, "")
	assert.Equal(t, http.StatusBadRequest, status)

	var errResp model.ErrorResponse
	status = do(t, http.MethodPost, srv.URL+"/bookings", map[string]any{"event_id": event.ID, "unknown": 1}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, errResp.Error, "invalid request body")

	status = do(t, http.MethodDelete, srv.URL+"/bookings/abc", nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListings(t *testing.T) {
	srv := newTestServer(t)
	event := createEvent(t, srv.URL, 1, 10, 2)
	book(t, srv.URL, event.ID, 1, 2, "alice")
	book(t, srv.URL, event.ID, 1, 3, "bob")

	var mine []model.Booking
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/bookings?attendee_id=alice", nil, &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, 2, mine[0].NumberOfAttendees)
	assert.Equal(t, model.NotAdmitted, mine[0].AdmissionStatus)

	var none []model.Booking
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/bookings?attendee_id=zed", nil, &none))
	assert.NotNil(t, none)
	assert.Empty(t, none)

	var fail model.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, srv.URL+"/bookings", nil, &fail))

	var atGate []model.GateAttendee
	url := srv.URL + "/events/" + event.ID + "/quadrants/1/gates/2/attendees"
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, url, nil, &atGate))
	require.Len(t, atGate, 1)
	assert.Equal(t, "bob", atGate[0].AttendeeID)
	assert.Equal(t, 3, atGate[0].NumberOfAttendees)

	bad := srv.URL + "/events/" + event.ID + "/quadrants/x/gates/2/attendees"
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, bad, nil, &fail))
}

func TestAdmissionAndRebalance(t *testing.T) {
	srv := newTestServer(t)
	event := createEvent(t, srv.URL, 2, 10, 2)

	for i, q := range []int{1, 2, 1, 2} {
		status, _, _ := book(t, srv.URL, event.ID, q, 1, string(rune('A'+i)))
		require.Equal(t, http.StatusCreated, status)
	}

	var noAdmitted model.ErrorResponse
	assert.Equal(t, http.StatusNotFound,
		do(t, http.MethodPost, srv.URL+"/events/"+event.ID+"/rebalance", nil, &noAdmitted))
	assert.Contains(t, noAdmitted.Error, "no admitted bookings")

	var changes []model.AdmissionChange
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/admissions/toggle",
		map[string]any{"attendee_id": "A"}, &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, model.Admitted, changes[0].AdmissionStatus)

	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/admissions/toggle",
		map[string]any{"attendee_id": "B", "event_id": event.ID, "admission_status": true}, &changes))
	assert.Equal(t, model.Admitted, changes[0].AdmissionStatus)

	var result model.RebalanceResult
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/events/"+event.ID+"/rebalance", nil, &result))
	assert.Equal(t, 1, result.HotGate)
	assert.Len(t, result.MovedBookingIDs, 2)

	var atGate []model.GateAttendee
	require.Equal(t, http.StatusOK, do(t, http.MethodGet,
		srv.URL+"/events/"+event.ID+"/quadrants/1/gates/1/attendees", nil, &atGate))
	assert.Len(t, atGate, 2)

	var fail model.ErrorResponse
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodPost, srv.URL+"/admissions/toggle",
		map[string]any{"attendee_id": "nobody"}, &fail))
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/admissions/toggle",
		map[string]any{}, &fail))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/bookings", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
