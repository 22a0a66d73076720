package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL+"/api", 5*time.Second)
}

func TestClient_SystemStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/system/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"running","last_check":"2024-05-01T10:00:00","total_checks":7,"slots_found":2,"successful_bookings":1,"error_count":0,"uptime_minutes":12}`))
	})

	status, err := client.SystemStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, status.Status)
	assert.Equal(t, 7, status.TotalChecks)
	require.NotNil(t, status.LastCheck)
	minutes, ok := status.Uptime()
	assert.True(t, ok)
	assert.Equal(t, 12, minutes)
}

func TestClient_StartSendsInterval(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/system/start", r.URL.Path)
		var body map[string]int
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 5, body["check_interval_minutes"])
		w.Write([]byte(`{"message":"System started successfully","status":"running"}`))
	})

	assert.NoError(t, client.StartSystem(context.Background(), 5))
}

func TestClient_LogsQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/logs", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "error", r.URL.Query().Get("level"))
		w.Write([]byte(`{"logs":[{"id":"1","level":"error","message":"boom","timestamp":"2024-05-01T10:00:00"}],"total_count":9}`))
	})

	page, err := client.Logs(context.Background(), 50, models.LevelError)
	require.NoError(t, err)
	assert.Len(t, page.Logs, 1)
	assert.Equal(t, 9, page.TotalCount)
}

func TestClient_AvailableSlotsOmitsLimitWhenUnset(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		w.Write([]byte(`{"slots":[{"id":"s1","status":"available","appointment_date":"TBD","appointment_time":"TBD","found_at":"2024-05-01T10:00:00","available_slots":1}],"total_count":1}`))
	})

	page, err := client.AvailableSlots(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, page.Slots, 1)
	assert.Equal(t, "s1", page.Slots[0].ID)
}

func TestClient_BookSlot(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "s1", body["slot_id"])
		assert.Equal(t, true, body["confirm_booking"])
		w.Write([]byte(`{"message":"Appointment booked successfully!","confirmation_id":"ABC123"}`))
	})

	result, err := client.BookSlot(context.Background(), "s1", true)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", result.ConfirmationID)
}

func TestClient_ErrorDetailSurfaced(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"Failed to start system: db down"}`))
	})

	err := client.StartSystem(context.Background(), 2)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "Failed to start system: db down", UserMessage(err))
}

func TestClient_ValidationDetailList(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":[{"loc":["body","slot_id"],"msg":"field required","type":"value_error.missing"}]}`))
	})

	_, err := client.BookSlot(context.Background(), "", true)
	assert.Equal(t, "field required", UserMessage(err))
}

func TestClient_ErrorWithoutDetailIsGeneric(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	})

	err := client.StopSystem(context.Background())
	assert.Equal(t, genericFailureMessage, UserMessage(err))
	assert.False(t, IsTransport(err))
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := New(url+"/api", time.Second)
	_, err := client.SystemStatus(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Equal(t, genericTransportMessage, UserMessage(err))
}

func TestClient_InvalidJSONIsTransport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("invalid json"))
	})

	_, err := client.CheckOnce(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Contains(t, err.Error(), "decode response")
}
