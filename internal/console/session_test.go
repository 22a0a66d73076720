package console

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cankoe/bls-console/internal/actions"
	"github.com/cankoe/bls-console/internal/apiclient"
	"github.com/cankoe/bls-console/internal/fakebackend"
	"github.com/cankoe/bls-console/internal/models"
	"github.com/cankoe/bls-console/internal/push"
	"github.com/cankoe/bls-console/internal/statusstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type harness struct {
	backend *fakebackend.Backend
	server  *httptest.Server
	session *Session
	cancel  context.CancelFunc
	done    chan error
	once    sync.Once
}

func testConfig(server *httptest.Server) Config {
	return Config{
		WSURL:       fakebackend.WSURL(server),
		PollRule:    "FREQ=HOURLY",
		LogPageSize: 50,
		SlotLimit:   20,
		Push:        push.Config{HandshakeTimeout: time.Second},
		Reconnect: push.ReconnectPolicy{
			Enabled:    true,
			Initial:    20 * time.Millisecond,
			Max:        50 * time.Millisecond,
			Multiplier: 2,
		},
	}
}

func startSession(t *testing.T, backend *fakebackend.Backend, tweak func(*Config)) *harness {
	t.Helper()
	server := backend.Serve()
	t.Cleanup(server.Close)

	cfg := testConfig(server)
	if tweak != nil {
		tweak(&cfg)
	}
	client := apiclient.New(fakebackend.APIURL(server), 2*time.Second)
	session, err := New(client, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{backend: backend, server: server, session: session, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- session.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(waitFor):
		}
	})
}

func (h *harness) waitPush(t *testing.T) {
	t.Helper()
	require.True(t, h.backend.WaitConnected(waitFor), "push client never connected")
	require.Eventually(t, h.session.push.Connected, waitFor, 10*time.Millisecond)
	// bootstrap plus the reload that follows every connect
	require.Eventually(t, func() bool { return h.backend.Calls("GET /logs") >= 2 }, waitFor, 10*time.Millisecond)
}

func availableSlot(id string) models.Slot {
	return models.Slot{
		ID:              id,
		Status:          models.SlotAvailable,
		VisaType:        "Spain Visa",
		VisaCategory:    "Tourism",
		Location:        "Algeria",
		AppointmentDate: models.DateTBD,
		AppointmentTime: models.DateTBD,
		FoundAt:         models.NewTimestamp(time.Now().UTC()),
		AvailableSlots:  1,
	}
}

func TestSession_BootstrapLoadsEverything(t *testing.T) {
	backend := fakebackend.New()
	backend.SetStatus(models.SystemStatus{Status: models.StatusPaused, TotalChecks: 4})
	backend.AddLog(models.LevelInfo, "STEP_1", "Navigating")
	backend.AddLog(models.LevelError, "STEP_2", "Captcha failed")
	backend.SetSlots(availableSlot("a"), availableSlot("b"))

	h := startSession(t, backend, nil)

	require.Eventually(t, func() bool { return h.session.Slots.Len() == 2 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, models.StatusPaused, h.session.Status.Current().Status)
	entries := h.session.Logs.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Captcha failed", entries[0].Message)
}

func TestSession_PushEventsFeedStores(t *testing.T) {
	backend := fakebackend.New()
	h := startSession(t, backend, nil)
	h.waitPush(t)

	entry := models.LogEntry{ID: "live-1", Level: models.LevelWarning, Step: "STEP_3", Message: "No slots",
		Timestamp: models.NewTimestamp(time.Now().UTC())}
	backend.Broadcast(models.EventLog, entry)
	backend.BroadcastRaw(`{"type":"log","data":"not an entry"}`)
	backend.BroadcastRaw(`garbage`)
	backend.Broadcast(models.EventSystemStatus, models.SystemStatus{Status: models.StatusRunning, TotalChecks: 9})

	require.Eventually(t, func() bool {
		return h.session.Status.Current().Status == models.StatusRunning
	}, waitFor, 10*time.Millisecond)
	source, _ := h.session.Status.LastSource()
	assert.Equal(t, statusstore.SourcePush, source)

	entries := h.session.Logs.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "live-1", entries[0].ID)
	assert.True(t, h.session.Health().Connected)
}

func TestSession_SlotsFoundTriggersRefresh(t *testing.T) {
	backend := fakebackend.New()
	h := startSession(t, backend, nil)
	h.waitPush(t)
	before := backend.Calls("GET /appointments/available")

	backend.SetSlots(availableSlot("n1"))
	backend.Broadcast(models.EventSlotsFound, models.SlotsFoundPayload{Slots: []models.Slot{availableSlot("n1")}})

	require.Eventually(t, func() bool { return h.session.Slots.Len() == 1 }, waitFor, 10*time.Millisecond)
	assert.Greater(t, backend.Calls("GET /appointments/available"), before)
}

func TestSession_StartThenStatusRefreshShowsRunning(t *testing.T) {
	backend := fakebackend.New()
	h := startSession(t, backend, nil)
	h.waitPush(t)
	require.Equal(t, models.StatusStopped, h.session.Status.Current().Status)

	require.NoError(t, h.session.Actions.Start(context.Background(), 2))

	assert.Equal(t, models.StatusRunning, h.session.Status.Current().Status)
	assert.Equal(t, 1, backend.Calls("POST /system/start"))
}

func TestSession_TestCheckPopulatesRegistry(t *testing.T) {
	backend := fakebackend.New()
	backend.SetCheckResult(availableSlot("x"), availableSlot("y"), availableSlot("z"))
	h := startSession(t, backend, nil)
	h.waitPush(t)

	res, err := h.session.Actions.RunTestCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.SlotsFound)

	// a slots_found push may queue a second refresh behind the first
	require.Eventually(t, func() bool { return len(h.session.Slots.Available()) >= 3 }, waitFor, 10*time.Millisecond)
	available := h.session.Slots.Available()
	seen := map[string]bool{}
	for _, s := range available {
		assert.False(t, seen[s.ID], "duplicate slot %s", s.ID)
		seen[s.ID] = true
	}
}

func TestSession_FailedBookingLeavesSlotToServer(t *testing.T) {
	backend := fakebackend.New()
	backend.SetSlots(availableSlot("s1"))
	backend.Fail("POST /appointments/book", fakebackend.Failure{Code: http.StatusInternalServerError, Detail: "Booking failed: timeout"})
	h := startSession(t, backend, nil)
	require.Eventually(t, func() bool { return h.session.Slots.Len() == 1 }, waitFor, 10*time.Millisecond)
	before := backend.Calls("GET /appointments/available")

	_, err := h.session.Actions.BookSlot(context.Background(), actions.BookingRequest{SlotID: "s1", ConfirmBooking: true})
	require.Error(t, err)
	assert.Equal(t, "Booking failed: timeout", apiclient.UserMessage(err))

	slot, ok := h.session.Slots.Get("s1")
	require.True(t, ok)
	assert.Equal(t, models.SlotAvailable, slot.Status)
	assert.Equal(t, before+1, backend.Calls("GET /appointments/available"))
}

func TestSession_BookingWithoutConfirmationSendsNothing(t *testing.T) {
	backend := fakebackend.New()
	backend.SetSlots(availableSlot("s1"))
	h := startSession(t, backend, nil)

	_, err := h.session.Actions.BookSlot(context.Background(), actions.BookingRequest{SlotID: "s1"})
	assert.ErrorIs(t, err, actions.ErrNotConfirmed)
	assert.Zero(t, backend.Calls("POST /appointments/book"))
}

func TestSession_PushLossFallsBackToPolling(t *testing.T) {
	backend := fakebackend.New()
	h := startSession(t, backend, func(cfg *Config) {
		cfg.PollRule = "FREQ=SECONDLY;INTERVAL=1"
		cfg.Reconnect = push.ReconnectPolicy{}
	})
	h.waitPush(t)

	backend.DropPush()
	require.Eventually(t, func() bool { return !h.session.push.Connected() }, waitFor, 10*time.Millisecond)
	assert.True(t, h.session.Health().Degraded)

	backend.SetStatus(models.SystemStatus{Status: models.StatusError, ErrorCount: 3})
	backend.AddLog(models.LevelError, "STEP_4", "Worker crashed")

	require.Eventually(t, func() bool {
		return h.session.Status.Current().Status == models.StatusError
	}, waitFor, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		entries := h.session.Logs.Entries()
		return len(entries) > 0 && entries[0].Message == "Worker crashed"
	}, waitFor, 20*time.Millisecond)
}

func TestSession_ReconnectsAndResyncs(t *testing.T) {
	backend := fakebackend.New()
	h := startSession(t, backend, nil)
	h.waitPush(t)

	backend.AddLog(models.LevelInfo, "STEP_5", "Logged while disconnected")
	backend.DropPush()

	require.True(t, backend.WaitConnected(waitFor), "push client never reconnected")
	require.Eventually(t, func() bool {
		entries := h.session.Logs.Entries()
		return len(entries) > 0 && entries[0].Message == "Logged while disconnected"
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, h.session.push.Connected, waitFor, 10*time.Millisecond)
}

func TestSession_FirstConnectAfterFailuresLoadsMissedLogs(t *testing.T) {
	backend := fakebackend.New()
	backend.RejectPush(true)
	h := startSession(t, backend, nil)
	require.Eventually(t, func() bool {
		return backend.Calls("GET /appointments/available") >= 1
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		attempt, _ := h.session.push.RetryState()
		return attempt >= 1
	}, waitFor, 5*time.Millisecond)

	backend.AddLog(models.LevelError, "STEP_6", "Logged before the channel opened")
	backend.RejectPush(false)
	h.waitPush(t)

	require.Eventually(t, func() bool {
		entries := h.session.Logs.Entries()
		return len(entries) > 0 && entries[0].Message == "Logged before the channel opened"
	}, waitFor, 10*time.Millisecond)
}

func TestSession_ShutdownClosesPushAndStores(t *testing.T) {
	backend := fakebackend.New()
	h := startSession(t, backend, nil)
	h.waitPush(t)

	h.stop()
	assert.False(t, h.session.push.Connected())
	assert.False(t, h.session.Status.ApplyPush(models.SystemStatus{Status: models.StatusRunning}))
	assert.Equal(t, models.StatusStopped, h.session.Status.Current().Status)
	require.Eventually(t, func() bool { return backend.PushClients() == 0 }, waitFor, 10*time.Millisecond)
}

func TestSession_HealthReportsLastPollError(t *testing.T) {
	backend := fakebackend.New()
	h := startSession(t, backend, func(cfg *Config) { cfg.WSURL = "" })

	backend.Fail("GET /system/status", fakebackend.Failure{Code: http.StatusServiceUnavailable})
	require.Error(t, h.session.PollNow(context.Background()))
	health := h.session.Health()
	require.NotNil(t, health.LastPoll)
	assert.NotEmpty(t, health.LastPollError)
	assert.True(t, health.Degraded)

	backend.Recover("GET /system/status")
	require.NoError(t, h.session.PollNow(context.Background()))
	assert.Empty(t, h.session.Health().LastPollError)
}

func TestSession_SetLogFilter(t *testing.T) {
	backend := fakebackend.New()
	backend.AddLog(models.LevelInfo, "A", "info entry")
	backend.AddLog(models.LevelError, "B", "error entry")
	h := startSession(t, backend, func(cfg *Config) { cfg.WSURL = "" })
	require.Eventually(t, func() bool { return h.session.Logs.Len() == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, h.session.SetLogFilter(context.Background(), models.LevelError))
	entries := h.session.Logs.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "error entry", entries[0].Message)

	assert.Error(t, h.session.SetLogFilter(context.Background(), "verbose"))
}

type publisherFunc func(ctx context.Context, status models.SystemStatus) error

func (f publisherFunc) PublishStatus(ctx context.Context, status models.SystemStatus) error {
	return f(ctx, status)
}

func TestSession_PublishesAppliedStatus(t *testing.T) {
	backend := fakebackend.New()
	server := backend.Serve()
	t.Cleanup(server.Close)

	got := make(chan models.SystemStatus, 8)
	client := apiclient.New(fakebackend.APIURL(server), 2*time.Second)
	session, err := New(client, testConfig(server), WithPublisher(publisherFunc(func(_ context.Context, s models.SystemStatus) error {
		got <- s
		return nil
	})))
	require.NoError(t, err)

	session.Status.ApplyPush(models.SystemStatus{Status: models.StatusRunning})
	select {
	case s := <-got:
		assert.Equal(t, models.StatusRunning, s.Status)
	case <-time.After(waitFor):
		t.Fatal("status was not published")
	}
}

func TestSession_SlowPublisherDoesNotBlockApply(t *testing.T) {
	backend := fakebackend.New()
	server := backend.Serve()
	t.Cleanup(server.Close)

	unblock := make(chan struct{})
	got := make(chan models.SystemStatus, 8)
	client := apiclient.New(fakebackend.APIURL(server), 2*time.Second)
	session, err := New(client, testConfig(server), WithPublisher(publisherFunc(func(_ context.Context, s models.SystemStatus) error {
		<-unblock
		got <- s
		return nil
	})))
	require.NoError(t, err)

	applied := make(chan struct{})
	go func() {
		session.Status.ApplyPush(models.SystemStatus{Status: models.StatusRunning, TotalChecks: 1})
		session.Status.ApplyPush(models.SystemStatus{Status: models.StatusRunning, TotalChecks: 2})
		session.Status.ApplyPush(models.SystemStatus{Status: models.StatusRunning, TotalChecks: 3})
		close(applied)
	}()
	select {
	case <-applied:
	case <-time.After(waitFor):
		t.Fatal("apply blocked on the publisher")
	}

	close(unblock)
	var last models.SystemStatus
	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-got:
				last = s
			default:
				return last.TotalChecks == 3
			}
		}
	}, waitFor, 10*time.Millisecond)
}

func TestNew_RejectsBadPollRule(t *testing.T) {
	_, err := New(apiclient.New("http://127.0.0.1:1/api", time.Second), Config{PollRule: "FREQ=SOMETIMES"})
	assert.Error(t, err)
}
