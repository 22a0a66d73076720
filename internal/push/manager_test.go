package push

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer upgrades every request, writes frames, then waits on release
// before closing the connection.
func wsServer(t *testing.T, frames []string, release <-chan struct{}) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		<-release
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func testConfig() Config {
	return Config{HandshakeTimeout: 2 * time.Second}
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 64)}
}

func (r *recorder) add(ev models.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []models.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

func TestManager_DispatchesKnownEventsInOrder(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	url := wsServer(t, []string{
		`{"type":"log","data":{"message":"first"}}`,
		`not json`,
		`{"type":"pong"}`,
		`{"type":"system_status","data":{"status":"running"}}`,
		`{"type":"slots_found","data":{"slots":[]}}`,
	}, release)

	m := NewManager(testConfig())
	h, err := m.Connect(context.Background(), url)
	require.NoError(t, err)
	assert.True(t, m.Connected())

	rec := newRecorder()
	m.OnEvent(h, rec.add)

	events := rec.wait(t, 3)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventLog, events[0].Type)
	assert.Equal(t, models.EventSystemStatus, events[1].Type)
	assert.Equal(t, models.EventSlotsFound, events[2].Type)

	require.NoError(t, m.Close(h))
}

func TestManager_SingleActiveConnection(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	url := wsServer(t, nil, release)

	m := NewManager(testConfig())
	first, err := m.Connect(context.Background(), url)
	require.NoError(t, err)
	second, err := m.Connect(context.Background(), url)
	require.NoError(t, err)
	assert.Same(t, first, second)

	require.NoError(t, m.Close(first))
}

func TestManager_RemoteCloseMarksDisconnected(t *testing.T) {
	release := make(chan struct{})
	url := wsServer(t, nil, release)

	m := NewManager(testConfig())
	transitions := make(chan error, 4)
	var states []bool
	var mu sync.Mutex
	m.Subscribe(func(connected bool, cause error) {
		mu.Lock()
		states = append(states, connected)
		mu.Unlock()
		if !connected {
			transitions <- cause
		}
	})

	h, err := m.Connect(context.Background(), url)
	require.NoError(t, err)
	close(release)

	select {
	case cause := <-transitions:
		assert.Error(t, cause)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not reported")
	}
	<-h.Done()
	assert.Error(t, h.Err())
	assert.False(t, m.Connected())

	mu.Lock()
	assert.Equal(t, []bool{true, false}, states)
	mu.Unlock()
}

func TestManager_LocalCloseHasNoCause(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	url := wsServer(t, nil, release)

	m := NewManager(testConfig())
	causes := make(chan error, 1)
	m.Subscribe(func(connected bool, cause error) {
		if !connected {
			causes <- cause
		}
	})

	h, err := m.Connect(context.Background(), url)
	require.NoError(t, err)
	require.NoError(t, m.Close(h))

	assert.NoError(t, <-causes)
	assert.NoError(t, h.Err())
	assert.False(t, m.Connected())
}

func TestManager_DialFailure(t *testing.T) {
	m := NewManager(testConfig())
	_, err := m.Connect(context.Background(), "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
	assert.False(t, m.Connected())
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"log","data":{"message":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, models.EventLog, ev.Type)
	assert.JSONEq(t, `{"message":"x"}`, string(ev.Data))

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{{`))
	assert.Error(t, err)
}

func TestReconnectPolicy_Backoff(t *testing.T) {
	p := ReconnectPolicy{Enabled: true, Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		d, ok := p.Next(i + 1)
		assert.True(t, ok)
		assert.Equal(t, w, d, "attempt %d", i+1)
	}
}

func TestReconnectPolicy_Limits(t *testing.T) {
	p := ReconnectPolicy{Enabled: true, Initial: time.Second, Multiplier: 2, MaxAttempts: 2}
	_, ok := p.Next(2)
	assert.True(t, ok)
	_, ok = p.Next(3)
	assert.False(t, ok)

	p.Enabled = false
	_, ok = p.Next(1)
	assert.False(t, ok)

	d, ok := DefaultReconnectPolicy().Next(1000)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	uncapped := ReconnectPolicy{Enabled: true, Initial: time.Second, Multiplier: 2}
	for _, attempt := range []int{35, 64, 5000} {
		d, ok = uncapped.Next(attempt)
		assert.True(t, ok)
		assert.Equal(t, time.Duration(math.MaxInt64), d, "attempt %d", attempt)
	}
}

// flakyServer accepts the first `accept` websocket upgrades, dropping all but
// the last one immediately, and answers later requests with 503.
func flakyServer(t *testing.T, accept int, hold <-chan struct{}) (string, *atomic.Int32) {
	t.Helper()
	n := new(atomic.Int32)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := n.Add(1)
		if int(current) > accept {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if int(current) == accept && hold != nil {
			<-hold
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws", n
}

func fastPolicy(maxAttempts int) ReconnectPolicy {
	return ReconnectPolicy{Enabled: true, Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2, MaxAttempts: maxAttempts}
}

func TestMaintain_ReconnectsAfterDrop(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	url, _ := flakyServer(t, 2, hold)

	m := NewManager(testConfig())
	var mu sync.Mutex
	var opens []bool
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Maintain(ctx, url, fastPolicy(0), func(models.Event) {}, func(reconnect bool) {
			mu.Lock()
			opens = append(opens, reconnect)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(opens) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []bool{false, true}, opens)
	mu.Unlock()
	assert.True(t, m.Connected())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Maintain did not return after cancel")
	}
	assert.False(t, m.Connected())
}

func TestMaintain_FirstOpenAfterFailuresIsReconnect(t *testing.T) {
	n := new(atomic.Int32)
	hold := make(chan struct{})
	defer close(hold)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-hold
	}))
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	m := NewManager(testConfig())
	opened := make(chan bool, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = m.Maintain(ctx, url, fastPolicy(0), func(models.Event) {}, func(reconnect bool) { opened <- reconnect })
	}()

	select {
	case reconnect := <-opened:
		assert.True(t, reconnect)
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}
	assert.Equal(t, int32(3), n.Load())
}

func TestMaintain_GivesUpWhenPolicyExhausted(t *testing.T) {
	url, dials := flakyServer(t, 1, nil)

	m := NewManager(testConfig())
	err := m.Maintain(context.Background(), url, fastPolicy(2), func(models.Event) {}, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(3), dials.Load())
	assert.False(t, m.Connected())

	attempt, at := m.RetryState()
	assert.Zero(t, attempt)
	assert.True(t, at.IsZero())
}

func TestMaintain_DisabledPolicyStopsAfterFirstDrop(t *testing.T) {
	url, _ := flakyServer(t, 1, nil)

	m := NewManager(testConfig())
	err := m.Maintain(context.Background(), url, ReconnectPolicy{}, func(models.Event) {}, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}
