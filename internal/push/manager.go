// Package push owns the receive-only websocket channel the monitoring backend
// uses to stream logs, status and slot discoveries.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyConnecting = errors.New("push: connection attempt already in progress")
	ErrUnknownHandle     = errors.New("push: handle is not the active connection")
)

// backlogLimit caps events buffered before the first callback is registered.
const backlogLimit = 256

// Callback receives decoded events in arrival order.
type Callback func(models.Event)

// ConnectionListener is told about every connected/disconnected transition.
// cause is nil for opens and for locally requested closes.
type ConnectionListener func(connected bool, cause error)

type Config struct {
	HandshakeTimeout time.Duration
	// PingInterval enables protocol-level keepalive; zero disables it.
	PingInterval time.Duration
	// PongWait is how long the reader waits for any frame before giving up.
	PongWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		PongWait:         60 * time.Second,
	}
}

// Handle is one live connection.
type Handle struct {
	id   uint64
	url  string
	conn *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
	local     atomic.Bool
	err       error

	// dispatchMu serialises delivery so a backlog flush cannot interleave
	// with events read after it.
	dispatchMu sync.Mutex
	mu         sync.Mutex
	callbacks  []Callback
	backlog    []models.Event
}

// Done is closed once the connection has ended.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the cause of disconnection, valid after Done is closed.
// It is nil when the connection was closed locally.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

func (h *Handle) URL() string {
	return h.url
}

func (h *Handle) dispatch(ev models.Event) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	if len(h.callbacks) == 0 {
		if len(h.backlog) < backlogLimit {
			h.backlog = append(h.backlog, ev)
		}
		h.mu.Unlock()
		return
	}
	callbacks := append([]Callback(nil), h.callbacks...)
	h.mu.Unlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

// Manager keeps at most one push connection open. It never reconnects on its
// own; see ReconnectPolicy.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer

	mu         sync.Mutex
	active     *Handle
	connecting bool
	nextID     uint64
	listeners  []ConnectionListener

	retryAttempt int
	retryAt      time.Time

	connected atomic.Bool
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Connected is the live connection signal.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Subscribe registers a listener for connection transitions.
func (m *Manager) Subscribe(listener ConnectionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Connect dials url. If a connection is already open its handle is returned;
// if a dial is pending ErrAlreadyConnecting is returned.
func (m *Manager) Connect(ctx context.Context, url string) (*Handle, error) {
	m.mu.Lock()
	if m.connecting {
		m.mu.Unlock()
		return nil, ErrAlreadyConnecting
	}
	if m.active != nil {
		h := m.active
		m.mu.Unlock()
		return h, nil
	}
	m.connecting = true
	m.mu.Unlock()

	conn, _, err := m.dialer.DialContext(ctx, url, nil)

	m.mu.Lock()
	m.connecting = false
	if err != nil {
		m.mu.Unlock()
		m.notify(false, err)
		return nil, fmt.Errorf("push: dial %s: %w", url, err)
	}
	m.nextID++
	h := &Handle{
		id:   m.nextID,
		url:  url,
		conn: conn,
		done: make(chan struct{}),
	}
	m.active = h
	m.mu.Unlock()

	m.connected.Store(true)
	log.Info().Str("url", url).Uint64("handle", h.id).Msg("Push channel connected")
	m.notify(true, nil)

	go m.readLoop(h)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(h)
	}
	return h, nil
}

// OnEvent registers cb on h. Events that arrived before the first callback are
// replayed to it in order.
func (m *Manager) OnEvent(h *Handle, cb Callback) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	h.callbacks = append(h.callbacks, cb)
	backlog := h.backlog
	h.backlog = nil
	h.mu.Unlock()

	for _, ev := range backlog {
		cb(ev)
	}
}

// Close ends h. Listeners see a disconnect with a nil cause.
func (m *Manager) Close(h *Handle) error {
	if h == nil {
		return ErrUnknownHandle
	}
	h.local.Store(true)
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := h.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Uint64("handle", h.id).Msg("Failed to send close frame")
	}
	m.finish(h, nil)
	return nil
}

func (m *Manager) readLoop(h *Handle) {
	if m.cfg.PongWait > 0 {
		h.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		h.conn.SetPongHandler(func(string) error {
			return h.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		})
	}

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			m.finish(h, err)
			return
		}
		if m.cfg.PongWait > 0 {
			h.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		}

		ev, err := Decode(data)
		if err != nil {
			log.Warn().Err(err).Uint64("handle", h.id).Msg("Dropping malformed push message")
			continue
		}
		if !ev.Type.Known() {
			log.Debug().Str("type", string(ev.Type)).Msg("Ignoring unknown push event")
			continue
		}
		h.dispatch(ev)
	}
}

func (m *Manager) pingLoop(h *Handle) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.cfg.PingInterval)
			if err := h.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Uint64("handle", h.id).Msg("Push keepalive ping failed")
				return
			}
		}
	}
}

func (m *Manager) finish(h *Handle, cause error) {
	h.closeOnce.Do(func() {
		if h.local.Load() {
			cause = nil
		}
		h.err = cause
		h.conn.Close()

		m.mu.Lock()
		wasActive := m.active == h
		if wasActive {
			m.active = nil
		}
		m.mu.Unlock()
		close(h.done)

		if !wasActive {
			return
		}
		m.connected.Store(false)
		if cause != nil {
			log.Warn().Err(cause).Uint64("handle", h.id).Msg("Push channel lost, falling back to polling")
		} else {
			log.Info().Uint64("handle", h.id).Msg("Push channel closed")
		}
		m.notify(false, cause)
	})
}

func (m *Manager) notify(connected bool, cause error) {
	m.mu.Lock()
	listeners := append([]ConnectionListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(connected, cause)
	}
}

// Decode parses one push frame.
func Decode(data []byte) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Event{}, fmt.Errorf("decode push event: %w", err)
	}
	if ev.Type == "" {
		return models.Event{}, errors.New("decode push event: missing type")
	}
	return ev, nil
}
