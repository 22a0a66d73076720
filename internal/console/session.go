// Package console reconciles the monitoring backend's state into local
// stores. A Session owns the push channel, the re-poll loop and the stores
// it feeds; UIs read the stores and issue commands through Actions.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cankoe/bls-console/internal/actions"
	"github.com/cankoe/bls-console/internal/logstream"
	"github.com/cankoe/bls-console/internal/models"
	"github.com/cankoe/bls-console/internal/poller"
	"github.com/cankoe/bls-console/internal/push"
	"github.com/cankoe/bls-console/internal/slots"
	"github.com/cankoe/bls-console/internal/statusstore"

	"github.com/rs/zerolog/log"
)

// Backend is everything the session needs from the REST API.
type Backend interface {
	statusstore.Fetcher
	logstream.Fetcher
	slots.Fetcher
	actions.Backend
}

// StatusPublisher fans the reconciled status out to other processes.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, status models.SystemStatus) error
}

type Config struct {
	// WSURL is the push endpoint. Empty runs the session on polling alone.
	WSURL          string
	PollRule       string
	LogPageSize    int
	LogMaxRetained int
	SlotLimit      int
	Push           push.Config
	Reconnect      push.ReconnectPolicy
}

type Option func(*Session)

func WithPublisher(p StatusPublisher) Option {
	return func(s *Session) { s.publisher = p }
}

// WithActionOptions passes options through to the action gateway.
func WithActionOptions(opts ...actions.Option) Option {
	return func(s *Session) { s.actionOpts = append(s.actionOpts, opts...) }
}

type Session struct {
	Status  *statusstore.Store
	Logs    *logstream.Stream
	Slots   *slots.Registry
	Actions *actions.Gateway

	cfg        Config
	push       *push.Manager
	poller     *poller.Poller
	publisher  StatusPublisher
	actionOpts []actions.Option

	mu             sync.Mutex
	runCtx         context.Context
	lastPoll       time.Time
	slotRefreshing bool
	slotPending    bool
	publishing     bool
	publishPending *models.SystemStatus
	stopping       bool
	wg             sync.WaitGroup
}

func New(backend Backend, cfg Config, opts ...Option) (*Session, error) {
	if cfg.LogPageSize <= 0 {
		cfg.LogPageSize = logstream.DefaultPageSize
	}
	if cfg.SlotLimit <= 0 {
		cfg.SlotLimit = slots.DefaultLimit
	}

	s := &Session{
		cfg:    cfg,
		Status: statusstore.New(backend),
		Logs:   logstream.New(backend, cfg.LogMaxRetained),
		Slots:  slots.New(backend, cfg.SlotLimit),
		push:   push.NewManager(cfg.Push),
		runCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gwOpts := append([]actions.Option{actions.WithSlotLimit(cfg.SlotLimit)}, s.actionOpts...)
	s.Actions = actions.New(backend, s.Status, s.Slots, gwOpts...)

	p, err := poller.New("status", cfg.PollRule, s.poll, false)
	if err != nil {
		return nil, err
	}
	s.poller = p

	if s.publisher != nil {
		s.Status.Subscribe(s.publish)
	}
	return s, nil
}

// OnConnectionChange registers fn for push connect and disconnect transitions.
func (s *Session) OnConnectionChange(fn push.ConnectionListener) {
	s.push.Subscribe(fn)
}

// Bootstrap loads the initial status, log page and slots. Failures are
// logged and returned joined; the session keeps running on whatever loaded.
func (s *Session) Bootstrap(ctx context.Context) error {
	var errs []error
	if err := s.Status.Refresh(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Logs.LoadPage(ctx, logstream.Filter{Limit: s.cfg.LogPageSize}); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Slots.Refresh(ctx, s.cfg.SlotLimit); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Msg("Initial load incomplete")
	}
	return err
}

// Run bootstraps, then polls and listens for push events until ctx is done.
// On return the push connection is closed and the stores ignore any late
// responses.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	_ = s.Bootstrap(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poller.Run(ctx)
	}()

	if s.cfg.WSURL != "" {
		err := s.push.Maintain(ctx, s.cfg.WSURL, s.cfg.Reconnect, s.dispatch, s.onPushOpen)
		if err != nil {
			log.Warn().Err(err).Msg("Push channel unavailable, polling only")
		}
	} else {
		log.Info().Msg("No push endpoint configured, polling only")
	}
	<-ctx.Done()

	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.Status.Close()
	s.Logs.Close()
	s.Slots.Close()
	s.wg.Wait()
	log.Info().Msg("Session stopped")
}

// onPushOpen reloads the log page on every connect: entries written before
// the channel opened never arrive as pushes, and poll stops reloading logs
// while connected. Status is re-fetched too when the channel was down.
func (s *Session) onPushOpen(reconnect bool) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if reconnect {
			if err := s.Status.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("Status resync after reconnect failed")
			}
		}
		if err := s.reloadLogs(ctx); err != nil {
			log.Warn().Err(err).Bool("reconnect", reconnect).Msg("Log resync after connect failed")
		}
	}()
}

// poll is the re-poll task. Status is always refreshed; logs only while the
// push channel is down, since live appends cover them otherwise.
func (s *Session) poll(ctx context.Context) error {
	var errs []error
	if err := s.Status.Refresh(ctx); err != nil {
		errs = append(errs, err)
	}
	if !s.push.Connected() {
		if err := s.reloadLogs(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	s.lastPoll = time.Now()
	s.mu.Unlock()
	return errors.Join(errs...)
}

// PollNow runs the re-poll task immediately.
func (s *Session) PollNow(ctx context.Context) error {
	return s.poller.PollOnce(ctx)
}

func (s *Session) reloadLogs(ctx context.Context) error {
	filter := s.Logs.Filter()
	if filter.Limit <= 0 {
		filter.Limit = s.cfg.LogPageSize
	}
	_, err := s.Logs.LoadPage(ctx, filter)
	if errors.Is(err, logstream.ErrSuperseded) {
		return nil
	}
	return err
}

// SetLogFilter reloads the log page with a new level filter.
func (s *Session) SetLogFilter(ctx context.Context, level models.LogLevel) error {
	if level != "" && !level.Valid() {
		return fmt.Errorf("unknown log level %q", level)
	}
	_, err := s.Logs.LoadPage(ctx, logstream.Filter{Limit: s.cfg.LogPageSize, Level: level})
	return err
}

// dispatch runs on the push reader goroutine, in arrival order.
func (s *Session) dispatch(ev models.Event) {
	switch ev.Type {
	case models.EventLog:
		var entry models.LogEntry
		if err := json.Unmarshal(ev.Data, &entry); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed log event")
			return
		}
		s.Logs.AppendLive(entry)

	case models.EventSystemStatus:
		var status models.SystemStatus
		if err := json.Unmarshal(ev.Data, &status); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed status event")
			return
		}
		s.Status.ApplyPush(status)

	case models.EventSlotsFound:
		var payload models.SlotsFoundPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			log.Warn().Err(err).Msg("Malformed slots_found payload, refreshing anyway")
		} else {
			log.Info().Int("slots", len(payload.Slots)).Msg("Server reported new slots")
		}
		s.refreshSlotsAsync()
	}
}

// refreshSlotsAsync coalesces bursts of slots_found events into at most one
// running refresh plus one queued behind it.
func (s *Session) refreshSlotsAsync() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	if s.slotRefreshing {
		s.slotPending = true
		s.mu.Unlock()
		return
	}
	s.slotRefreshing = true
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			if _, err := s.Slots.Refresh(ctx, s.cfg.SlotLimit); err != nil && !errors.Is(err, slots.ErrSuperseded) {
				log.Warn().Err(err).Msg("Slot refresh after push failed")
			}
			s.mu.Lock()
			if !s.slotPending {
				s.slotRefreshing = false
				s.mu.Unlock()
				return
			}
			s.slotPending = false
			s.mu.Unlock()
		}
	}()
}

// publish hands status to a single background sender so a slow publisher
// never holds up the goroutine that applied it. Only the newest pending value
// is sent.
func (s *Session) publish(status models.SystemStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.publishPending = &status
	if s.publishing {
		return
	}
	s.publishing = true
	s.wg.Add(1)
	go s.publishLoop()
}

func (s *Session) publishLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		next := s.publishPending
		if next == nil {
			s.publishing = false
			s.mu.Unlock()
			return
		}
		s.publishPending = nil
		base := s.runCtx
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(base, 2*time.Second)
		if err := s.publisher.PublishStatus(ctx, *next); err != nil {
			log.Warn().Err(err).Msg("Failed to publish status")
		}
		cancel()
	}
}

// Health summarises how fresh the local view is.
type Health struct {
	Connected        bool               `json:"connected"`
	Degraded         bool               `json:"degraded"`
	ReconnectAttempt int                `json:"reconnect_attempt,omitempty"`
	NextReconnect    *time.Time         `json:"next_reconnect,omitempty"`
	LastPoll         *time.Time         `json:"last_poll,omitempty"`
	LastPollError    string             `json:"last_poll_error,omitempty"`
	StatusSource     statusstore.Source `json:"status_source"`
	StatusAppliedAt  *time.Time         `json:"status_applied_at,omitempty"`
}

func (s *Session) Health() Health {
	h := Health{
		Connected: s.push.Connected(),
	}
	h.Degraded = !h.Connected

	if attempt, at := s.push.RetryState(); attempt > 0 {
		h.ReconnectAttempt = attempt
		h.NextReconnect = &at
	}

	s.mu.Lock()
	if !s.lastPoll.IsZero() {
		last := s.lastPoll
		h.LastPoll = &last
	}
	s.mu.Unlock()
	if _, err := s.poller.LastResult(); err != nil {
		h.LastPollError = err.Error()
	}

	source, at := s.Status.LastSource()
	h.StatusSource = source
	if !at.IsZero() {
		h.StatusAppliedAt = &at
	}
	return h
}
