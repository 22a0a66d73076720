// Package actions issues operator commands against the worker backend.
//
// Every command kind has its own busy lock so a second click while a request
// is outstanding never reaches the server. Stop and book additionally require
// an explicit confirmation before any request is sent.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cankoe/bls-console/internal/apiclient"
	"github.com/cankoe/bls-console/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy            = errors.New("an identical action is already in flight")
	ErrNotConfirmed    = errors.New("action requires confirmation")
	ErrInvalidInterval = errors.New("check interval must be one of 1, 2, 3, 5 or 10 minutes")
	ErrMissingSlot     = errors.New("slot id is required")
)

// settleTimeout bounds the audit and refresh work that follows a command.
// That work is detached from the caller's context: a cancelled caller does not
// mean the server never saw the request.
const settleTimeout = 15 * time.Second

// AllowedIntervals are the check intervals, in minutes, the worker accepts.
var AllowedIntervals = []int{1, 2, 3, 5, 10}

func ValidInterval(minutes int) bool {
	for _, v := range AllowedIntervals {
		if v == minutes {
			return true
		}
	}
	return false
}

type Backend interface {
	StartSystem(ctx context.Context, intervalMinutes int) error
	StopSystem(ctx context.Context) error
	CheckOnce(ctx context.Context) (models.CheckResult, error)
	BookSlot(ctx context.Context, slotID string, confirm bool) (models.BookingResult, error)
}

type StatusRefresher interface {
	Refresh(ctx context.Context) error
}

type SlotRefresher interface {
	Refresh(ctx context.Context, limit int) ([]models.Slot, error)
}

// Recorder keeps an audit trail of attempts. Failures to record never block a command.
type Recorder interface {
	Begin(ctx context.Context, attempt models.ActionAttempt) error
	Finish(ctx context.Context, id string, status, message string) error
}

// Lease serialises bookings across console processes.
type Lease interface {
	Acquire(ctx context.Context, key, holder string) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// StopGate is the confirmation state of the stop command.
type StopGate int

const (
	GateUnconfirmed StopGate = iota
	GateRequested
	GateSubmitted
)

func (g StopGate) String() string {
	switch g {
	case GateRequested:
		return "confirm"
	case GateSubmitted:
		return "submitted"
	}
	return "unconfirmed"
}

type BookingRequest struct {
	SlotID         string
	ConfirmBooking bool
}

type TestResult struct {
	Success    bool
	SlotsFound int
	Slots      []models.Slot
}

// Outcome is the last user-visible result of an action kind.
type Outcome struct {
	OK      bool
	Message string
	At      time.Time
}

type Option func(*Gateway)

func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

func WithLease(l Lease) Option {
	return func(g *Gateway) { g.lease = l }
}

// WithSlotLimit sets the limit used for post-action slot refreshes.
func WithSlotLimit(limit int) Option {
	return func(g *Gateway) { g.slotLimit = limit }
}

type Gateway struct {
	backend   Backend
	status    StatusRefresher
	slots     SlotRefresher
	recorder  Recorder
	lease     Lease
	slotLimit int
	holder    string

	mu       sync.Mutex
	busy     map[models.ActionKind]bool
	gate     StopGate
	outcomes map[models.ActionKind]Outcome
}

func New(backend Backend, status StatusRefresher, slots SlotRefresher, opts ...Option) *Gateway {
	g := &Gateway{
		backend:  backend,
		status:   status,
		slots:    slots,
		holder:   uuid.NewString(),
		busy:     make(map[models.ActionKind]bool),
		outcomes: make(map[models.ActionKind]Outcome),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) acquire(kind models.ActionKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[kind] {
		return false
	}
	g.busy[kind] = true
	return true
}

func (g *Gateway) release(kind models.ActionKind) {
	g.mu.Lock()
	g.busy[kind] = false
	g.mu.Unlock()
}

func (g *Gateway) InFlight(kind models.ActionKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy[kind]
}

func (g *Gateway) StopGate() StopGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gate
}

// StopConfirmed reports whether the operator has armed the stop command.
func (g *Gateway) StopConfirmed() bool {
	return g.StopGate() == GateRequested
}

func (g *Gateway) LastOutcome(kind models.ActionKind) (Outcome, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.outcomes[kind]
	return o, ok
}

func (g *Gateway) record(kind models.ActionKind, err error, okMessage string) {
	o := Outcome{OK: err == nil, Message: okMessage, At: time.Now()}
	if err != nil {
		o.Message = apiclient.UserMessage(err)
	}
	g.mu.Lock()
	g.outcomes[kind] = o
	g.mu.Unlock()
}

func (g *Gateway) begin(ctx context.Context, kind models.ActionKind, params map[string]any) string {
	id := uuid.NewString()
	if g.recorder == nil {
		return id
	}
	attempt := models.ActionAttempt{
		ID:     id,
		Kind:   kind,
		Params: params,
		Status: []models.StatusEntry{{
			Time:    time.Now().UTC(),
			Status:  "submitted",
			Message: fmt.Sprintf("%s submitted", kind),
		}},
		CreatedAt: time.Now().UTC(),
	}
	if err := g.recorder.Begin(ctx, attempt); err != nil {
		log.Warn().Err(err).Str("attempt_id", id).Msg("Failed to record action attempt")
	}
	return id
}

func (g *Gateway) finish(ctx context.Context, id string, err error, okMessage string) {
	if g.recorder == nil {
		return
	}
	status, message := "succeeded", okMessage
	if err != nil {
		status, message = "failed", apiclient.UserMessage(err)
	}
	if rerr := g.recorder.Finish(ctx, id, status, message); rerr != nil {
		log.Warn().Err(rerr).Str("attempt_id", id).Msg("Failed to finish action attempt")
	}
}

func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (g *Gateway) refreshStatus(ctx context.Context) {
	if g.status == nil {
		return
	}
	if err := g.status.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Status refresh after action failed")
	}
}

func (g *Gateway) refreshSlots(ctx context.Context) {
	if g.slots == nil {
		return
	}
	if _, err := g.slots.Refresh(ctx, g.slotLimit); err != nil {
		log.Warn().Err(err).Msg("Slot refresh after action failed")
	}
}

// Start asks the worker to begin monitoring with the given check interval.
// The local status is not touched; it follows from the refresh that
// succeeds the request.
func (g *Gateway) Start(ctx context.Context, intervalMinutes int) error {
	if !ValidInterval(intervalMinutes) {
		return ErrInvalidInterval
	}
	if !g.acquire(models.ActionStart) {
		return ErrBusy
	}
	defer g.release(models.ActionStart)

	id := g.begin(ctx, models.ActionStart, map[string]any{"check_interval_minutes": intervalMinutes})
	err := g.backend.StartSystem(ctx, intervalMinutes)
	sctx, cancel := settle(ctx)
	defer cancel()
	g.finish(sctx, id, err, "System started")
	g.record(models.ActionStart, err, "System started")
	if err != nil {
		log.Error().Err(err).Int("interval", intervalMinutes).Msg("Start failed")
		return fmt.Errorf("start system: %w", err)
	}

	log.Info().Int("interval", intervalMinutes).Msg("System started")
	g.refreshStatus(sctx)
	return nil
}

// RequestStop arms the stop command. It performs no I/O.
func (g *Gateway) RequestStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate == GateUnconfirmed {
		g.gate = GateRequested
	}
}

func (g *Gateway) CancelStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate == GateRequested {
		g.gate = GateUnconfirmed
	}
}

// ConfirmStop sends the stop request if the gate has been armed. A failed
// stop leaves the gate armed so the operator can retry.
func (g *Gateway) ConfirmStop(ctx context.Context) error {
	g.mu.Lock()
	switch {
	case g.busy[models.ActionStop]:
		g.mu.Unlock()
		return ErrBusy
	case g.gate != GateRequested:
		g.mu.Unlock()
		return ErrNotConfirmed
	}
	g.busy[models.ActionStop] = true
	g.gate = GateSubmitted
	g.mu.Unlock()
	defer g.release(models.ActionStop)

	id := g.begin(ctx, models.ActionStop, nil)
	err := g.backend.StopSystem(ctx)
	sctx, cancel := settle(ctx)
	defer cancel()
	g.finish(sctx, id, err, "System stopped")
	g.record(models.ActionStop, err, "System stopped")

	g.mu.Lock()
	if err != nil {
		g.gate = GateRequested
	} else {
		g.gate = GateUnconfirmed
	}
	g.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Stop failed")
		return fmt.Errorf("stop system: %w", err)
	}

	log.Info().Msg("System stopped")
	g.refreshStatus(sctx)
	return nil
}

// RunTestCheck triggers a single server-side scan.
func (g *Gateway) RunTestCheck(ctx context.Context) (TestResult, error) {
	if !g.acquire(models.ActionTest) {
		return TestResult{}, ErrBusy
	}
	defer g.release(models.ActionTest)

	id := g.begin(ctx, models.ActionTest, nil)
	res, err := g.backend.CheckOnce(ctx)
	msg := fmt.Sprintf("Test check found %d slot(s)", res.SlotsFound)
	sctx, cancel := settle(ctx)
	defer cancel()
	g.finish(sctx, id, err, msg)
	g.record(models.ActionTest, err, msg)
	if err != nil {
		log.Error().Err(err).Msg("Test check failed")
		return TestResult{}, fmt.Errorf("test check: %w", err)
	}

	log.Info().Int("slots_found", res.SlotsFound).Bool("success", res.Success).Msg("Test check completed")
	g.refreshSlots(sctx)
	g.refreshStatus(sctx)
	return TestResult{Success: res.Success, SlotsFound: res.SlotsFound, Slots: res.Slots}, nil
}

// BookSlot submits exactly one booking request per confirmed call. The
// registry is refreshed afterwards on both paths since a failed booking may
// still have changed the slot server-side.
func (g *Gateway) BookSlot(ctx context.Context, req BookingRequest) (string, error) {
	if req.SlotID == "" {
		return "", ErrMissingSlot
	}
	if !req.ConfirmBooking {
		return "", ErrNotConfirmed
	}
	if !g.acquire(models.ActionBook) {
		return "", ErrBusy
	}
	defer g.release(models.ActionBook)

	if g.lease != nil {
		key := "booking:" + req.SlotID
		ok, err := g.lease.Acquire(ctx, key, g.holder)
		if err != nil {
			log.Warn().Err(err).Str("slot_id", req.SlotID).Msg("Booking lease unavailable, continuing without it")
		} else if !ok {
			log.Warn().Str("slot_id", req.SlotID).Msg("Slot is being booked by another console")
			return "", ErrBusy
		} else {
			defer func() {
				rctx, cancel := settle(ctx)
				defer cancel()
				if err := g.lease.Release(rctx, key, g.holder); err != nil {
					log.Warn().Err(err).Str("slot_id", req.SlotID).Msg("Failed to release booking lease")
				}
			}()
		}
	}

	id := g.begin(ctx, models.ActionBook, map[string]any{"slot_id": req.SlotID})
	res, err := g.backend.BookSlot(ctx, req.SlotID, true)
	msg := "Booked, confirmation " + res.ConfirmationID
	sctx, cancel := settle(ctx)
	defer cancel()
	g.finish(sctx, id, err, msg)
	g.record(models.ActionBook, err, msg)

	g.refreshSlots(sctx)
	g.refreshStatus(sctx)

	if err != nil {
		log.Error().Err(err).Str("slot_id", req.SlotID).Msg("Booking failed")
		return "", fmt.Errorf("book slot %s: %w", req.SlotID, err)
	}
	log.Info().Str("slot_id", req.SlotID).Str("confirmation_id", res.ConfirmationID).Msg("Slot booked")
	return res.ConfirmationID, nil
}
