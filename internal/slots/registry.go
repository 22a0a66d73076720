// Package slots caches the appointment slots reported by the backend.
// It is a read cache: the only way to change it is Refresh.
package slots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/rs/zerolog/log"
)

const DefaultLimit = 50

// ErrSuperseded is returned by Refresh when a refresh started after this one
// has already been applied.
var ErrSuperseded = errors.New("slot refresh superseded by a newer refresh")

type Fetcher interface {
	AvailableSlots(ctx context.Context, limit int) (models.SlotPage, error)
}

type Registry struct {
	fetcher      Fetcher
	defaultLimit int

	mu          sync.RWMutex
	slots       []models.Slot
	index       map[string]int
	totalCount  int
	refreshedAt time.Time
	startSeq    uint64
	appliedSeq  uint64
	closed      bool
}

func New(fetcher Fetcher, defaultLimit int) *Registry {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Registry{
		fetcher:      fetcher,
		defaultLimit: defaultLimit,
		index:        make(map[string]int),
	}
}

// Refresh replaces the registry from GET /appointments/available.
// limit <= 0 uses the registry default. Repeated IDs keep their first occurrence.
func (r *Registry) Refresh(ctx context.Context, limit int) ([]models.Slot, error) {
	if limit <= 0 {
		limit = r.defaultLimit
	}

	r.mu.Lock()
	r.startSeq++
	seq := r.startSeq
	r.mu.Unlock()

	page, err := r.fetcher.AvailableSlots(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("refresh slots: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil
	}
	if seq < r.appliedSeq {
		return nil, ErrSuperseded
	}
	r.appliedSeq = seq

	r.slots = make([]models.Slot, 0, len(page.Slots))
	r.index = make(map[string]int, len(page.Slots))
	for _, s := range page.Slots {
		if _, dup := r.index[s.ID]; dup {
			log.Warn().Str("slot_id", s.ID).Msg("Duplicate slot id in response, keeping first")
			continue
		}
		r.index[s.ID] = len(r.slots)
		r.slots = append(r.slots, s.Clone())
	}
	r.totalCount = page.TotalCount
	r.refreshedAt = time.Now()

	return r.copyLocked(), nil
}

func (r *Registry) copyLocked() []models.Slot {
	out := make([]models.Slot, len(r.slots))
	for i, s := range r.slots {
		out[i] = s.Clone()
	}
	return out
}

// Slots returns the cached slots in server order.
func (r *Registry) Slots() []models.Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyLocked()
}

func (r *Registry) Get(id string) (models.Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return models.Slot{}, false
	}
	return r.slots[i].Clone(), true
}

// Available filters the cache to slots still open for booking.
func (r *Registry) Available() []models.Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Slot, 0, len(r.slots))
	for _, s := range r.slots {
		if s.Status == models.SlotAvailable {
			out = append(out, s.Clone())
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

func (r *Registry) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalCount
}

func (r *Registry) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshedAt
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
