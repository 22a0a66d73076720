// Package statusstore holds the one authoritative SystemStatus value.
package statusstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/rs/zerolog/log"
)

type Fetcher interface {
	SystemStatus(ctx context.Context) (models.SystemStatus, error)
}

// Source records where the current value came from.
type Source string

const (
	SourceDefault  Source = "default"
	SourceSnapshot Source = "snapshot"
	SourcePush     Source = "push"
)

// Store applies snapshots and pushes with last-write-wins semantics:
// whichever value was applied most recently is current, whatever its source.
type Store struct {
	fetcher Fetcher

	mu        sync.RWMutex
	current   models.SystemStatus
	source    Source
	appliedAt time.Time
	closed    bool
	subs      []func(models.SystemStatus)
}

func New(fetcher Fetcher) *Store {
	return &Store{
		fetcher: fetcher,
		current: models.DefaultSystemStatus(),
		source:  SourceDefault,
	}
}

// ApplySnapshot replaces the status with a REST snapshot.
func (s *Store) ApplySnapshot(status models.SystemStatus) bool {
	return s.apply(status, SourceSnapshot)
}

// ApplyPush replaces the status with a system_status push payload.
func (s *Store) ApplyPush(status models.SystemStatus) bool {
	return s.apply(status, SourcePush)
}

func (s *Store) apply(status models.SystemStatus, source Source) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Debug().Str("source", string(source)).Msg("Status store closed, dropping late update")
		return false
	}
	s.current = status.Clone()
	s.source = source
	s.appliedAt = time.Now()
	subs := append([]func(models.SystemStatus){}, s.subs...)
	current := s.current.Clone()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(current.Clone())
	}
	return true
}

// Current never returns an unset value: before the first apply it is the default.
func (s *Store) Current() models.SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// LastSource reports the origin and time of the current value.
func (s *Store) LastSource() (Source, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source, s.appliedAt
}

func (s *Store) Subscribe(fn func(models.SystemStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Refresh fetches GET /system/status and applies it as a snapshot.
func (s *Store) Refresh(ctx context.Context) error {
	status, err := s.fetcher.SystemStatus(ctx)
	if err != nil {
		return fmt.Errorf("refresh status: %w", err)
	}
	s.ApplySnapshot(status)
	return nil
}

// Close stops the store from accepting further updates.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
