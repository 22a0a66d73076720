// Package logstream keeps a bounded, newest-first view of the automation
// process's activity log.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPageSize    = 100
	DefaultMaxRetained = 500
)

// ErrSuperseded is returned by LoadPage when a load started after this one has
// already been applied; the older response is discarded.
var ErrSuperseded = errors.New("log page superseded by a newer load")

type Fetcher interface {
	Logs(ctx context.Context, limit int, level models.LogLevel) (models.LogPage, error)
}

// Filter selects the server-side page. An empty Level means all levels.
type Filter struct {
	Limit int
	Level models.LogLevel
}

type liveEntry struct {
	seq   uint64
	entry models.LogEntry
}

type Stream struct {
	fetcher     Fetcher
	maxRetained int

	mu         sync.RWMutex
	entries    []models.LogEntry // newest first
	seen       map[string]struct{}
	filter     Filter
	totalCount int
	loadSeq    uint64 // last load started
	appliedSeq uint64 // last load applied
	loading    int
	liveSeq    uint64
	midLoad    []liveEntry // live entries received while a load is in flight
	closed     bool
	subs       []func(models.LogEntry)
}

func New(fetcher Fetcher, maxRetained int) *Stream {
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	return &Stream{
		fetcher:     fetcher,
		maxRetained: maxRetained,
		seen:        make(map[string]struct{}),
		filter:      Filter{Limit: DefaultPageSize},
	}
}

// LoadPage fetches a page and replaces the whole stream with it. Live entries
// that arrived while the request was in flight are kept on top of the page.
func (s *Stream) LoadPage(ctx context.Context, filter Filter) ([]models.LogEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}

	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	mark := s.liveSeq
	s.loading++
	s.mu.Unlock()

	page, err := s.fetcher.Logs(ctx, filter.Limit, filter.Level)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.doneLoadingLocked()

	if err != nil {
		return nil, fmt.Errorf("load log page: %w", err)
	}
	if s.closed {
		return nil, nil
	}
	if seq < s.appliedSeq {
		return nil, ErrSuperseded
	}
	s.appliedSeq = seq

	s.entries = s.entries[:0:0]
	s.seen = make(map[string]struct{}, len(page.Logs))
	for _, e := range page.Logs {
		key := e.Key()
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.entries = append(s.entries, e)
	}
	s.totalCount = page.TotalCount

	// midLoad is oldest first, so prepending in order leaves the newest on top.
	for _, le := range s.midLoad {
		if le.seq <= mark || (filter.Level != "" && le.entry.Level != filter.Level) {
			continue
		}
		key := le.entry.Key()
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.entries = append([]models.LogEntry{le.entry}, s.entries...)
		s.totalCount++
	}

	s.evictLocked()
	s.filter = filter
	return s.copyLocked(), nil
}

func (s *Stream) doneLoadingLocked() {
	s.loading--
	if s.loading == 0 {
		s.midLoad = nil
	}
}

// AppendLive prepends a pushed entry. Duplicates and entries outside the
// active level filter are dropped.
func (s *Stream) AppendLive(entry models.LogEntry) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.loading > 0 {
		s.liveSeq++
		s.midLoad = append(s.midLoad, liveEntry{seq: s.liveSeq, entry: entry})
		if len(s.midLoad) > s.maxRetained {
			s.midLoad = s.midLoad[1:]
		}
	}
	if s.filter.Level != "" && entry.Level != s.filter.Level {
		s.mu.Unlock()
		return false
	}
	key := entry.Key()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		log.Debug().Str("key", key).Msg("Dropping duplicate live log entry")
		return false
	}

	s.seen[key] = struct{}{}
	s.entries = append(s.entries, models.LogEntry{})
	copy(s.entries[1:], s.entries)
	s.entries[0] = entry
	s.totalCount++
	s.evictLocked()
	subs := append([]func(models.LogEntry){}, s.subs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(entry)
	}
	return true
}

func (s *Stream) evictLocked() {
	for len(s.entries) > s.maxRetained {
		oldest := s.entries[len(s.entries)-1]
		delete(s.seen, oldest.Key())
		s.entries = s.entries[:len(s.entries)-1]
	}
}

func (s *Stream) copyLocked() []models.LogEntry {
	return append([]models.LogEntry(nil), s.entries...)
}

// Entries returns the stream newest first.
func (s *Stream) Entries() []models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Search is a non-destructive view of entries whose message or step contains
// term, ignoring case. An empty term matches everything.
func (s *Stream) Search(term string) []models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(term)
	out := make([]models.LogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if matches(e, needle) {
			out = append(out, e)
		}
	}
	return out
}

func matches(e models.LogEntry, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), needle) ||
		strings.Contains(strings.ToLower(e.Step), needle)
}

func (s *Stream) Filter() Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// TotalCount is the server-reported total for the active filter plus live appends.
func (s *Stream) TotalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalCount
}

func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe is notified after every accepted live append.
func (s *Stream) Subscribe(fn func(models.LogEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
