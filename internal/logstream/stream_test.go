package logstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Logs(ctx context.Context, limit int, level models.LogLevel) (models.LogPage, error) {
	args := m.Called(ctx, limit, level)
	return args.Get(0).(models.LogPage), args.Error(1)
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func entry(id string, level models.LogLevel, step, msg string, offset int) models.LogEntry {
	return models.LogEntry{
		ID:        id,
		Level:     level,
		Step:      step,
		Message:   msg,
		Timestamp: models.NewTimestamp(base.Add(time.Duration(offset) * time.Second)),
	}
}

func messages(entries []models.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestStream_LoadPageReplacesLiveEntries(t *testing.T) {
	fetcher := new(MockFetcher)
	fetcher.On("Logs", mock.Anything, 100, models.LogLevel("")).Return(models.LogPage{
		Logs:       []models.LogEntry{entry("p2", models.LevelInfo, "", "page 2", 2), entry("p1", models.LevelInfo, "", "page 1", 1)},
		TotalCount: 2,
	}, nil)

	s := New(fetcher, 0)
	for k := 0; k < 5; k++ {
		require.True(t, s.AppendLive(entry(fmt.Sprintf("live-%d", k), models.LevelInfo, "", fmt.Sprintf("live %d", k), 10+k)))
	}
	require.Equal(t, 5, s.Len())

	got, err := s.LoadPage(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"page 2", "page 1"}, messages(got))
	assert.Equal(t, []string{"page 2", "page 1"}, messages(s.Entries()))
	assert.Equal(t, 2, s.TotalCount())
}

func TestStream_AppendLiveIsNewestFirst(t *testing.T) {
	s := New(new(MockFetcher), 0)
	s.AppendLive(entry("a", models.LevelInfo, "", "a", 1))
	s.AppendLive(entry("b", models.LevelInfo, "", "b", 2))
	s.AppendLive(entry("c", models.LevelInfo, "", "c", 3))
	assert.Equal(t, []string{"c", "b", "a"}, messages(s.Entries()))
}

func TestStream_DedupByIDAndCompositeKey(t *testing.T) {
	fetcher := new(MockFetcher)
	fetcher.On("Logs", mock.Anything, 10, models.LogLevel("")).Return(models.LogPage{
		Logs: []models.LogEntry{
			entry("x", models.LevelInfo, "STEP1", "same id", 1),
			entry("", models.LevelInfo, "STEP2", "no id", 2),
		},
	}, nil)

	s := New(fetcher, 0)
	_, err := s.LoadPage(context.Background(), Filter{Limit: 10})
	require.NoError(t, err)

	assert.False(t, s.AppendLive(entry("x", models.LevelInfo, "STEP1", "same id", 1)))
	assert.False(t, s.AppendLive(entry("", models.LevelSuccess, "STEP2", "no id", 2)))
	assert.True(t, s.AppendLive(entry("", models.LevelInfo, "STEP3", "no id", 2)))
	assert.Equal(t, 3, s.Len())
}

func TestStream_PageDuplicatesCollapse(t *testing.T) {
	fetcher := new(MockFetcher)
	dup := entry("d", models.LevelInfo, "", "dup", 1)
	fetcher.On("Logs", mock.Anything, DefaultPageSize, models.LogLevel("")).Return(models.LogPage{
		Logs: []models.LogEntry{dup, dup, entry("e", models.LevelInfo, "", "e", 0)},
	}, nil)

	s := New(fetcher, 0)
	got, err := s.LoadPage(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"dup", "e"}, messages(got))
}

func TestStream_EvictsOldestBeyondBound(t *testing.T) {
	s := New(new(MockFetcher), 3)
	for k := 0; k < 5; k++ {
		s.AppendLive(entry(fmt.Sprint(k), models.LevelInfo, "", fmt.Sprint(k), k))
	}
	assert.Equal(t, []string{"4", "3", "2"}, messages(s.Entries()))
}

func TestStream_LevelFilterAppliesToLiveEntries(t *testing.T) {
	fetcher := new(MockFetcher)
	fetcher.On("Logs", mock.Anything, 20, models.LevelError).Return(models.LogPage{}, nil)

	s := New(fetcher, 0)
	_, err := s.LoadPage(context.Background(), Filter{Limit: 20, Level: models.LevelError})
	require.NoError(t, err)

	assert.False(t, s.AppendLive(entry("i", models.LevelInfo, "", "info", 1)))
	assert.True(t, s.AppendLive(entry("e", models.LevelError, "", "error", 2)))
	assert.Equal(t, Filter{Limit: 20, Level: models.LevelError}, s.Filter())
}

func TestStream_SearchMatchesExactly(t *testing.T) {
	words := []string{"Login", "captcha", "Booking", "slot", "STEP1_LOGIN", "browser", "Error"}
	rng := rand.New(rand.NewSource(11))

	s := New(new(MockFetcher), 1000)
	for k := 0; k < 200; k++ {
		msg := words[rng.Intn(len(words))] + " " + words[rng.Intn(len(words))]
		step := ""
		if rng.Intn(2) == 0 {
			step = words[rng.Intn(len(words))]
		}
		s.AppendLive(entry(fmt.Sprint(k), models.LevelInfo, step, msg, k))
	}
	all := s.Entries()

	for _, term := range []string{"login", "CAPTCHA", "step1", "zzz", "", "o"} {
		view := s.Search(term)
		want := 0
		lower := strings.ToLower(term)
		for _, e := range all {
			if strings.Contains(strings.ToLower(e.Message), lower) || strings.Contains(strings.ToLower(e.Step), lower) {
				want++
			}
		}
		assert.Len(t, view, want, "term %q", term)
		for _, e := range view {
			assert.True(t, matches(e, lower))
		}
	}
	assert.Equal(t, all, s.Entries(), "search must not mutate the stream")
}

func TestStream_LoadErrorKeepsEntries(t *testing.T) {
	fetcher := new(MockFetcher)
	fetcher.On("Logs", mock.Anything, DefaultPageSize, models.LogLevel("")).Return(models.LogPage{}, errors.New("timeout"))

	s := New(fetcher, 0)
	s.AppendLive(entry("a", models.LevelInfo, "", "a", 1))
	_, err := s.LoadPage(context.Background(), Filter{})
	assert.ErrorContains(t, err, "timeout")
	assert.Equal(t, 1, s.Len())
}

type blockingFetcher struct {
	release chan struct{}
	page    models.LogPage
}

func (b *blockingFetcher) Logs(ctx context.Context, limit int, level models.LogLevel) (models.LogPage, error) {
	if level == models.LevelInfo {
		<-b.release
		return models.LogPage{Logs: []models.LogEntry{entry("old", models.LevelInfo, "", "stale", 1)}}, nil
	}
	return b.page, nil
}

func TestStream_SupersededLoadIsDiscarded(t *testing.T) {
	fetcher := &blockingFetcher{
		release: make(chan struct{}),
		page:    models.LogPage{Logs: []models.LogEntry{entry("new", models.LevelError, "", "fresh", 2)}},
	}
	s := New(fetcher, 0)

	errc := make(chan error, 1)
	go func() {
		_, err := s.LoadPage(context.Background(), Filter{Level: models.LevelInfo})
		errc <- err
	}()

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.loadSeq == 1
	}, time.Second, 5*time.Millisecond)

	_, err := s.LoadPage(context.Background(), Filter{Level: models.LevelError})
	require.NoError(t, err)
	close(fetcher.release)

	assert.ErrorIs(t, <-errc, ErrSuperseded)
	assert.Equal(t, []string{"fresh"}, messages(s.Entries()))
}

// gatedFetcher blocks every call until its gate is released, then returns
// the queued result for that call.
type gatedFetcher struct {
	started chan struct{}
	results chan gatedResult
}

type gatedResult struct {
	page models.LogPage
	err  error
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{started: make(chan struct{}, 4), results: make(chan gatedResult)}
}

func (g *gatedFetcher) Logs(ctx context.Context, limit int, level models.LogLevel) (models.LogPage, error) {
	g.started <- struct{}{}
	r := <-g.results
	return r.page, r.err
}

func TestStream_FailedNewerLoadDoesNotDiscardOlder(t *testing.T) {
	fetcher := newGatedFetcher()
	s := New(fetcher, 0)

	older := make(chan error, 1)
	go func() {
		_, err := s.LoadPage(context.Background(), Filter{})
		older <- err
	}()
	<-fetcher.started

	newer := make(chan error, 1)
	go func() {
		_, err := s.LoadPage(context.Background(), Filter{})
		newer <- err
	}()
	<-fetcher.started

	// Whichever call receives first, one fails and one succeeds.
	fetcher.results <- gatedResult{err: errors.New("timeout")}
	fetcher.results <- gatedResult{page: models.LogPage{Logs: []models.LogEntry{entry("p", models.LevelInfo, "", "page", 1)}, TotalCount: 1}}

	var ok int
	for _, err := range []error{<-older, <-newer} {
		if err == nil {
			ok++
		} else {
			assert.ErrorContains(t, err, "timeout")
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, []string{"page"}, messages(s.Entries()))
}

func TestStream_LiveEntriesDuringLoadSurvive(t *testing.T) {
	fetcher := newGatedFetcher()
	s := New(fetcher, 0)
	require.True(t, s.AppendLive(entry("before", models.LevelInfo, "", "before load", 1)))

	done := make(chan error, 1)
	go func() {
		_, err := s.LoadPage(context.Background(), Filter{})
		done <- err
	}()
	<-fetcher.started

	require.True(t, s.AppendLive(entry("mid-1", models.LevelInfo, "", "mid 1", 5)))
	require.True(t, s.AppendLive(entry("mid-2", models.LevelInfo, "", "mid 2", 6)))
	fetcher.results <- gatedResult{page: models.LogPage{
		Logs:       []models.LogEntry{entry("mid-1", models.LevelInfo, "", "mid 1", 5), entry("p", models.LevelInfo, "", "page", 2)},
		TotalCount: 2,
	}}
	require.NoError(t, <-done)

	assert.Equal(t, []string{"mid 2", "mid 1", "page"}, messages(s.Entries()))
	assert.Equal(t, 3, s.TotalCount())

	// Nothing is carried into the next load once no load is in flight.
	go func() {
		_, err := s.LoadPage(context.Background(), Filter{})
		done <- err
	}()
	<-fetcher.started
	fetcher.results <- gatedResult{page: models.LogPage{}}
	require.NoError(t, <-done)
	assert.Zero(t, s.Len())
}

func TestStream_SubscribeAndClose(t *testing.T) {
	s := New(new(MockFetcher), 0)
	var got []string
	s.Subscribe(func(e models.LogEntry) { got = append(got, e.Message) })

	s.AppendLive(entry("a", models.LevelInfo, "", "a", 1))
	s.Close()
	assert.False(t, s.AppendLive(entry("b", models.LevelInfo, "", "b", 2)))
	assert.Equal(t, []string{"a"}, got)
}
