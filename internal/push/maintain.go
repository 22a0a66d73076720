package push

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrRetriesExhausted = errors.New("push: reconnect attempts exhausted")

// RetryState reports the current reconnect attempt and when it is due. Both
// are zero while connected or when no reconnect is scheduled.
func (m *Manager) RetryState() (int, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryAttempt, m.retryAt
}

func (m *Manager) setRetry(attempt int, at time.Time) {
	m.mu.Lock()
	m.retryAttempt, m.retryAt = attempt, at
	m.mu.Unlock()
}

// Maintain keeps a connection to url open until ctx is done, sleeping between
// attempts as policy dictates. Every event goes to cb. onOpen, when set, runs
// after each successful connect; reconnect is true when the connect follows a
// dropped connection or failed attempts.
//
// A local Close of the handle ends Maintain with a nil error. When the policy
// gives up ErrRetriesExhausted is returned and the caller stays on polling.
func (m *Manager) Maintain(ctx context.Context, url string, policy ReconnectPolicy, cb Callback, onOpen func(reconnect bool)) error {
	defer m.setRetry(0, time.Time{})

	attempt := 0
	for {
		h, err := m.Connect(ctx, url)
		if err == nil {
			reconnect := attempt > 0
			attempt = 0
			m.setRetry(0, time.Time{})
			m.OnEvent(h, cb)
			if onOpen != nil {
				onOpen(reconnect)
			}

			select {
			case <-ctx.Done():
				m.Close(h)
				return nil
			case <-h.Done():
			}
			if h.Err() == nil {
				return nil
			}
		} else if ctx.Err() != nil {
			return nil
		} else {
			log.Debug().Err(err).Str("url", url).Msg("Push connect failed")
		}

		attempt++
		delay, ok := policy.Next(attempt)
		if !ok {
			log.Warn().Int("attempts", attempt-1).Msg("Push reconnect given up, staying on polling")
			return ErrRetriesExhausted
		}
		m.setRetry(attempt, time.Now().Add(delay))
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Scheduling push reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
