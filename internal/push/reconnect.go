package push

import (
	"math"
	"time"
)

// ReconnectPolicy is an exponential backoff schedule. The Manager does not
// apply it; callers ask it how long to wait before the next attempt.
type ReconnectPolicy struct {
	Enabled     bool
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int // 0 = unlimited
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:    true,
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// Next returns the delay before attempt (1-based) and whether it should be made.
func (p ReconnectPolicy) Next(attempt int) (time.Duration, bool) {
	if !p.Enabled || attempt < 1 {
		return 0, false
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		return p.Max, true
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit a Duration.
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(delay), true
}
