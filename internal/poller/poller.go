// Package poller runs a task on a cadence described by an RRULE.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/teambition/rrule-go"
)

// DefaultRule re-polls every 30 seconds.
const DefaultRule = "FREQ=SECONDLY;INTERVAL=30"

type Task func(ctx context.Context) error

type Poller struct {
	name      string
	task      Task
	immediate bool

	mu   sync.Mutex
	rule *rrule.RRule
	runs int
	last error
}

// New parses ruleStr and anchors it at the current second. When immediate is
// true Run executes the task once before waiting for the first occurrence.
func New(name, ruleStr string, task Task, immediate bool) (*Poller, error) {
	if ruleStr == "" {
		ruleStr = DefaultRule
	}
	rule, err := rrule.StrToRRule(ruleStr)
	if err != nil {
		return nil, fmt.Errorf("invalid poll rule %q: %w", ruleStr, err)
	}
	rule.DTStart(time.Now().UTC())
	return &Poller{name: name, task: task, immediate: immediate, rule: rule}, nil
}

// anchor moves the rule's start to t. Occurrences are counted from there.
func (p *Poller) anchor(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rule.DTStart(t.UTC())
}

// Next returns the first occurrence strictly after t, or the zero time when
// the rule is exhausted.
func (p *Poller) Next(after time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rule.After(after.UTC(), false)
}

// PollOnce runs the task and records its result.
func (p *Poller) PollOnce(ctx context.Context) error {
	err := p.task(ctx)
	p.mu.Lock()
	p.runs++
	p.last = err
	p.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("poller", p.name).Msg("Poll failed")
	} else {
		log.Debug().Str("poller", p.name).Msg("Poll completed")
	}
	return err
}

// LastResult reports how many polls ran and the error of the latest one.
func (p *Poller) LastResult() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs, p.last
}

// Run blocks until ctx is done or the rule has no further occurrences.
func (p *Poller) Run(ctx context.Context) {
	log.Info().Str("poller", p.name).Msg("Poller started")
	defer log.Info().Str("poller", p.name).Msg("Poller stopped")

	if p.immediate {
		_ = p.PollOnce(ctx)
	}

	for {
		next := p.Next(time.Now())
		if next.IsZero() {
			log.Info().Str("poller", p.name).Msg("Poll rule exhausted")
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_ = p.PollOnce(ctx)
		}
	}
}
