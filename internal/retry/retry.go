// Package retry implements the fixed-step reconnection policy used after a
// failed initialisation or delivery cycle.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/tabtrack/internal/metrics"
)

// DefaultDelays is the schedule used when none is configured.
var DefaultDelays = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

// Schedule is a backoff.BackOff over a fixed ordered list of delays. The
// attempt counter keeps growing but the delay is clamped to the last entry,
// so a retry never waits longer than the longest interval. The counter lives
// in memory only; a restarted process begins at the shortest delay again.
type Schedule struct {
	mu      sync.Mutex
	delays  []time.Duration
	attempt int
}

var _ backoff.BackOff = (*Schedule)(nil)

// NewSchedule returns a schedule over delays, or DefaultDelays when empty.
func NewSchedule(delays []time.Duration) *Schedule {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	return &Schedule{delays: append([]time.Duration(nil), delays...)}
}

// NextBackOff returns the delay for the current attempt and advances the
// counter.
func (s *Schedule) NextBackOff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.delays[s.index()]
	s.attempt++
	metrics.RetryAttempts.Set(float64(s.attempt))
	return d
}

// Peek returns the delay NextBackOff would return without advancing.
func (s *Schedule) Peek() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delays[s.index()]
}

// Reset zeroes the attempt counter.
func (s *Schedule) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
	metrics.RetryAttempts.Set(0)
}

// Attempts returns the number of retries scheduled since the last reset.
func (s *Schedule) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Schedule) index() int {
	if s.attempt >= len(s.delays) {
		return len(s.delays) - 1
	}
	return s.attempt
}

// Run calls op until it succeeds, ctx is done, or op returns an error
// wrapped with backoff.Permanent. notify, when set, sees every failure
// together with the delay before the next attempt.
func (s *Schedule) Run(ctx context.Context, op func() error, notify backoff.Notify) error {
	err := backoff.RetryNotify(op, backoff.WithContext(s, ctx), notify)
	if err == nil {
		s.Reset()
	}
	return err
}
