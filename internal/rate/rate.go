// Package rate implements the open-loop tick scheduler that paces
// publishers and requesters. Deadlines are absolute (next = start + n*i) so
// cadence never drifts; a slow caller accrues backlogged ticks that fire
// immediately until the schedule is caught up. No backpressure is ever
// propagated upstream.
package rate

import (
	"context"
	"time"
)

// Scheduler emits one tick per interval for a target rate, or as fast as the
// caller can consume when unbounded.
type Scheduler struct {
	interval  time.Duration
	unbounded bool

	start time.Time
	n     uint64
	timer *time.Timer
}

// NewScheduler builds a scheduler for the target messages per second.
// rate <= 0 selects unbounded mode.
func NewScheduler(perSecond float64) *Scheduler {
	if perSecond <= 0 {
		return &Scheduler{unbounded: true}
	}
	return &Scheduler{interval: time.Duration(float64(time.Second) / perSecond)}
}

// Interval returns the configured tick spacing (zero when unbounded).
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Next blocks until the next tick is due and returns true, or returns false
// once ctx is cancelled. In unbounded mode it only checks for cancellation.
// Backlogged ticks (caller slower than the cadence) return immediately.
func (s *Scheduler) Next(ctx context.Context) bool {
	if s.unbounded {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}

	if s.start.IsZero() {
		s.start = time.Now()
	}
	deadline := s.start.Add(time.Duration(s.n) * s.interval)
	s.n++

	wait := time.Until(deadline)
	if wait <= 0 {
		// Catching up: fire the backlogged tick without sleeping, but still
		// honor cancellation.
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}

	if s.timer == nil {
		s.timer = time.NewTimer(wait)
	} else {
		s.timer.Reset(wait)
	}
	select {
	case <-ctx.Done():
		if !s.timer.Stop() {
			<-s.timer.C
		}
		return false
	case <-s.timer.C:
		return true
	}
}
