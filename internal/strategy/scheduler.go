package strategy

import (
	"context"
	"time"

	"github.com/trademaven/algoengine/internal/util"
)

// Clock abstracts wall-clock time so decision logic can be driven in
// tests without real time passing.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct {
	loc *time.Location
}

func (c realClock) Now() time.Time {
	if c.loc != nil {
		return time.Now().In(c.loc)
	}
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scheduler drives the phase-aligned ticks every control loop runs on.
// Ticks land on wall-clock multiples of the period so that parallel
// deployments observe the same market snapshot cadence.
type Scheduler struct {
	clock Clock
}

// NewScheduler creates a scheduler; a nil clock means real time.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{clock: clock}
}

// NewSchedulerIn creates a real-time scheduler whose clock reads in
// loc, so day-time cutoffs follow the exchange timezone rather than
// the host's.
func NewSchedulerIn(loc *time.Location) *Scheduler {
	return &Scheduler{clock: realClock{loc: loc}}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// AlignSleep sleeps until the next wall-clock boundary that is a
// multiple of period. Being exactly on a boundary sleeps one full
// period. Computed negative durations clamp to zero.
func (s *Scheduler) AlignSleep(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return ctx.Err()
	}
	now := s.clock.Now()
	boundary := now.Truncate(period).Add(period)
	return s.clock.Sleep(ctx, util.ClampDuration(boundary.Sub(now)))
}

// SleepUntil sleeps until t, returning immediately when t has passed.
func (s *Scheduler) SleepUntil(ctx context.Context, t time.Time) error {
	return s.clock.Sleep(ctx, util.ClampDuration(t.Sub(s.clock.Now())))
}

// DayTime is a time of day in the exchange's local timezone, such as
// the 15:25:59 forced exit.
type DayTime struct {
	Hour   int
	Minute int
	Second int
}

// On anchors the time of day to the given date.
func (t DayTime) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, t.Second, 0, day.Location())
}

// IsZero reports whether the time of day is unset (midnight).
func (t DayTime) IsZero() bool {
	return t.Hour == 0 && t.Minute == 0 && t.Second == 0
}
