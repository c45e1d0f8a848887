package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignSleepLandsOnBoundary(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 9, 2, 10, 0, 3, 0, time.UTC))
	s := NewScheduler(clock)

	require.NoError(t, s.AlignSleep(context.Background(), 10*time.Second))
	assert.Equal(t, time.Date(2025, 9, 2, 10, 0, 10, 0, time.UTC), clock.Now())
}

func TestAlignSleepOnBoundarySleepsFullPeriod(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 9, 2, 10, 0, 10, 0, time.UTC))
	s := NewScheduler(clock)

	require.NoError(t, s.AlignSleep(context.Background(), 10*time.Second))
	assert.Equal(t, time.Date(2025, 9, 2, 10, 0, 20, 0, time.UTC), clock.Now())
}

func TestAlignSleepCancelled(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 9, 2, 10, 0, 3, 0, time.UTC))
	s := NewScheduler(clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.AlignSleep(ctx, 10*time.Second))
}

func TestSleepUntilPastReturnsImmediately(t *testing.T) {
	now := time.Date(2025, 9, 2, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(now)
	s := NewScheduler(clock)

	require.NoError(t, s.SleepUntil(context.Background(), now.Add(-time.Hour)))
	assert.Equal(t, now, clock.Now())
}

func TestDayTimeOn(t *testing.T) {
	day := time.Date(2025, 9, 2, 11, 30, 0, 0, time.Local)
	at := DayTime{15, 25, 59}.On(day)
	assert.Equal(t, time.Date(2025, 9, 2, 15, 25, 59, 0, time.Local), at)

	assert.True(t, DayTime{}.IsZero())
	assert.False(t, DayTime{9, 15, 10}.IsZero())
}

func TestSchedulerInExchangeTimezone(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	s := NewSchedulerIn(ist)

	now := s.Now()
	assert.Equal(t, "IST", now.Location().String())

	// The forced-exit cutoff anchors to the exchange's wall clock, so
	// the same instant maps to different cutoffs across zones.
	cutIST := DayTime{15, 25, 59}.On(now)
	cutUTC := DayTime{15, 25, 59}.On(now.UTC())
	assert.Equal(t, ist, cutIST.Location())
	if now.UTC().Day() == now.Day() {
		assert.Equal(t, 5*time.Hour+30*time.Minute, cutUTC.Sub(cutIST))
	}
}
