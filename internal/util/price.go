// Package util provides common helpers for price and duration handling.
package util

import (
	"math"
	"time"
)

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.32 becomes 101.30.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(math.Round(x/tick)*tick*100) / 100
}

// ClampDuration returns d, or zero when d is negative. Wall-clock
// alignment math can produce a slightly negative sleep around boundary
// crossings; sleeping zero is the correct behavior there.
func ClampDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
