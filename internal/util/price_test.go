package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name string
		x    float64
		tick float64
		want float64
	}{
		{"exchange tick", 101.32, 0.05, 101.30},
		{"rounds up", 101.33, 0.05, 101.35},
		{"already aligned", 250.10, 0.05, 250.10},
		{"zero tick passthrough", 101.32, 0, 101.32},
		{"negative tick passthrough", 101.32, -1, 101.32},
		{"stop-loss price", 312.4 * 1.25, 0.05, 390.50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RoundToTick(tt.x, tt.tick), 1e-9)
		})
	}
}

func TestClampDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), ClampDuration(-5*time.Second))
	assert.Equal(t, 3*time.Second, ClampDuration(3*time.Second))
	assert.Equal(t, time.Duration(0), ClampDuration(0))
}
