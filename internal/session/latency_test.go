package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineLatchesAfterTenSamples(t *testing.T) {
	tr := NewLatencyTracker()
	now := time.Now()

	for i := 0; i < 9; i++ {
		tr.AddSample(20, int64(i+1), now)
	}
	assert.False(t, tr.Stats(now).BaselineEstablished)

	tr.AddSample(20, 10, now)
	stats := tr.Stats(now)
	require.True(t, stats.BaselineEstablished)
	assert.InDelta(t, 20.0, stats.BaselineMS, 0.001)

	// Later samples never move the baseline.
	for i := 0; i < 50; i++ {
		tr.AddSample(500, int64(11+i), now)
	}
	assert.InDelta(t, 20.0, tr.Stats(now).BaselineMS, 0.001)
}

func TestSeverityThresholds(t *testing.T) {
	cases := []struct {
		current  float64
		severity string
	}{
		{25, "none"},      // +5ms
		{45, "mild"},      // +25ms
		{120, "moderate"}, // +100ms
		{400, "severe"},   // +380ms
	}

	for _, tc := range cases {
		tr := NewLatencyTracker()
		now := time.Now()
		for i := 0; i < 10; i++ {
			tr.AddSample(20, int64(i+1), now)
		}
		tr.AddSample(tc.current, 11, now)
		stats := tr.Stats(now)
		assert.Equal(t, tc.severity, stats.Severity, "current=%v", tc.current)
	}
}

func TestSeverityBeforeBaselineIsNone(t *testing.T) {
	tr := NewLatencyTracker()
	now := time.Now()

	tr.AddSample(900, 1, now)
	stats := tr.Stats(now)
	assert.Equal(t, "none", stats.Severity)
	assert.Zero(t, stats.LatencyIncreaseMS)
}

func TestJitterIsSampleStdDev(t *testing.T) {
	tr := NewLatencyTracker()
	now := time.Now()

	// Samples 10 and 20 alternating: mean 15, stddev 5.
	for i := 0; i < 10; i++ {
		rtt := 10.0
		if i%2 == 1 {
			rtt = 20.0
		}
		tr.AddSample(rtt, int64(i+1), now)
	}
	stats := tr.Stats(now)
	assert.InDelta(t, 5.0, stats.JitterMS, 0.001)
	assert.InDelta(t, 15.0, stats.MeanMS, 0.001)
	assert.Equal(t, 10.0, stats.MinMS)
	assert.Equal(t, 20.0, stats.MaxMS)
}

func TestWindowTrimsOldSamples(t *testing.T) {
	tr := NewLatencyTracker()
	old := time.Now().Add(-2 * time.Minute)
	now := time.Now()

	for i := 0; i < 10; i++ {
		tr.AddSample(100, int64(i+1), old)
	}
	tr.AddSample(30, 11, now)

	stats := tr.Stats(now)
	// Only the fresh sample survives the 60s window.
	assert.Equal(t, 30.0, stats.MinMS)
	assert.Equal(t, 30.0, stats.MaxMS)
	// Lifetime count keeps the trimmed samples.
	assert.Equal(t, 11, stats.SampleCount)
	// Baseline latched from the first ten even though they aged out.
	assert.True(t, stats.BaselineEstablished)
	assert.InDelta(t, 100.0, stats.BaselineMS, 0.001)
}

func TestSequenceCounterIsMonotonic(t *testing.T) {
	tr := NewLatencyTracker()
	prev := int64(0)
	for i := 0; i < 100; i++ {
		seq := tr.NextSequence()
		assert.Greater(t, seq, prev)
		prev = seq
	}
}
