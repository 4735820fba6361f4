package session

import (
	"math"
	"sync"
	"time"
)

// Bufferbloat severity thresholds on latency increase over baseline.
const (
	severityMildMS     = 10
	severityModerateMS = 50
	severitySevereMS   = 200
)

const (
	sampleWindow    = 60 * time.Second
	baselineSamples = 10
)

type latencySample struct {
	at  time.Time
	rtt float64 // ms
	seq int64
}

// LatencyStats is the tracker snapshot embedded in real_time_update frames.
type LatencyStats struct {
	CurrentMS           float64 `json:"current_ms"`
	MinMS               float64 `json:"min_ms"`
	MaxMS               float64 `json:"max_ms"`
	MeanMS              float64 `json:"mean_ms"`
	JitterMS            float64 `json:"jitter_ms"`
	BaselineMS          float64 `json:"baseline_ms"`
	BaselineEstablished bool    `json:"baseline_established"`
	LatencyIncreaseMS   float64 `json:"latency_increase_ms"`
	Severity            string  `json:"bufferbloat_severity"`
	SampleCount         int     `json:"sample_count"`
}

// LatencyTracker accumulates in-band ping RTT samples for one session.
// Baseline is the mean of the first ten samples and latches once set.
type LatencyTracker struct {
	mu sync.Mutex

	seq       int64
	samples   []latencySample // trimmed to the last 60s
	total     int             // lifetime sample count
	firstRTTs []float64       // collected until baseline latches

	baseline    float64
	established bool
}

// NewLatencyTracker returns an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{}
}

// NextSequence issues the sequence number for the next outbound ping.
func (t *LatencyTracker) NextSequence() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	return t.seq
}

// AddSample records one RTT measurement.
func (t *LatencyTracker) AddSample(rttMS float64, seq int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, latencySample{at: now, rtt: rttMS, seq: seq})
	t.total++
	t.trim(now)

	if !t.established {
		t.firstRTTs = append(t.firstRTTs, rttMS)
		if len(t.firstRTTs) >= baselineSamples {
			var sum float64
			for _, v := range t.firstRTTs {
				sum += v
			}
			t.baseline = sum / float64(len(t.firstRTTs))
			t.established = true
			t.firstRTTs = nil
		}
	}
}

func (t *LatencyTracker) trim(now time.Time) {
	cutoff := now.Add(-sampleWindow)
	i := 0
	for ; i < len(t.samples); i++ {
		if t.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}

// Stats snapshots the tracker. Min/max/mean/jitter are computed over the
// retained 60s window; severity derives from current minus baseline.
func (t *LatencyTracker) Stats(now time.Time) LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.trim(now)
	stats := LatencyStats{
		BaselineMS:          t.baseline,
		BaselineEstablished: t.established,
		Severity:            "none",
		SampleCount:         t.total,
	}
	if len(t.samples) == 0 {
		return stats
	}

	min, max, sum := math.MaxFloat64, 0.0, 0.0
	for _, s := range t.samples {
		if s.rtt < min {
			min = s.rtt
		}
		if s.rtt > max {
			max = s.rtt
		}
		sum += s.rtt
	}
	mean := sum / float64(len(t.samples))

	var variance float64
	for _, s := range t.samples {
		d := s.rtt - mean
		variance += d * d
	}
	variance /= float64(len(t.samples))

	stats.CurrentMS = t.samples[len(t.samples)-1].rtt
	stats.MinMS = min
	stats.MaxMS = max
	stats.MeanMS = mean
	stats.JitterMS = math.Sqrt(variance)

	if t.established {
		inc := stats.CurrentMS - t.baseline
		if inc < 0 {
			inc = 0
		}
		stats.LatencyIncreaseMS = inc
		switch {
		case inc < severityMildMS:
			stats.Severity = "none"
		case inc < severityModerateMS:
			stats.Severity = "mild"
		case inc < severitySevereMS:
			stats.Severity = "moderate"
		default:
			stats.Severity = "severe"
		}
	}
	return stats
}
