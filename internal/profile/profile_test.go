package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsCoverAllPersonas(t *testing.T) {
	defaults := Defaults()
	require.Len(t, defaults, len(Personas))
	for _, p := range Personas {
		prof, ok := defaults[p]
		require.True(t, ok, "missing profile for %s", p)
		assert.Equal(t, p, prof.Persona)
		assert.Positive(t, Ports[p])
	}
}

func TestUpdateInterval(t *testing.T) {
	defaults := Defaults()
	assert.Equal(t, 250*time.Millisecond, defaults[Gamer].UpdateInterval())
	assert.Equal(t, 250*time.Millisecond, defaults[VideoCall].UpdateInterval())
	assert.Equal(t, 100*time.Millisecond, defaults[Streamer].UpdateInterval())
	assert.Equal(t, 100*time.Millisecond, defaults[Bulk].UpdateInterval())
}

func TestMaxSessionDuration(t *testing.T) {
	defaults := Defaults()
	assert.Equal(t, 60*time.Second, defaults[Gamer].MaxSessionDuration())
	assert.Equal(t, 60*time.Second, defaults[Streamer].MaxSessionDuration())
	assert.Equal(t, 45*time.Second, defaults[Bulk].MaxSessionDuration())
}

func TestConstantPatternRate(t *testing.T) {
	now := time.Now()
	s := NewBurstState(now)

	rate := s.EffectiveRate(BurstPattern{Kind: Constant}, 2.5, now.Add(time.Hour))
	assert.Equal(t, 2.5, rate)
	assert.Equal(t, PhaseActive, s.Phase)
	assert.Zero(t, s.CycleCount)
}

func TestTwoPhaseTransitions(t *testing.T) {
	pattern := BurstPattern{
		Kind:           TwoPhase,
		ActiveRateMbps: 25,
		ActiveDuration: time.Second,
		IdleRateMbps:   0,
		IdleDuration:   4 * time.Second,
	}
	start := time.Now()
	s := NewBurstState(start)

	// Inside the active phase.
	assert.Equal(t, 25.0, s.EffectiveRate(pattern, 25, start.Add(500*time.Millisecond)))
	assert.Equal(t, PhaseActive, s.Phase)

	// Active elapsed: flip to idle.
	assert.Equal(t, 0.0, s.EffectiveRate(pattern, 25, start.Add(1100*time.Millisecond)))
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Zero(t, s.CycleCount)

	// Idle elapsed: flip back, cycle counter bumps.
	idleStart := s.PhaseStart
	assert.Equal(t, 25.0, s.EffectiveRate(pattern, 25, idleStart.Add(4100*time.Millisecond)))
	assert.Equal(t, PhaseActive, s.Phase)
	assert.Equal(t, 1, s.CycleCount)
}

func TestTwoPhaseMultipleCycles(t *testing.T) {
	pattern := BurstPattern{
		Kind:           TwoPhase,
		ActiveRateMbps: 25,
		ActiveDuration: time.Second,
		IdleRateMbps:   0,
		IdleDuration:   4 * time.Second,
	}
	now := time.Now()
	s := NewBurstState(now)

	// Walk two full cycles in 100ms ticks of simulated wall time.
	for elapsed := time.Duration(0); elapsed <= 11*time.Second; elapsed += 100 * time.Millisecond {
		s.EffectiveRate(pattern, 25, now.Add(elapsed))
	}
	assert.GreaterOrEqual(t, s.CycleCount, 2)
}

func TestParseSessionID(t *testing.T) {
	persona, ms, err := ParseSessionID("video-call_1724600000123")
	require.NoError(t, err)
	assert.Equal(t, VideoCall, persona)
	assert.Equal(t, int64(1724600000123), ms)

	persona, ms, err = ParseSessionID("bulk_99")
	require.NoError(t, err)
	assert.Equal(t, Bulk, persona)
	assert.Equal(t, int64(99), ms)

	_, _, err = ParseSessionID("no-timestamp")
	assert.Error(t, err)

	_, _, err = ParseSessionID("gamer_notanumber")
	assert.Error(t, err)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Gamer))
	assert.True(t, Valid(VideoCall))
	assert.False(t, Valid(Persona("attacker")))
}
