// Package profile defines the synthetic user personas and their traffic
// shapes. Profiles are immutable after startup adjustment; per-session burst
// state lives in BurstState.
package profile

import (
	"fmt"
	"time"
)

// Persona identifies one synthetic household user.
type Persona string

const (
	Streamer  Persona = "streamer"
	Gamer     Persona = "gamer"
	VideoCall Persona = "video-call"
	Bulk      Persona = "bulk"
)

// Personas lists every persona in canonical port order.
var Personas = []Persona{Streamer, Gamer, VideoCall, Bulk}

// Canonical worker port assignment. Clients discover these through the
// router lookup endpoint, never by hard-coding.
var Ports = map[Persona]int{
	Streamer:  8001,
	Gamer:     8002,
	VideoCall: 8003,
	Bulk:      8004,
}

// Valid reports whether p names a known persona.
func Valid(p Persona) bool {
	_, ok := Ports[p]
	return ok
}

// PatternKind tags the burst pattern variant.
type PatternKind string

const (
	Constant PatternKind = "constant"
	TwoPhase PatternKind = "two_phase"
)

// BurstPattern describes how a persona's download rate varies over time.
// Constant patterns emit at the profile rate continuously; TwoPhase patterns
// alternate between an active and an idle rate on wall-clock phase timers.
type BurstPattern struct {
	Kind PatternKind

	ActiveRateMbps float64
	ActiveDuration time.Duration
	IdleRateMbps   float64
	IdleDuration   time.Duration
}

// UserProfile is the immutable description of one persona's traffic target.
type UserProfile struct {
	Persona      Persona
	Name         string
	DownloadMbps float64
	UploadMbps   float64
	Pattern      BurstPattern
}

// UpdateInterval returns the shaping tick for this profile. High-rate
// personas tick at 100ms to keep per-tick byte targets bounded.
func (p UserProfile) UpdateInterval() time.Duration {
	if p.DownloadMbps >= 25 {
		return 100 * time.Millisecond
	}
	return 250 * time.Millisecond
}

// MaxSessionDuration is the hard session cap, just larger than the client's
// 30s test window so a runaway session cannot outlive the test.
func (p UserProfile) MaxSessionDuration() time.Duration {
	if p.DownloadMbps >= 100 {
		return 45 * time.Second
	}
	return 60 * time.Second
}

// Default profiles keyed by persona. The streamer models a fill-buffer-then-
// idle video player: 25 Mb/s for 1s, then silent for 4s.
func Defaults() map[Persona]UserProfile {
	return map[Persona]UserProfile{
		Gamer: {
			Persona:      Gamer,
			Name:         "Competitive Gamer",
			DownloadMbps: 1.5,
			UploadMbps:   0.75,
			Pattern:      BurstPattern{Kind: Constant},
		},
		VideoCall: {
			Persona:      VideoCall,
			Name:         "Video Call",
			DownloadMbps: 2.5,
			UploadMbps:   2.5,
			Pattern:      BurstPattern{Kind: Constant},
		},
		Streamer: {
			Persona:      Streamer,
			Name:         "Video Streamer",
			DownloadMbps: 25,
			UploadMbps:   0.1,
			Pattern: BurstPattern{
				Kind:           TwoPhase,
				ActiveRateMbps: 25,
				ActiveDuration: 1 * time.Second,
				IdleRateMbps:   0,
				IdleDuration:   4 * time.Second,
			},
		},
		Bulk: {
			Persona:      Bulk,
			Name:         "Bulk Download",
			DownloadMbps: 1000,
			UploadMbps:   0.1,
			Pattern:      BurstPattern{Kind: Constant},
		},
	}
}

// Phase names the current side of a TwoPhase pattern.
type Phase string

const (
	PhaseActive Phase = "active"
	PhaseIdle   Phase = "idle"
)

// BurstState is the mutable per-session phase machine. Transitions are
// computed on each shaping tick from wall-clock elapsed in the phase.
type BurstState struct {
	Phase      Phase
	PhaseStart time.Time
	CycleCount int
}

// NewBurstState starts a session in the active phase.
func NewBurstState(now time.Time) *BurstState {
	return &BurstState{Phase: PhaseActive, PhaseStart: now}
}

// EffectiveRate returns the download rate the session should shape to right
// now, flipping phase if the current one has elapsed. Constant patterns
// always return base.
func (s *BurstState) EffectiveRate(p BurstPattern, base float64, now time.Time) float64 {
	if p.Kind != TwoPhase {
		return base
	}

	elapsed := now.Sub(s.PhaseStart)
	switch s.Phase {
	case PhaseActive:
		if elapsed >= p.ActiveDuration {
			s.Phase = PhaseIdle
			s.PhaseStart = now
			return p.IdleRateMbps
		}
		return p.ActiveRateMbps
	default:
		if elapsed >= p.IdleDuration {
			s.Phase = PhaseActive
			s.PhaseStart = now
			s.CycleCount++
			return p.ActiveRateMbps
		}
		return p.IdleRateMbps
	}
}

// ParseSessionID splits a session id of the form "<persona>_<unix-ms>".
// The persona part may itself contain underscores-free hyphens; the split is
// on the last underscore.
func ParseSessionID(id string) (Persona, int64, error) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '_' {
			var ms int64
			if _, err := fmt.Sscanf(id[i+1:], "%d", &ms); err != nil {
				return "", 0, fmt.Errorf("parse session id %q: %w", id, err)
			}
			return Persona(id[:i]), ms, nil
		}
	}
	return "", 0, fmt.Errorf("parse session id %q: no timestamp suffix", id)
}
