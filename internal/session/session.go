// Package session owns the per-WebSocket traffic sessions and the worker's
// background scheduler that shapes them.
package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/bloatline/bloatline/internal/profile"
)

// Conn is the subset of net.Conn the session engine needs. net.Pipe ends
// satisfy it for tests.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

const (
	inactivityTimeout = 30 * time.Second
	maxTestFailures   = 3

	writeTimeout    = 5 * time.Second
	connTestTimeout = 1 * time.Second

	// Re-check the active flag every this many chunks so stop_test is
	// observed promptly mid-tick.
	stopCheckChunks = 20
)

// rateWindow accumulates bytes over a 2s window to report current (not
// cumulative) throughput. Bytes and window start reset together.
type rateWindow struct {
	mu    sync.Mutex
	bytes int64
	start time.Time
}

const windowSpan = 2 * time.Second

func (w *rateWindow) add(n int64, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() || now.Sub(w.start) >= windowSpan {
		w.bytes = 0
		w.start = now
	}
	w.bytes += n
}

// currentMbps reports the windowed rate. A window younger than 100ms reports
// against 100ms to avoid a divide-by-near-zero spike.
func (w *rateWindow) currentMbps(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start.IsZero() {
		return 0
	}
	elapsed := now.Sub(w.start)
	if elapsed >= windowSpan {
		return 0
	}
	if elapsed < 100*time.Millisecond {
		elapsed = 100 * time.Millisecond
	}
	return float64(w.bytes) * 8 / 1e6 / elapsed.Seconds()
}

// Session is one WebSocket traffic session. The engine's scheduler is the
// sole shaper; the read loop and latency pinger are the only other writers,
// serialized through the write mutex.
type Session struct {
	ID        string
	Persona   profile.Persona
	StartedAt time.Time
	TimeMS    int64 // ms component of the session id

	conn    Conn
	writeMu sync.Mutex

	prof    profile.UserProfile // local copy; pendingRate applies at tick
	burst   *profile.BurstState
	latency *LatencyTracker

	serverSent     atomic.Int64
	serverReceived atomic.Int64
	clientReceived atomic.Int64
	clientSent     atomic.Int64

	downWindow rateWindow
	upWindow   rateWindow

	lastActivity atomic.Int64 // unix nano
	active       atomic.Bool
	testFailures atomic.Int32

	pendingMu   sync.Mutex
	pendingRate *float64

	multistream bool
	release     func() // rate-limit slot release; runs exactly once
	releaseOnce sync.Once
}

// Active reports whether the session is still eligible for shaping.
func (s *Session) Active() bool { return s.active.Load() }

// MarkInactive drops the session out of shaping. The scheduler's next
// cleanup pass closes and unregisters it.
func (s *Session) MarkInactive() { s.active.Store(false) }

// Touch stamps last activity.
func (s *Session) Touch(now time.Time) { s.lastActivity.Store(now.UnixNano()) }

// ServerSentBytes returns the monotonic sent counter.
func (s *Session) ServerSentBytes() int64 { return s.serverSent.Load() }

// ServerReceivedBytes returns the monotonic received counter.
func (s *Session) ServerReceivedBytes() int64 { return s.serverReceived.Load() }

// CycleCount returns the burst cycle counter.
func (s *Session) CycleCount() int { return s.burst.CycleCount }

// recordSent adds to the sent counter and download window. Partial progress
// on failed ticks is still recorded.
func (s *Session) recordSent(n int64, now time.Time) {
	if n <= 0 {
		return
	}
	s.serverSent.Add(n)
	s.downWindow.add(n, now)
}

func (s *Session) recordReceived(n int64, now time.Time) {
	if n <= 0 {
		return
	}
	s.serverReceived.Add(n)
	s.upWindow.add(n, now)
	s.Touch(now)
}

// SetPendingRate queues a download-rate change, consumed at the next tick
// boundary so updates never race the shaper.
func (s *Session) SetPendingRate(mbps float64) {
	s.pendingMu.Lock()
	s.pendingRate = &mbps
	s.pendingMu.Unlock()
}

func (s *Session) consumePendingRate() {
	s.pendingMu.Lock()
	if s.pendingRate != nil {
		s.prof.DownloadMbps = *s.pendingRate
		s.pendingRate = nil
	}
	s.pendingMu.Unlock()
}

// expiryReason returns the cleanup reason, or "" if the session is live.
func (s *Session) expiryReason(now time.Time) string {
	if !s.active.Load() {
		return "stopped"
	}
	if now.Sub(time.Unix(0, s.lastActivity.Load())) > inactivityTimeout {
		return "inactive"
	}
	if now.Sub(s.StartedAt) > s.prof.MaxSessionDuration() {
		return "expired"
	}
	if s.testFailures.Load() >= maxTestFailures {
		return "unresponsive"
	}
	return ""
}

// writeText sends a server text frame under the write mutex.
func (s *Session) writeText(payload []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(s.conn, ws.OpText, payload)
}

// writeBinary sends a server binary frame under the write mutex.
func (s *Session) writeBinary(payload []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(s.conn, ws.OpBinary, payload)
}

// closeTransport closes the socket and releases the admission slot. Safe to
// call from any exit path; the slot releases exactly once.
func (s *Session) closeTransport() {
	s.active.Store(false)
	_ = s.conn.Close()
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// update builds the real_time_update frame for this tick.
func (s *Session) update(now time.Time) RealTimeUpdate {
	elapsed := now.Sub(s.StartedAt).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	return RealTimeUpdate{
		Type:                TypeRealTimeUpdate,
		SessionID:           s.ID,
		Persona:             string(s.Persona),
		ActualDownloadMbps:  s.downWindow.currentMbps(now),
		ActualUploadMbps:    s.upWindow.currentMbps(now),
		AvgDownloadMbps:     float64(s.serverSent.Load()) * 8 / 1e6 / elapsed,
		AvgUploadMbps:       float64(s.serverReceived.Load()) * 8 / 1e6 / elapsed,
		ServerSentBytes:     s.serverSent.Load(),
		ServerReceivedBytes: s.serverReceived.Load(),
		ClientReceivedBytes: s.clientReceived.Load(),
		ClientSentBytes:     s.clientSent.Load(),
		Phase:               string(s.burst.Phase),
		CycleCount:          s.burst.CycleCount,
		Latency:             s.latency.Stats(now),
		ElapsedSec:          elapsed,
	}
}
