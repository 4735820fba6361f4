package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/bloatline/bloatline/internal/datapool"
	"github.com/bloatline/bloatline/internal/logging"
	"github.com/bloatline/bloatline/internal/metrics"
	"github.com/bloatline/bloatline/internal/profile"
)

// ErrCapacity is returned when the worker is at its session cap. Maps to
// close code 1013.
var ErrCapacity = errors.New("worker at session capacity")

const (
	defaultCapacity = 50
	readTimeout     = 1 * time.Second
	latencyInterval = 500 * time.Millisecond
	maxTickBytes    = datapool.MaxBulk

	// Personas at or above this download target take one contiguous pool
	// slice per tick instead of cycling 1 MiB warmup chunks.
	contiguousMbps = 1000

	multistreamCount = 4
)

// Engine owns the session table for one persona worker and runs the
// background scheduler over it. All table mutations happen on the scheduler
// goroutine or in Accept; read loops only flip per-session atomics.
type Engine struct {
	persona  profile.Persona
	capacity int
	pool     *datapool.Pool
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	prof     profile.UserProfile // current persona default
	sessions map[string]*Session
	lastMS   int64 // previous session id timestamp, for uniqueness

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds the engine for one persona. Start launches the scheduler.
func NewEngine(p profile.UserProfile, pool *datapool.Pool, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		persona:  p.Persona,
		capacity: defaultCapacity,
		pool:     pool,
		logger:   logger.With().Str("component", "session_engine").Str("persona", string(p.Persona)).Logger(),
		metrics:  m,
		prof:     p,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the scheduler loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer logging.RecoverPanic(e.logger, "scheduler")
		e.run()
	}()
}

// Shutdown stops the scheduler and closes every session.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	remaining := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		remaining = append(remaining, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	for _, s := range remaining {
		e.farewell(s, "shutdown")
		s.closeTransport()
	}
}

// Profile returns the current persona default.
func (e *Engine) Profile() profile.UserProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prof
}

// SessionCount reports live sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Accept admits a freshly upgraded WebSocket and registers its session.
// release is the admission slot release and runs exactly once on every exit
// path. multistream splits the shaping tick across 4 sub-streams.
func (e *Engine) Accept(conn Conn, multistream bool, release func()) (*Session, error) {
	e.mu.Lock()
	if len(e.sessions) >= e.capacity {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrCapacity, e.capacity)
	}

	now := time.Now()
	ms := now.UnixMilli()
	if ms <= e.lastMS {
		ms = e.lastMS + 1
	}
	e.lastMS = ms

	s := &Session{
		ID:          fmt.Sprintf("%s_%d", e.persona, ms),
		Persona:     e.persona,
		StartedAt:   now,
		TimeMS:      ms,
		conn:        conn,
		prof:        e.prof,
		burst:       profile.NewBurstState(now),
		latency:     NewLatencyTracker(),
		release:     release,
		multistream: multistream,
	}
	s.active.Store(true)
	s.Touch(now)
	e.sessions[s.ID] = s
	e.mu.Unlock()

	e.metrics.SessionsOpened.Inc()
	e.metrics.ActiveSessions.Inc()

	info := sessionInfoMsg{
		Type:             TypeSessionInfo,
		SessionID:        s.ID,
		Persona:          string(s.Persona),
		ProfileName:      s.prof.Name,
		DownloadMbps:     s.prof.DownloadMbps,
		UploadMbps:       s.prof.UploadMbps,
		UpdateIntervalMS: s.prof.UpdateInterval().Milliseconds(),
	}
	if err := s.writeText(marshal(info), writeTimeout); err != nil {
		e.remove(s.ID)
		s.closeTransport()
		e.metrics.ActiveSessions.Dec()
		return nil, fmt.Errorf("send session_info: %w", err)
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer logging.RecoverPanic(e.logger, "read_loop")
		e.readLoop(s)
	}()
	go func() {
		defer e.wg.Done()
		defer logging.RecoverPanic(e.logger, "latency_loop")
		e.latencyLoop(s)
	}()

	e.logger.Info().Str("session_id", s.ID).Msg("session accepted")
	return s, nil
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

func (e *Engine) snapshot() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// readLoop consumes peer frames until close. The bounded read deadline
// keeps a silent peer from pinning the goroutine; deadline expiry is not an
// error, it just re-arms the read.
func (e *Engine) readLoop(s *Session) {
	for {
		if e.ctx.Err() != nil || !s.Active() {
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			s.MarkInactive()
			return
		}
		data, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			// Peer close and transport teardown are normal terminations.
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				e.logger.Debug().Err(err).Str("session_id", s.ID).Msg("read loop ended")
			}
			s.MarkInactive()
			return
		}

		now := time.Now()
		switch op {
		case ws.OpBinary:
			s.recordReceived(int64(len(data)), now)
			e.metrics.BytesReceived.Add(float64(len(data)))
		case ws.OpText:
			e.dispatch(s, data, now)
		case ws.OpPing:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(now.Add(writeTimeout))
			_ = wsutil.WriteServerMessage(s.conn, ws.OpPong, data)
			s.writeMu.Unlock()
			s.Touch(now)
		case ws.OpClose:
			s.MarkInactive()
			return
		}
	}
}

// dispatch routes one JSON text frame. Malformed or unknown frames are
// ignored at debug level; persistent garbage expires via inactivity.
func (e *Engine) dispatch(s *Session, data []byte, now time.Time) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		e.logger.Debug().Str("session_id", s.ID).Msg("ignoring malformed text frame")
		return
	}

	switch env.Type {
	case TypePing:
		var msg pingMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		pong := pongMsg{
			Type:            TypePong,
			Sequence:        msg.Sequence,
			Timestamp:       msg.Timestamp,
			ServerTimestamp: now.UnixMilli(),
		}
		_ = s.writeText(marshal(pong), writeTimeout)
		s.Touch(now)

	case TypePong:
		var msg pongMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		rtt := float64(now.UnixMilli() - msg.Timestamp)
		if rtt >= 0 {
			s.latency.AddSample(rtt, msg.Sequence, now)
		}
		s.Touch(now)

	case TypeRealUploadData, TypeBulkUploadData:
		var msg uploadSizeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.recordReceived(msg.Size, now)
		e.metrics.BytesReceived.Add(float64(msg.Size))

	case TypeClientConfirmation:
		var msg clientConfirmationMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.clientReceived.Store(msg.ReceivedBytes)
		s.clientSent.Store(msg.SentBytes)
		s.Touch(now)

	case TypeStopTest:
		ack := stopTestAckMsg{Type: TypeStopTestAck, SessionID: s.ID}
		_ = s.writeText(marshal(ack), writeTimeout)
		s.MarkInactive()
		e.logger.Info().Str("session_id", s.ID).Msg("stop requested by peer")

	case TypeConnTestResponse:
		s.testFailures.Store(0)
		s.Touch(now)

	default:
		e.logger.Debug().Str("session_id", s.ID).Str("msg_type", env.Type).
			Msg("ignoring unknown message type")
	}
}

// latencyLoop sends an in-band ping every 500ms. Sequence numbers are for
// tracing only; loss is not inferred from gaps.
func (e *Engine) latencyLoop(s *Session) {
	ticker := time.NewTicker(latencyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if !s.Active() {
				return
			}
			msg := pingMsg{
				Type:      TypePing,
				Sequence:  s.latency.NextSequence(),
				Timestamp: time.Now().UnixMilli(),
			}
			if err := s.writeText(marshal(msg), writeTimeout); err != nil {
				s.MarkInactive()
				return
			}
		}
	}
}

// run is the cooperative scheduler: cleanup, validate, shape, emit, pace.
// Cleanup goes first so the expensive shaping phase never touches a doomed
// session.
func (e *Engine) run() {
	for {
		interval := e.Profile().UpdateInterval()
		start := time.Now()

		e.cleanupPass(start)
		live := e.validatePass(start)
		for _, s := range live {
			e.shapeTick(s, interval)
		}
		e.metrics.ShapingTicks.Inc()

		elapsed := time.Since(start)
		if elapsed > interval {
			e.metrics.TickOverruns.Inc()
			e.logger.Warn().Dur("elapsed", elapsed).Dur("interval", interval).
				Msg("scheduler tick overran interval")
			elapsed = interval // do not double-tick
		}
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(interval - elapsed):
		}
	}
}

// cleanupPass removes sessions with an expiry reason, closing their
// transports and releasing admission slots.
func (e *Engine) cleanupPass(now time.Time) {
	for _, s := range e.snapshot() {
		reason := s.expiryReason(now)
		if reason == "" {
			continue
		}
		e.remove(s.ID)
		e.farewell(s, reason)
		s.closeTransport()
		e.metrics.ActiveSessions.Dec()
		e.metrics.SessionsExpired.WithLabelValues(reason).Inc()
		e.logger.Info().Str("session_id", s.ID).Str("reason", reason).
			Int64("sent_bytes", s.ServerSentBytes()).
			Msg("session removed")
	}
}

// farewell sends session_complete on a best-effort basis before close.
func (e *Engine) farewell(s *Session, reason string) {
	msg := sessionCompleteMsg{
		Type:          TypeSessionComplete,
		SessionID:     s.ID,
		Reason:        reason,
		SentBytes:     s.ServerSentBytes(),
		ReceivedBytes: s.ServerReceivedBytes(),
		DurationSec:   time.Since(s.StartedAt).Seconds(),
	}
	_ = s.writeText(marshal(msg), connTestTimeout)
}

// validatePass sends one connection_test per live session with a 1s
// deadline. A delivered test resets the failure counter and stamps
// activity; timeouts and send errors accumulate toward expiry.
func (e *Engine) validatePass(now time.Time) []*Session {
	live := e.snapshot()
	msg := marshal(connectionTestMsg{Type: TypeConnectionTest, Timestamp: now.UnixMilli()})
	for _, s := range live {
		if !s.Active() {
			continue
		}
		if err := s.writeText(msg, connTestTimeout); err != nil {
			n := s.testFailures.Add(1)
			e.logger.Debug().Str("session_id", s.ID).Int32("failures", n).
				Msg("connection test send failed")
			continue
		}
		s.testFailures.Store(0)
		s.Touch(now)
	}
	return live
}

// shapeTick produces one interval's worth of download bytes for the session
// and emits the upload request and metrics frames.
func (e *Engine) shapeTick(s *Session, interval time.Duration) {
	if !s.Active() {
		return
	}
	now := time.Now()
	s.consumePendingRate()

	effective := s.burst.EffectiveRate(s.prof.Pattern, s.prof.DownloadMbps, now)
	target := int64(effective * 1e6 / 8 * interval.Seconds())
	if target > maxTickBytes {
		target = maxTickBytes
	}

	if target > 0 {
		var sent int64
		var err error
		if s.multistream {
			sent, err = e.sendMultistream(s, target)
		} else if s.prof.DownloadMbps >= contiguousMbps {
			sent, err = e.sendContiguous(s, target)
		} else {
			sent, err = e.sendChunked(s, target)
		}
		s.recordSent(sent, now)
		e.metrics.BytesSent.Add(float64(sent))
		if err != nil {
			// Disconnects and send timeouts both end the session; the next
			// cleanup pass reaps it. Partial progress is already counted.
			s.MarkInactive()
			return
		}
	}

	if upTarget := int64(s.prof.UploadMbps * 1e6 / 8 * interval.Seconds()); upTarget > 0 {
		req := uploadRequestMsg{
			Type:        TypeUploadRequest,
			TargetBytes: upTarget,
			ChunkBytes:  datapool.ChunkSize,
			IntervalMS:  interval.Milliseconds(),
		}
		if err := s.writeText(marshal(req), writeTimeout); err != nil {
			s.MarkInactive()
			return
		}
	}

	if err := s.writeText(marshal(s.update(time.Now())), writeTimeout); err != nil {
		s.MarkInactive()
	}
}

// sendContiguous ships the whole tick target as one pool slice. Used by the
// bulk persona where per-chunk framing overhead matters.
func (e *Engine) sendContiguous(s *Session, target int64) (int64, error) {
	buf := e.pool.Bulk(int(target))
	if err := s.writeBinary(buf, writeTimeout); err != nil {
		return 0, err
	}
	return int64(len(buf)), nil
}

// sendChunked cycles 1 MiB warmup-pool chunks up to the target, re-checking
// the active flag every 20 chunks.
func (e *Engine) sendChunked(s *Session, target int64) (int64, error) {
	var sent int64
	for i := 0; sent < target; i++ {
		if i%stopCheckChunks == 0 && i > 0 && !s.Active() {
			return sent, nil
		}
		chunk := e.pool.WarmupChunk(i)
		if remaining := target - sent; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		if err := s.writeBinary(chunk, writeTimeout); err != nil {
			return sent, err
		}
		sent += int64(len(chunk))
	}
	return sent, nil
}

// sendMultistream splits the target across 4 logical sub-streams, each
// announced by a JSON header frame so the peer can demultiplex. Stream 0
// takes the remainder.
func (e *Engine) sendMultistream(s *Session, target int64) (int64, error) {
	share := target / multistreamCount
	remainder := target % multistreamCount

	var sent int64
	for stream := 0; stream < multistreamCount; stream++ {
		size := share
		if stream == 0 {
			size += remainder
		}
		if size == 0 {
			continue
		}
		header := multistreamHeaderMsg{
			Type:       TypeMultistreamData,
			StreamID:   stream,
			ChunkBytes: size,
			Sequence:   s.ServerSentBytes() + sent,
		}
		if err := s.writeText(marshal(header), writeTimeout); err != nil {
			return sent, err
		}
		buf := e.pool.Bulk(int(size))
		if err := s.writeBinary(buf, writeTimeout); err != nil {
			return sent, err
		}
		sent += int64(len(buf))
	}
	return sent, nil
}

// StopMatching flips active=false on every session whose id timestamp
// matches testID (floor of the ms suffix over 1000). The literal "all"
// matches everything. Returns the number of sessions stopped.
func (e *Engine) StopMatching(testID string) int {
	stopped := 0
	for _, s := range e.snapshot() {
		if testID != "all" {
			_, ms, err := profile.ParseSessionID(s.ID)
			if err != nil || fmt.Sprintf("%d", ms/1000) != testID {
				continue
			}
		}
		if s.Active() {
			s.MarkInactive()
			stopped++
		}
	}
	if stopped > 0 {
		e.logger.Info().Str("test_id", testID).Int("stopped", stopped).
			Msg("stopped matching sessions")
	}
	return stopped
}

// UpdateProfile clamps and applies a new download rate to the persona
// default and to every live session. Live sessions pick the change up at
// their next tick boundary. Returns the applied rate.
func (e *Engine) UpdateProfile(downloadMbps float64) float64 {
	if downloadMbps > 1000 {
		downloadMbps = 1000
	}
	if downloadMbps < 0 {
		downloadMbps = 0
	}

	e.mu.Lock()
	e.prof.DownloadMbps = downloadMbps
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.SetPendingRate(downloadMbps)
	}
	e.logger.Info().Float64("download_mbps", downloadMbps).Int("sessions", len(sessions)).
		Msg("profile updated")
	return downloadMbps
}

// Stats reports engine state for the worker /stats surface.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	prof := e.prof
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	return map[string]any{
		"persona":         string(e.persona),
		"download_mbps":   prof.DownloadMbps,
		"upload_mbps":     prof.UploadMbps,
		"active_sessions": len(ids),
		"capacity":        e.capacity,
		"session_ids":     ids,
	}
}
