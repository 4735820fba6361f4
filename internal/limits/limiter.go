// Package limits implements the NAT-aware admission layer. Limits are
// per-client-IP and deliberately generous because many customers can share
// one address behind CGNAT.
package limits

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrLimited is wrapped by every admission refusal so handlers can map it
// to 429 / close 1008.
var ErrLimited = errors.New("rate limited")

// Config holds limiter policy. Zero values take the stated defaults.
type Config struct {
	MaxDownloads     int           // concurrent download streams per IP (default 3)
	MaxUploads       int           // concurrent upload streams per IP (default 100)
	MaxSessions      int           // concurrent WebSocket household sessions per IP (default 4)
	DownloadsPerHour int           // download tests per rolling hour per IP (default 16)
	BandwidthGBPerHr float64       // download GiB per rolling hour per IP (default 45)
	PingsPerMinute   float64       // ping requests per minute per IP (default 180)
	CleanupInterval  time.Duration // idle tracker GC period (default 5m)

	// TrustedAgentPrefix bypasses all limits for requests whose User-Agent
	// starts with it. Empty disables the bypass; it is never inferred.
	TrustedAgentPrefix string

	Logger     zerolog.Logger
	Registerer prometheus.Registerer
}

type downloadRecord struct {
	at    time.Time
	bytes int64
}

// tracker accumulates per-IP state. All fields are guarded by Limiter.mu.
type tracker struct {
	activeDownloads int
	activeUploads   int
	activeSessions  int
	records         []downloadRecord // rolling-hour download tests
	pings           *rate.Limiter
	lastAccess      time.Time
}

// Limiter is the per-IP admission gate. One instance per process; all
// acquire/release pairs go through it.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	trackers map[string]*tracker
	lastGC   time.Time

	rejections *prometheus.CounterVec
	trackedIPs prometheus.GaugeFunc

	logger      zerolog.Logger
	cleanupTick *time.Ticker
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New constructs a limiter and starts its tracker GC loop.
func New(cfg Config) *Limiter {
	if cfg.MaxDownloads == 0 {
		cfg.MaxDownloads = 3
	}
	if cfg.MaxUploads == 0 {
		cfg.MaxUploads = 100
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 4
	}
	if cfg.DownloadsPerHour == 0 {
		cfg.DownloadsPerHour = 16
	}
	if cfg.BandwidthGBPerHr == 0 {
		cfg.BandwidthGBPerHr = 45
	}
	if cfg.PingsPerMinute == 0 {
		cfg.PingsPerMinute = 180
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	l := &Limiter{
		cfg:         cfg,
		trackers:    make(map[string]*tracker),
		lastGC:      time.Now(),
		logger:      cfg.Logger.With().Str("component", "rate_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}

	l.rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bloatline_admission_rejections_total",
		Help: "Admission refusals by resource dimension.",
	}, []string{"dimension"})
	l.trackedIPs = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bloatline_tracked_ips",
		Help: "IP trackers currently held by the rate limiter.",
	}, func() float64 {
		l.mu.Lock()
		defer l.mu.Unlock()
		return float64(len(l.trackers))
	})
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(l.rejections, l.trackedIPs)
	}

	l.cleanupTick = time.NewTicker(cfg.CleanupInterval)
	go l.cleanupLoop()
	return l
}

// ClientIP extracts the client address: X-Forwarded-For first hop, then
// X-Real-IP, then the peer address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Trusted reports whether the request carries the central-fleet User-Agent
// and may bypass limits. Requires an explicit non-empty prefix in config.
func (l *Limiter) Trusted(r *http.Request) bool {
	return l.cfg.TrustedAgentPrefix != "" &&
		strings.HasPrefix(r.Header.Get("User-Agent"), l.cfg.TrustedAgentPrefix)
}

func (l *Limiter) get(ip string) *tracker {
	t, ok := l.trackers[ip]
	if !ok {
		t = &tracker{
			pings: rate.NewLimiter(rate.Limit(l.cfg.PingsPerMinute/60.0), 10),
		}
		l.trackers[ip] = t
	}
	t.lastAccess = time.Now()
	return t
}

// trimRecords drops download records older than one hour.
func (t *tracker) trimRecords(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for ; i < len(t.records); i++ {
		if t.records[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		t.records = append(t.records[:0], t.records[i:]...)
	}
}

// AcquireDownload admits one download stream for ip, enforcing the
// concurrency cap and both rolling-hour quotas. Every nil return must be
// paired with exactly one ReleaseDownload on all exit paths.
func (l *Limiter) AcquireDownload(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.get(ip)
	now := time.Now()
	t.trimRecords(now)

	if t.activeDownloads >= l.cfg.MaxDownloads {
		l.rejections.WithLabelValues("download_concurrent").Inc()
		l.logger.Warn().Str("ip", ip).Int("active", t.activeDownloads).
			Msg("download concurrency limit exceeded")
		return fmt.Errorf("%w: %d concurrent downloads from your IP (max %d); multiple customers may share this address, wait for current tests to finish",
			ErrLimited, t.activeDownloads, l.cfg.MaxDownloads)
	}
	if len(t.records) >= l.cfg.DownloadsPerHour {
		l.rejections.WithLabelValues("download_tests_hour").Inc()
		l.logger.Warn().Str("ip", ip).Int("tests_last_hour", len(t.records)).
			Msg("hourly download test quota exceeded")
		return fmt.Errorf("%w: %d download tests from your IP in the last hour (max %d)",
			ErrLimited, len(t.records), l.cfg.DownloadsPerHour)
	}
	var hourBytes int64
	for _, rec := range t.records {
		hourBytes += rec.bytes
	}
	maxBytes := int64(l.cfg.BandwidthGBPerHr * float64(1<<30))
	if hourBytes >= maxBytes {
		l.rejections.WithLabelValues("download_bandwidth_hour").Inc()
		l.logger.Warn().Str("ip", ip).Int64("bytes_last_hour", hourBytes).
			Msg("hourly bandwidth quota exceeded")
		return fmt.Errorf("%w: hourly bandwidth quota reached for your IP (%.0f GiB)",
			ErrLimited, l.cfg.BandwidthGBPerHr)
	}

	t.activeDownloads++
	t.records = append(t.records, downloadRecord{at: now})
	return nil
}

// ReleaseDownload ends a download stream, recording the bytes it moved into
// the rolling bandwidth window.
func (l *Limiter) ReleaseDownload(ip string, bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.trackers[ip]
	if !ok {
		return
	}
	if t.activeDownloads > 0 {
		t.activeDownloads--
	}
	if n := len(t.records); n > 0 {
		t.records[n-1].bytes += bytes
	}
	l.maybeGC()
}

// AcquireUpload admits one upload stream for ip.
func (l *Limiter) AcquireUpload(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.get(ip)
	if t.activeUploads >= l.cfg.MaxUploads {
		l.rejections.WithLabelValues("upload_concurrent").Inc()
		l.logger.Warn().Str("ip", ip).Int("active", t.activeUploads).
			Msg("upload concurrency limit exceeded")
		return fmt.Errorf("%w: %d concurrent uploads from your IP (max %d)",
			ErrLimited, t.activeUploads, l.cfg.MaxUploads)
	}
	t.activeUploads++
	return nil
}

// ReleaseUpload ends an upload stream.
func (l *Limiter) ReleaseUpload(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.trackers[ip]; ok && t.activeUploads > 0 {
		t.activeUploads--
	}
	l.maybeGC()
}

// AcquireSession admits one WebSocket household session for ip. Refusals
// map to close code 1008.
func (l *Limiter) AcquireSession(ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.get(ip)
	if t.activeSessions >= l.cfg.MaxSessions {
		l.rejections.WithLabelValues("websocket_sessions").Inc()
		l.logger.Warn().Str("ip", ip).Int("active", t.activeSessions).
			Msg("websocket session limit exceeded")
		return fmt.Errorf("%w: %d household sessions from your IP (max %d); close unused connections",
			ErrLimited, t.activeSessions, l.cfg.MaxSessions)
	}
	t.activeSessions++
	return nil
}

// ReleaseSession ends a WebSocket household session.
func (l *Limiter) ReleaseSession(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.trackers[ip]; ok && t.activeSessions > 0 {
		t.activeSessions--
	}
	l.maybeGC()
}

// AllowPing admits one ping probe for ip under the per-minute token bucket.
func (l *Limiter) AllowPing(ip string) error {
	l.mu.Lock()
	t := l.get(ip)
	l.mu.Unlock()

	if !t.pings.Allow() {
		l.rejections.WithLabelValues("ping").Inc()
		return fmt.Errorf("%w: too many ping requests from your IP (%.0f/min); reduce request frequency",
			ErrLimited, l.cfg.PingsPerMinute)
	}
	return nil
}

// maybeGC drops idle trackers at most once per CleanupInterval. Caller
// holds l.mu.
func (l *Limiter) maybeGC() {
	now := time.Now()
	if now.Sub(l.lastGC) < l.cfg.CleanupInterval {
		return
	}
	l.lastGC = now

	removed := 0
	for ip, t := range l.trackers {
		t.trimRecords(now)
		idle := t.activeDownloads == 0 && t.activeUploads == 0 &&
			t.activeSessions == 0 && len(t.records) == 0
		if idle {
			delete(l.trackers, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Info().Int("removed", removed).Int("remaining", len(l.trackers)).
			Msg("dropped inactive IP trackers")
	}
}

func (l *Limiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTick.C:
			l.mu.Lock()
			// Force the periodic pass even if releases already ran GC.
			l.lastGC = time.Time{}
			l.maybeGC()
			l.mu.Unlock()
		case <-l.stopCleanup:
			l.cleanupTick.Stop()
			return
		}
	}
}

// Stop halts the GC loop. Call once during shutdown.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// Status snapshots limiter state for /api/rate-limit-status.
func (l *Limiter) Status() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	var downloads, uploads, sessions int
	for _, t := range l.trackers {
		downloads += t.activeDownloads
		uploads += t.activeUploads
		sessions += t.activeSessions
	}
	return map[string]any{
		"tracked_ips":        len(l.trackers),
		"active_downloads":   downloads,
		"active_uploads":     uploads,
		"active_websockets":  sessions,
		"limits": map[string]any{
			"max_downloads_per_ip":      l.cfg.MaxDownloads,
			"max_uploads_per_ip":        l.cfg.MaxUploads,
			"max_websockets_per_ip":     l.cfg.MaxSessions,
			"max_downloads_per_hour":    l.cfg.DownloadsPerHour,
			"max_bandwidth_gb_per_hour": l.cfg.BandwidthGBPerHr,
			"max_pings_per_minute":      l.cfg.PingsPerMinute,
		},
	}
}
