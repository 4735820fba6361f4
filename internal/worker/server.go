// Package worker implements the persona worker: a standalone HTTP and
// WebSocket server bound to one dedicated port, serving exactly one
// persona's traffic sessions plus the shared load endpoints.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bloatline/bloatline/internal/datapool"
	"github.com/bloatline/bloatline/internal/httpapi"
	"github.com/bloatline/bloatline/internal/limits"
	"github.com/bloatline/bloatline/internal/metrics"
	"github.com/bloatline/bloatline/internal/profile"
	"github.com/bloatline/bloatline/internal/session"
)

// WebSocket close codes used on the household endpoint.
const (
	CloseUnsupported = 1003 // unknown persona
	CloseRateLimited = 1008
	CloseInternal    = 1011
	CloseCapacity    = 1013
	CloseRedirect    = 1014 // reason carries the target port
)

// Config assembles a worker.
type Config struct {
	Persona profile.Persona
	Port    int

	Pool    *datapool.Pool
	Limits  *limits.Limiter
	Metrics *metrics.Metrics
	SysMon  *metrics.SystemMonitor
	Upload  httpapi.UploadPolicy
	Logger  zerolog.Logger

	// AdmissionHook is the seam for a future auth layer. nil allows all.
	AdmissionHook func(*http.Request) error
}

// Server is one persona worker.
type Server struct {
	cfg    Config
	engine *session.Engine
	logger zerolog.Logger

	httpServer *http.Server
	draining   atomic.Bool
}

// New builds the worker and its session engine.
func New(cfg Config) (*Server, error) {
	prof, ok := profile.Defaults()[cfg.Persona]
	if !ok {
		return nil, fmt.Errorf("unknown persona %q", cfg.Persona)
	}
	logger := cfg.Logger.With().
		Str("component", "worker").
		Str("persona", string(cfg.Persona)).
		Int("port", cfg.Port).
		Logger()

	s := &Server{
		cfg:    cfg,
		engine: session.NewEngine(prof, cfg.Pool, cfg.Metrics, cfg.Logger),
		logger: logger,
	}

	handlers := &httpapi.Handlers{
		Pool:   cfg.Pool,
		Limits: cfg.Limits,
		Upload: cfg.Upload,
		Logger: logger,
		Source: string(cfg.Persona),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/virtual-household/{persona}", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /update-profile", s.handleUpdateProfile)
	mux.HandleFunc("POST /stop-session", s.handleStopSession)
	mux.HandleFunc("GET /download", handlers.Download)
	mux.HandleFunc("POST /upload", handlers.UploadHandler)
	mux.HandleFunc("POST /netflix-chunk", handlers.NetflixChunk)
	mux.HandleFunc("GET /warmup/bulk-download", handlers.WarmupBulkDownload)
	mux.HandleFunc("GET /warmup/health", handlers.WarmupHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
		// No WriteTimeout: download streams are intentionally unbounded.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Start binds the worker port, launches the scheduler, and serves.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind worker port: %w", err)
	}
	s.engine.Start()
	s.logger.Info().Msg("worker started")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("worker http server failed")
		}
	}()
	return nil
}

// Shutdown flips health to draining, stops the engine (closing sessions),
// then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.engine.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the session engine for in-process embedding and tests.
func (s *Server) Engine() *session.Engine { return s.engine }

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// closeWith writes a close frame with code and reason, then closes.
func closeWith(conn net.Conn, code int, reason string) {
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = ws.WriteFrame(conn, frame)
	_ = conn.Close()
}

// handleWS upgrades the household WebSocket and admits a session. Refusals
// are delivered as close codes after the upgrade so browser clients can
// read them.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	persona := profile.Persona(r.PathValue("persona"))
	ip := limits.ClientIP(r)
	trusted := s.cfg.Limits.Trusted(r)
	multistream := r.URL.Query().Get("multistream") == "true"

	if s.cfg.AdmissionHook != nil {
		if err := s.cfg.AdmissionHook(r); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if persona != s.cfg.Persona {
		if port, ok := profile.Ports[persona]; ok {
			closeWith(conn, CloseRedirect, fmt.Sprintf("Redirect to port %d", port))
		} else {
			closeWith(conn, CloseUnsupported, fmt.Sprintf("unsupported persona %q", persona))
		}
		return
	}
	if s.draining.Load() {
		closeWith(conn, CloseCapacity, "worker shutting down")
		return
	}

	release := func() {}
	if !trusted {
		if err := s.cfg.Limits.AcquireSession(ip); err != nil {
			s.logger.Warn().Str("ip", ip).Msg("household session rate limited")
			closeWith(conn, CloseRateLimited, err.Error())
			return
		}
		release = func() { s.cfg.Limits.ReleaseSession(ip) }
	}

	if _, err := s.engine.Accept(conn, multistream, release); err != nil {
		release()
		if errors.Is(err, session.ErrCapacity) {
			closeWith(conn, CloseCapacity, err.Error())
		} else {
			closeWith(conn, CloseInternal, "session setup failed")
		}
		return
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.draining.Load() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          status,
		"persona":         string(s.cfg.Persona),
		"port":            s.cfg.Port,
		"active_sessions": s.engine.SessionCount(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"engine":     s.engine.Stats(),
		"data_pool":  s.cfg.Pool.Stats(),
		"rate_limit": s.cfg.Limits.Status(),
	}
	if s.cfg.SysMon != nil {
		stats["system"] = s.cfg.SysMon.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

type updateProfileRequest struct {
	UserType       string `json:"user_type"`
	ProfileUpdates struct {
		DownloadMbps *float64 `json:"download_mbps"`
	} `json:"profile_updates"`
}

// handleUpdateProfile applies a runtime rate adjustment to this persona and
// its live sessions. The new rate is clamped to 1 Gb/s; re-applying the
// same value is a no-op.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed profile update", http.StatusBadRequest)
		return
	}
	if req.UserType != "" && profile.Persona(req.UserType) != s.cfg.Persona {
		http.Error(w, fmt.Sprintf("worker serves %q, not %q", s.cfg.Persona, req.UserType), http.StatusBadRequest)
		return
	}
	if req.ProfileUpdates.DownloadMbps == nil {
		http.Error(w, "profile_updates.download_mbps required", http.StatusBadRequest)
		return
	}

	applied := s.engine.UpdateProfile(*req.ProfileUpdates.DownloadMbps)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "updated",
		"user_type":     string(s.cfg.Persona),
		"download_mbps": applied,
	})
}

type stopSessionRequest struct {
	TestID string `json:"test_id"`
}

// handleStopSession flips active=false on sessions matching the test id
// convention (floor of the session ms timestamp over 1000, or "all").
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	var req stopSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TestID == "" {
		http.Error(w, "test_id required", http.StatusBadRequest)
		return
	}
	stopped := s.engine.StopMatching(req.TestID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"persona": string(s.cfg.Persona),
		"stopped": stopped,
	})
}
