// Package router implements the main HTTP server: static client, top-level
// API, the persona lookup endpoint, and the stop/profile relays to the
// worker fleet.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bloatline/bloatline/internal/httpapi"
	"github.com/bloatline/bloatline/internal/limits"
	"github.com/bloatline/bloatline/internal/metrics"
	"github.com/bloatline/bloatline/internal/profile"
)

// Fleet is the supervisor view the router needs. Faked in tests.
type Fleet interface {
	Healthy(p profile.Persona) bool
	HealthyPersonas() []string
	Port(p profile.Persona) (int, bool)
	Status() map[string]any
}

// Config assembles the main server.
type Config struct {
	Port      int
	TLS       bool
	StaticDir string

	// Telemetry forwards client reports when enabled; otherwise /api/telemetry
	// acknowledges and discards.
	Telemetry bool

	Fleet    Fleet // nil when workers are disabled
	Limits   *limits.Limiter
	Handlers *httpapi.Handlers
	Metrics  *metrics.Metrics
	SysMon   *metrics.SystemMonitor
	Logger   zerolog.Logger

	// WorkerHost is where worker HTTP relays go. Defaults to 127.0.0.1.
	WorkerHost string
}

// Server is the main front.
type Server struct {
	cfg        Config
	httpServer *http.Server
	client     *http.Client
	logger     zerolog.Logger
}

// New wires the route table. API routes are registered before the static
// mount so they always take precedence over same-named files.
func New(cfg Config) *Server {
	if cfg.WorkerHost == "" {
		cfg.WorkerHost = "127.0.0.1"
	}
	s := &Server{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: cfg.Logger.With().Str("component", "router").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/virtual-household/{persona}", s.handleLookup)
	mux.HandleFunc("POST /virtual-household/stop-user-sessions/{test_id}", s.handleStopSessions)
	mux.HandleFunc("GET /virtual-household/profiles", s.handleProfiles)
	mux.HandleFunc("POST /virtual-household/update-computer-profile", s.handleUpdateComputerProfile)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/rate-limit-status", s.handleRateLimitStatus)
	mux.HandleFunc("GET /api/sponsor", s.handleSponsor)
	mux.HandleFunc("POST /api/telemetry", s.handleTelemetry)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /download", cfg.Handlers.Download)
	mux.HandleFunc("POST /upload", cfg.Handlers.UploadHandler)
	mux.HandleFunc("POST /netflix-chunk", cfg.Handlers.NetflixChunk)
	mux.HandleFunc("GET /warmup/bulk-download", cfg.Handlers.WarmupBulkDownload)
	mux.HandleFunc("GET /warmup/health", cfg.Handlers.WarmupHealth)

	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
		// Download streams are unbounded; only bound header reads.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves, terminating TLS when certificates are configured.
func (s *Server) Start(certFile, keyFile string) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind main port: %w", err)
	}
	s.logger.Info().Int("port", s.cfg.Port).Bool("tls", s.cfg.TLS).Msg("main server started")
	go func() {
		var serveErr error
		if s.cfg.TLS {
			serveErr = s.httpServer.ServeTLS(ln, certFile, keyFile)
		} else {
			serveErr = s.httpServer.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error().Err(serveErr).Msg("main server failed")
		}
	}()
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleLookup tells the browser which worker port to open its WebSocket
// to. The host comes from the request Host header and the scheme mirrors
// the main server's TLS posture.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	persona := profile.Persona(r.PathValue("persona"))
	if !profile.Valid(persona) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": fmt.Sprintf("unknown persona %q", persona),
		})
		return
	}
	if s.cfg.Fleet == nil || !s.cfg.Fleet.Healthy(persona) {
		healthy := []string{}
		if s.cfg.Fleet != nil {
			healthy = s.cfg.Fleet.HealthyPersonas()
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":            fmt.Sprintf("worker for %q is not available", persona),
			"healthy_personas": healthy,
		})
		return
	}

	port, _ := s.cfg.Fleet.Port(persona)
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	scheme := "ws"
	if s.cfg.TLS {
		scheme = "wss"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"redirect":      true,
		"websocket_url": fmt.Sprintf("%s://%s:%d/ws/virtual-household/%s", scheme, host, port, persona),
		"port":          port,
		"host":          host,
		"user_type":     string(persona),
	})
}

// handleStopSessions relays the stop request to every worker and sums the
// per-worker counts. test_id "all" matches every session.
func (s *Server) handleStopSessions(w http.ResponseWriter, r *http.Request) {
	testID := r.PathValue("test_id")
	if s.cfg.Fleet == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "workers disabled"})
		return
	}

	body, _ := json.Marshal(map[string]string{"test_id": testID})
	total := 0
	perWorker := map[string]int{}
	for _, persona := range profile.Personas {
		port, ok := s.cfg.Fleet.Port(persona)
		if !ok {
			continue
		}
		url := fmt.Sprintf("http://%s:%d/stop-session", s.cfg.WorkerHost, port)
		resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			s.logger.Warn().Err(err).Str("persona", string(persona)).Msg("stop relay failed")
			continue
		}
		var result struct {
			Stopped int `json:"stopped"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		perWorker[string(persona)] = result.Stopped
		total += result.Stopped
	}

	s.logger.Info().Str("test_id", testID).Int("stopped", total).Msg("stop request relayed")
	writeJSON(w, http.StatusOK, map[string]any{
		"test_id":    testID,
		"stopped":    total,
		"per_worker": perWorker,
	})
}

// handleProfiles serves the persona catalog.
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	defaults := profile.Defaults()
	out := make(map[string]any, len(defaults))
	for persona, p := range defaults {
		entry := map[string]any{
			"name":          p.Name,
			"download_mbps": p.DownloadMbps,
			"upload_mbps":   p.UploadMbps,
			"pattern":       string(p.Pattern.Kind),
			"port":          profile.Ports[persona],
		}
		if p.Pattern.Kind == profile.TwoPhase {
			entry["active_rate_mbps"] = p.Pattern.ActiveRateMbps
			entry["active_duration_ms"] = p.Pattern.ActiveDuration.Milliseconds()
			entry["idle_rate_mbps"] = p.Pattern.IdleRateMbps
			entry["idle_duration_ms"] = p.Pattern.IdleDuration.Milliseconds()
		}
		out[string(persona)] = entry
	}
	writeJSON(w, http.StatusOK, out)
}

type computerProfileRequest struct {
	DownloadMbps float64 `json:"download_mbps"`
}

// handleUpdateComputerProfile relays a measured capacity to the bulk worker
// so its target tracks the household's real downlink. Clamped to 1 Gb/s.
func (s *Server) handleUpdateComputerProfile(w http.ResponseWriter, r *http.Request) {
	var req computerProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DownloadMbps <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "download_mbps must be positive"})
		return
	}
	if req.DownloadMbps > 1000 {
		req.DownloadMbps = 1000
	}
	if s.cfg.Fleet == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "workers disabled"})
		return
	}
	port, ok := s.cfg.Fleet.Port(profile.Bulk)
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "bulk worker not configured"})
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"user_type": string(profile.Bulk),
		"profile_updates": map[string]any{
			"download_mbps": req.DownloadMbps,
		},
	})
	url := fmt.Sprintf("http://%s:%d/update-profile", s.cfg.WorkerHost, port)
	resp, err := s.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		s.logger.Error().Err(err).Msg("profile relay failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "bulk worker unreachable"})
		return
	}
	defer resp.Body.Close()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "relayed",
		"download_mbps": req.DownloadMbps,
		"worker_status": resp.StatusCode,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status": "healthy",
	}
	if s.cfg.Fleet != nil {
		out["workers"] = s.cfg.Fleet.Status()
	}
	if s.cfg.SysMon != nil {
		out["system"] = s.cfg.SysMon.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Limits.Status())
}

// handleSponsor serves sponsor.json from the static directory when the
// operator ships one; otherwise sponsorship is reported disabled.
func (s *Server) handleSponsor(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StaticDir != "" {
		path := filepath.Join(s.cfg.StaticDir, "sponsor.json")
		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Content-Type", "application/json")
			http.ServeFile(w, r, path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

// handleTelemetry accepts client test reports. Storage is an external
// collaborator; with telemetry disabled the body is discarded after a
// bounded read so clients need no special casing.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	n, _ := io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))
	if !s.cfg.Telemetry {
		writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
		return
	}
	s.logger.Info().Int64("bytes", n).Msg("telemetry report received")
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
