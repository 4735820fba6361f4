// Package pingserver runs the isolated latency listener. It lives on its
// own port with its own http.Server so heavy upload and download work on
// the main listener can never starve ping responses.
package pingserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloatline/bloatline/internal/httpapi"
)

// Server is the dedicated ping listener.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
	port       int
}

// New wires the ping routes. handlers supplies the shared ping handler and
// its admission gate.
func New(port int, handlers *httpapi.Handlers, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", handlers.Ping)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","listener":"ping"}`))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
			// Tight timeouts: ping exchanges are tiny and must stay tiny.
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
		logger: logger.With().Str("component", "ping_listener").Logger(),
		port:   port,
	}
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind ping listener on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info().Int("port", s.port).Msg("ping listener started")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("ping listener failed")
		}
	}()
	return nil
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
