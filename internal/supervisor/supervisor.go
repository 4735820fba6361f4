// Package supervisor spawns and monitors one worker process per persona.
// Workers already running at startup are adopted: verified over HTTP and
// registered without a process handle.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloatline/bloatline/internal/profile"
)

const (
	warmupDelay     = 8 * time.Second
	healthAttempts  = 3
	healthSpacing   = 5 * time.Second
	monitorInterval = 5 * time.Second
	maxRestarts     = 3
	restartDelay    = 2 * time.Second
	termGrace       = 5 * time.Second
	killGrace       = 2 * time.Second
	probeTimeout    = 2 * time.Second
)

// Config assembles a supervisor.
type Config struct {
	// WorkerBinary is the bloatline-worker executable path.
	WorkerBinary string
	// ExtraArgs are appended to every spawn (log level etc).
	ExtraArgs []string
	// Host is where worker health is probed. Defaults to 127.0.0.1.
	Host string
	// Ports overrides the canonical persona ports (tests).
	Ports map[profile.Persona]int

	Logger zerolog.Logger
}

type workerState struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	exited    chan struct{} // closed when the owned process ends
	adopted   bool
	healthy   bool
	restarts  int
	startedAt time.Time
}

// Supervisor owns the worker fleet.
type Supervisor struct {
	cfg    Config
	ports  map[profile.Persona]int
	client *http.Client
	logger zerolog.Logger

	mu      sync.Mutex
	workers map[profile.Persona]*workerState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a supervisor. Start spawns or adopts the fleet.
func New(cfg Config) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	ports := cfg.Ports
	if ports == nil {
		ports = profile.Ports
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		ports:   ports,
		client:  &http.Client{Timeout: probeTimeout},
		logger:  cfg.Logger.With().Str("component", "supervisor").Logger(),
		workers: make(map[profile.Persona]*workerState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start brings the fleet up and begins the monitor loop. If every expected
// port already answers healthy, the running workers are adopted instead of
// spawned.
func (s *Supervisor) Start() error {
	if s.adoptExisting() {
		s.logger.Info().Msg("adopted running worker fleet")
	} else {
		for persona, port := range s.ports {
			if err := s.spawn(persona, port); err != nil {
				return fmt.Errorf("spawn %s worker: %w", persona, err)
			}
		}
		if err := s.awaitHealthy(); err != nil {
			return err
		}
		s.logger.Info().Int("workers", len(s.ports)).Msg("worker fleet healthy")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorLoop()
	}()
	return nil
}

// adoptExisting registers pre-existing workers when all ports already
// answer healthy.
func (s *Supervisor) adoptExisting() bool {
	for _, port := range s.ports {
		if !s.probe(port) {
			return false
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for persona := range s.ports {
		s.workers[persona] = &workerState{adopted: true, healthy: true, startedAt: time.Now()}
		s.logger.Info().Str("persona", string(persona)).Int("port", s.ports[persona]).
			Msg("adopted existing worker")
	}
	return true
}

func (s *Supervisor) spawn(persona profile.Persona, port int) error {
	args := append([]string{
		"-persona", string(persona),
		"-port", strconv.Itoa(port),
	}, s.cfg.ExtraArgs...)
	cmd := exec.Command(s.cfg.WorkerBinary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	st := &workerState{cmd: cmd, exited: make(chan struct{}), startedAt: time.Now()}
	go func() {
		_ = cmd.Wait()
		close(st.exited)
	}()

	s.mu.Lock()
	s.workers[persona] = st
	s.mu.Unlock()

	s.logger.Info().Str("persona", string(persona)).Int("port", port).
		Int("pid", cmd.Process.Pid).Msg("spawned worker")
	return nil
}

// awaitHealthy gives freshly spawned workers a warmup delay, then a bounded
// number of probe attempts.
func (s *Supervisor) awaitHealthy() error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-time.After(warmupDelay):
	}

	for persona, port := range s.ports {
		ok := false
		for attempt := 1; attempt <= healthAttempts; attempt++ {
			if s.probe(port) {
				ok = true
				break
			}
			s.logger.Warn().Str("persona", string(persona)).Int("attempt", attempt).
				Msg("worker not healthy yet")
			if attempt < healthAttempts {
				select {
				case <-s.ctx.Done():
					return s.ctx.Err()
				case <-time.After(healthSpacing):
				}
			}
		}
		if !ok {
			return fmt.Errorf("worker %s on port %d never became healthy", persona, port)
		}
		s.setHealthy(persona, true)
	}
	return nil
}

// probe reports whether port answers /health with status healthy.
func (s *Supervisor) probe(port int) bool {
	resp, err := s.client.Get(fmt.Sprintf("http://%s:%d/health", s.cfg.Host, port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "healthy"
}

func (s *Supervisor) setHealthy(persona profile.Persona, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.workers[persona]; ok {
		st.mu.Lock()
		st.healthy = v
		st.mu.Unlock()
	}
}

func (s *Supervisor) monitorLoop() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkFleet()
		}
	}
}

func (s *Supervisor) checkFleet() {
	for persona, port := range s.ports {
		s.mu.Lock()
		st := s.workers[persona]
		s.mu.Unlock()
		if st == nil {
			continue
		}

		// Owned process death short-circuits the HTTP probe.
		dead := false
		st.mu.Lock()
		if !st.adopted && st.exited != nil {
			select {
			case <-st.exited:
				dead = true
			default:
			}
		}
		st.mu.Unlock()

		if !dead && s.probe(port) {
			s.setHealthy(persona, true)
			continue
		}

		s.setHealthy(persona, false)
		s.logger.Warn().Str("persona", string(persona)).Bool("process_dead", dead).
			Msg("worker unhealthy")
		s.restart(persona, port, st)
	}
}

// restart replaces a dead or unresponsive worker, up to the per-persona
// budget. A replacement is only spawned after the prior process is joined.
func (s *Supervisor) restart(persona profile.Persona, port int, st *workerState) {
	st.mu.Lock()
	if st.restarts >= maxRestarts {
		st.mu.Unlock()
		s.logger.Error().Str("persona", string(persona)).Int("restarts", maxRestarts).
			Msg("worker restart budget exhausted; persona degraded")
		return
	}
	st.restarts++
	restarts := st.restarts
	cmd := st.cmd
	exited := st.exited
	adopted := st.adopted
	st.mu.Unlock()

	if !adopted && cmd != nil && cmd.Process != nil {
		s.terminate(cmd, exited)
	}

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(restartDelay):
	}

	if err := s.spawn(persona, port); err != nil {
		s.logger.Error().Err(err).Str("persona", string(persona)).Msg("worker respawn failed")
		return
	}
	// Carry the restart count onto the fresh state.
	s.mu.Lock()
	if fresh, ok := s.workers[persona]; ok {
		fresh.mu.Lock()
		fresh.restarts = restarts
		fresh.mu.Unlock()
	}
	s.mu.Unlock()
	s.logger.Info().Str("persona", string(persona)).Int("attempt", restarts).
		Msg("worker restarted")
}

// terminate sends SIGTERM, joins up to 5s, then SIGKILL and joins up to 2s.
func (s *Supervisor) terminate(cmd *exec.Cmd, exited chan struct{}) {
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-exited:
		return
	case <-time.After(termGrace):
	}
	_ = cmd.Process.Kill()
	select {
	case <-exited:
	case <-time.After(killGrace):
	}
}

// Shutdown stops monitoring and tears the fleet down.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	workers := make(map[profile.Persona]*workerState, len(s.workers))
	for p, st := range s.workers {
		workers[p] = st
	}
	s.mu.Unlock()

	for persona, st := range workers {
		st.mu.Lock()
		cmd, exited, adopted := st.cmd, st.exited, st.adopted
		st.mu.Unlock()
		if adopted || cmd == nil || cmd.Process == nil {
			continue
		}
		s.logger.Info().Str("persona", string(persona)).Msg("terminating worker")
		s.terminate(cmd, exited)
	}
}

// Healthy reports whether the persona's worker is serving.
func (s *Supervisor) Healthy(persona profile.Persona) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.workers[persona]
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.healthy
}

// HealthyPersonas lists personas currently serving.
func (s *Supervisor) HealthyPersonas() []string {
	out := make([]string, 0, len(s.ports))
	for _, p := range profile.Personas {
		if _, serves := s.ports[p]; serves && s.Healthy(p) {
			out = append(out, string(p))
		}
	}
	return out
}

// Port returns the persona's assigned port.
func (s *Supervisor) Port(persona profile.Persona) (int, bool) {
	port, ok := s.ports[persona]
	return port, ok
}

// Status snapshots the fleet for /api/health.
func (s *Supervisor) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	fleet := make(map[string]any, len(s.workers))
	healthyCount := 0
	for persona, st := range s.workers {
		st.mu.Lock()
		entry := map[string]any{
			"port":       s.ports[persona],
			"healthy":    st.healthy,
			"adopted":    st.adopted,
			"restarts":   st.restarts,
			"started_at": st.startedAt.UTC().Format(time.RFC3339),
		}
		if st.healthy {
			healthyCount++
		}
		st.mu.Unlock()
		fleet[string(persona)] = entry
	}
	return map[string]any{
		"workers":       fleet,
		"healthy_count": healthyCount,
		"total":         len(s.workers),
	}
}
