package supervisor

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloatline/bloatline/internal/profile"
)

func healthServer(t *testing.T, status string, code int) (*httptest.Server, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		w.Write([]byte(`{"status":"` + status + `"}`))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return srv, port
}

func TestAdoptsRunningFleet(t *testing.T) {
	_, gamerPort := healthServer(t, "healthy", http.StatusOK)
	_, bulkPort := healthServer(t, "healthy", http.StatusOK)

	s := New(Config{
		Logger: zerolog.Nop(),
		Ports: map[profile.Persona]int{
			profile.Gamer: gamerPort,
			profile.Bulk:  bulkPort,
		},
	})
	require.NoError(t, s.Start())
	defer s.Shutdown()

	assert.True(t, s.Healthy(profile.Gamer))
	assert.True(t, s.Healthy(profile.Bulk))
	assert.False(t, s.Healthy(profile.Streamer), "personas outside the fleet are not healthy")
	assert.ElementsMatch(t, []string{"gamer", "bulk"}, s.HealthyPersonas())

	port, ok := s.Port(profile.Gamer)
	require.True(t, ok)
	assert.Equal(t, gamerPort, port)
	_, ok = s.Port(profile.VideoCall)
	assert.False(t, ok)
}

func TestAdoptionNeedsEveryPort(t *testing.T) {
	_, upPort := healthServer(t, "healthy", http.StatusOK)
	srv, downPort := healthServer(t, "healthy", http.StatusOK)
	srv.Close()

	s := New(Config{
		Logger: zerolog.Nop(),
		Ports: map[profile.Persona]int{
			profile.Gamer: upPort,
			profile.Bulk:  downPort,
		},
	})
	assert.False(t, s.adoptExisting())
	assert.Empty(t, s.workers)
}

func TestProbe(t *testing.T) {
	_, healthy := healthServer(t, "healthy", http.StatusOK)
	_, draining := healthServer(t, "draining", http.StatusOK)
	_, failing := healthServer(t, "healthy", http.StatusServiceUnavailable)
	srv, closed := healthServer(t, "healthy", http.StatusOK)
	srv.Close()

	s := New(Config{Logger: zerolog.Nop()})
	assert.True(t, s.probe(healthy))
	assert.False(t, s.probe(draining), "non-healthy status is not serving")
	assert.False(t, s.probe(failing))
	assert.False(t, s.probe(closed))
}

func TestCheckFleetTracksProbeResults(t *testing.T) {
	srv, port := healthServer(t, "healthy", http.StatusOK)

	s := New(Config{
		Logger: zerolog.Nop(),
		Ports:  map[profile.Persona]int{profile.Gamer: port},
	})
	require.True(t, s.adoptExisting())
	defer s.Shutdown()

	s.checkFleet()
	assert.True(t, s.Healthy(profile.Gamer))

	// Exhaust the restart budget so a failed probe only flips health.
	s.workers[profile.Gamer].restarts = maxRestarts
	srv.Close()
	s.checkFleet()
	assert.False(t, s.Healthy(profile.Gamer))
}

func TestStatusSnapshot(t *testing.T) {
	_, port := healthServer(t, "healthy", http.StatusOK)

	s := New(Config{
		Logger: zerolog.Nop(),
		Ports:  map[profile.Persona]int{profile.Streamer: port},
	})
	require.True(t, s.adoptExisting())
	defer s.Shutdown()

	status := s.Status()
	assert.Equal(t, 1, status["total"])
	assert.Equal(t, 1, status["healthy_count"])

	workers, ok := status["workers"].(map[string]any)
	require.True(t, ok)
	entry, ok := workers["streamer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, port, entry["port"])
	assert.Equal(t, true, entry["adopted"])
	assert.Equal(t, 0, entry["restarts"])
}

func TestHealthyUnknownPersona(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	assert.False(t, s.Healthy(profile.Gamer))
}

func TestDefaultPortsAreCanonical(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	for persona, want := range profile.Ports {
		got, ok := s.Port(persona)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}
