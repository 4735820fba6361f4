// Package metrics owns the process-wide Prometheus registry and the
// gopsutil-backed system monitor that feeds /stats and /health payloads.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the collectors the traffic path updates.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsExpired *prometheus.CounterVec
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	ShapingTicks    prometheus.Counter
	TickOverruns    prometheus.Counter
}

// New builds a registry with Go runtime collectors plus the traffic
// collectors, namespaced per process role ("worker" or "main").
func New(role string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	labels := prometheus.Labels{"role": role}
	m := &Metrics{
		Registry: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bloatline_active_sessions", Help: "Live traffic sessions.", ConstLabels: labels,
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bloatline_sessions_opened_total", Help: "Sessions accepted.", ConstLabels: labels,
		}),
		SessionsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bloatline_sessions_expired_total", Help: "Sessions removed, by reason.", ConstLabels: labels,
		}, []string{"reason"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bloatline_bytes_sent_total", Help: "Payload bytes written to peers.", ConstLabels: labels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bloatline_bytes_received_total", Help: "Payload bytes read from peers.", ConstLabels: labels,
		}),
		ShapingTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bloatline_shaping_ticks_total", Help: "Scheduler shaping ticks executed.", ConstLabels: labels,
		}),
		TickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bloatline_tick_overruns_total", Help: "Scheduler iterations that exceeded the interval.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(
		m.ActiveSessions, m.SessionsOpened, m.SessionsExpired,
		m.BytesSent, m.BytesReceived, m.ShapingTicks, m.TickOverruns,
	)
	return m
}
