package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is the point-in-time view served under /stats.
type SystemSnapshot struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	HeapAllocBytes uint64  `json:"heap_alloc_bytes"`
	Goroutines     int     `json:"goroutines"`
	SampledAt      string  `json:"sampled_at"`
}

// SystemMonitor samples host CPU and memory on a fixed interval. Reads are
// snapshot copies under a read lock.
type SystemMonitor struct {
	mu       sync.RWMutex
	snapshot SystemSnapshot

	interval time.Duration
	logger   zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSystemMonitor samples once synchronously so the first /stats call has
// data, then keeps sampling in the background.
func NewSystemMonitor(interval time.Duration, logger zerolog.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &SystemMonitor{
		interval: interval,
		logger:   logger.With().Str("component", "system_monitor").Logger(),
		stop:     make(chan struct{}),
	}
	m.sample()
	go m.loop()
	return m
}

func (m *SystemMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stop:
			return
		}
	}
}

func (m *SystemMonitor) sample() {
	snap := SystemSnapshot{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now().UTC().Format(time.RFC3339),
	}

	// Non-blocking sample; gopsutil returns the delta since the last call.
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedPercent = vm.UsedPercent
		snap.MemUsedBytes = vm.Used
	} else {
		m.logger.Debug().Err(err).Msg("memory sample failed")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapAllocBytes = ms.HeapAlloc

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
}

// Snapshot returns the latest sample.
func (m *SystemMonitor) Snapshot() SystemSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Stop halts sampling.
func (m *SystemMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
