// Package httpapi implements the HTTP load endpoints shared by the main
// server and the persona workers: streaming download, counted-and-discarded
// upload, synthetic video chunks, latency ping, and the warmup stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloatline/bloatline/internal/datapool"
	"github.com/bloatline/bloatline/internal/limits"
)

const downloadChunkSize = 128 * 1024

// UploadPolicy carries the request cap and per-pattern rate ceilings.
// Values are configuration, not contracts.
type UploadPolicy struct {
	MaxBytes         int64
	CeilingMbps      float64 // standard
	CeilingBatchMbps float64 // background_batch
	CeilingPrioMbps  float64 // high_priority
}

// Handlers serves the load endpoints. Every handler acquires its admission
// slot on entry and releases it on all exit paths.
type Handlers struct {
	Pool   *datapool.Pool
	Limits *limits.Limiter
	Upload UploadPolicy
	Logger zerolog.Logger

	// Source tags the X-Worker-Source response header, e.g. "main" or the
	// persona name.
	Source string
}

func (h *Handlers) source() string {
	if h.Source == "" {
		return "main"
	}
	return h.Source
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handlers) reject(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, limits.ErrLimited) {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Download streams 128 KiB chunks indefinitely until the peer disconnects.
// An optional ?pattern= selector applies inter-chunk pacing to emulate
// steady, bursty-streaming, or adaptive shapes.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	ip := limits.ClientIP(r)
	if !h.Limits.Trusted(r) {
		if err := h.Limits.AcquireDownload(ip); err != nil {
			h.reject(w, err)
			return
		}
		var sent int64
		defer func() { h.Limits.ReleaseDownload(ip, sent) }()
		h.streamDownload(w, r, &sent)
		return
	}
	var sent int64
	h.streamDownload(w, r, &sent)
}

func (h *Handlers) streamDownload(w http.ResponseWriter, r *http.Request, sent *int64) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "steady"
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("X-Worker-Source", h.source())

	flusher, _ := w.(http.Flusher)
	chunk := h.Pool.Bulk(downloadChunkSize)
	ctx := r.Context()

	for count := 1; ; count++ {
		select {
		case <-ctx.Done():
			h.Logger.Debug().Int("chunks", count-1).Msg("download peer disconnected")
			return
		default:
		}

		n, err := w.Write(chunk)
		*sent += int64(n)
		if err != nil {
			// Peer went away mid-chunk; normal termination.
			h.Logger.Debug().Int("chunks", count).Msg("download stream closed")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		switch pattern {
		case "bursty_netflix":
			if count%10 == 0 {
				sleep(ctx, 500*time.Millisecond)
			} else {
				sleep(ctx, time.Millisecond)
			}
		case "steady_web":
			sleep(ctx, 10*time.Millisecond)
		case "adaptive_streaming":
			sleep(ctx, 2*time.Millisecond)
		default:
			// Brief pause every 20 chunks keeps aborts responsive.
			if count%20 == 0 {
				sleep(ctx, 5*time.Millisecond)
			}
		}
	}
}

func sleep(ctx interface{ Done() <-chan struct{} }, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// UploadHandler reads and discards the request body, counting bytes. The
// request is capped at MaxBytes (413 beyond it); every 100ms the
// instantaneous rate is sampled and only rates above the pattern ceiling
// are slept down to it.
func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	ip := limits.ClientIP(r)
	trusted := h.Limits.Trusted(r)
	if !trusted {
		if err := h.Limits.AcquireUpload(ip); err != nil {
			h.reject(w, err)
			return
		}
		defer h.Limits.ReleaseUpload(ip)
	}

	ceiling := h.Upload.CeilingMbps
	switch r.Header.Get("X-Upload-Pattern") {
	case "background_batch":
		ceiling = h.Upload.CeilingBatchMbps
	case "high_priority":
		ceiling = h.Upload.CeilingPrioMbps
	}
	ceilingBytesPerSec := ceiling * 1e6 / 8

	var (
		total      int64
		sinceCheck int64
		buf        = make([]byte, 64*1024)
		start      = time.Now()
		lastCheck  = start
	)

	for {
		n, err := r.Body.Read(buf)
		total += int64(n)
		sinceCheck += int64(n)

		if total > h.Upload.MaxBytes {
			h.Logger.Warn().Int64("bytes", total).Msg("upload over request cap")
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request too large"})
			return
		}

		if since := time.Since(lastCheck); since > 100*time.Millisecond {
			rate := float64(sinceCheck) / since.Seconds()
			if rate > ceilingBytesPerSec {
				delay := time.Duration((float64(sinceCheck)/ceilingBytesPerSec - since.Seconds()) * float64(time.Second))
				if delay > 0 {
					h.Logger.Warn().Float64("rate_mbps", rate*8/1e6).Dur("delay", delay).
						Msg("upload above processing ceiling")
					sleep(r.Context(), delay)
				}
			}
			sinceCheck = 0
			lastCheck = time.Now()
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.Logger.Debug().Err(err).Msg("upload body read ended")
			}
			break
		}
	}

	dur := time.Since(start).Seconds()
	if dur > 0 && total > 10*datapool.MiB {
		h.Logger.Info().Int64("bytes", total).
			Float64("mbps", float64(total)*8/1e6/dur).
			Msg("upload complete")
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Worker-Source", h.source())
	w.Header().Set("X-Received-Bytes", strconv.FormatInt(total, 10))
	w.WriteHeader(http.StatusOK)
}

type netflixRequest struct {
	ChunkSize int    `json:"chunkSize"`
	Quality   string `json:"quality"`
	Sequence  uint32 `json:"sequence"`
	SessionID string `json:"sessionId"`
	FlowID    string `json:"flowId"`
}

// NetflixChunk serves one synthetic video chunk. Shares the download
// admission dimension.
func (h *Handlers) NetflixChunk(w http.ResponseWriter, r *http.Request) {
	ip := limits.ClientIP(r)
	var sent int64
	if !h.Limits.Trusted(r) {
		if err := h.Limits.AcquireDownload(ip); err != nil {
			h.reject(w, err)
			return
		}
		defer func() { h.Limits.ReleaseDownload(ip, sent) }()
	}

	req := netflixRequest{ChunkSize: 2 * datapool.MiB, Quality: "1080p"}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed chunk request"})
		return
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = 2 * datapool.MiB
	}
	if req.ChunkSize > datapool.MaxBulk {
		req.ChunkSize = datapool.MaxBulk
	}
	if req.SessionID == "" {
		req.SessionID = "netflix_session"
	}

	chunk := BuildNetflixChunk(req.ChunkSize, req.Quality, req.Sequence, req.SessionID, req.FlowID)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Netflix-Sequence", strconv.FormatUint(uint64(req.Sequence), 10))
	w.Header().Set("X-Netflix-Quality", req.Quality)
	w.Header().Set("X-Netflix-Chunk-Size", strconv.Itoa(len(chunk)))
	w.Header().Set("X-Worker-Source", h.source())
	n, _ := w.Write(chunk)
	sent = int64(n)
}

// Ping answers latency probes with an empty body and sub-millisecond
// jitter. It echoes the client's consecutive-timeout counter so the client
// can correlate. Served from the isolated ping listener.
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	if !h.Limits.Trusted(r) {
		if err := h.Limits.AllowPing(limits.ClientIP(r)); err != nil {
			h.reject(w, err)
			return
		}
	}

	start := time.Now()
	attempts := r.Header.Get("X-Ping-Attempt")
	if n, err := strconv.Atoi(attempts); err == nil && n > 2 {
		h.Logger.Warn().Int("consecutive_timeouts", n).
			Str("ip", limits.ClientIP(r)).
			Msg("client reporting consecutive ping timeouts")
	}

	// Spread responses by 0.25-0.5ms to avoid synchronized probe herds.
	time.Sleep(time.Duration(250+rand.IntN(250)) * time.Microsecond)

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("X-Ping-Received", "true")
	if attempts != "" {
		w.Header().Set("X-Ping-Timeouts-Seen", attempts)
	}
	w.Header().Set("X-Server-Processing-Time", strconv.FormatInt(time.Since(start).Microseconds(), 10))
	w.Header().Set("X-Worker-Source", h.source())
	w.WriteHeader(http.StatusOK)
}

// WarmupBulkDownload streams 1 MiB chunks cycled from the warmup pool with
// fixed 1ms pacing, for client-side capacity estimation before a household
// test. Not admission-limited; it shares the download dimension's purpose
// but predates a test, so it only counts bytes.
func (h *Handlers) WarmupBulkDownload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")

	flusher, _ := w.(http.Flusher)
	ctx := r.Context()
	var sent int64

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			h.Logger.Debug().Int64("bytes", sent).Msg("warmup stream ended")
			return
		default:
		}
		n, err := w.Write(h.Pool.WarmupChunk(i))
		sent += int64(n)
		if err != nil {
			h.Logger.Debug().Int64("bytes", sent).Msg("warmup stream closed")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		sleep(ctx, time.Millisecond)
	}
}

// WarmupHealth reports the warmup stream parameters.
func (h *Handlers) WarmupHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"endpoint":   "warmup_bulk_download",
		"chunk_size": datapool.ChunkSize,
		"pool":       h.Pool.Stats(),
	})
}
