package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloatline/bloatline/internal/datapool"
	"github.com/bloatline/bloatline/internal/limits"
)

var (
	testPool     *datapool.Pool
	testPoolOnce sync.Once
)

func sharedPool() *datapool.Pool {
	testPoolOnce.Do(func() { testPool = datapool.New() })
	return testPool
}

func newTestHandlers(t *testing.T, cfg limits.Config) *Handlers {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	l := limits.New(cfg)
	t.Cleanup(l.Stop)
	return &Handlers{
		Pool:   sharedPool(),
		Limits: l,
		Upload: UploadPolicy{
			MaxBytes:         4 * datapool.MiB,
			CeilingMbps:      2000,
			CeilingBatchMbps: 1000,
			CeilingPrioMbps:  4000,
		},
		Logger: zerolog.Nop(),
		Source: "main",
	}
}

func TestDownloadStreamsAndStops(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest("GET", "/download", nil).WithContext(ctx)
	r.RemoteAddr = "10.1.1.1:5000"
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.Download(w, r)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("download did not stop on disconnect")
	}

	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.GreaterOrEqual(t, w.Body.Len(), downloadChunkSize)

	// The slot released on exit; a new acquire succeeds three times.
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Limits.AcquireDownload("10.1.1.1"))
	}
}

func TestDownloadRateLimited(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Limits.AcquireDownload("10.1.1.2"))
	}

	r := httptest.NewRequest("GET", "/download", nil)
	r.RemoteAddr = "10.1.1.2:5000"
	w := httptest.NewRecorder()
	h.Download(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestUploadCountsAndDiscards(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})

	payload := bytes.Repeat([]byte{0xAB}, 2*datapool.MiB)
	r := httptest.NewRequest("POST", "/upload", bytes.NewReader(payload))
	r.RemoteAddr = "10.1.1.3:5000"
	w := httptest.NewRecorder()
	h.UploadHandler(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	got, err := strconv.ParseInt(w.Header().Get("X-Received-Bytes"), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), got)
}

func TestUploadOverCapIs413(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})

	payload := bytes.Repeat([]byte{0x01}, 5*datapool.MiB) // cap is 4 MiB
	r := httptest.NewRequest("POST", "/upload", bytes.NewReader(payload))
	r.RemoteAddr = "10.1.1.4:5000"
	w := httptest.NewRecorder()
	h.UploadHandler(w, r)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	// Slot released even on the error path.
	for i := 0; i < 100; i++ {
		require.NoError(t, h.Limits.AcquireUpload("10.1.1.4"))
	}
}

func TestNetflixChunkEndpoint(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})

	body := strings.NewReader(`{"chunkSize":65536,"quality":"720p","sequence":60,"sessionId":"abc","flowId":"1"}`)
	r := httptest.NewRequest("POST", "/netflix-chunk", body)
	r.RemoteAddr = "10.1.1.5:5000"
	w := httptest.NewRecorder()
	h.NetflixChunk(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	chunk := w.Body.Bytes()
	require.Len(t, chunk, 65536)

	hdr := ParseNetflixHeader(chunk)
	assert.Equal(t, uint32(60), hdr.Sequence)
	assert.Equal(t, byte(1), hdr.Keyframe)
	assert.Equal(t, byte(1), hdr.Quality)
	assert.Equal(t, "60", w.Header().Get("X-Netflix-Sequence"))
}

func TestNetflixChunkDefaults(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})

	r := httptest.NewRequest("POST", "/netflix-chunk", strings.NewReader(`{}`))
	r.RemoteAddr = "10.1.1.6:5000"
	w := httptest.NewRecorder()
	h.NetflixChunk(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), 2*datapool.MiB)
}

func TestPingEchoAndHeaders(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})

	r := httptest.NewRequest("GET", "/ping", nil)
	r.RemoteAddr = "10.1.1.7:5000"
	r.Header.Set("X-Ping-Attempt", "4")
	w := httptest.NewRecorder()
	h.Ping(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.Bytes())
	assert.Equal(t, "true", w.Header().Get("X-Ping-Received"))
	assert.Equal(t, "4", w.Header().Get("X-Ping-Timeouts-Seen"))
	assert.NotEmpty(t, w.Header().Get("X-Server-Processing-Time"))
}

func TestPingRateLimited(t *testing.T) {
	h := newTestHandlers(t, limits.Config{PingsPerMinute: 60})

	var code int
	for i := 0; i < 12; i++ {
		r := httptest.NewRequest("GET", "/ping", nil)
		r.RemoteAddr = "10.1.1.8:5000"
		w := httptest.NewRecorder()
		h.Ping(w, r)
		code = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestTrustedAgentBypassesPingLimit(t *testing.T) {
	h := newTestHandlers(t, limits.Config{PingsPerMinute: 60, TrustedAgentPrefix: "Bloatline-Central/"})

	for i := 0; i < 30; i++ {
		r := httptest.NewRequest("GET", "/ping", nil)
		r.RemoteAddr = "10.1.1.9:5000"
		r.Header.Set("User-Agent", "Bloatline-Central/1.0")
		w := httptest.NewRecorder()
		h.Ping(w, r)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestWarmupBulkDownloadPaces(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r := httptest.NewRequest("GET", "/warmup/bulk-download", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	h.WarmupBulkDownload(w, r)

	// ~1ms pacing per 1 MiB chunk: some data flowed, then the stream ended
	// with the context.
	assert.GreaterOrEqual(t, w.Body.Len(), datapool.ChunkSize)
}

func TestWarmupHealth(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})

	w := httptest.NewRecorder()
	h.WarmupHealth(w, httptest.NewRequest("GET", "/warmup/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestUploadBodyReadError(t *testing.T) {
	h := newTestHandlers(t, limits.Config{})

	r := httptest.NewRequest("POST", "/upload", io.NopCloser(&failingReader{}))
	r.RemoteAddr = "10.1.1.10:5000"
	w := httptest.NewRecorder()
	h.UploadHandler(w, r)

	// A broken body still produces a response and releases the slot.
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, h.Limits.AcquireUpload("10.1.1.10"))
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n == 0 {
		f.n++
		copy(p, "partial")
		return 7, nil
	}
	return 0, io.ErrUnexpectedEOF
}
