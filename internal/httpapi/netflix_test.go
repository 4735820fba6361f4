package httpapi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetflixHeaderRoundTrip(t *testing.T) {
	chunk := BuildNetflixChunk(256*1024, "720p", 42, "sess-1", "flow-9")
	require.Len(t, chunk, 256*1024)

	h := ParseNetflixHeader(chunk)
	assert.Equal(t, uint32(42), h.Sequence)
	assert.Equal(t, uint32(256*1024), h.ChunkSize)
	assert.Equal(t, byte(0), h.Keyframe)
	assert.Equal(t, byte(1), h.Quality)
	assert.Equal(t, byte(1), h.Complexity)
	assert.Zero(t, h.Reserved)
	assert.Positive(t, h.TimestampMS)
}

func TestNetflixKeyframeFlag(t *testing.T) {
	for _, seq := range []uint32{0, 30, 60, 90} {
		h := ParseNetflixHeader(BuildNetflixChunk(4096, "HD", seq, "s", "f"))
		assert.Equal(t, byte(1), h.Keyframe, "seq=%d", seq)
	}
	for _, seq := range []uint32{1, 29, 31} {
		h := ParseNetflixHeader(BuildNetflixChunk(4096, "HD", seq, "s", "f"))
		assert.Equal(t, byte(0), h.Keyframe, "seq=%d", seq)
	}
}

func TestNetflixQualityLevels(t *testing.T) {
	for quality, level := range map[string]byte{"480p": 0, "720p": 1, "1080p": 2, "HD": 3} {
		h := ParseNetflixHeader(BuildNetflixChunk(4096, quality, 1, "s", "f"))
		assert.Equal(t, level, h.Quality, quality)
	}
	// Unknown quality falls back to 1080p.
	h := ParseNetflixHeader(BuildNetflixChunk(4096, "8K", 1, "s", "f"))
	assert.Equal(t, byte(2), h.Quality)
}

func TestNetflixIDPadding(t *testing.T) {
	chunk := BuildNetflixChunk(4096, "HD", 1, "short", "flow")

	session := chunk[netflixHeaderSize : netflixHeaderSize+netflixIDSize]
	assert.Equal(t, []byte("short"), session[:5])
	for _, b := range session[5:] {
		assert.Zero(t, b)
	}

	// Oversized ids truncate to 16 bytes.
	long := BuildNetflixChunk(4096, "HD", 1, "0123456789abcdefOVERFLOW", "f")
	assert.Equal(t, []byte("0123456789abcdef"), long[netflixHeaderSize:netflixHeaderSize+netflixIDSize])
}

func TestNetflixDeltaFillPattern(t *testing.T) {
	const seq = 7
	chunk := BuildNetflixChunk(NetflixPrefixSize+16, "HD", seq, "s", "f")

	want := uint32(0x11111111) ^ (seq & 0xFFFF)
	payload := chunk[NetflixPrefixSize:]
	for i := 0; i+4 <= len(payload); i += 4 {
		assert.Equal(t, want, binary.LittleEndian.Uint32(payload[i:]))
	}
}

func TestNetflixKeyframeFillRotation(t *testing.T) {
	chunk := BuildNetflixChunk(NetflixPrefixSize+32, "HD", 30, "s", "f")

	payload := chunk[NetflixPrefixSize:]
	for i := 0; i+4 <= len(payload); i += 4 {
		want := keyframePatterns[(i/4)%len(keyframePatterns)]
		assert.Equal(t, want, binary.LittleEndian.Uint32(payload[i:]))
	}
}

func TestNetflixMinimumSize(t *testing.T) {
	// Requests below the prefix still return a complete prefix.
	chunk := BuildNetflixChunk(10, "HD", 1, "s", "f")
	assert.Len(t, chunk, NetflixPrefixSize)
}
