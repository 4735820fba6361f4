package datapool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkReturnsExactSize(t *testing.T) {
	p := New()

	for _, n := range []int{1, 1024, 1 * MiB, 3 * MiB, 64 * MiB} {
		buf := p.Bulk(n)
		assert.Len(t, buf, n)
	}
}

func TestBulkCapsAtMaximum(t *testing.T) {
	p := New()

	buf := p.Bulk(128 * MiB)
	assert.Len(t, buf, MaxBulk)
}

func TestBulkZeroAndNegative(t *testing.T) {
	p := New()

	assert.Nil(t, p.Bulk(0))
	assert.Nil(t, p.Bulk(-5))
}

func TestBulkSharesBacking(t *testing.T) {
	p := New()

	a := p.Bulk(2 * MiB)
	b := p.Bulk(2 * MiB)
	require.Len(t, a, 2*MiB)
	// Same pool, same backing array: no per-request allocation.
	assert.Equal(t, &a[0], &b[0])
}

func TestWarmupChunkCycles(t *testing.T) {
	p := New()

	for i := 0; i < 4; i++ {
		chunk := p.WarmupChunk(i)
		require.Len(t, chunk, ChunkSize)
	}

	// Index wraps modulo the pool's four windows.
	assert.Equal(t, &p.WarmupChunk(0)[0], &p.WarmupChunk(4)[0])
	assert.Equal(t, &p.WarmupChunk(3)[0], &p.WarmupChunk(7)[0])
	assert.NotEqual(t, &p.WarmupChunk(0)[0], &p.WarmupChunk(1)[0])
}

func TestPoolsLookRandom(t *testing.T) {
	p := New()

	buf := p.Bulk(1 * MiB)
	var zeros int
	for _, b := range buf[:4096] {
		if b == 0 {
			zeros++
		}
	}
	// Random fill keeps zero bytes near 1/256 of the sample.
	assert.Less(t, zeros, 256)
}

func TestStats(t *testing.T) {
	p := New()

	stats := p.Stats()
	assert.Equal(t, 4*MiB, stats["warmup_pool_bytes"])
	assert.Equal(t, (1+2+4+8+16+32+64+4)*MiB, stats["total_preallocated"])
}
