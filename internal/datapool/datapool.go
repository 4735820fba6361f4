// Package datapool pre-generates the random payload buffers shared by every
// connection. Buffers are filled once at startup and never mutated, so the
// hot path serves slices with zero allocation and zero synchronization.
package datapool

import (
	"math/rand/v2"
	"sort"
)

const (
	MiB = 1 << 20

	// ChunkSize is the unit the shaping tick and the warmup endpoint emit.
	ChunkSize = 1 * MiB

	// MaxBulk caps any single request against the pool.
	MaxBulk = 64 * MiB

	warmupSize   = 4 * MiB
	warmupChunks = warmupSize / ChunkSize
)

var poolSizes = []int{1 * MiB, 2 * MiB, 4 * MiB, 8 * MiB, 16 * MiB, 32 * MiB, 64 * MiB}

// Pool holds the pre-generated buffers. Construct once per process with New.
type Pool struct {
	buffers map[int][]byte
	sizes   []int // ascending
	warmup  []byte
}

// New allocates and fills every buffer. This is the only place random bytes
// are generated; everything after is slicing.
func New() *Pool {
	p := &Pool{
		buffers: make(map[int][]byte, len(poolSizes)),
		sizes:   append([]int(nil), poolSizes...),
		warmup:  make([]byte, warmupSize),
	}
	sort.Ints(p.sizes)

	rng := rand.NewChaCha8([32]byte{0x42})
	for _, size := range p.sizes {
		buf := make([]byte, size)
		fill(rng, buf)
		p.buffers[size] = buf
	}
	fill(rng, p.warmup)
	return p
}

func fill(rng *rand.ChaCha8, buf []byte) {
	// ChaCha8.Read never errors and always fills.
	rng.Read(buf)
}

// Bulk returns a read-only view of exactly n bytes, drawn from the smallest
// buffer whose size covers n. Requests beyond MaxBulk are capped. n <= 0
// returns an empty slice.
func (p *Pool) Bulk(n int) []byte {
	if n <= 0 {
		return nil
	}
	if n > MaxBulk {
		n = MaxBulk
	}
	for _, size := range p.sizes {
		if size >= n {
			return p.buffers[size][:n]
		}
	}
	return p.buffers[p.sizes[len(p.sizes)-1]][:n]
}

// WarmupChunk returns the 1 MiB window at offset (i mod 4) MiB of the warmup
// buffer. Callers cycle i to walk the pool.
func (p *Pool) WarmupChunk(i int) []byte {
	off := (i % warmupChunks) * ChunkSize
	if off < 0 {
		off += warmupSize
	}
	return p.warmup[off : off+ChunkSize]
}

// Stats reports pool composition for the /stats surface.
func (p *Pool) Stats() map[string]any {
	total := len(p.warmup)
	for _, buf := range p.buffers {
		total += len(buf)
	}
	return map[string]any{
		"pool_sizes_bytes":   p.sizes,
		"warmup_pool_bytes":  len(p.warmup),
		"total_preallocated": total,
	}
}
