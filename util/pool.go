package util

import "sync"

// DefaultChunkSize is the read size used by the session read loop.
const DefaultChunkSize = 1024

// ChunkPool hands out reusable read chunks of a fixed size so a burst
// of small reads does not allocate a fresh slice per chunk.
type ChunkPool struct {
	size int
	pool sync.Pool
}

// NewChunkPool returns a pool of size-byte chunks.  A non-positive size
// selects DefaultChunkSize.
func NewChunkPool(size int) *ChunkPool {
	if size <= 0 {
		size = DefaultChunkSize
	}
	p := &ChunkPool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the chunk length.
func (p *ChunkPool) Size() int { return p.size }

// Get retrieves a chunk.  Callers must return it with [ChunkPool.Put].
func (p *ChunkPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a chunk to the pool.  Chunks of another size are dropped.
func (p *ChunkPool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	p.pool.Put(buf)
}
