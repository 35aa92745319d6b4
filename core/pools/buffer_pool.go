package pools

import (
	"sync"
	"sync/atomic"
)

// Buffer pool sizes
const (
	SmallBufferSize  = 2 * 1024
	MediumBufferSize = 8 * 1024
	LargeBufferSize  = 32 * 1024
)

// BufferPool manages zero-length append buffers in three capacity tiers.
// The engine serializes response heads and chunk frames into them.
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	// Statistics
	smallHits  atomic.Uint64
	mediumHits atomic.Uint64
	largeHits  atomic.Uint64
	totalGets  atomic.Uint64
}

func newBuffer(size int) func() any {
	return func() any {
		buf := make([]byte, 0, size)
		return &buf
	}
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	bp := &BufferPool{}
	bp.small.New = newBuffer(SmallBufferSize)
	bp.medium.New = newBuffer(MediumBufferSize)
	bp.large.New = newBuffer(LargeBufferSize)
	return bp
}

// Get acquires an empty buffer with room for about estimatedSize bytes
func (bp *BufferPool) Get(estimatedSize int) *[]byte {
	bp.totalGets.Add(1)

	switch {
	case estimatedSize <= SmallBufferSize:
		bp.smallHits.Add(1)
		return bp.small.Get().(*[]byte)
	case estimatedSize <= MediumBufferSize:
		bp.mediumHits.Add(1)
		return bp.medium.Get().(*[]byte)
	default:
		bp.largeHits.Add(1)
		return bp.large.Get().(*[]byte)
	}
}

// Put returns a buffer to the pool
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}

	*buf = (*buf)[:0]

	switch c := cap(*buf); {
	case c <= SmallBufferSize:
		bp.small.Put(buf)
	case c <= MediumBufferSize:
		bp.medium.Put(buf)
	case c <= LargeBufferSize:
		bp.large.Put(buf)
	}
	// Oversized buffers are not pooled
}

// Stats returns buffer pool statistics
func (bp *BufferPool) Stats() BufferStats {
	return BufferStats{
		SmallHits:  bp.smallHits.Load(),
		MediumHits: bp.mediumHits.Load(),
		LargeHits:  bp.largeHits.Load(),
		TotalGets:  bp.totalGets.Load(),
	}
}

// BufferStats contains buffer pool statistics
type BufferStats struct {
	SmallHits  uint64 `json:"small_hits"`
	MediumHits uint64 `json:"medium_hits"`
	LargeHits  uint64 `json:"large_hits"`
	TotalGets  uint64 `json:"total_gets"`
}
