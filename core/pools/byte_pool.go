package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool is a multi-tiered pool of fixed-length byte slices, used for
// connection read buffers
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets      atomic.Uint64
	puts      atomic.Uint64
	oversized atomic.Uint64
}

// DefaultByteSizes are the tiers used by NewBytePool
var DefaultByteSizes = []int{
	512,
	2048,
	8192,
	32768,
}

// NewBytePool creates a new byte pool with standard size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(DefaultByteSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers, given
// in ascending order
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a buffer of at least size bytes with its length set to size
func (bp *BytePool) Get(size int) *[]byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := bp.pools[i].Get().(*[]byte)
			*buf = (*buf)[:size]
			return buf
		}
	}

	bp.oversized.Add(1)
	buf := make([]byte, size)
	return &buf
}

// Put returns a buffer obtained from Get. Buffers whose capacity matches no
// tier are left to the GC.
func (bp *BytePool) Put(buf *[]byte) {
	if buf == nil {
		return
	}

	capacity := cap(*buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			*buf = (*buf)[:capacity]
			bp.puts.Add(1)
			bp.pools[i].Put(buf)
			return
		}
	}
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:      bp.gets.Load(),
		Puts:      bp.puts.Load(),
		Oversized: bp.oversized.Load(),
	}
}

// BytePoolStats contains byte pool statistics
type BytePoolStats struct {
	Gets      uint64 `json:"gets"`
	Puts      uint64 `json:"puts"`
	Oversized uint64 `json:"oversized"`
}
