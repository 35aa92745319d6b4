package pools

import "sync/atomic"

// Poolable is an object that can be rebound to new state and cleared
// before going back to a pool
type Poolable[S any] interface {
	Init(state S)
	Reset()
}

// Pool is a bounded free list of reusable objects. Unlike sync.Pool it
// keeps at most a fixed number of idle objects and never drops them on GC.
type Pool[S any, T Poolable[S]] struct {
	items   chan T
	newFunc func() T

	// Statistics
	gets     atomic.Uint64
	hits     atomic.Uint64
	returns  atomic.Uint64
	discards atomic.Uint64
}

// NewPool creates a pool keeping up to capacity idle objects
func NewPool[S any, T Poolable[S]](capacity int, newFunc func() T) *Pool[S, T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Pool[S, T]{
		items:   make(chan T, capacity),
		newFunc: newFunc,
	}
}

// Rent takes an idle object, or allocates one, and binds it to state
func (p *Pool[S, T]) Rent(state S) T {
	p.gets.Add(1)

	var v T
	select {
	case v = <-p.items:
		p.hits.Add(1)
	default:
		v = p.newFunc()
	}
	v.Init(state)
	return v
}

// Return resets v and keeps it if there is room. It reports whether v
// was kept.
func (p *Pool[S, T]) Return(v T) bool {
	v.Reset()

	select {
	case p.items <- v:
		p.returns.Add(1)
		return true
	default:
		p.discards.Add(1)
		return false
	}
}

// Idle returns the number of objects waiting to be rented
func (p *Pool[S, T]) Idle() int {
	return len(p.items)
}

// Capacity returns the maximum number of idle objects
func (p *Pool[S, T]) Capacity() int {
	return cap(p.items)
}

// Stats returns pool statistics
func (p *Pool[S, T]) Stats() PoolStats {
	gets := p.gets.Load()
	hits := p.hits.Load()

	hitRate := 0.0
	if gets > 0 {
		hitRate = float64(hits) / float64(gets)
	}

	return PoolStats{
		Gets:     gets,
		Hits:     hits,
		Returns:  p.returns.Load(),
		Discards: p.discards.Load(),
		Idle:     len(p.items),
		HitRate:  hitRate,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	Gets     uint64  `json:"gets"`
	Hits     uint64  `json:"hits"`
	Returns  uint64  `json:"returns"`
	Discards uint64  `json:"discards"`
	Idle     int     `json:"idle"`
	HitRate  float64 `json:"hit_rate"`
}
