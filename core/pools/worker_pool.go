package pools

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolClosed is returned by Submit after Close
	ErrPoolClosed = errors.New("pools: worker pool is closed")
	// ErrNilTask is returned by Submit for a nil task
	ErrNilTask = errors.New("pools: nil task")
)

// Task represents a unit of work
type Task func()

// DefaultWorkers is the number of warm goroutines kept by a pool
const DefaultWorkers = 64

// WorkerPool runs tasks on warm goroutines. A task is only handed to a
// worker that is idle; when every worker is busy the task runs on a fresh
// goroutine, so a blocked task never delays the ones submitted after it.
// An optional limit bounds the number of tasks running at once.
type WorkerPool struct {
	numWorkers int
	limit      int
	tasks      chan Task
	sem        *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	// Statistics
	stats struct {
		tasksSubmitted atomic.Uint64
		tasksCompleted atomic.Uint64
		handoffs       atomic.Uint64
		overflow       atomic.Uint64
	}
}

// NewWorkerPool creates a pool with numWorkers warm goroutines. When limit
// is positive Submit waits while limit tasks are running.
func NewWorkerPool(numWorkers, limit int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = DefaultWorkers
	}

	pool := &WorkerPool{
		numWorkers: numWorkers,
		limit:      max(limit, 0),
		tasks:      make(chan Task),
		done:       make(chan struct{}),
	}
	if limit > 0 {
		pool.sem = semaphore.NewWeighted(int64(limit))
	}

	pool.wg.Add(numWorkers)
	for range numWorkers {
		go pool.run()
	}
	return pool
}

// Submit runs task on an idle worker or on a new goroutine. It only blocks
// while the pool is at its limit, and returns ctx's error if ctx ends
// first.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return ErrNilTask
	}

	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		inner := task
		task = func() {
			defer p.sem.Release(1)
			inner()
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		if p.sem != nil {
			p.sem.Release(1)
		}
		return ErrPoolClosed
	}
	p.stats.tasksSubmitted.Add(1)

	select {
	case p.tasks <- task:
		p.stats.handoffs.Add(1)
		return nil
	default:
	}

	// Every worker is busy
	p.stats.overflow.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.execute(task)
	}()
	return nil
}

func (p *WorkerPool) execute(task Task) {
	defer p.stats.tasksCompleted.Add(1)
	task()
}

// run is the main loop for a worker goroutine
func (p *WorkerPool) run() {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.tasks:
			p.execute(task)
		case <-p.done:
			return
		}
	}
}

// Close stops accepting tasks and lets the idle workers exit. Running
// tasks are not interrupted; Wait blocks until they have returned.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Wait blocks until every worker and overflow goroutine has exited.
// Call it after Close.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Stats returns pool statistics
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.stats.tasksSubmitted.Load()
	completed := p.stats.tasksCompleted.Load()
	return WorkerPoolStats{
		NumWorkers:     p.numWorkers,
		Limit:          p.limit,
		TasksSubmitted: submitted,
		TasksCompleted: completed,
		TasksPending:   submitted - min(submitted, completed),
		Handoffs:       p.stats.handoffs.Load(),
		Overflow:       p.stats.overflow.Load(),
	}
}

// WorkerPoolStats contains pool statistics
type WorkerPoolStats struct {
	NumWorkers     int    `json:"num_workers"`
	Limit          int    `json:"limit"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksCompleted uint64 `json:"tasks_completed"`
	TasksPending   uint64 `json:"tasks_pending"`
	Handoffs       uint64 `json:"handoffs"`
	Overflow       uint64 `json:"overflow"`
}
