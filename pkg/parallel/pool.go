// Package parallel provides a reusable fixed-size worker pool.
package parallel

import (
	"errors"
	"runtime"
	"sync"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("worker pool is closed")

// ProgressFunc receives the fraction of work done, in [0, 1].
type ProgressFunc func(fraction float64)

type task struct {
	fn   func(i int)
	i    int
	done func()
}

// Pool runs units of work on a fixed set of goroutines. Workers are started
// once and reused by every Run call.
type Pool struct {
	size  int
	tasks chan task
	wg    sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	progress ProgressFunc
}

// NewPool starts a pool of size workers. A size <= 0 uses runtime.NumCPU().
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		size:  size,
		tasks: make(chan task),
	}
	p.wg.Add(size)
	for w := 0; w < size; w++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.fn(t.i)
		t.done()
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// SetProgress installs a progress sink. It is called from worker goroutines,
// serialized by the pool.
func (p *Pool) SetProgress(fn ProgressFunc) {
	p.mu.Lock()
	p.progress = fn
	p.mu.Unlock()
}

// Run calls fn(i) for i in [0, n) on the workers and waits for all calls to
// return. fn must not call Run on the same pool.
func (p *Pool) Run(n int, fn func(i int)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	progress := p.progress
	p.mu.Unlock()

	if n <= 0 {
		return nil
	}

	var (
		barrier  sync.WaitGroup
		reportMu sync.Mutex
		finished int
	)
	done := func() {
		if progress != nil {
			reportMu.Lock()
			finished++
			progress(float64(finished) / float64(n))
			reportMu.Unlock()
		}
		barrier.Done()
	}

	barrier.Add(n)
	for i := 0; i < n; i++ {
		p.tasks <- task{fn: fn, i: i, done: done}
	}
	barrier.Wait()
	return nil
}

// Close stops the workers. It must not race with Run, but may be called more
// than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
}

// Chunks splits [0, n) into at most parts contiguous ranges of near-equal
// length. Each range is returned as [start, end).
func Chunks(n, parts int) [][2]int {
	if n <= 0 {
		return nil
	}
	if parts <= 0 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	out := make([][2]int, 0, parts)
	size, rem := n/parts, n%parts
	start := 0
	for c := 0; c < parts; c++ {
		end := start + size
		if c < rem {
			end++
		}
		out = append(out, [2]int{start, end})
		start = end
	}
	return out
}
