// Package parallel provides the worker pool that runs barrier solving and
// native list compilation off the submitting goroutine.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a fixed set of worker goroutines.
//
// Each worker owns a queue and steals from the others when its own queue is
// empty, so one slow compile does not hold back queued solver work.
//
// Pool is safe for concurrent use.
type Pool struct {
	workers int
	queues  []chan func()
	next    atomic.Uint32

	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	depth := max(workers*4, 8)

	p := &Pool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.queues[i] = make(chan func(), depth)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.loop(i)
	}
	return p
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case <-p.done:
			drain(own)
			return
		case fn := <-own:
			fn()
			continue
		default:
		}

		if fn := p.steal(id); fn != nil {
			fn()
			continue
		}

		select {
		case <-p.done:
			drain(own)
			return
		case fn := <-own:
			fn()
		}
	}
}

func drain(q chan func()) {
	for {
		select {
		case fn := <-q:
			fn()
		default:
			return
		}
	}
}

func (p *Pool) steal(id int) func() {
	for i := 1; i < p.workers; i++ {
		select {
		case fn := <-p.queues[(id+i)%p.workers]:
			return fn
		default:
		}
	}
	return nil
}

// Go queues fn on the least loaded worker. It reports false, without running
// fn, once the pool is closed.
func (p *Pool) Go(fn func()) bool {
	if fn == nil || !p.running.Load() {
		return false
	}
	start := int(p.next.Add(1)) % p.workers
	best := start
	for i := 1; i < p.workers; i++ {
		j := (start + i) % p.workers
		if len(p.queues[j]) < len(p.queues[best]) {
			best = j
		}
	}
	select {
	case p.queues[best] <- fn:
		return true
	case <-p.done:
		return false
	}
}

// Run executes every function and waits for all of them. Work that cannot be
// queued because the pool closed runs on the caller's goroutine.
func (p *Pool) Run(work []func()) {
	var wg sync.WaitGroup
	wg.Add(len(work))
	for _, fn := range work {
		wrapped := func() {
			defer wg.Done()
			fn()
		}
		if !p.Go(wrapped) {
			wrapped()
		}
	}
	wg.Wait()
}

// Close stops the workers after the queued work has run.
// Close is safe to call multiple times.
func (p *Pool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.workers }

// Running reports whether the pool accepts work.
func (p *Pool) Running() bool { return p.running.Load() }

// Queued returns an approximate count of queued functions.
func (p *Pool) Queued() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}
