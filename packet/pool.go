package packet

import "sync"

// Pool manages reusable streams so that recording a frame does not
// reallocate arenas that a previous frame already grew.
//
// Usage:
//
//	s := packet.DefaultPool.Get()
//	defer packet.DefaultPool.Put(s)
type Pool struct {
	pool sync.Pool
}

// NewPool creates a stream pool.
func NewPool() *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() any {
				return NewStream(0)
			},
		},
	}
}

// Get returns an empty stream.
func (p *Pool) Get() *Stream {
	s := p.pool.Get().(*Stream)
	s.Reset()
	return s
}

// Put returns a stream to the pool. The caller must not use it afterwards.
func (p *Pool) Put(s *Stream) {
	if s == nil {
		return
	}
	p.pool.Put(s)
}

// Warmup pre-allocates count streams.
func (p *Pool) Warmup(count int) {
	streams := make([]*Stream, count)
	for i := range streams {
		streams[i] = p.Get()
	}
	for _, s := range streams {
		p.Put(s)
	}
}

// DefaultPool is a process-wide stream pool.
var DefaultPool = NewPool()
