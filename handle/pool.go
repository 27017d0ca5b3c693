package handle

import (
	"fmt"
	"sync"
)

// Pool hands out ids of one resource type. Released ids are reused with a
// bumped generation so a stale handle never validates again.
//
// Pool is not safe for concurrent use; Manager adds the locking.
type Pool struct {
	typ        ResourceType
	limit      int
	freelist   []uint32
	generation []uint8
}

// NewPool creates a pool of at most limit handles of type t.
func NewPool(t ResourceType, limit int) *Pool {
	if limit <= 0 || limit > InvalidID {
		limit = InvalidID
	}
	return &Pool{typ: t, limit: limit}
}

// Allocate returns a fresh handle owned by all GPUs.
// It panics when the pool is exhausted.
func (p *Pool) Allocate() ResourceHandle {
	if n := len(p.freelist); n > 0 {
		id := p.freelist[n-1]
		p.freelist = p.freelist[:n-1]
		return New(id, p.generation[id], p.typ, AllGPUs)
	}
	if len(p.generation) >= p.limit {
		panic(fmt.Sprintf("handle: no free %s handles", p.typ))
	}
	id := uint32(len(p.generation)) //nolint:gosec // bounded by limit
	p.generation = append(p.generation, 0)
	return New(id, 0, p.typ, AllGPUs)
}

// Release returns h to the pool. Releasing an invalid or already released
// handle panics.
func (p *Pool) Release(h ResourceHandle) {
	if !p.Valid(h) {
		panic(fmt.Sprintf("handle: invalid release of %s", h))
	}
	id := uint32(h.ID()) //nolint:gosec // validated above
	p.generation[id]++
	p.freelist = append(p.freelist, id)
}

// Valid reports whether h is a live handle of this pool.
func (p *Pool) Valid(h ResourceHandle) bool {
	id := h.ID()
	return h.Type() == p.typ && h.IsValid() && id < len(p.generation) && p.generation[id] == h.Generation()
}

// Live returns the number of handles currently allocated.
func (p *Pool) Live() int { return len(p.generation) - len(p.freelist) }

// ViewPool hands out view ids of one view type.
type ViewPool struct {
	typ        ViewType
	freelist   []uint32
	generation []uint8
}

// NewViewPool creates a view pool for views of type t.
func NewViewPool(t ViewType) *ViewPool {
	return &ViewPool{typ: t}
}

// Allocate returns a fresh view handle with an invalid resource.
func (p *ViewPool) Allocate() ViewResourceHandle {
	if n := len(p.freelist); n > 0 {
		id := p.freelist[n-1]
		p.freelist = p.freelist[:n-1]
		return NewView(id, p.generation[id], p.typ)
	}
	if len(p.generation) >= InvalidViewID {
		panic(fmt.Sprintf("handle: no free %s views", p.typ))
	}
	id := uint32(len(p.generation)) //nolint:gosec // bounded by InvalidViewID
	p.generation = append(p.generation, 0)
	return NewView(id, 0, p.typ)
}

// Release returns v to the pool. Double releases panic.
func (p *ViewPool) Release(v ViewResourceHandle) {
	if !p.Valid(v) {
		panic(fmt.Sprintf("handle: invalid release of %s", v))
	}
	id := uint32(v.ID()) //nolint:gosec // validated above
	p.generation[id]++
	p.freelist = append(p.freelist, id)
}

// Valid reports whether v is a live view of this pool.
func (p *ViewPool) Valid(v ViewResourceHandle) bool {
	id := v.ID()
	return v.Type() == p.typ && v.IsValid() && id < len(p.generation) && p.generation[id] == v.Generation()
}

// Manager owns one pool per resource type and per view type.
// Manager is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	pools [typeCount]*Pool
	views [viewTypeCount]*ViewPool
}

// NewManager creates pools for every resource and view type.
func NewManager() *Manager {
	m := &Manager{}
	for t := range typeCount {
		m.pools[t] = NewPool(t, 0)
	}
	for t := range viewTypeCount {
		m.views[t] = NewViewPool(t)
	}
	return m
}

// Allocate returns a new handle of type t.
func (m *Manager) Allocate(t ResourceType) ResourceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[t].Allocate()
}

// Release returns h to its pool.
func (m *Manager) Release(h ResourceHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[h.Type()].Release(h)
}

// Valid reports whether h is live.
func (m *Manager) Valid(h ResourceHandle) bool {
	if h.Type() >= typeCount {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[h.Type()].Valid(h)
}

// AllocateView returns a new view of type t over resource r.
func (m *Manager) AllocateView(t ViewType, r ResourceHandle) ViewResourceHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.views[t].Allocate().WithResource(r)
}

// ReleaseView returns v to its pool.
func (m *Manager) ReleaseView(v ViewResourceHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[v.Type()].Release(v)
}

// Live returns the number of live handles of type t.
func (m *Manager) Live(t ResourceType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[t].Live()
}
