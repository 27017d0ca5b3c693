// Package shadercache memoizes the translation of WGSL source to SPIR-V.
//
// Pipelines of different devices, and pipelines recreated after a release,
// usually share their shader source. Compiling it once per process keeps
// pipeline creation off the naga front end after the first time.
package shadercache

import "sync"

// DefaultSoftLimit is the number of compiled shaders kept by Default.
const DefaultSoftLimit = 128

// Compiler translates WGSL source to SPIR-V words.
type Compiler func(src string) ([]uint32, error)

// Cache is a thread-safe soft-limited LRU of compiled shaders keyed by their
// source. When it grows past the soft limit, the least recently used quarter
// is evicted.
//
// Cache must not be copied after creation (has mutex).
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	softLimit int
	tick      int64 // monotonic access counter

	hits   uint64
	misses uint64
}

type entry struct {
	words []uint32
	atime int64
}

// Stats reports cache usage.
type Stats struct {
	Len      int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// New creates a cache. A softLimit of 0 means unlimited.
func New(softLimit int) *Cache {
	return &Cache{entries: make(map[string]*entry), softLimit: softLimit}
}

// Get returns the SPIR-V for src, running compile on a miss. compile runs
// under the cache lock, so concurrent misses on the same source compile it
// once. Failed compilations are not cached.
func (c *Cache) Get(src string, compile Compiler) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	if e, ok := c.entries[src]; ok {
		e.atime = c.tick
		c.hits++
		return e.words, nil
	}
	c.misses++

	words, err := compile(src)
	if err != nil {
		return nil, err
	}
	c.entries[src] = &entry{words: words, atime: c.tick}
	if c.softLimit > 0 && len(c.entries) > c.softLimit {
		c.evictOldest()
	}
	return words, nil
}

// Len returns the number of cached shaders.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every cached shader.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.tick = 0
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Len: len(c.entries), Capacity: c.softLimit, Hits: c.hits, Misses: c.misses}
}

// evictOldest shrinks the cache to three quarters of the soft limit.
// Caller must hold c.mu.
func (c *Cache) evictOldest() {
	target := max(c.softLimit*3/4, 1)
	toEvict := len(c.entries) - target
	if toEvict <= 0 {
		return
	}

	type aged struct {
		src   string
		atime int64
	}
	all := make([]aged, 0, len(c.entries))
	for src, e := range c.entries {
		all = append(all, aged{src: src, atime: e.atime})
	}
	// Selection of the oldest few; eviction batches are small.
	for i := 0; i < toEvict; i++ {
		oldest := i
		for j := i + 1; j < len(all); j++ {
			if all[j].atime < all[oldest].atime {
				oldest = j
			}
		}
		all[i], all[oldest] = all[oldest], all[i]
		delete(c.entries, all[i].src)
	}
}
