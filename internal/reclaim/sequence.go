// Package reclaim tracks GPU completion by sequence number and defers the
// release of resources until the work that last used them has finished.
package reclaim

import (
	"fmt"
	"sync"
)

// SequenceTracker hands out increasing sequence numbers and records which of
// them have completed. Completions may arrive out of order; CompletedTill
// only advances over a contiguous prefix.
//
// SequenceTracker is safe for concurrent use.
type SequenceTracker struct {
	mu      sync.Mutex
	last    uint64
	till    uint64
	pending map[uint64]struct{}
}

// NewSequenceTracker returns a tracker whose first sequence is 1.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{pending: make(map[uint64]struct{})}
}

// Next allocates the next sequence number.
func (t *SequenceTracker) Next() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last++
	return t.last
}

// Complete marks seq as finished.
func (t *SequenceTracker) Complete(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq == 0 || seq > t.last {
		panic(fmt.Sprintf("reclaim: completing unallocated sequence %d (last %d)", seq, t.last))
	}
	if seq <= t.till {
		return
	}
	t.pending[seq] = struct{}{}
	for {
		if _, ok := t.pending[t.till+1]; !ok {
			break
		}
		delete(t.pending, t.till+1)
		t.till++
	}
}

// HasCompleted reports whether seq has finished.
func (t *SequenceTracker) HasCompleted(seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= t.till {
		return true
	}
	_, ok := t.pending[seq]
	return ok
}

// CompletedTill returns the highest n such that every sequence <= n completed.
func (t *SequenceTracker) CompletedTill() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.till
}

// LastSequence returns the most recently allocated sequence.
func (t *SequenceTracker) LastSequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
