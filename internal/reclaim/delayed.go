package reclaim

import (
	"sync"

	"github.com/gogpu/cmdgraph/handle"
)

type entry struct {
	seq  uint64
	res  handle.ResourceHandle
	view handle.ViewResourceHandle
	fn   func()
	// isView selects between res and view when fn is nil.
	isView bool
}

// Garbage is what became safe to destroy in one Collect call.
type Garbage struct {
	Resources []handle.ResourceHandle
	Views     []handle.ViewResourceHandle
	// Funcs release backend objects that have no handle, such as
	// swapchains and semaphores.
	Funcs []func()
}

// Empty reports whether nothing was collected.
func (g Garbage) Empty() bool {
	return len(g.Resources) == 0 && len(g.Views) == 0 && len(g.Funcs) == 0
}

// DelayedRelease holds handles until the sequence they were released at has
// completed. Entries must be inserted with non-decreasing sequences.
//
// DelayedRelease is safe for concurrent use.
type DelayedRelease struct {
	mu      sync.Mutex
	entries []entry
}

// Insert schedules h for release once seq completes.
func (d *DelayedRelease) Insert(seq uint64, h handle.ResourceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entry{seq: max(seq, d.lastSeq()), res: h})
}

// InsertView schedules v for release once seq completes.
func (d *DelayedRelease) InsertView(seq uint64, v handle.ViewResourceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entry{seq: max(seq, d.lastSeq()), view: v, isView: true})
}

// InsertFunc schedules fn to run once seq completes.
func (d *DelayedRelease) InsertFunc(seq uint64, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entry{seq: max(seq, d.lastSeq()), fn: fn})
}

func (d *DelayedRelease) lastSeq() uint64 {
	if len(d.entries) == 0 {
		return 0
	}
	return d.entries[len(d.entries)-1].seq
}

// Collect removes and returns every entry whose sequence is <= completed.
func (d *DelayedRelease) Collect(completed uint64) Garbage {
	d.mu.Lock()
	defer d.mu.Unlock()
	var g Garbage
	n := 0
	for _, e := range d.entries {
		if e.seq > completed {
			break
		}
		switch {
		case e.fn != nil:
			g.Funcs = append(g.Funcs, e.fn)
		case e.isView:
			g.Views = append(g.Views, e.view)
		default:
			g.Resources = append(g.Resources, e.res)
		}
		n++
	}
	d.entries = append(d.entries[:0], d.entries[n:]...)
	return g
}

// Len returns the number of pending entries.
func (d *DelayedRelease) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
