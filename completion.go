package cmdgraph

import (
	"fmt"
	"time"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/handle"
)

// fenceWaitTimeout bounds how long Submit waits for the oldest graph when
// too many are in flight.
const fenceWaitTimeout = 10 * time.Second

// liveSubmission is a submitted graph that has not finished on the GPU.
type liveSubmission struct {
	seq       uint64
	lists     []backend.CommandList
	fences    []backend.Fence
	readbacks []*Readback
}

func (s *liveSubmission) done() bool {
	for _, f := range s.fences {
		if !f.Signaled() {
			return false
		}
	}
	return true
}

// track registers the lists of a submission for completion tracking. Lists
// that never reached their queue are released right away and their
// readbacks fail with err.
func (g *DeviceGroup) track(seq uint64, lists []*preparedList, err error) {
	// Unsubmitted lists form a suffix; undo their table write-back newest
	// first so the table matches what the GPUs will actually reach.
	for i := len(lists) - 1; i >= 0; i-- {
		if l := lists[i]; !l.submitted && l.solver != nil {
			l.solver.Rollback()
		}
	}

	s := &liveSubmission{seq: seq}
	waitGPUs := make(map[int]bool)
	for _, l := range lists {
		if l.stream != nil {
			g.streams.Put(l.stream)
			l.stream = nil
		}
		if !l.submitted {
			if l.native != nil {
				l.native.Release()
			}
			if l.fenceObj != nil {
				l.fenceObj.Release()
			}
			for _, rb := range l.readbacks {
				g.dropReadback(rb, fmt.Errorf("cmdgraph: readback not submitted: %w", err))
			}
			continue
		}
		waitGPUs[l.gpu] = true
		s.lists = append(s.lists, l.native)
		if l.fenceObj != nil {
			s.fences = append(s.fences, l.fenceObj)
		}
		s.readbacks = append(s.readbacks, l.readbacks...)
	}

	if err != nil {
		// Submitted lists of a broken graph may carry no fence; wait for
		// their devices so that releases stay safe.
		for gpu := range waitGPUs {
			if werr := g.devices[gpu].dev.WaitIdle(); werr != nil {
				Logger().Warn("cmdgraph: waiting after failed submit", "gpu", gpu, "err", werr)
			}
		}
	}

	g.inflightMu.Lock()
	defer g.inflightMu.Unlock()
	if len(s.fences) == 0 {
		g.retire(s)
		return
	}
	g.inflight = append(g.inflight, s)
}

// checkCompletedLists retires every submission whose fences signaled,
// fulfilling readbacks as their lists finish. With throttle set it first
// waits for the oldest submissions until fewer than the configured maximum
// remain in flight.
func (g *DeviceGroup) checkCompletedLists(throttle bool) error {
	g.inflightMu.Lock()
	defer g.inflightMu.Unlock()

	if throttle {
		for len(g.inflight) >= g.opts.maxInFlight {
			oldest := g.inflight[0]
			for _, f := range oldest.fences {
				ok, err := f.Wait(fenceWaitTimeout)
				if err != nil {
					return fmt.Errorf("cmdgraph: waiting for graph %d: %w", oldest.seq, err)
				}
				if !ok {
					return fmt.Errorf("cmdgraph: waiting for graph %d: %w", oldest.seq, ErrTimeout)
				}
			}
			Logger().Debug("cmdgraph: throttled on oldest graph", "seq", oldest.seq, "in_flight", len(g.inflight))
			g.retire(oldest)
			g.inflight = g.inflight[1:]
		}
	}

	kept := g.inflight[:0]
	for _, s := range g.inflight {
		pending := s.readbacks[:0]
		for _, rb := range s.readbacks {
			if rb.fence != nil && rb.fence.Signaled() {
				g.fulfillReadback(rb)
			} else {
				pending = append(pending, rb)
			}
		}
		s.readbacks = pending

		if s.done() {
			g.retire(s)
		} else {
			kept = append(kept, s)
		}
	}
	clear(g.inflight[len(kept):])
	g.inflight = kept
	return nil
}

// retire releases a finished submission and completes its sequence.
// must be called with g.inflightMu held.
func (g *DeviceGroup) retire(s *liveSubmission) {
	for _, rb := range s.readbacks {
		g.fulfillReadback(rb)
	}
	s.readbacks = nil
	for _, l := range s.lists {
		l.Release()
	}
	for _, f := range s.fences {
		f.Release()
	}
	g.tracker.Complete(s.seq)
}

// fulfillReadback maps the readback memory, hands the bytes to the future
// and frees the memory.
func (g *DeviceGroup) fulfillReadback(rb *Readback) {
	if !rb.mem.IsValid() {
		return
	}
	dev := g.devices[rb.gpu].dev
	data, err := dev.MapReadback(rb.mem)
	if err != nil {
		err = fmt.Errorf("cmdgraph: map readback: %w", err)
	}
	g.freeReadbackMemory(rb)
	rb.fulfill(data, err)
}

func (g *DeviceGroup) dropReadback(rb *Readback, err error) {
	g.freeReadbackMemory(rb)
	rb.fulfill(nil, err)
}

func (g *DeviceGroup) freeReadbackMemory(rb *Readback) {
	if !rb.mem.IsValid() {
		return
	}
	g.devices[rb.gpu].dev.Destroy(rb.mem)
	g.handles.Release(rb.mem)
	rb.mem = handle.Invalid
}

// failPending drops submissions that never finished, failing their
// readbacks with err.
func (g *DeviceGroup) failPending(err error) {
	g.inflightMu.Lock()
	defer g.inflightMu.Unlock()
	for _, s := range g.inflight {
		for _, rb := range s.readbacks {
			g.dropReadback(rb, err)
		}
		s.readbacks = nil
		g.retire(s)
	}
	g.inflight = nil
}

// garbageCollection destroys released resources and views whose last
// possible use belongs to a completed sequence.
func (g *DeviceGroup) garbageCollection() {
	garbage := g.garbage.Collect(g.tracker.CompletedTill())
	if garbage.Empty() {
		return
	}
	for _, fn := range garbage.Funcs {
		fn()
	}
	for _, v := range garbage.Views {
		g.destroyView(v)
	}
	for _, h := range garbage.Resources {
		g.destroy(h)
	}
	Logger().Debug("cmdgraph: released", "resources", len(garbage.Resources), "views", len(garbage.Views),
		"objects", len(garbage.Funcs),
		"completed", g.tracker.CompletedTill())
}
