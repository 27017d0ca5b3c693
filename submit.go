package cmdgraph

import (
	"context"
	"fmt"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/barrier"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/internal/taskgraph"
	"github.com/gogpu/cmdgraph/packet"
)

// Submit schedules gr onto the GPUs and returns once every list has been
// handed to its queue. Readbacks of the graph complete later.
//
// Passes are grouped into lists, queue ownership and cross-GPU waits are
// resolved, and then every list runs through four stages: a local barrier
// pass and a native fill that may run concurrently with other lists, and a
// global barrier pass and queue submission that run in list order.
func (g *DeviceGroup) Submit(ctx context.Context, gr *Graph) error {
	if gr.g != g {
		return fmt.Errorf("cmdgraph: submit: graph of another device group")
	}

	g.submitMu.Lock()
	defer g.submitMu.Unlock()
	if gr.submitted {
		return ErrGraphSubmitted
	}
	g.closeMu.RLock()
	closed := g.closed
	g.closeMu.RUnlock()
	if closed {
		return ErrClosed
	}
	gr.submitted = true
	gr.timing.TimeBeforeSubmit.Stop()

	timing := &gr.timing
	timing.Submit.Start()
	timing.AddNodes.Start()
	lists := g.prepareNodes(gr.nodes)
	g.checkQueueDependencies(lists)
	g.checkSharedDependencies(lists)
	timing.AddNodes.Stop()

	timing.FillCommandLists.Start()
	err := g.buildPipeline(lists).Run(ctx, g.executor())
	timing.FillCommandLists.Stop()

	timing.SubmitSolve.Start()
	g.track(gr.seq, lists, err)
	timing.SubmitSolve.Stop()
	timing.Submit.Stop()

	timing.Lists = make([]desc.CommandListTiming, len(lists))
	for i, l := range lists {
		timing.Lists[i] = l.timing
	}
	g.timing = *timing
	gr.nodes = nil
	if err != nil {
		return fmt.Errorf("cmdgraph: submit graph %d: %w", gr.seq, err)
	}
	return nil
}

// executor returns the worker pool, or nil to run every task in order on
// the calling goroutine.
func (g *DeviceGroup) executor() taskgraph.Executor {
	if g.pool == nil {
		return nil
	}
	return g.pool
}

// buildPipeline lays out the tasks of one submission:
//
//	gc                                   collect finished work
//	local_i                              readback memory, replay, local pass
//	global_i   after local_i, global_i-1 resolve against the state table
//	compile_i  after global_i            fill the native list
//	submit_i   after compile_i, submit_i-1 [, gc]
func (g *DeviceGroup) buildPipeline(lists []*preparedList) *taskgraph.Graph {
	var tg taskgraph.Graph
	gc := tg.Add("gc", func(context.Context) error {
		if err := g.checkCompletedLists(true); err != nil {
			return err
		}
		g.garbageCollection()
		return nil
	})

	prevGlobal, prevSubmit := taskgraph.Token(-1), taskgraph.Token(-1)
	for _, l := range lists {
		l.timing.GPU = l.gpu
		l.timing.Queue = l.queue
		l.timing.FromSubmit.Start()
		for _, n := range l.nodes {
			l.timing.Nodes = append(l.timing.Nodes, n.timing)
		}

		local := tg.Add(fmt.Sprintf("local_%d", l.index), func(context.Context) error {
			return g.localPass(l)
		})
		deps := []taskgraph.Token{local}
		if prevGlobal >= 0 {
			deps = append(deps, prevGlobal)
		}
		global := tg.Add(fmt.Sprintf("global_%d", l.index), func(context.Context) error {
			l.timing.BarrierSolveGlobal.Start()
			l.solver.GlobalPass()
			l.timing.BarrierSolveGlobal.Stop()
			l.timing.Barriers = l.solver.Count()
			return nil
		}, deps...)
		compile := tg.Add(fmt.Sprintf("compile_%d", l.index), func(context.Context) error {
			return g.compile(l)
		}, global)

		deps = []taskgraph.Token{compile}
		if prevSubmit >= 0 {
			deps = append(deps, prevSubmit)
		}
		if len(l.readbacks) > 0 {
			deps = append(deps, gc)
		}
		submit := tg.Add(fmt.Sprintf("submit_%d", l.index), func(context.Context) error {
			return g.submitList(lists, l)
		}, deps...)
		prevGlobal, prevSubmit = global, submit
	}
	return &tg
}

// localPass gives the list's readbacks their memory, merges the pass
// streams and records every access and queue transfer with a new solver.
func (g *DeviceGroup) localPass(l *preparedList) error {
	d := g.devices[l.gpu]
	for _, n := range l.nodes {
		for _, rb := range n.readbacks {
			mem := g.handles.Allocate(handle.TypeReadbackBuffer).WithGPU(l.gpu)
			if err := d.dev.CreateReadback(mem, rb.size); err != nil {
				g.handles.Release(mem)
				return fmt.Errorf("readback memory on gpu %d: %w", l.gpu, err)
			}
			rb.gpu, rb.mem = l.gpu, mem
			n.Stream().PatchReadbackDst(rb.ref, uint64(mem))
			Logger().Debug("cmdgraph: readback patched", "pass", n.name, "memory", mem, "bytes", rb.size)
		}
	}

	l.stream = g.streams.Get()
	for _, n := range l.nodes {
		l.stream.Append(n.Stream())
	}
	if len(l.releases) > 0 {
		l.stream.Insert(packet.ReleaseFromQueue{})
	}
	l.timing.PacketBytes = l.stream.SizeBytes()
	l.timing.Acquires = len(l.acquires)
	l.timing.Releases = len(l.releases)

	l.timing.BarrierAdd.Start()
	l.solver = barrier.NewSolver(d.table, barrier.Options{CommonStateOptimization: g.opts.commonState})
	releaseDraw := g.replay(l.solver, l.stream, l.queue)
	for _, a := range l.acquires {
		l.solver.AddAcquire(0, a.h, a.queue, l.queue)
	}
	for _, r := range l.releases {
		l.solver.AddRelease(releaseDraw, r.h, l.queue, r.queue)
	}
	l.timing.BarrierAdd.Stop()

	l.timing.BarrierSolveLocal.Start()
	l.solver.LocalPass()
	l.timing.BarrierSolveLocal.Stop()
	return nil
}

// compile fills the native list and returns the pass streams to the pool.
func (g *DeviceGroup) compile(l *preparedList) error {
	l.timing.FillNativeList.Start()
	defer l.timing.FillNativeList.Stop()

	cl, err := g.devices[l.gpu].dev.CreateList(l.queue)
	if err != nil {
		return fmt.Errorf("create %s list on gpu %d: %w", l.queue, l.gpu, err)
	}
	l.native = cl
	if err := cl.FillWith(l.stream, l.solver); err != nil {
		return fmt.Errorf("fill %s list on gpu %d: %w", l.queue, l.gpu, err)
	}
	for _, n := range l.nodes {
		g.streams.Put(n.Stream())
	}
	g.streams.Put(l.stream)
	l.stream = nil
	return nil
}

// submitList hands one list to its queue with the waits and signals the
// scheduler chose. It runs in list order.
func (g *DeviceGroup) submitList(lists []*preparedList, l *preparedList) error {
	d := g.devices[l.gpu]
	qi := l.queue.Index()
	sub := backend.Submission{Lists: []backend.CommandList{l.native}}

	for _, w := range l.waits {
		v := w.value
		if w.list >= 0 {
			if w.queue == sharedQueue {
				v = lists[w.list].sharedValue
			} else {
				v = lists[w.list].signalValue
			}
		}
		if v == 0 {
			continue
		}
		src := g.devices[w.gpu]
		tl := src.shared
		if w.queue != sharedQueue {
			tl = src.timelines[w.queue]
		}
		sub.WaitTimelines = append(sub.WaitTimelines, backend.TimelineValue{Timeline: tl, Value: v})
		l.timing.WaitValues = append(l.timing.WaitValues, v)
	}
	l.timing.Waits = len(sub.WaitTimelines)

	if l.signal {
		l.signalValue = d.values[qi] + 1
		sub.SignalTimelines = append(sub.SignalTimelines, backend.TimelineValue{Timeline: d.timelines[qi], Value: l.signalValue})
	}
	if l.signalShared {
		l.sharedValue = d.sharedValue + 1
		sub.SignalTimelines = append(sub.SignalTimelines, backend.TimelineValue{Timeline: d.shared, Value: l.sharedValue})
	}
	if l.fence {
		f, err := d.dev.CreateFence()
		if err != nil {
			return fmt.Errorf("fence on gpu %d: %w", l.gpu, err)
		}
		l.fenceObj = f
		l.timing.Fenced = true
		sub.Fence = f
		for _, rb := range l.readbacks {
			rb.fence = f
		}
	}
	if l.acquire != nil {
		if l.acquire.acquire == nil {
			return fmt.Errorf("swapchain %q: %w", l.acquire.desc.Label, ErrInvalidHandle)
		}
		sub.Wait = append(sub.Wait, l.acquire.acquire)
	}
	if l.present != nil {
		if l.present.render == nil {
			return fmt.Errorf("swapchain %q: %w", l.present.desc.Label, ErrInvalidHandle)
		}
		sub.Signal = append(sub.Signal, l.present.render)
	}

	l.timing.Submitted.Start()
	err := d.dev.Submit(l.queue, sub)
	l.timing.Submitted.Stop()
	l.timing.FromSubmit.Stop()
	if err != nil {
		l.signalValue, l.sharedValue = 0, 0
		return fmt.Errorf("submit %s list on gpu %d: %w", l.queue, l.gpu, err)
	}
	l.submitted = true
	if l.signal {
		d.values[qi] = l.signalValue
		l.timing.Signal = l.signalValue
	}
	if l.signalShared {
		d.sharedValue = l.sharedValue
		for _, n := range l.nodes {
			for _, h := range n.writeShared {
				g.sharedLast[h.Key()] = sharedWrite{gpu: l.gpu, value: l.sharedValue}
			}
		}
	}
	Logger().Debug("cmdgraph: list submitted", "gpu", l.gpu, "queue", l.queue, "list", l.index,
		"nodes", len(l.nodes), "waits", len(sub.WaitTimelines), "signal", l.signalValue,
		"fence", l.fence, "terminal", l.terminal, "barriers", l.timing.Barriers)
	return nil
}
