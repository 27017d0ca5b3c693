package cmdgraph

import (
	"testing"

	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
)

// passSpec records one UpdateBuffer into buf on queue q of gpu.
type passSpec struct {
	queue desc.QueueType
	gpu   int
}

func buildGraph(t *testing.T, g *DeviceGroup, buf handle.ResourceHandle, passes []passSpec) *Graph {
	t.Helper()
	gr := g.CreateGraph()
	for i, p := range passes {
		n := gr.CreatePass("pass", p.queue, p.gpu)
		n.UpdateBuffer(buf, 0, []byte{byte(i)})
		gr.AddPass(n)
	}
	t.Cleanup(gr.Discard)
	return gr
}

func TestPrepareNodes(t *testing.T) {
	tests := []struct {
		name      string
		minChunk  int
		gpus      int
		passes    []passSpec
		wantLists int
	}{
		{
			name:      "same queue merges",
			minChunk:  1 << 20,
			gpus:      1,
			passes:    []passSpec{{desc.QueueGraphics, 0}, {desc.QueueGraphics, 0}, {desc.QueueGraphics, 0}},
			wantLists: 1,
		},
		{
			name:      "tiny threshold splits every pass",
			minChunk:  1,
			gpus:      1,
			passes:    []passSpec{{desc.QueueGraphics, 0}, {desc.QueueGraphics, 0}, {desc.QueueGraphics, 0}},
			wantLists: 3,
		},
		{
			name:      "queue change splits",
			minChunk:  1 << 20,
			gpus:      1,
			passes:    []passSpec{{desc.QueueGraphics, 0}, {desc.QueueCompute, 0}, {desc.QueueCompute, 0}, {desc.QueueGraphics, 0}},
			wantLists: 3,
		},
		{
			name:      "gpu change splits",
			minChunk:  1 << 20,
			gpus:      2,
			passes:    []passSpec{{desc.QueueGraphics, 0}, {desc.QueueGraphics, 1}},
			wantLists: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGroup(t, tt.gpus, false, WithWorkers(1), WithMinChunkBytes(tt.minChunk))
			buf := mustBuffer(t, g, 4)
			gr := buildGraph(t, g, buf, tt.passes)

			lists := g.prepareNodes(gr.Nodes())
			if len(lists) != tt.wantLists {
				t.Fatalf("len(lists) = %d, want %d", len(lists), tt.wantLists)
			}
			nodes := 0
			for i, l := range lists {
				if l.index != i {
					t.Errorf("lists[%d].index = %d", i, l.index)
				}
				for _, n := range l.nodes {
					if n.Queue() != l.queue || n.GPU() != l.gpu {
						t.Errorf("pass on %s/%d in list on %s/%d", n.Queue(), n.GPU(), l.queue, l.gpu)
					}
				}
				nodes += len(l.nodes)
			}
			if nodes != len(tt.passes) {
				t.Errorf("lists hold %d passes, want %d", nodes, len(tt.passes))
			}
		})
	}
}

func TestPrepareNodesCutsBeforeSharedRead(t *testing.T) {
	g := newTestGroup(t, 2, false, WithWorkers(1), WithMinChunkBytes(1<<20))
	local := mustBuffer(t, g, 4)
	shared, err := g.CreateSharedBuffer(0, desc.BufferDesc{Size: 4})
	if err != nil {
		t.Fatalf("CreateSharedBuffer() error = %v", err)
	}

	gr := g.CreateGraph()
	t.Cleanup(gr.Discard)
	a := gr.CreatePass("a", desc.QueueGraphics, 1)
	a.UpdateBuffer(local, 0, []byte{1})
	gr.AddPass(a)
	b := gr.CreatePass("b", desc.QueueGraphics, 1)
	b.Copy(local, 0, shared, 0, 4)
	gr.AddPass(b)

	if got := b.ReadShared(); len(got) != 1 || got[0] != shared {
		t.Fatalf("ReadShared() = %v, want [%s]", got, shared)
	}
	if lists := g.prepareNodes(gr.Nodes()); len(lists) != 2 {
		t.Errorf("len(lists) = %d, want 2", len(lists))
	}
}

func TestCheckQueueDependencies(t *testing.T) {
	g := newTestGroup(t, 1, false, WithWorkers(1), WithMinChunkBytes(1<<20))
	buf := mustBuffer(t, g, 4)
	gr := buildGraph(t, g, buf, []passSpec{
		{desc.QueueGraphics, 0},
		{desc.QueueCompute, 0},
		{desc.QueueGraphics, 0},
	})

	lists := g.prepareNodes(gr.Nodes())
	g.checkQueueDependencies(lists)

	tests := []struct {
		name                    string
		acquires, releases      int
		waits                   int
		signal, terminal, fence bool
	}{
		{"graphics 0", 0, 1, 0, true, false, false},
		{"compute 1", 1, 1, 1, true, true, true},
		{"graphics 2", 1, 0, 1, true, true, true},
	}
	for i, tt := range tests {
		l := lists[i]
		if len(l.acquires) != tt.acquires {
			t.Errorf("%s: acquires = %d, want %d", tt.name, len(l.acquires), tt.acquires)
		}
		if len(l.releases) != tt.releases {
			t.Errorf("%s: releases = %d, want %d", tt.name, len(l.releases), tt.releases)
		}
		if len(l.waits) != tt.waits {
			t.Errorf("%s: waits = %d, want %d", tt.name, len(l.waits), tt.waits)
		}
		if l.signal != tt.signal || l.terminal != tt.terminal || l.fence != tt.fence {
			t.Errorf("%s: signal, terminal, fence = %v, %v, %v, want %v, %v, %v",
				tt.name, l.signal, l.terminal, l.fence, tt.signal, tt.terminal, tt.fence)
		}
	}
	if w := lists[1].waits[0]; w.list != 0 || w.queue != desc.QueueGraphics.Index() {
		t.Errorf("compute list waits on list %d queue %d, want list 0 queue %d", w.list, w.queue, desc.QueueGraphics.Index())
	}
	if r := lists[0].releases[0]; r.h != buf || r.queue != desc.QueueCompute {
		t.Errorf("graphics list releases %s to %s, want %s to Compute", r.h, r.queue, buf)
	}
}

func TestCheckSharedDependencies(t *testing.T) {
	g := newTestGroup(t, 2, false, WithWorkers(1), WithMinChunkBytes(1<<20))
	shared, err := g.CreateSharedBuffer(0, desc.BufferDesc{Size: 4})
	if err != nil {
		t.Fatalf("CreateSharedBuffer() error = %v", err)
	}
	local := mustBuffer(t, g, 4)

	gr := g.CreateGraph()
	t.Cleanup(gr.Discard)
	w := gr.CreatePass("write", desc.QueueGraphics, 0)
	w.UpdateBuffer(shared, 0, []byte{1, 2, 3, 4})
	gr.AddPass(w)
	r := gr.CreatePass("read", desc.QueueGraphics, 1)
	r.Copy(local, 0, shared, 0, 4)
	gr.AddPass(r)

	lists := g.prepareNodes(gr.Nodes())
	g.checkQueueDependencies(lists)
	g.checkSharedDependencies(lists)

	if !lists[0].signalShared {
		t.Error("writer list does not signal the shared timeline")
	}
	var found bool
	for _, wr := range lists[1].waits {
		if wr.queue == sharedQueue && wr.gpu == 0 && wr.list == 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("reader waits = %+v, want a shared wait on gpu 0 list 0", lists[1].waits)
	}
}

func TestSharedReadWaitsAcrossGraphs(t *testing.T) {
	g := newTestGroup(t, 2, false)
	shared, err := g.CreateSharedBuffer(0, desc.BufferDesc{Size: 4})
	if err != nil {
		t.Fatalf("CreateSharedBuffer() error = %v", err)
	}
	local := mustBuffer(t, g, 4)

	gr := g.CreateGraph()
	w := gr.CreatePass("write", desc.QueueGraphics, 0)
	w.UpdateBuffer(shared, 0, []byte{1, 2, 3, 4})
	gr.AddPass(w)
	if err := g.Submit(t.Context(), gr); err != nil {
		t.Fatalf("Submit(writer) error = %v", err)
	}

	gr = g.CreateGraph()
	r := gr.CreatePass("read", desc.QueueGraphics, 1)
	r.Copy(local, 0, shared, 0, 4)
	gr.AddPass(r)
	if err := g.Submit(t.Context(), gr); err != nil {
		t.Fatalf("Submit(reader) error = %v", err)
	}
	if got := g.Timing().Lists[0].Waits; got != 1 {
		t.Errorf("reader Waits = %d, want 1", got)
	}
}

func TestSharedWriteTopology(t *testing.T) {
	tests := []struct {
		name   string
		record func(gr *Graph, shared, local handle.ResourceHandle)
	}{
		{
			name: "write from a non-owner gpu",
			record: func(gr *Graph, shared, _ handle.ResourceHandle) {
				n := gr.CreatePass("bad", desc.QueueGraphics, 1)
				n.UpdateBuffer(shared, 0, []byte{1})
				gr.AddPass(n)
			},
		},
		{
			name: "write after a foreign read",
			record: func(gr *Graph, shared, local handle.ResourceHandle) {
				r := gr.CreatePass("read", desc.QueueGraphics, 1)
				r.Copy(local, 0, shared, 0, 4)
				gr.AddPass(r)
				w := gr.CreatePass("write", desc.QueueGraphics, 0)
				w.UpdateBuffer(shared, 0, []byte{1})
				gr.AddPass(w)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGroup(t, 2, false)
			shared, err := g.CreateSharedBuffer(0, desc.BufferDesc{Size: 4})
			if err != nil {
				t.Fatalf("CreateSharedBuffer() error = %v", err)
			}
			local := mustBuffer(t, g, 4)
			gr := g.CreateGraph()
			t.Cleanup(gr.Discard)
			tt.record(gr, shared, local)

			defer func() {
				if recover() == nil {
					t.Error("checkSharedDependencies did not panic")
				}
			}()
			g.checkSharedDependencies(g.prepareNodes(gr.Nodes()))
		})
	}
}

func TestResourceOnOneQueueNeedsNoTransfer(t *testing.T) {
	g := newTestGroup(t, 1, false, WithWorkers(1), WithMinChunkBytes(1<<20))
	moved := mustBuffer(t, g, 4)
	local := mustBuffer(t, g, 4)

	gr := g.CreateGraph()
	t.Cleanup(gr.Discard)
	up := gr.CreatePass("upload", desc.QueueDMA, 0)
	up.UpdateBuffer(moved, 0, []byte{1})
	gr.AddPass(up)
	use := gr.CreatePass("use", desc.QueueGraphics, 0)
	use.UpdateBuffer(local, 0, []byte{2})
	use.Copy(local, 0, moved, 0, 4)
	gr.AddPass(use)
	again := gr.CreatePass("again", desc.QueueGraphics, 0)
	again.UpdateBuffer(local, 0, []byte{3})
	gr.AddPass(again)

	lists := g.prepareNodes(gr.Nodes())
	g.checkQueueDependencies(lists)

	var transfers int
	for _, l := range lists {
		for _, a := range l.acquires {
			if a.h == local {
				t.Errorf("list %d acquires %s used only on Graphics", l.index, local)
			}
			if a.h == moved {
				transfers++
			}
		}
		for _, r := range l.releases {
			if r.h == local {
				t.Errorf("list %d releases %s used only on Graphics", l.index, local)
			}
			if r.h == moved {
				transfers++
			}
		}
	}
	if transfers != 2 {
		t.Errorf("transfers of %s = %d, want an acquire and a release", moved, transfers)
	}
}
