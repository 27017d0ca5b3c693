package cmdgraph

import (
	"fmt"

	"github.com/gogpu/cmdgraph/cmdlist"
	"github.com/gogpu/cmdgraph/desc"
)

// Graph is an ordered list of passes submitted together. Every graph holds
// a sequence number; resources released while it is alive are destroyed
// only after it finished on the GPU or was discarded.
//
// A Graph is not safe for concurrent use. Record passes concurrently by
// creating them up front and adding them in order with AddPass or Merge.
type Graph struct {
	g         *DeviceGroup
	seq       uint64
	nodes     []*Node
	submitted bool
	timing    desc.SubmitTiming
}

// CreateGraph starts a new graph.
func (g *DeviceGroup) CreateGraph() *Graph {
	gr := &Graph{g: g, seq: g.tracker.Next()}
	gr.timing.ID = gr.seq
	gr.timing.TimeBeforeSubmit.Start()
	return gr
}

// Sequence returns the graph's sequence number.
func (gr *Graph) Sequence() uint64 { return gr.seq }

// Len returns the number of added passes.
func (gr *Graph) Len() int { return len(gr.nodes) }

// Nodes returns the added passes in order.
func (gr *Graph) Nodes() []*Node { return gr.nodes }

// CreatePass starts recording a pass for queue q of GPU gpu. The pass is
// part of the graph once added with AddPass or Merge.
func (gr *Graph) CreatePass(name string, q desc.QueueType, gpu int) *Node {
	if q.Index() < 0 {
		panic(fmt.Sprintf("cmdgraph: pass %q on queue %s", name, q))
	}
	if gpu < 0 || gpu >= len(gr.g.devices) {
		panic(fmt.Sprintf("cmdgraph: pass %q on gpu %d of %d", name, gpu, len(gr.g.devices)))
	}
	n := &Node{
		graph: gr,
		name:  name,
		queue: q,
		gpu:   gpu,
		list:  cmdlist.Wrap(gr.g.streams.Get()),
	}
	n.timing.NodeName = name
	n.timing.CPUTime.Start()
	n.list.RenderBlock(name)
	return n
}

// AddPass seals n and appends it to the graph.
func (gr *Graph) AddPass(n *Node) {
	if n.graph != gr {
		panic(fmt.Sprintf("cmdgraph: pass %q belongs to another graph", n.name))
	}
	if n.added {
		panic(fmt.Sprintf("cmdgraph: pass %q added twice", n.name))
	}
	if gr.submitted {
		panic(fmt.Sprintf("cmdgraph: pass %q added to a submitted graph", n.name))
	}
	if n.inPass {
		panic(fmt.Sprintf("cmdgraph: pass %q ends inside a renderpass", n.name))
	}
	n.flush()
	n.added = true
	n.timing.CPUTime.Stop()
	gr.nodes = append(gr.nodes, n)
}

// Merge adds passes recorded elsewhere, in order.
func (gr *Graph) Merge(nodes []*Node) {
	for _, n := range nodes {
		gr.AddPass(n)
	}
}

// Discard drops the graph without submitting it. Its passes must not be
// used afterwards.
func (gr *Graph) Discard() {
	gr.g.submitMu.Lock()
	defer gr.g.submitMu.Unlock()
	if gr.submitted {
		return
	}
	gr.submitted = true
	for _, n := range gr.nodes {
		gr.g.streams.Put(n.list.Stream())
		for _, rb := range n.readbacks {
			rb.fulfill(nil, ErrGraphDiscarded)
		}
	}
	gr.nodes = nil
	gr.g.tracker.Complete(gr.seq)
}
