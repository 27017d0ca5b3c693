package cmdgraph

import (
	"fmt"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/barrier"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/internal/bitset"
	"github.com/gogpu/cmdgraph/packet"
)

// sharedQueue marks a wait on a device's shared timeline.
const sharedQueue = -1

// waitRef is a timeline value a list waits on before it executes. When list
// is a list of the same graph, the value is the one that list signals;
// otherwise value was already known when the graph was scheduled.
type waitRef struct {
	gpu   int
	queue int
	list  int
	value uint64
}

// transfer is one queue ownership change of a resource.
type transfer struct {
	h     handle.ResourceHandle
	queue desc.QueueType
}

// preparedList is a run of consecutive passes compiled into one native
// command list.
type preparedList struct {
	index int
	gpu   int
	queue desc.QueueType
	nodes []*Node
	bytes int

	buffers  bitset.Set
	textures bitset.Set

	// acquires name the queue each resource comes from, releases the queue
	// it goes to.
	acquires []transfer
	releases []transfer
	waits    []waitRef

	terminal     bool
	signal       bool
	signalShared bool
	fence        bool

	readbacks []*Readback
	acquire   *Swapchain
	present   *Swapchain

	// filled in by the pipeline tasks
	stream      *packet.Stream
	solver      *barrier.Solver
	native      backend.CommandList
	fenceObj    backend.Fence
	signalValue uint64
	sharedValue uint64
	submitted   bool
	timing      desc.CommandListTiming
}

// prepareNodes splits the passes into lists. A list holds consecutive
// passes of one GPU and queue; it is cut when its packet volume exceeds the
// threshold and before every pass that reads a shared resource, so that the
// pass can wait for another GPU.
func (g *DeviceGroup) prepareNodes(nodes []*Node) []*preparedList {
	total := 0
	for _, n := range nodes {
		total += n.SizeBytes()
	}
	threshold := max(total/g.opts.workers, g.opts.minChunkBytes)

	var (
		lists []*preparedList
		cur   *preparedList
	)
	for _, n := range nodes {
		size := n.SizeBytes()
		if cur == nil || cur.gpu != n.gpu || cur.queue != n.queue ||
			cur.bytes+size > threshold || len(n.readShared) > 0 {
			cur = &preparedList{index: len(lists), gpu: n.gpu, queue: n.queue}
			lists = append(lists, cur)
		}
		cur.nodes = append(cur.nodes, n)
		cur.bytes += size
		cur.buffers.Add(n.buffers)
		cur.textures.Add(n.textures)
		cur.readbacks = append(cur.readbacks, n.readbacks...)
		if n.acquire != nil {
			cur.acquire = n.acquire
		}
		if n.present != nil {
			cur.present = n.present
		}
	}
	Logger().Debug("cmdgraph: prepared lists", "nodes", len(nodes), "lists", len(lists),
		"bytes", total, "threshold", threshold)
	return lists
}

// checkQueueDependencies resolves ownership of every referenced buffer and
// texture between the queues of each device. A resource last owned by a
// different queue is acquired by the list that uses it; when the owning
// queue has an earlier list in this graph, that list releases the resource
// and signals its timeline, and the user waits for it. Ownership persists
// across graphs. The last list of each queue signals and carries a fence.
func (g *DeviceGroup) checkQueueDependencies(lists []*preparedList) {
	last := make([][queueCount]int, len(g.devices))
	for i := range last {
		for q := range last[i] {
			last[i][q] = -1
		}
	}
	firstUse := make([]queueSet, len(g.devices))

	for _, l := range lists {
		d := g.devices[l.gpu]
		qi := l.queue.Index()

		fresh := queueSet{
			buffers:  l.buffers.Except(firstUse[l.gpu].buffers),
			textures: l.textures.Except(firstUse[l.gpu].textures),
		}
		firstUse[l.gpu].buffers.Add(fresh.buffers)
		firstUse[l.gpu].textures.Add(fresh.textures)
		g.checkFirstUse(d, l, fresh)

		d.seenMu.Lock()
		d.seen[qi].buffers.Add(l.buffers)
		d.seen[qi].textures.Add(l.textures)
		for o := range queueCount {
			if o == qi {
				continue
			}
			bufs := l.buffers.Intersect(d.seen[o].buffers)
			texs := l.textures.Intersect(d.seen[o].textures)
			if bufs.Empty() && texs.Empty() {
				continue
			}
			d.seen[o].buffers.Subtract(bufs)
			d.seen[o].textures.Subtract(texs)

			from := desc.QueueTypes[o]
			dep := last[l.gpu][o]
			if dep >= 0 {
				lists[dep].signal = true
				l.waits = append(l.waits, waitRef{gpu: l.gpu, queue: o, list: dep})
			} else if v := d.values[o]; v > 0 {
				l.waits = append(l.waits, waitRef{gpu: l.gpu, queue: o, list: -1, value: v})
			}
			g.transfer(lists, dep, l, handle.TypeBuffer, bufs, from)
			g.transfer(lists, dep, l, handle.TypeTexture, texs, from)
			Logger().Debug("cmdgraph: queue transfer", "gpu", l.gpu, "list", l.index,
				"from", from, "to", l.queue, "release_list", dep,
				"buffers", bufs.Count(), "textures", texs.Count())
		}
		d.seenMu.Unlock()
		last[l.gpu][qi] = l.index
	}

	for gpu := range last {
		for _, i := range last[gpu] {
			if i >= 0 {
				lists[i].terminal = true
				lists[i].signal = true
				lists[i].fence = true
			}
		}
	}
	for _, l := range lists {
		if len(l.readbacks) > 0 {
			l.fence = true
		}
	}
}

func (g *DeviceGroup) transfer(lists []*preparedList, dep int, l *preparedList, t handle.ResourceType, ids bitset.Set, from desc.QueueType) {
	for id := range ids.All() {
		h := g.handleOf(t, id)
		if !h.IsValid() {
			continue
		}
		l.acquires = append(l.acquires, transfer{h: h, queue: from})
		if dep >= 0 {
			lists[dep].releases = append(lists[dep].releases, transfer{h: h, queue: l.queue})
		}
	}
}

// checkFirstUse compares the queue that first uses each resource in this
// graph with the queue the device's state table last saw it on. Ownership
// that moved in an earlier graph is already covered by the persistent
// per-queue sets, so a mismatch is only reported.
func (g *DeviceGroup) checkFirstUse(d *device, l *preparedList, fresh queueSet) {
	check := func(t handle.ResourceType, ids bitset.Set) {
		for id := range ids.All() {
			h := g.handleOf(t, id)
			if !h.IsValid() {
				continue
			}
			if q := d.table.Queue(h); q != desc.QueueUnknown && q != l.queue {
				Logger().Debug("cmdgraph: first use on another queue", "gpu", d.id,
					"resource", h, "owner", q, "user", l.queue, "list", l.index)
			}
		}
	}
	check(handle.TypeBuffer, fresh.buffers)
	check(handle.TypeTexture, fresh.textures)
}

// checkSharedDependencies orders access to resources owned by one GPU and
// read by others. Each list writing shared resources signals its device's
// shared timeline; later readers on other GPUs wait for that value. Only
// the owning GPU may write, and not after another GPU read the resource in
// the same graph.
func (g *DeviceGroup) checkSharedDependencies(lists []*preparedList) {
	type writer struct {
		gpu  int
		list int
	}
	writers := make(map[uint64]writer)
	readOn := make(map[uint64]int)

	for _, l := range lists {
		for _, n := range l.nodes {
			for _, h := range n.writeShared {
				if owner := h.OwnerGPU(); owner != l.gpu {
					panic(fmt.Sprintf("cmdgraph: pass %q on gpu %d writes %s owned by gpu %d", n.name, l.gpu, h, owner))
				}
				if gpu, ok := readOn[h.Key()]; ok && gpu != l.gpu {
					panic(fmt.Sprintf("cmdgraph: pass %q writes %s after gpu %d read it in the same graph", n.name, h, gpu))
				}
				writers[h.Key()] = writer{gpu: l.gpu, list: l.index}
				l.signalShared = true
			}
		}
		for _, n := range l.nodes {
			for _, h := range n.readShared {
				if h.OwnerGPU() == l.gpu {
					continue
				}
				readOn[h.Key()] = l.gpu
				if w, ok := writers[h.Key()]; ok {
					if w.list != l.index {
						l.addWait(waitRef{gpu: w.gpu, queue: sharedQueue, list: w.list})
					}
					continue
				}
				if w, ok := g.sharedLast[h.Key()]; ok && w.gpu != l.gpu {
					l.addWait(waitRef{gpu: w.gpu, queue: sharedQueue, list: -1, value: w.value})
				}
			}
		}
	}
}

func (l *preparedList) addWait(w waitRef) {
	for i, x := range l.waits {
		if x.gpu == w.gpu && x.queue == w.queue && x.list == w.list {
			l.waits[i].value = max(x.value, w.value)
			return
		}
	}
	l.waits = append(l.waits, w)
}
