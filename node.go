package cmdgraph

import (
	"fmt"
	"slices"

	"github.com/gogpu/cmdgraph/cmdlist"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/internal/bitset"
	"github.com/gogpu/cmdgraph/packet"
)

// Node is one pass of a graph: the commands it records for one queue of one
// GPU, and the resources those commands touch.
//
// A Node is not safe for concurrent use, but different nodes of a graph may
// be recorded on different goroutines.
type Node struct {
	graph *Graph
	name  string
	queue desc.QueueType
	gpu   int
	list  *cmdlist.List

	buffers  bitset.Set
	textures bitset.Set
	argsSeen bitset.Set

	readShared  []handle.ResourceHandle
	writeShared []handle.ResourceHandle

	constants int
	readbacks []*Readback
	acquire   *Swapchain
	present   *Swapchain

	binding  *Binding
	pipeline *resource
	inPass   bool
	added    bool
	timing   desc.GraphNodeTiming
}

// Name returns the pass name.
func (n *Node) Name() string { return n.name }

// Queue returns the queue the pass runs on.
func (n *Node) Queue() desc.QueueType { return n.queue }

// GPU returns the GPU the pass runs on.
func (n *Node) GPU() int { return n.gpu }

// Stream returns the recorded packets.
func (n *Node) Stream() *packet.Stream { return n.list.Stream() }

// SizeBytes returns the recorded packet volume.
func (n *Node) SizeBytes() int { return n.list.SizeBytes() }

// ConstantBytes returns how many constant bytes the pass bound.
func (n *Node) ConstantBytes() int { return n.constants }

// ReadShared returns the shared resources the pass reads.
func (n *Node) ReadShared() []handle.ResourceHandle { return n.readShared }

// WriteShared returns the shared resources the pass writes.
func (n *Node) WriteShared() []handle.ResourceHandle { return n.writeShared }

// References reports whether the pass touches buffer or texture h.
func (n *Node) References(h handle.ResourceHandle) bool {
	if h.Type() == handle.TypeTexture {
		return n.textures.Has(h.ID())
	}
	return n.buffers.Has(h.ID())
}

func (n *Node) checkOpen() {
	if n.added {
		panic(fmt.Sprintf("cmdgraph: pass %q recorded after AddPass", n.name))
	}
}

// touch adds h to the pass footprint.
func (n *Node) touch(h handle.ResourceHandle, write bool) {
	switch h.Type() {
	case handle.TypeBuffer:
		n.buffers.Set(h.ID())
	case handle.TypeTexture:
		n.textures.Set(h.ID())
	default:
		return
	}
	if !h.Shared() {
		return
	}
	if write {
		if !slices.Contains(n.writeShared, h) {
			n.writeShared = append(n.writeShared, h)
		}
	} else if !slices.Contains(n.readShared, h) {
		n.readShared = append(n.readShared, h)
	}
}

func writesThrough(v handle.ViewResourceHandle) bool {
	switch v.Type() {
	case handle.ViewBufferUAV, handle.ViewTextureUAV, handle.ViewTextureRTV, handle.ViewTextureDSV:
		return true
	}
	return false
}

func (n *Node) touchView(v handle.ViewResourceHandle) {
	if v.IsValid() {
		n.touch(v.Resource, writesThrough(v))
	}
}

// touchArgs expands an argument set into the footprint, once per set.
func (n *Node) touchArgs(h handle.ResourceHandle) {
	if n.argsSeen.Has(h.ID()) {
		return
	}
	n.argsSeen.Set(h.ID())
	for _, v := range n.graph.g.mustLookup(h).args {
		n.touchView(v)
	}
}

// AcquirePresentableImage makes the pass wait for the image most recently
// acquired from sc and returns its render target view.
func (n *Node) AcquirePresentableImage(sc *Swapchain) handle.ViewResourceHandle {
	n.checkOpen()
	if n.gpu != presentGPU {
		panic(fmt.Sprintf("cmdgraph: pass %q on gpu %d acquires a swapchain image of gpu %d", n.name, n.gpu, presentGPU))
	}
	g := n.graph.g
	g.presentMu.Lock()
	img, rtv := sc.current()
	g.presentMu.Unlock()
	n.acquire = sc
	n.touch(img, true)
	return rtv
}

// ClearRT clears a render target to color.
func (n *Node) ClearRT(rtv handle.ViewResourceHandle, color packet.Float4) {
	n.Renderpass([]handle.ViewResourceHandle{rtv.WithLoadOp(handle.LoadOpClear)}, handle.InvalidView, color)
	n.EndRenderpass()
}

// PrepareForPresent transitions the acquired image of sc for presentation.
// The list containing the pass signals sc's present semaphore.
func (n *Node) PrepareForPresent(sc *Swapchain) {
	n.checkOpen()
	g := n.graph.g
	g.presentMu.Lock()
	img, _ := sc.current()
	g.presentMu.Unlock()
	n.list.PrepareForPresent(img)
	n.present = sc
	n.touch(img, false)
}

// Renderpass begins a renderpass over rtvs and dsv (handle.InvalidView for
// none). clears holds one color per render target that loads with
// LoadOpClear. The render area is the first attachment's mip extent.
func (n *Node) Renderpass(rtvs []handle.ViewResourceHandle, dsv handle.ViewResourceHandle, clears ...packet.Float4) {
	n.checkOpen()
	if n.inPass {
		panic(fmt.Sprintf("cmdgraph: pass %q: renderpass begun twice", n.name))
	}
	first := dsv
	if len(rtvs) > 0 {
		first = rtvs[0]
	}
	if !first.IsValid() {
		panic(fmt.Sprintf("cmdgraph: pass %q: renderpass without attachments", n.name))
	}
	td := n.graph.g.mustLookup(first.Resource).texture
	w, h := max(td.Width>>first.StartMip(), 1), max(td.Height>>first.StartMip(), 1)

	for _, v := range rtvs {
		n.touchView(v)
	}
	n.touchView(dsv)
	n.list.RenderpassBegin(packet.RenderpassBegin{
		RTVs:        packet.ViewsOf(rtvs...),
		ClearValues: packet.Float4sOf(clears...),
		DSV:         dsv,
		ClearDepth:  1,
		Width:       w,
		Height:      h,
	})
	n.inPass = true
}

// EndRenderpass ends the current renderpass.
func (n *Node) EndRenderpass() {
	n.checkOpen()
	if !n.inPass {
		panic(fmt.Sprintf("cmdgraph: pass %q: no renderpass to end", n.name))
	}
	n.flush()
	n.list.RenderpassEnd()
	n.inPass = false
}

// Bind binds pipeline and returns the binding through which its resources
// are set. Resources take effect at the next draw or dispatch.
func (n *Node) Bind(pipeline handle.ResourceHandle) *Binding {
	n.checkOpen()
	n.flush()
	r := n.graph.g.mustLookup(pipeline)
	kind := packet.BindingGraphics
	switch {
	case r.compute != nil:
		kind = packet.BindingCompute
		n.list.BindComputePipeline(pipeline)
	case r.graphics != nil:
		n.list.BindGraphicsPipeline(pipeline)
	default:
		panic(fmt.Sprintf("cmdgraph: %s is not a pipeline", pipeline))
	}
	n.pipeline = r
	n.binding = &Binding{node: n, kind: kind}
	return n.binding
}

// flush records the pending resource binding, if any.
func (n *Node) flush() {
	b := n.binding
	if b == nil || !b.dirty {
		return
	}
	n.list.BindResources(b.kind, b.views, b.args, b.constants)
	n.constants += len(b.constants)
	b.dirty = false
}

// SetScissor limits rasterization to [topLeft, bottomRight).
func (n *Node) SetScissor(topLeft, bottomRight [2]int32) {
	n.checkOpen()
	n.list.Scissor(topLeft, bottomRight)
}

// Draw draws non-indexed instances.
func (n *Node) Draw(vertices, instances, startVertex, startInstance uint32) {
	n.checkOpen()
	if vertices == 0 || instances == 0 {
		panic(fmt.Sprintf("cmdgraph: pass %q: draw of %d vertices x %d instances", n.name, vertices, instances))
	}
	n.flush()
	n.list.Draw(vertices, instances, startVertex, startInstance)
}

// DrawIndexed draws indexed instances with indices read through ibv.
func (n *Node) DrawIndexed(ibv handle.ViewResourceHandle, indices, instances, startIndex uint32, baseVertex int32, startInstance uint32) {
	n.checkOpen()
	if indices == 0 || instances == 0 {
		panic(fmt.Sprintf("cmdgraph: pass %q: indexed draw of %d indices x %d instances", n.name, indices, instances))
	}
	n.flush()
	n.touchView(ibv)
	n.list.DrawIndexed(packet.DrawIndexed{
		IndexBuffer:   ibv,
		IndexCount:    indices,
		InstanceCount: instances,
		StartIndex:    startIndex,
		BaseVertex:    baseVertex,
		StartInstance: startInstance,
	})
}

// DrawIndirect draws with arguments read from args at offset.
func (n *Node) DrawIndirect(args handle.ResourceHandle, offset uint64) {
	n.checkOpen()
	n.flush()
	n.touch(args, false)
	n.list.DrawIndirect(args, offset)
}

// Dispatch launches x*y*z thread groups.
func (n *Node) Dispatch(x, y, z uint32) {
	n.checkOpen()
	if x == 0 || y == 0 || z == 0 {
		panic(fmt.Sprintf("cmdgraph: pass %q: dispatch of %dx%dx%d groups", n.name, x, y, z))
	}
	n.flush()
	n.list.Dispatch(x, y, z)
}

// DispatchThreads launches enough groups of the bound compute pipeline to
// cover x*y*z threads.
func (n *Node) DispatchThreads(x, y, z uint32) {
	if n.pipeline == nil || n.pipeline.compute == nil {
		panic(fmt.Sprintf("cmdgraph: pass %q: DispatchThreads without a compute pipeline", n.name))
	}
	g := n.pipeline.compute.Groups([3]uint32{x, y, z})
	n.Dispatch(g[0], g[1], g[2])
}

// DispatchIndirect launches the groups counted in args at offset.
func (n *Node) DispatchIndirect(args handle.ResourceHandle, offset uint64) {
	n.checkOpen()
	n.flush()
	n.touch(args, false)
	n.list.DispatchIndirect(args, offset)
}

// Copy copies size bytes from src at srcOffset to dst at dstOffset.
func (n *Node) Copy(dst handle.ResourceHandle, dstOffset uint64, src handle.ResourceHandle, srcOffset, size uint64) {
	n.checkOpen()
	n.touch(dst, true)
	n.touch(src, false)
	n.list.Copy(dst, dstOffset, src, srcOffset, size)
}

// UpdateBuffer writes data into dst at offset when the pass executes.
func (n *Node) UpdateBuffer(dst handle.ResourceHandle, offset uint64, data []byte) {
	n.checkOpen()
	n.touch(dst, true)
	n.list.UpdateBuffer(dst, offset, data)
}

// UpdateTexture copies rows of staging buffer u.Src into one subresource of
// u.Tex. AllMips is filled in from the texture when zero.
func (n *Node) UpdateTexture(u packet.UpdateTexture) {
	n.checkOpen()
	if u.AllMips == 0 {
		u.AllMips = uint32(n.graph.g.mustLookup(u.Tex).texture.Mips) //nolint:gosec // at most handle.MaxMips
	}
	n.touch(u.Tex, true)
	n.touch(u.Src, false)
	n.list.UpdateTexture(u)
}

// Readback copies size bytes of buffer src at offset back to the host. The
// returned future is fulfilled after the graph finished on the GPU.
func (n *Node) Readback(src handle.ResourceHandle, offset, size uint64) *Readback {
	n.checkOpen()
	if size == 0 {
		panic(fmt.Sprintf("cmdgraph: pass %q: empty readback", n.name))
	}
	n.touch(src, false)
	rb := newReadback(n.graph.g, n.list.Readback(src, offset, size), size)
	n.readbacks = append(n.readbacks, rb)
	return rb
}

// BuildBLAS builds a bottom-level acceleration structure.
func (n *Node) BuildBLAS(b packet.BuildBLAS) {
	n.checkOpen()
	n.touchView(b.Vertices)
	n.touchView(b.Indices)
	n.list.BuildBLAS(b)
}

// BuildTLAS builds a top-level acceleration structure.
func (n *Node) BuildTLAS(b packet.BuildTLAS) {
	n.checkOpen()
	n.touchView(b.Instances)
	n.list.BuildTLAS(b)
}

// Binding holds the resources bound to a pipeline of a pass. Changes are
// recorded before the next draw or dispatch.
type Binding struct {
	node      *Node
	kind      packet.BindingType
	views     []handle.ViewResourceHandle
	args      []handle.ResourceHandle
	constants []byte
	dirty     bool
}

// Resources replaces the loose views.
func (b *Binding) Resources(views ...handle.ViewResourceHandle) *Binding {
	for _, v := range views {
		b.node.touchView(v)
	}
	b.views = append(b.views[:0], views...)
	b.dirty = true
	return b
}

// Arguments replaces the bound argument sets.
func (b *Binding) Arguments(args ...handle.ResourceHandle) *Binding {
	for _, h := range args {
		b.node.touchArgs(h)
	}
	b.args = append(b.args[:0], args...)
	b.dirty = true
	return b
}

// Constants replaces the root constants. data is copied.
func (b *Binding) Constants(data []byte) *Binding {
	b.constants = append(b.constants[:0], data...)
	b.dirty = true
	return b
}
