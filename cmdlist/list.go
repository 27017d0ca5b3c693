// Package cmdlist records typed GPU operations into a packet stream.
//
// Every method appends exactly one packet. The list does no validation
// beyond what the packet encoding needs; resource tracking belongs to the
// graph node that owns the list.
//
// Example:
//
//	l := cmdlist.New(0)
//	l.RenderBlock("upload")
//	l.UpdateBuffer(buf, 0, data)
//	l.Copy(dst, 0, buf, 0, uint64(len(data)))
//	s := l.Stream()
package cmdlist

import (
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/packet"
)

// List records operations into a packet stream.
//
// List is not safe for concurrent use.
type List struct {
	stream *packet.Stream
}

// New creates a list backed by a stream with room for sizeHint bytes.
func New(sizeHint int) *List {
	return &List{stream: packet.NewStream(sizeHint)}
}

// Wrap records into an existing stream, for example one from a packet.Pool.
func Wrap(s *packet.Stream) *List {
	return &List{stream: s}
}

// Stream returns the recorded packets.
func (l *List) Stream() *packet.Stream { return l.stream }

// Len returns the number of recorded packets.
func (l *List) Len() int { return l.stream.Len() }

// SizeBytes returns the recorded size including the terminating header.
func (l *List) SizeBytes() int { return l.stream.SizeBytes() }

// Reset drops every recorded packet.
func (l *List) Reset() { l.stream.Reset() }

// RenderBlock marks the start of the named pass.
func (l *List) RenderBlock(name string) packet.Ref {
	return l.stream.Insert(packet.RenderBlock{Name: []byte(name)})
}

// ReleaseFromQueue marks where queue ownership releases execute.
func (l *List) ReleaseFromQueue() packet.Ref {
	return l.stream.Insert(packet.ReleaseFromQueue{})
}

// Copy copies n bytes from src at srcOffset to dst at dstOffset.
func (l *List) Copy(dst handle.ResourceHandle, dstOffset uint64, src handle.ResourceHandle, srcOffset, n uint64) packet.Ref {
	return l.stream.Insert(packet.BufferCopy{
		Dst:       dst,
		DstOffset: dstOffset,
		Src:       src,
		SrcOffset: srcOffset,
		NumBytes:  n,
	})
}

// UpdateBuffer writes data into dst at offset. The bytes are copied into
// the stream.
func (l *List) UpdateBuffer(dst handle.ResourceHandle, offset uint64, data []byte) packet.Ref {
	return l.stream.Insert(packet.UpdateBuffer{Dst: dst, DstOffset: offset, Data: data})
}

// Readback copies n bytes of src at offset to readback memory. The
// destination is filled in at submit time through the returned Ref.
func (l *List) Readback(src handle.ResourceHandle, offset, n uint64) packet.Ref {
	return l.stream.Insert(packet.ReadbackBuffer{
		Dst:       handle.Invalid,
		Src:       src,
		SrcOffset: offset,
		NumBytes:  n,
	})
}

// UpdateTexture copies rows from the staging buffer src into one
// subresource of tex.
func (l *List) UpdateTexture(u packet.UpdateTexture) packet.Ref {
	return l.stream.Insert(u)
}

// Dispatch launches x*y*z thread groups.
func (l *List) Dispatch(x, y, z uint32) packet.Ref {
	return l.stream.Insert(packet.Dispatch{X: x, Y: y, Z: z})
}

// DispatchIndirect launches the thread groups counted in args at offset.
func (l *List) DispatchIndirect(args handle.ResourceHandle, offset uint64) packet.Ref {
	return l.stream.Insert(packet.DispatchIndirect{Args: args, Offset: offset})
}

// PrepareForPresent transitions tex for presentation.
func (l *List) PrepareForPresent(tex handle.ResourceHandle) packet.Ref {
	return l.stream.Insert(packet.PrepareForPresent{Texture: tex})
}

// RenderpassBegin starts a renderpass.
func (l *List) RenderpassBegin(rp packet.RenderpassBegin) packet.Ref {
	return l.stream.Insert(rp)
}

// RenderpassEnd ends the current renderpass.
func (l *List) RenderpassEnd() packet.Ref {
	return l.stream.Insert(packet.RenderpassEnd{})
}

// BindGraphicsPipeline binds a graphics pipeline.
func (l *List) BindGraphicsPipeline(p handle.ResourceHandle) packet.Ref {
	return l.stream.Insert(packet.GraphicsPipelineBind{Pipeline: p})
}

// BindComputePipeline binds a compute pipeline.
func (l *List) BindComputePipeline(p handle.ResourceHandle) packet.Ref {
	return l.stream.Insert(packet.ComputePipelineBind{Pipeline: p})
}

// BindResources binds loose views, argument sets and constants to the
// current pipeline of kind.
func (l *List) BindResources(kind packet.BindingType, views []handle.ViewResourceHandle, args []handle.ResourceHandle, constants []byte) packet.Ref {
	return l.stream.Insert(packet.ResourceBinding{
		Binding:   kind,
		Constants: constants,
		Resources: packet.ViewsOf(views...),
		Arguments: packet.HandlesOf(args...),
	})
}

// Draw draws non-indexed instances.
func (l *List) Draw(vertices, instances, startVertex, startInstance uint32) packet.Ref {
	return l.stream.Insert(packet.Draw{
		VertexCountPerInstance: vertices,
		InstanceCount:          instances,
		StartVertex:            startVertex,
		StartInstance:          startInstance,
	})
}

// DrawIndexed draws indexed instances.
func (l *List) DrawIndexed(d packet.DrawIndexed) packet.Ref {
	return l.stream.Insert(d)
}

// DrawIndirect draws with arguments read from args at offset.
func (l *List) DrawIndirect(args handle.ResourceHandle, offset uint64) packet.Ref {
	return l.stream.Insert(packet.DrawIndirect{Args: args, Offset: offset})
}

// Scissor limits rasterization to [topLeft, bottomRight).
func (l *List) Scissor(topLeft, bottomRight [2]int32) packet.Ref {
	return l.stream.Insert(packet.ScissorRect{TopLeft: topLeft, BottomRight: bottomRight})
}

// BuildBLAS builds a bottom-level acceleration structure.
func (l *List) BuildBLAS(b packet.BuildBLAS) packet.Ref {
	return l.stream.Insert(b)
}

// BuildTLAS builds a top-level acceleration structure.
func (l *List) BuildTLAS(b packet.BuildTLAS) packet.Ref {
	return l.stream.Insert(b)
}
