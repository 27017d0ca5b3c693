package packet

import "fmt"

// Packet is a view of one packet inside a stream. It is invalidated when the
// stream grows or is reset.
type Packet struct {
	s   *Stream
	pos int
}

// Type returns the packet type.
func (p Packet) Type() Type {
	t, _ := readHeader(p.s.buf[p.pos:])
	return t
}

// Ref returns the packet's position in its stream.
func (p Packet) Ref() Ref { return Ref(p.pos) }

// SizeBytes returns the packet size including its header.
func (p Packet) SizeBytes() int {
	_, next := readHeader(p.s.buf[p.pos:])
	return next
}

func (p Packet) payload() []byte {
	_, next := readHeader(p.s.buf[p.pos:])
	return p.s.buf[p.pos+HeaderSize : p.pos+next : p.pos+next]
}

func (p Packet) expect(t Type) {
	if got := p.Type(); got != t {
		panic(fmt.Sprintf("packet: decoding %s as %s", got, t))
	}
}

func decodeAs[T any, PT interface {
	*T
	decoder
}](p Packet, t Type) T {
	p.expect(t)
	var v T
	r := reader{b: p.payload()}
	PT(&v).decode(&r)
	return v
}

// Decode returns the payload as its concrete type, for packets that carry
// one. Terminators and invalid packets panic.
func (p Packet) Decode() Payload {
	switch p.Type() {
	case TypeRenderBlock:
		return p.RenderBlock()
	case TypeReleaseFromQueue:
		return ReleaseFromQueue{}
	case TypeBufferCopy:
		return p.BufferCopy()
	case TypeUpdateBuffer:
		return p.UpdateBuffer()
	case TypeReadbackBuffer:
		return p.ReadbackBuffer()
	case TypeUpdateTexture:
		return p.UpdateTexture()
	case TypeDispatch:
		return p.Dispatch()
	case TypeDispatchIndirect:
		return p.DispatchIndirect()
	case TypePrepareForPresent:
		return p.PrepareForPresent()
	case TypeRenderpassBegin:
		return p.RenderpassBegin()
	case TypeRenderpassEnd:
		return RenderpassEnd{}
	case TypeGraphicsPipelineBind:
		return p.GraphicsPipelineBind()
	case TypeComputePipelineBind:
		return p.ComputePipelineBind()
	case TypeResourceBinding:
		return p.ResourceBinding()
	case TypeDraw:
		return p.Draw()
	case TypeDrawIndexed:
		return p.DrawIndexed()
	case TypeDrawIndirect:
		return p.DrawIndirect()
	case TypeScissorRect:
		return p.ScissorRect()
	case TypeBuildBLAS:
		return p.BuildBLAS()
	case TypeBuildTLAS:
		return p.BuildTLAS()
	default:
		panic(fmt.Sprintf("packet: %s has no payload", p.Type()))
	}
}

// RenderBlock decodes a TypeRenderBlock packet.
func (p Packet) RenderBlock() RenderBlock { return decodeAs[RenderBlock](p, TypeRenderBlock) }

// BufferCopy decodes a TypeBufferCopy packet.
func (p Packet) BufferCopy() BufferCopy { return decodeAs[BufferCopy](p, TypeBufferCopy) }

// UpdateBuffer decodes a TypeUpdateBuffer packet.
func (p Packet) UpdateBuffer() UpdateBuffer { return decodeAs[UpdateBuffer](p, TypeUpdateBuffer) }

// ReadbackBuffer decodes a TypeReadbackBuffer packet.
func (p Packet) ReadbackBuffer() ReadbackBuffer {
	return decodeAs[ReadbackBuffer](p, TypeReadbackBuffer)
}

// UpdateTexture decodes a TypeUpdateTexture packet.
func (p Packet) UpdateTexture() UpdateTexture { return decodeAs[UpdateTexture](p, TypeUpdateTexture) }

// Dispatch decodes a TypeDispatch packet.
func (p Packet) Dispatch() Dispatch { return decodeAs[Dispatch](p, TypeDispatch) }

// DispatchIndirect decodes a TypeDispatchIndirect packet.
func (p Packet) DispatchIndirect() DispatchIndirect {
	return decodeAs[DispatchIndirect](p, TypeDispatchIndirect)
}

// PrepareForPresent decodes a TypePrepareForPresent packet.
func (p Packet) PrepareForPresent() PrepareForPresent {
	return decodeAs[PrepareForPresent](p, TypePrepareForPresent)
}

// RenderpassBegin decodes a TypeRenderpassBegin packet.
func (p Packet) RenderpassBegin() RenderpassBegin {
	return decodeAs[RenderpassBegin](p, TypeRenderpassBegin)
}

// GraphicsPipelineBind decodes a TypeGraphicsPipelineBind packet.
func (p Packet) GraphicsPipelineBind() GraphicsPipelineBind {
	return decodeAs[GraphicsPipelineBind](p, TypeGraphicsPipelineBind)
}

// ComputePipelineBind decodes a TypeComputePipelineBind packet.
func (p Packet) ComputePipelineBind() ComputePipelineBind {
	return decodeAs[ComputePipelineBind](p, TypeComputePipelineBind)
}

// ResourceBinding decodes a TypeResourceBinding packet.
func (p Packet) ResourceBinding() ResourceBinding {
	return decodeAs[ResourceBinding](p, TypeResourceBinding)
}

// Draw decodes a TypeDraw packet.
func (p Packet) Draw() Draw { return decodeAs[Draw](p, TypeDraw) }

// DrawIndexed decodes a TypeDrawIndexed packet.
func (p Packet) DrawIndexed() DrawIndexed { return decodeAs[DrawIndexed](p, TypeDrawIndexed) }

// DrawIndirect decodes a TypeDrawIndirect packet.
func (p Packet) DrawIndirect() DrawIndirect { return decodeAs[DrawIndirect](p, TypeDrawIndirect) }

// ScissorRect decodes a TypeScissorRect packet.
func (p Packet) ScissorRect() ScissorRect { return decodeAs[ScissorRect](p, TypeScissorRect) }

// BuildBLAS decodes a TypeBuildBLAS packet.
func (p Packet) BuildBLAS() BuildBLAS { return decodeAs[BuildBLAS](p, TypeBuildBLAS) }

// BuildTLAS decodes a TypeBuildTLAS packet.
func (p Packet) BuildTLAS() BuildTLAS { return decodeAs[BuildTLAS](p, TypeBuildTLAS) }
