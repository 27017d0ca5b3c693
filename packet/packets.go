package packet

import "github.com/gogpu/cmdgraph/handle"

// Payload is the fixed-layout body of a packet. Only the types in this
// package implement it.
type Payload interface {
	Type() Type
	encode(w *writer)
}

type decoder interface {
	decode(r *reader)
}

// RenderBlock names the pass the following packets were recorded for.
type RenderBlock struct {
	Name []byte
}

func (RenderBlock) Type() Type          { return TypeRenderBlock }
func (p RenderBlock) encode(w *writer)  { w.array(p.Name, len(p.Name)) }
func (p *RenderBlock) decode(r *reader) { p.Name = r.array(1) }
func (p RenderBlock) String() string    { return string(p.Name) }

// ReleaseFromQueue is where queue ownership releases execute.
type ReleaseFromQueue struct{}

func (ReleaseFromQueue) Type() Type      { return TypeReleaseFromQueue }
func (ReleaseFromQueue) encode(*writer)  {}
func (*ReleaseFromQueue) decode(*reader) {}

// BufferCopy copies NumBytes from Src at SrcOffset to Dst at DstOffset.
type BufferCopy struct {
	Dst       handle.ResourceHandle
	DstOffset uint64
	Src       handle.ResourceHandle
	SrcOffset uint64
	NumBytes  uint64
}

func (BufferCopy) Type() Type { return TypeBufferCopy }

func (p BufferCopy) encode(w *writer) {
	w.handle(p.Dst)
	w.u64(p.DstOffset)
	w.handle(p.Src)
	w.u64(p.SrcOffset)
	w.u64(p.NumBytes)
}

func (p *BufferCopy) decode(r *reader) {
	p.Dst = r.handle()
	p.DstOffset = r.u64()
	p.Src = r.handle()
	p.SrcOffset = r.u64()
	p.NumBytes = r.u64()
}

// UpdateBuffer writes Data into Dst at DstOffset.
type UpdateBuffer struct {
	Dst       handle.ResourceHandle
	DstOffset uint64
	Data      []byte
}

func (UpdateBuffer) Type() Type { return TypeUpdateBuffer }

func (p UpdateBuffer) encode(w *writer) {
	w.handle(p.Dst)
	w.u64(p.DstOffset)
	w.array(p.Data, len(p.Data))
}

func (p *UpdateBuffer) decode(r *reader) {
	p.Dst = r.handle()
	p.DstOffset = r.u64()
	p.Data = r.array(1)
}

// ReadbackBuffer copies NumBytes of Src at SrcOffset into the readback
// memory Dst. Dst is invalid until the scheduler patches it.
type ReadbackBuffer struct {
	Dst       handle.ResourceHandle
	Src       handle.ResourceHandle
	SrcOffset uint64
	NumBytes  uint64
}

func (ReadbackBuffer) Type() Type { return TypeReadbackBuffer }

func (p ReadbackBuffer) encode(w *writer) {
	w.handle(p.Dst)
	w.handle(p.Src)
	w.u64(p.SrcOffset)
	w.u64(p.NumBytes)
}

func (p *ReadbackBuffer) decode(r *reader) {
	p.Dst = r.handle()
	p.Src = r.handle()
	p.SrcOffset = r.u64()
	p.NumBytes = r.u64()
}

// UpdateTexture copies rows from the staging buffer Src into one
// subresource of Tex.
type UpdateTexture struct {
	Tex         handle.ResourceHandle
	Src         handle.ResourceHandle
	SrcOffset   uint64
	BytesPerRow uint32
	AllMips     uint32
	Mip         uint32
	Slice       uint32
	Width       uint32
	Height      uint32
}

func (UpdateTexture) Type() Type { return TypeUpdateTexture }

func (p UpdateTexture) encode(w *writer) {
	w.handle(p.Tex)
	w.handle(p.Src)
	w.u64(p.SrcOffset)
	w.u32(p.BytesPerRow)
	w.u32(p.AllMips)
	w.u32(p.Mip)
	w.u32(p.Slice)
	w.u32(p.Width)
	w.u32(p.Height)
}

func (p *UpdateTexture) decode(r *reader) {
	p.Tex = r.handle()
	p.Src = r.handle()
	p.SrcOffset = r.u64()
	p.BytesPerRow = r.u32()
	p.AllMips = r.u32()
	p.Mip = r.u32()
	p.Slice = r.u32()
	p.Width = r.u32()
	p.Height = r.u32()
}

// Dispatch launches X*Y*Z thread groups.
type Dispatch struct {
	X, Y, Z uint32
}

func (Dispatch) Type() Type { return TypeDispatch }

func (p Dispatch) encode(w *writer) {
	w.u32(p.X)
	w.u32(p.Y)
	w.u32(p.Z)
}

func (p *Dispatch) decode(r *reader) {
	p.X = r.u32()
	p.Y = r.u32()
	p.Z = r.u32()
}

// DispatchIndirect launches thread groups counted in Args at Offset.
type DispatchIndirect struct {
	Args   handle.ResourceHandle
	Offset uint64
}

func (DispatchIndirect) Type() Type { return TypeDispatchIndirect }

func (p DispatchIndirect) encode(w *writer) {
	w.handle(p.Args)
	w.u64(p.Offset)
}

func (p *DispatchIndirect) decode(r *reader) {
	p.Args = r.handle()
	p.Offset = r.u64()
}

// PrepareForPresent transitions Texture for presentation.
type PrepareForPresent struct {
	Texture handle.ResourceHandle
}

func (PrepareForPresent) Type() Type          { return TypePrepareForPresent }
func (p PrepareForPresent) encode(w *writer)  { w.handle(p.Texture) }
func (p *PrepareForPresent) decode(r *reader) { p.Texture = r.handle() }

// RenderpassBegin starts a renderpass over the given targets. ClearValues
// holds one color per RTV.
type RenderpassBegin struct {
	Renderpass  handle.ResourceHandle
	RTVs        Views
	ClearValues Float4s
	DSV         handle.ViewResourceHandle
	ClearDepth  float32
	Width       uint32
	Height      uint32
}

func (RenderpassBegin) Type() Type { return TypeRenderpassBegin }

func (p RenderpassBegin) encode(w *writer) {
	w.handle(p.Renderpass)
	w.array(p.RTVs.data, p.RTVs.Len())
	w.array(p.ClearValues.data, p.ClearValues.Len())
	w.view(p.DSV)
	w.f32(p.ClearDepth)
	w.u32(p.Width)
	w.u32(p.Height)
}

func (p *RenderpassBegin) decode(r *reader) {
	p.Renderpass = r.handle()
	p.RTVs = Views{data: r.array(viewSize)}
	p.ClearValues = Float4s{data: r.array(float4Size)}
	p.DSV = r.view()
	p.ClearDepth = r.f32()
	p.Width = r.u32()
	p.Height = r.u32()
}

// RenderpassEnd ends the current renderpass.
type RenderpassEnd struct{}

func (RenderpassEnd) Type() Type      { return TypeRenderpassEnd }
func (RenderpassEnd) encode(*writer)  {}
func (*RenderpassEnd) decode(*reader) {}

// GraphicsPipelineBind binds a graphics pipeline.
type GraphicsPipelineBind struct {
	Pipeline handle.ResourceHandle
}

func (GraphicsPipelineBind) Type() Type          { return TypeGraphicsPipelineBind }
func (p GraphicsPipelineBind) encode(w *writer)  { w.handle(p.Pipeline) }
func (p *GraphicsPipelineBind) decode(r *reader) { p.Pipeline = r.handle() }

// ComputePipelineBind binds a compute pipeline.
type ComputePipelineBind struct {
	Pipeline handle.ResourceHandle
}

func (ComputePipelineBind) Type() Type          { return TypeComputePipelineBind }
func (p ComputePipelineBind) encode(w *writer)  { w.handle(p.Pipeline) }
func (p *ComputePipelineBind) decode(r *reader) { p.Pipeline = r.handle() }

// BindingType selects the pipeline kind a ResourceBinding applies to.
type BindingType uint8

// Binding types.
const (
	BindingGraphics BindingType = iota
	BindingCompute
	BindingRaytracing
)

// ResourceBinding binds resources to the current pipeline: loose views,
// shader argument sets, and a blob of constants.
type ResourceBinding struct {
	Binding   BindingType
	Constants []byte
	Resources Views
	Arguments Handles
}

func (ResourceBinding) Type() Type { return TypeResourceBinding }

func (p ResourceBinding) encode(w *writer) {
	w.u8(uint8(p.Binding))
	w.array(p.Constants, len(p.Constants))
	w.array(p.Resources.data, p.Resources.Len())
	w.array(p.Arguments.data, p.Arguments.Len())
}

func (p *ResourceBinding) decode(r *reader) {
	p.Binding = BindingType(r.u8())
	p.Constants = r.array(1)
	p.Resources = Views{data: r.array(viewSize)}
	p.Arguments = Handles{data: r.array(handleSize)}
}

// Draw draws non-indexed instances.
type Draw struct {
	VertexCountPerInstance uint32
	InstanceCount          uint32
	StartVertex            uint32
	StartInstance          uint32
}

func (Draw) Type() Type { return TypeDraw }

func (p Draw) encode(w *writer) {
	w.u32(p.VertexCountPerInstance)
	w.u32(p.InstanceCount)
	w.u32(p.StartVertex)
	w.u32(p.StartInstance)
}

func (p *Draw) decode(r *reader) {
	p.VertexCountPerInstance = r.u32()
	p.InstanceCount = r.u32()
	p.StartVertex = r.u32()
	p.StartInstance = r.u32()
}

// DrawIndexed draws indexed instances from IndexBuffer.
type DrawIndexed struct {
	IndexBuffer   handle.ViewResourceHandle
	IndexCount    uint32
	InstanceCount uint32
	StartIndex    uint32
	BaseVertex    int32
	StartInstance uint32
}

func (DrawIndexed) Type() Type { return TypeDrawIndexed }

func (p DrawIndexed) encode(w *writer) {
	w.view(p.IndexBuffer)
	w.u32(p.IndexCount)
	w.u32(p.InstanceCount)
	w.u32(p.StartIndex)
	w.i32(p.BaseVertex)
	w.u32(p.StartInstance)
}

func (p *DrawIndexed) decode(r *reader) {
	p.IndexBuffer = r.view()
	p.IndexCount = r.u32()
	p.InstanceCount = r.u32()
	p.StartIndex = r.u32()
	p.BaseVertex = r.i32()
	p.StartInstance = r.u32()
}

// DrawIndirect draws with arguments read from Args at Offset.
type DrawIndirect struct {
	Args   handle.ResourceHandle
	Offset uint64
}

func (DrawIndirect) Type() Type { return TypeDrawIndirect }

func (p DrawIndirect) encode(w *writer) {
	w.handle(p.Args)
	w.u64(p.Offset)
}

func (p *DrawIndirect) decode(r *reader) {
	p.Args = r.handle()
	p.Offset = r.u64()
}

// ScissorRect limits rasterization to the rectangle [TopLeft, BottomRight).
type ScissorRect struct {
	TopLeft     [2]int32
	BottomRight [2]int32
}

func (ScissorRect) Type() Type { return TypeScissorRect }

func (p ScissorRect) encode(w *writer) {
	w.i32(p.TopLeft[0])
	w.i32(p.TopLeft[1])
	w.i32(p.BottomRight[0])
	w.i32(p.BottomRight[1])
}

func (p *ScissorRect) decode(r *reader) {
	p.TopLeft = [2]int32{r.i32(), r.i32()}
	p.BottomRight = [2]int32{r.i32(), r.i32()}
}

// BuildBLAS builds the bottom-level acceleration structure Dst from a
// triangle vertex buffer and an optional index buffer.
type BuildBLAS struct {
	Dst         handle.ResourceHandle
	Vertices    handle.ViewResourceHandle
	Indices     handle.ViewResourceHandle
	VertexCount uint32
	IndexCount  uint32
}

func (BuildBLAS) Type() Type { return TypeBuildBLAS }

func (p BuildBLAS) encode(w *writer) {
	w.handle(p.Dst)
	w.view(p.Vertices)
	w.view(p.Indices)
	w.u32(p.VertexCount)
	w.u32(p.IndexCount)
}

func (p *BuildBLAS) decode(r *reader) {
	p.Dst = r.handle()
	p.Vertices = r.view()
	p.Indices = r.view()
	p.VertexCount = r.u32()
	p.IndexCount = r.u32()
}

// BuildTLAS builds the top-level acceleration structure Dst from an
// instance buffer.
type BuildTLAS struct {
	Dst           handle.ResourceHandle
	Instances     handle.ViewResourceHandle
	InstanceCount uint32
}

func (BuildTLAS) Type() Type { return TypeBuildTLAS }

func (p BuildTLAS) encode(w *writer) {
	w.handle(p.Dst)
	w.view(p.Instances)
	w.u32(p.InstanceCount)
}

func (p *BuildTLAS) decode(r *reader) {
	p.Dst = r.handle()
	p.Instances = r.view()
	p.InstanceCount = r.u32()
}
