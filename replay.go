package cmdgraph

import (
	"fmt"

	"github.com/gogpu/cmdgraph/barrier"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/packet"
)

// replayer walks one list's packets and records every resource access with
// the solver. Each packet owns one draw index; accesses made inside a
// renderpass are recorded at the renderpass's begin draw, since barriers
// cannot be recorded within it.
type replayer struct {
	g      *DeviceGroup
	solver *barrier.Solver
	queue  desc.QueueType

	passDraw int
	releases int
}

func bindingStage(b packet.BindingType) desc.AccessStage {
	switch b {
	case packet.BindingCompute:
		return desc.StageCompute
	case packet.BindingRaytracing:
		return desc.StageRaytrace
	default:
		return desc.StageGraphics
	}
}

// replay records the accesses of s. The draw of the last ReleaseFromQueue
// packet is returned, or -1.
func (g *DeviceGroup) replay(solver *barrier.Solver, s *packet.Stream, q desc.QueueType) int {
	r := replayer{g: g, solver: solver, queue: q, passDraw: -1, releases: -1}
	for it := s.Iter(); it.Next(); {
		r.packet(solver.AddDrawCall(), it.Packet())
	}
	return r.releases
}

func (r *replayer) at(draw int) int {
	if r.passDraw >= 0 {
		return r.passDraw
	}
	return draw
}

func (r *replayer) state(u desc.AccessUsage, s desc.AccessStage, l desc.Layout) desc.ResourceState {
	return desc.State(u, s, l, r.queue)
}

func (r *replayer) buffer(draw int, h handle.ResourceHandle, st desc.ResourceState) {
	if h.Type() != handle.TypeBuffer {
		return
	}
	r.solver.AddBuffer(r.at(draw), handle.InvalidView.WithResource(h), st)
}

// texture records an access to every subresource of h.
func (r *replayer) texture(draw int, h handle.ResourceHandle, st desc.ResourceState) {
	res := r.g.peek(h)
	if res == nil {
		panic(fmt.Sprintf("cmdgraph: replay of destroyed texture %s", h))
	}
	td := res.texture
	v := handle.InvalidView.WithResource(h).SubresourceRange(td.Mips, 0, td.Mips, 0, td.ArraySize)
	r.solver.AddTexture(r.at(draw), v, st)
}

// view records an access through v by a shader of stage, or by the fixed
// function stage the view type implies.
func (r *replayer) view(draw int, v handle.ViewResourceHandle, stage desc.AccessStage) {
	if !v.IsValid() {
		return
	}
	var st desc.ResourceState
	switch v.Type() {
	case handle.ViewBufferSRV:
		st = r.state(desc.UsageRead, stage, desc.LayoutUndefined)
	case handle.ViewBufferUAV:
		st = r.state(desc.UsageReadWrite, stage, desc.LayoutUndefined)
	case handle.ViewBufferIBV:
		st = r.state(desc.UsageRead, desc.StageIndex, desc.LayoutUndefined)
	case handle.ViewTextureSRV:
		st = r.state(desc.UsageRead, stage, desc.LayoutShaderReadOnly)
	case handle.ViewTextureUAV:
		st = r.state(desc.UsageReadWrite, stage, desc.LayoutGeneral)
	case handle.ViewTextureRTV:
		st = r.state(desc.UsageWrite, desc.StageRendertarget, desc.LayoutRendertarget)
	case handle.ViewTextureDSV:
		st = r.state(desc.UsageWrite, desc.StageDepthStencil, desc.LayoutDepthStencil)
	default:
		// Dynamic buffers are suballocated per frame and never shared
		// between queues.
		return
	}
	if v.Type().IsTexture() {
		r.solver.AddTexture(r.at(draw), v, st)
	} else {
		r.solver.AddBuffer(r.at(draw), v, st)
	}
}

func (r *replayer) packet(draw int, p packet.Packet) {
	switch p.Type() {
	case packet.TypeReleaseFromQueue:
		r.releases = draw
	case packet.TypeBufferCopy:
		c := p.BufferCopy()
		r.buffer(draw, c.Src, r.state(desc.UsageRead, desc.StageTransfer, desc.LayoutUndefined))
		r.buffer(draw, c.Dst, r.state(desc.UsageWrite, desc.StageTransfer, desc.LayoutUndefined))
	case packet.TypeUpdateBuffer:
		u := p.UpdateBuffer()
		r.buffer(draw, u.Dst, r.state(desc.UsageWrite, desc.StageTransfer, desc.LayoutUndefined))
	case packet.TypeReadbackBuffer:
		rb := p.ReadbackBuffer()
		r.buffer(draw, rb.Src, r.state(desc.UsageRead, desc.StageTransfer, desc.LayoutUndefined))
	case packet.TypeUpdateTexture:
		u := p.UpdateTexture()
		r.buffer(draw, u.Src, r.state(desc.UsageRead, desc.StageTransfer, desc.LayoutUndefined))
		v := handle.InvalidView.WithResource(u.Tex).
			SubresourceRange(int(u.AllMips), int(u.Mip), 1, int(u.Slice), 1)
		r.solver.AddTexture(r.at(draw), v, r.state(desc.UsageWrite, desc.StageTransfer, desc.LayoutTransferDst))
	case packet.TypeDispatchIndirect:
		r.buffer(draw, p.DispatchIndirect().Args, r.state(desc.UsageRead, desc.StageIndirect, desc.LayoutUndefined))
	case packet.TypeDrawIndirect:
		r.buffer(draw, p.DrawIndirect().Args, r.state(desc.UsageRead, desc.StageIndirect, desc.LayoutUndefined))
	case packet.TypePrepareForPresent:
		r.texture(draw, p.PrepareForPresent().Texture, r.state(desc.UsageRead, desc.StagePresent, desc.LayoutPresent))
	case packet.TypeRenderpassBegin:
		rp := p.RenderpassBegin()
		r.passDraw = draw
		for v := range rp.RTVs.All() {
			r.view(draw, v, desc.StageRendertarget)
		}
		r.view(draw, rp.DSV, desc.StageDepthStencil)
	case packet.TypeRenderpassEnd:
		r.passDraw = -1
	case packet.TypeResourceBinding:
		rb := p.ResourceBinding()
		stage := bindingStage(rb.Binding)
		for v := range rb.Resources.All() {
			r.view(draw, v, stage)
		}
		for h := range rb.Arguments.All() {
			res := r.g.peek(h)
			if res == nil {
				panic(fmt.Sprintf("cmdgraph: replay of destroyed argument set %s", h))
			}
			for _, v := range res.args {
				r.view(draw, v, stage)
			}
		}
	case packet.TypeDrawIndexed:
		r.view(draw, p.DrawIndexed().IndexBuffer, desc.StageIndex)
	case packet.TypeBuildBLAS:
		b := p.BuildBLAS()
		r.view(draw, b.Vertices, desc.StageAccelerationStructure)
		r.view(draw, b.Indices, desc.StageAccelerationStructure)
	case packet.TypeBuildTLAS:
		r.view(draw, p.BuildTLAS().Instances, desc.StageAccelerationStructure)
	}
}
