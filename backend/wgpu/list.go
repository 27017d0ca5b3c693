package wgpu

import (
	"fmt"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/barrier"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/packet"
)

type commandList struct {
	dev   *Device
	queue desc.QueueType

	cmd hal.CommandBuffer
	// Objects the command buffer references, freed on Release.
	staging []hal.Buffer
	groups  []hal.BindGroup
}

func (l *commandList) Queue() desc.QueueType { return l.queue }

// Release frees the command buffer and its transient objects. The list
// must have finished executing.
func (l *commandList) Release() {
	d := l.dev
	if l.cmd != nil {
		d.dev.FreeCommandBuffer(l.cmd)
		l.cmd = nil
	}
	for _, g := range l.groups {
		d.dev.DestroyBindGroup(g)
	}
	for _, b := range l.staging {
		d.dev.DestroyBuffer(b)
	}
	l.groups, l.staging = nil, nil
}

// recorder holds the encoding state of one FillWith call.
type recorder struct {
	l   *commandList
	enc hal.CommandEncoder

	pass     hal.RenderPassEncoder
	graphics *pipeline
	compute  *pipeline
	gfxGroup hal.BindGroup
	cmpGroup hal.BindGroup
	// deferred holds barriers met inside a render pass.
	deferred []barrier.MemoryBarriers

	packets, barriers, passes, groups int
}

// FillWith encodes s into a HAL command buffer.
func (l *commandList) FillWith(s *packet.Stream, barriers backend.BarrierSource) error {
	if l.cmd != nil {
		return fmt.Errorf("wgpu: %s list filled twice", l.queue)
	}
	d := l.dev
	label := fmt.Sprintf("cmdgraph-%s", l.queue)
	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("wgpu: create encoder: %w", err)
	}
	if err := enc.BeginEncoding(label); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	r := &recorder{l: l, enc: enc}
	draw := 0
	for p := range s.All() {
		if barriers != nil && barriers.HasBarrier(draw) {
			r.transition(barriers.Barriers(draw))
		}
		draw++
		if err := r.record(p); err != nil {
			if r.pass != nil {
				r.pass.End()
			}
			enc.DiscardEncoding()
			l.Release()
			return err
		}
		r.packets++
	}
	if r.pass != nil {
		enc.DiscardEncoding()
		l.Release()
		return fmt.Errorf("wgpu: %s list ends inside a renderpass", l.queue)
	}

	cmd, err := enc.EndEncoding()
	if err != nil {
		l.Release()
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	l.cmd = cmd

	d.mu.Lock()
	d.stats.Packets += r.packets
	d.stats.Barriers += r.barriers
	d.stats.Passes += r.passes
	d.stats.BindGroups += r.groups
	d.mu.Unlock()
	return nil
}

func (r *recorder) record(p packet.Packet) error {
	switch p.Type() {
	case packet.TypeRenderBlock:
		slogger().Debug("wgpu: block", "name", p.RenderBlock().String(), "queue", r.l.queue)
	case packet.TypeReleaseFromQueue, packet.TypePrepareForPresent:
		// Their barriers were recorded before the packet.
	case packet.TypeBufferCopy:
		return r.copyBuffer(p.BufferCopy())
	case packet.TypeUpdateBuffer:
		return r.updateBuffer(p.UpdateBuffer())
	case packet.TypeReadbackBuffer:
		return r.readback(p.ReadbackBuffer())
	case packet.TypeUpdateTexture:
		return r.updateTexture(p.UpdateTexture())
	case packet.TypeRenderpassBegin:
		return r.beginPass(p.RenderpassBegin())
	case packet.TypeRenderpassEnd:
		return r.endPass()
	case packet.TypeGraphicsPipelineBind:
		pl, err := r.pipeline(p.GraphicsPipelineBind().Pipeline, false)
		if err != nil {
			return err
		}
		r.graphics, r.gfxGroup = pl, nil
		if r.pass != nil {
			r.pass.SetPipeline(pl.rp)
		}
	case packet.TypeComputePipelineBind:
		pl, err := r.pipeline(p.ComputePipelineBind().Pipeline, true)
		if err != nil {
			return err
		}
		r.compute, r.cmpGroup = pl, nil
	case packet.TypeResourceBinding:
		return r.bind(p.ResourceBinding())
	case packet.TypeDraw:
		if err := r.requireDraw(p.Type()); err != nil {
			return err
		}
		dr := p.Draw()
		r.pass.Draw(dr.VertexCountPerInstance, dr.InstanceCount, dr.StartVertex, dr.StartInstance)
	case packet.TypeDrawIndexed:
		if err := r.requireDraw(p.Type()); err != nil {
			return err
		}
		dr := p.DrawIndexed()
		ib, err := r.buffer(dr.IndexBuffer.Resource)
		if err != nil {
			return err
		}
		r.pass.SetIndexBuffer(ib.buf, gputypes.IndexFormatUint32, 0)
		r.pass.DrawIndexed(dr.IndexCount, dr.InstanceCount, dr.StartIndex, dr.BaseVertex, dr.StartInstance)
	case packet.TypeDrawIndirect:
		if err := r.requireDraw(p.Type()); err != nil {
			return err
		}
		dr := p.DrawIndirect()
		args, err := r.buffer(dr.Args)
		if err != nil {
			return err
		}
		r.pass.DrawIndirect(args.buf, dr.Offset)
	case packet.TypeDispatch:
		dp := p.Dispatch()
		return r.dispatch(func(cp hal.ComputePassEncoder) error {
			cp.Dispatch(dp.X, dp.Y, dp.Z)
			return nil
		})
	case packet.TypeDispatchIndirect:
		dp := p.DispatchIndirect()
		return r.dispatch(func(cp hal.ComputePassEncoder) error {
			args, err := r.buffer(dp.Args)
			if err != nil {
				return err
			}
			cp.DispatchIndirect(args.buf, dp.Offset)
			return nil
		})
	case packet.TypeScissorRect:
		if r.pass != nil {
			sr := p.ScissorRect()
			x, y := max(sr.TopLeft[0], 0), max(sr.TopLeft[1], 0)
			w, h := max(sr.BottomRight[0]-x, 0), max(sr.BottomRight[1]-y, 0)
			r.pass.SetScissorRect(uint32(x), uint32(y), uint32(w), uint32(h)) //nolint:gosec // clamped to >= 0
		}
	case packet.TypeBuildBLAS, packet.TypeBuildTLAS:
		return fmt.Errorf("wgpu: %s: %w", p.Type(), backend.ErrUnsupported)
	default:
		return fmt.Errorf("wgpu: unexpected packet %s", p.Type())
	}
	return nil
}

func (r *recorder) buffer(h handle.ResourceHandle) (*buffer, error) {
	d := r.l.dev
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buffers[h.ID()]
	if !ok {
		return nil, fmt.Errorf("wgpu: buffer %s: %w", h, backend.ErrUnknownResource)
	}
	return b, nil
}

func (r *recorder) texture(h handle.ResourceHandle) (*texture, error) {
	d := r.l.dev
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.textures[h.ID()]
	if !ok {
		return nil, fmt.Errorf("wgpu: texture %s: %w", h, backend.ErrUnknownResource)
	}
	return t, nil
}

func (r *recorder) pipeline(h handle.ResourceHandle, compute bool) (*pipeline, error) {
	d := r.l.dev
	d.mu.RLock()
	p, ok := d.pipelines[h.ID()]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wgpu: pipeline %s: %w", h, backend.ErrUnknownResource)
	}
	if p.compute != compute {
		return nil, fmt.Errorf("wgpu: pipeline %s bound as the wrong kind", h)
	}
	return p, nil
}

func inRange(off, n, size uint64) bool { return off <= size && n <= size-off }

func (r *recorder) copyBuffer(c packet.BufferCopy) error {
	src, err := r.buffer(c.Src)
	if err != nil {
		return err
	}
	dst, err := r.buffer(c.Dst)
	if err != nil {
		return err
	}
	if !inRange(c.SrcOffset, c.NumBytes, src.size) || !inRange(c.DstOffset, c.NumBytes, dst.size) {
		return fmt.Errorf("wgpu: copy %s -> %s: %d bytes out of range", c.Src, c.Dst, c.NumBytes)
	}
	r.enc.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{{
		SrcOffset: c.SrcOffset,
		DstOffset: c.DstOffset,
		Size:      c.NumBytes,
	}})
	return nil
}

// updateBuffer stages the inline bytes in a mapped buffer and copies them
// in order with the rest of the list.
func (r *recorder) updateBuffer(u packet.UpdateBuffer) error {
	dst, err := r.buffer(u.Dst)
	if err != nil {
		return err
	}
	n := uint64(len(u.Data))
	if !inRange(u.DstOffset, n, dst.size) {
		return fmt.Errorf("wgpu: update %s: %d bytes at %d out of range", u.Dst, n, u.DstOffset)
	}
	if n == 0 {
		return nil
	}
	d := r.l.dev
	staging, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label:            "update-staging",
		Size:             align4(n),
		Usage:            gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
		MappedAtCreation: true,
	})
	if err != nil {
		return fmt.Errorf("wgpu: update staging: %w", err)
	}
	r.l.staging = append(r.l.staging, staging)
	m, err := d.dev.MapBuffer(staging, 0, align4(n))
	if err != nil {
		return fmt.Errorf("wgpu: map update staging: %w", err)
	}
	copy(unsafe.Slice((*byte)(m.Ptr), n), u.Data)
	if err := d.dev.UnmapBuffer(staging); err != nil {
		return fmt.Errorf("wgpu: unmap update staging: %w", err)
	}
	r.enc.CopyBufferToBuffer(staging, dst.buf, []hal.BufferCopy{{DstOffset: u.DstOffset, Size: n}})
	return nil
}

func (r *recorder) readback(rb packet.ReadbackBuffer) error {
	src, err := r.buffer(rb.Src)
	if err != nil {
		return err
	}
	d := r.l.dev
	d.mu.RLock()
	dst, ok := d.readbacks[rb.Dst.ID()]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wgpu: readback memory %s: %w", rb.Dst, backend.ErrUnknownResource)
	}
	if !inRange(rb.SrcOffset, rb.NumBytes, src.size) || rb.NumBytes > dst.size {
		return fmt.Errorf("wgpu: readback %s: %d bytes out of range", rb.Src, rb.NumBytes)
	}
	r.enc.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{{SrcOffset: rb.SrcOffset, Size: rb.NumBytes}})
	return nil
}

func (r *recorder) updateTexture(u packet.UpdateTexture) error {
	t, err := r.texture(u.Tex)
	if err != nil {
		return err
	}
	src, err := r.buffer(u.Src)
	if err != nil {
		return err
	}
	if int(u.Mip) >= t.desc.Mips || int(u.Slice) >= t.desc.ArraySize {
		return fmt.Errorf("wgpu: texture %s has no subresource (%d, %d)", u.Tex, u.Mip, u.Slice)
	}
	r.enc.CopyBufferToTexture(src.buf, t.tex, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       u.SrcOffset,
			BytesPerRow:  u.BytesPerRow,
			RowsPerImage: u.Height,
		},
		TextureBase: hal.ImageCopyTexture{
			Texture:  t.tex,
			MipLevel: u.Mip,
			Origin:   hal.Origin3D{Z: u.Slice},
			Aspect:   gputypes.TextureAspectAll,
		},
		Size: hal.Extent3D{Width: u.Width, Height: u.Height, DepthOrArrayLayers: 1},
	}})
	return nil
}

func loadOp(op handle.LoadOp) gputypes.LoadOp {
	if op == handle.LoadOpLoad {
		return gputypes.LoadOpLoad
	}
	return gputypes.LoadOpClear
}

func storeOp(op handle.StoreOp) gputypes.StoreOp {
	if op == handle.StoreOpDontCare {
		return gputypes.StoreOpDiscard
	}
	return gputypes.StoreOpStore
}

func (r *recorder) textureView(v handle.ViewResourceHandle) (hal.TextureView, error) {
	d := r.l.dev
	d.mu.RLock()
	defer d.mu.RUnlock()
	vw, ok := d.views[v.Key()]
	if !ok || vw.tv == nil {
		return nil, fmt.Errorf("wgpu: texture view %s: %w", v, backend.ErrUnknownResource)
	}
	return vw.tv, nil
}

func (r *recorder) beginPass(rp packet.RenderpassBegin) error {
	if r.l.queue != desc.QueueGraphics {
		return fmt.Errorf("wgpu: renderpass on %s queue", r.l.queue)
	}
	if r.pass != nil {
		return fmt.Errorf("wgpu: nested renderpass")
	}
	pd := &hal.RenderPassDescriptor{Label: "cmdgraph-pass"}
	for i := range rp.RTVs.Len() {
		v := rp.RTVs.At(i)
		tv, err := r.textureView(v)
		if err != nil {
			return err
		}
		var c packet.Float4
		if i < rp.ClearValues.Len() {
			c = rp.ClearValues.At(i)
		}
		pd.ColorAttachments = append(pd.ColorAttachments, hal.RenderPassColorAttachment{
			View:       tv,
			LoadOp:     loadOp(v.LoadOp()),
			StoreOp:    storeOp(v.StoreOp()),
			ClearValue: gputypes.Color{R: float64(c[0]), G: float64(c[1]), B: float64(c[2]), A: float64(c[3])},
		})
	}
	if rp.DSV.IsValid() {
		tv, err := r.textureView(rp.DSV)
		if err != nil {
			return err
		}
		pd.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:            tv,
			DepthLoadOp:     loadOp(rp.DSV.LoadOp()),
			DepthStoreOp:    storeOp(rp.DSV.StoreOp()),
			DepthClearValue: rp.ClearDepth,
			StencilLoadOp:   gputypes.LoadOpClear,
			StencilStoreOp:  gputypes.StoreOpDiscard,
		}
	}
	r.pass = r.enc.BeginRenderPass(pd)
	r.passes++
	if r.graphics != nil {
		r.pass.SetPipeline(r.graphics.rp)
		if r.gfxGroup != nil {
			r.pass.SetBindGroup(0, r.gfxGroup, nil)
		}
	}
	return nil
}

func (r *recorder) endPass() error {
	if r.pass == nil {
		return fmt.Errorf("wgpu: renderpass end without begin")
	}
	r.pass.End()
	r.pass = nil
	for _, mb := range r.deferred {
		r.lower(mb)
	}
	r.deferred = r.deferred[:0]
	return nil
}

func (r *recorder) requireDraw(t packet.Type) error {
	if r.pass == nil || r.graphics == nil {
		return fmt.Errorf("wgpu: %s outside a renderpass with a graphics pipeline", t)
	}
	return nil
}

func (r *recorder) dispatch(record func(hal.ComputePassEncoder) error) error {
	if r.compute == nil {
		return fmt.Errorf("wgpu: dispatch without a compute pipeline")
	}
	if r.pass != nil {
		return fmt.Errorf("wgpu: dispatch inside a renderpass")
	}
	cp := r.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "cmdgraph-dispatch"})
	cp.SetPipeline(r.compute.cp)
	if r.cmpGroup != nil {
		cp.SetBindGroup(0, r.cmpGroup, nil)
	}
	err := record(cp)
	cp.End()
	r.passes++
	return err
}

// bind builds bind group 0 for the bound pipeline: loose views first, then
// the views of each argument set, filling the declared slots in order.
func (r *recorder) bind(rb packet.ResourceBinding) error {
	compute := rb.Binding == packet.BindingCompute
	if rb.Binding == packet.BindingRaytracing {
		return fmt.Errorf("wgpu: raytracing binding: %w", backend.ErrUnsupported)
	}
	pl := r.graphics
	if compute {
		pl = r.compute
	}
	if pl == nil {
		return fmt.Errorf("wgpu: resource binding without a matching pipeline")
	}

	d := r.l.dev
	views := rb.Resources.Slice()
	d.mu.RLock()
	for h := range rb.Arguments.All() {
		views = append(views, d.args[h.ID()]...)
	}
	d.mu.RUnlock()

	entries := make([]gputypes.BindGroupEntry, 0, len(pl.bindings))
	slot := 0
	for _, v := range views {
		if slot == len(pl.bindings) {
			slogger().Debug("wgpu: more views than binding slots", "pipeline_slots", len(pl.bindings), "views", len(views))
			break
		}
		if !v.Type().IsBuffer() {
			slogger().Debug("wgpu: texture binding skipped", "view", v.String())
			continue
		}
		b, err := r.buffer(v.Resource)
		if err != nil {
			return err
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding: pl.bindings[slot].Binding,
			Resource: gputypes.BufferBinding{
				Buffer: b.buf.NativeHandle(),
				Size:   0, // whole buffer
			},
		})
		slot++
	}
	if len(rb.Constants) > 0 {
		slogger().Debug("wgpu: constants are not supported, ignored", "bytes", len(rb.Constants))
	}

	group, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "cmdgraph-bindings",
		Layout:  pl.bgLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create bind group: %w", err)
	}
	r.l.groups = append(r.l.groups, group)
	r.groups++
	if compute {
		r.cmpGroup = group
		return nil
	}
	r.gfxGroup = group
	if r.pass != nil {
		r.pass.SetBindGroup(0, group, nil)
	}
	return nil
}

// transition records mb now, or after the current render pass.
func (r *recorder) transition(mb barrier.MemoryBarriers) {
	if mb.Empty() {
		return
	}
	if r.pass != nil {
		r.deferred = append(r.deferred, mb)
		return
	}
	r.lower(mb)
}

func (r *recorder) lower(mb barrier.MemoryBarriers) {
	if len(mb.Buffers) > 0 {
		bbs := make([]hal.BufferBarrier, 0, len(mb.Buffers))
		for _, b := range mb.Buffers {
			buf, err := r.buffer(b.Resource)
			if err != nil {
				slogger().Warn("wgpu: barrier on unknown buffer", "handle", b.Resource)
				continue
			}
			bbs = append(bbs, hal.BufferBarrier{
				Buffer: buf.buf,
				Usage:  hal.BufferUsageTransition{OldUsage: bufferUsageOf(b.Before), NewUsage: bufferUsageOf(b.After)},
			})
		}
		r.enc.TransitionBuffers(bbs)
		r.barriers += len(bbs)
	}
	if len(mb.Textures) > 0 {
		tbs := make([]hal.TextureBarrier, 0, len(mb.Textures))
		for _, b := range mb.Textures {
			t, err := r.texture(b.Resource)
			if err != nil {
				slogger().Warn("wgpu: barrier on unknown texture", "handle", b.Resource)
				continue
			}
			tbs = append(tbs, hal.TextureBarrier{
				Texture: t.tex,
				Range: hal.TextureRange{
					Aspect:          gputypes.TextureAspectAll,
					BaseMipLevel:    uint32(b.StartMip), //nolint:gosec // bounded by texture mips
					MipLevelCount:   uint32(b.MipSize),  //nolint:gosec // bounded by texture mips
					BaseArrayLayer:  uint32(b.StartArr), //nolint:gosec // bounded by texture slices
					ArrayLayerCount: uint32(b.ArrSize),  //nolint:gosec // bounded by texture slices
				},
				Usage: hal.TextureUsageTransition{OldUsage: textureUsageOf(b.Before), NewUsage: textureUsageOf(b.After)},
			})
		}
		r.enc.TransitionTextures(tbs)
		r.barriers += len(tbs)
	}
}

// bufferUsageOf maps an access state to the buffer usage it implies.
func bufferUsageOf(s desc.ResourceState) gputypes.BufferUsage {
	var u gputypes.BufferUsage
	if s.Stage&desc.StageTransfer != 0 {
		if s.Usage.Writes() {
			u |= gputypes.BufferUsageCopyDst
		} else {
			u |= gputypes.BufferUsageCopySrc
		}
	}
	if s.Stage&desc.StageIndex != 0 {
		u |= gputypes.BufferUsageIndex
	}
	if s.Stage&desc.StageIndirect != 0 {
		u |= gputypes.BufferUsageIndirect
	}
	if s.Stage&(desc.StageCompute|desc.StageGraphics|desc.StageRaytrace|desc.StageAccelerationStructure) != 0 {
		u |= gputypes.BufferUsageStorage
	}
	return u
}

// textureUsageOf maps a subresource state to the texture usage of its layout.
func textureUsageOf(s desc.ResourceState) gputypes.TextureUsage {
	switch s.Layout {
	case desc.LayoutRendertarget, desc.LayoutDepthStencil, desc.LayoutDepthStencilReadOnly, desc.LayoutPresent:
		return gputypes.TextureUsageRenderAttachment
	case desc.LayoutShaderReadOnly:
		return gputypes.TextureUsageTextureBinding
	case desc.LayoutGeneral:
		return gputypes.TextureUsageStorageBinding
	case desc.LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case desc.LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	default:
		return gputypes.TextureUsageNone
	}
}
