package software

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/barrier"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/packet"
)

const formatBGRA8 = gputypes.TextureFormatBGRA8Unorm

// op runs with the device lock held.
type op func(d *Device) error

type commandList struct {
	dev   *Device
	queue desc.QueueType
	ops   []op
}

func (l *commandList) Queue() desc.QueueType { return l.queue }

func (l *commandList) Release() { l.ops = nil }

func (l *commandList) execute() error {
	for _, o := range l.ops {
		if err := o(l.dev); err != nil {
			return err
		}
	}
	l.dev.stats.Lists++
	return nil
}

// FillWith decodes s into operations. Payload bytes are copied, so s may be
// reused once FillWith returns.
func (l *commandList) FillWith(s *packet.Stream, barriers backend.BarrierSource) error {
	var (
		draw         int
		pipelineKind = -1
		inPass       bool
	)
	for p := range s.All() {
		if barriers != nil && barriers.HasBarrier(draw) {
			l.recordBarriers(draw, barriers.Barriers(draw))
		}
		draw++

		switch p.Type() {
		case packet.TypeRenderBlock:
			slogger().Debug("software: block", "name", p.RenderBlock().String(), "queue", l.queue)
		case packet.TypeReleaseFromQueue:
			// The release barriers were recorded above.
		case packet.TypeBufferCopy:
			c := p.BufferCopy()
			l.ops = append(l.ops, func(d *Device) error { return d.copyBuffer(c) })
		case packet.TypeUpdateBuffer:
			u := p.UpdateBuffer()
			u.Data = append([]byte(nil), u.Data...)
			l.ops = append(l.ops, func(d *Device) error { return d.updateBuffer(u) })
		case packet.TypeReadbackBuffer:
			r := p.ReadbackBuffer()
			l.ops = append(l.ops, func(d *Device) error { return d.readback(r) })
		case packet.TypeUpdateTexture:
			u := p.UpdateTexture()
			l.ops = append(l.ops, func(d *Device) error { return d.updateTexture(u) })
		case packet.TypeRenderpassBegin:
			if l.queue != desc.QueueGraphics {
				return fmt.Errorf("software: renderpass on %s queue", l.queue)
			}
			rp := p.RenderpassBegin()
			clears := make([]clearOp, 0, rp.RTVs.Len())
			for i := range rp.RTVs.Len() {
				v := rp.RTVs.At(i)
				if v.LoadOp() != handle.LoadOpClear {
					continue
				}
				var c packet.Float4
				if i < rp.ClearValues.Len() {
					c = rp.ClearValues.At(i)
				}
				clears = append(clears, clearOp{view: v, color: c})
			}
			inPass = true
			l.ops = append(l.ops, func(d *Device) error { return d.clear(clears) })
		case packet.TypeRenderpassEnd:
			inPass = false
		case packet.TypeGraphicsPipelineBind:
			pipelineKind = 0
		case packet.TypeComputePipelineBind:
			pipelineKind = 1
		case packet.TypeResourceBinding:
			rb := p.ResourceBinding()
			want := 0
			if rb.Binding == packet.BindingCompute {
				want = 1
			}
			if pipelineKind != want {
				return fmt.Errorf("software: %s binding without a matching pipeline", bindingName(rb.Binding))
			}
		case packet.TypeDraw, packet.TypeDrawIndexed, packet.TypeDrawIndirect:
			if !inPass || pipelineKind != 0 {
				return fmt.Errorf("software: %s outside a renderpass with a graphics pipeline", p.Type())
			}
			l.ops = append(l.ops, func(d *Device) error { d.stats.Draws++; return nil })
		case packet.TypeDispatch, packet.TypeDispatchIndirect:
			if pipelineKind != 1 {
				return fmt.Errorf("software: %s without a compute pipeline", p.Type())
			}
			l.ops = append(l.ops, func(d *Device) error { d.stats.Dispatches++; return nil })
		case packet.TypeBuildBLAS, packet.TypeBuildTLAS:
			l.ops = append(l.ops, func(d *Device) error { d.stats.Builds++; return nil })
		case packet.TypeScissorRect, packet.TypePrepareForPresent:
		default:
			return fmt.Errorf("software: unexpected packet %s", p.Type())
		}
		l.ops = append(l.ops, func(d *Device) error { d.stats.Packets++; return nil })
	}
	return nil
}

func bindingName(b packet.BindingType) string {
	switch b {
	case packet.BindingCompute:
		return "compute"
	case packet.BindingRaytracing:
		return "raytracing"
	default:
		return "graphics"
	}
}

func (l *commandList) recordBarriers(draw int, mb barrier.MemoryBarriers) {
	var acquires, releases int
	count := func(t barrier.Transfer) {
		switch t {
		case barrier.TransferAcquire:
			acquires++
		case barrier.TransferRelease:
			releases++
		}
	}
	for _, b := range mb.Buffers {
		count(b.Transfer)
	}
	for _, b := range mb.Textures {
		count(b.Transfer)
	}
	n := len(mb.Buffers) + len(mb.Textures)
	slogger().Debug("software: barriers", "draw", draw, "buffers", len(mb.Buffers), "textures", len(mb.Textures))
	l.ops = append(l.ops, func(d *Device) error {
		d.stats.Barriers += n
		d.stats.Acquires += acquires
		d.stats.Releases += releases
		return nil
	})
}

func span(buf []byte, off, n uint64, what string, h handle.ResourceHandle) ([]byte, error) {
	if off > uint64(len(buf)) || n > uint64(len(buf))-off {
		return nil, fmt.Errorf("software: %s %s: range [%d, %d) outside %d bytes", what, h, off, off+n, len(buf))
	}
	return buf[off : off+n], nil
}

func (d *Device) buffer(h handle.ResourceHandle) ([]byte, error) {
	b, ok := d.buffers[h.ID()]
	if !ok {
		return nil, fmt.Errorf("software: buffer %s: %w", h, backend.ErrUnknownResource)
	}
	return b, nil
}

func (d *Device) copyBuffer(c packet.BufferCopy) error {
	src, err := d.buffer(c.Src)
	if err != nil {
		return err
	}
	dst, err := d.buffer(c.Dst)
	if err != nil {
		return err
	}
	from, err := span(src, c.SrcOffset, c.NumBytes, "copy source", c.Src)
	if err != nil {
		return err
	}
	to, err := span(dst, c.DstOffset, c.NumBytes, "copy destination", c.Dst)
	if err != nil {
		return err
	}
	copy(to, from)
	d.stats.Copies++
	return nil
}

func (d *Device) updateBuffer(u packet.UpdateBuffer) error {
	dst, err := d.buffer(u.Dst)
	if err != nil {
		return err
	}
	to, err := span(dst, u.DstOffset, uint64(len(u.Data)), "update", u.Dst)
	if err != nil {
		return err
	}
	copy(to, u.Data)
	d.stats.Copies++
	return nil
}

func (d *Device) readback(r packet.ReadbackBuffer) error {
	src, err := d.buffer(r.Src)
	if err != nil {
		return err
	}
	mem, ok := d.readbacks[r.Dst.ID()]
	if !ok {
		return fmt.Errorf("software: readback memory %s: %w", r.Dst, backend.ErrUnknownResource)
	}
	from, err := span(src, r.SrcOffset, r.NumBytes, "readback", r.Src)
	if err != nil {
		return err
	}
	copy(mem, from)
	d.stats.Readbacks++
	return nil
}

func (d *Device) updateTexture(u packet.UpdateTexture) error {
	t, ok := d.textures[u.Tex.ID()]
	if !ok {
		return fmt.Errorf("software: texture %s: %w", u.Tex, backend.ErrUnknownResource)
	}
	src, err := d.buffer(u.Src)
	if err != nil {
		return err
	}
	mip, slice := int(u.Mip), int(u.Slice)
	if mip >= t.desc.Mips || slice >= t.desc.ArraySize {
		return fmt.Errorf("software: texture %s has no subresource (%d, %d)", u.Tex, mip, slice)
	}
	w, h := t.extent(mip)
	rows := min(int(u.Height), h)
	rowBytes := min(int(u.Width), w) * t.bpp
	dst := t.subresources[slice*t.desc.Mips+mip]
	for y := range rows {
		from, err := span(src, u.SrcOffset+uint64(y)*uint64(u.BytesPerRow), uint64(rowBytes), "texture upload", u.Src)
		if err != nil {
			return err
		}
		copy(dst[y*w*t.bpp:], from)
	}
	d.stats.Copies++
	return nil
}

type clearOp struct {
	view  handle.ViewResourceHandle
	color packet.Float4
}

func (d *Device) clear(clears []clearOp) error {
	for _, c := range clears {
		t, ok := d.textures[c.view.Resource.ID()]
		if !ok {
			return fmt.Errorf("software: render target %s: %w", c.view.Resource, backend.ErrUnknownResource)
		}
		texel := encodeTexel(t.desc, t.bpp, c.color)
		for slice := c.view.StartArr(); slice < c.view.StartArr()+c.view.ArrSize(); slice++ {
			for mip := c.view.StartMip(); mip < c.view.StartMip()+c.view.MipSize(); mip++ {
				sub := t.subresources[slice*t.desc.Mips+mip]
				for i := 0; i+len(texel) <= len(sub); i += len(texel) {
					copy(sub[i:], texel)
				}
			}
		}
		d.stats.Clears++
	}
	return nil
}

func unorm8(f float32) byte {
	return byte(math.Round(float64(min(max(f, 0), 1)) * 255))
}

func encodeTexel(td desc.TextureDesc, bpp int, c packet.Float4) []byte {
	texel := make([]byte, bpp)
	switch {
	case bpp == 1:
		texel[0] = unorm8(c[0])
	case td.Format == formatBGRA8:
		texel[0], texel[1], texel[2], texel[3] = unorm8(c[2]), unorm8(c[1]), unorm8(c[0]), unorm8(c[3])
	case bpp == 4:
		texel[0], texel[1], texel[2], texel[3] = unorm8(c[0]), unorm8(c[1]), unorm8(c[2]), unorm8(c[3])
	default:
		for i := 0; i+4 <= bpp; i += 4 {
			binary.LittleEndian.PutUint32(texel[i:], math.Float32bits(c[(i/4)%4]))
		}
	}
	return texel
}
