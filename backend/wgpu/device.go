package wgpu

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
)

// submitTimeout bounds CPU waits on other devices' timelines.
const submitTimeout = 10 * time.Second

var errClosed = errors.New("wgpu: device closed")

type buffer struct {
	buf  hal.Buffer
	size uint64
}

type texture struct {
	tex  hal.Texture
	desc desc.TextureDesc
}

type view struct {
	handle handle.ViewResourceHandle
	// tv is nil for buffer views.
	tv hal.TextureView
}

// Stats counts what a device recorded and submitted.
type Stats struct {
	Submits    int
	Lists      int
	Packets    int
	Barriers   int
	Passes     int
	BindGroups int
}

// Device is one HAL device and its queue.
type Device struct {
	id    int
	name  string
	dev   hal.Device
	queue hal.Queue
	owned bool

	mu        sync.RWMutex
	closed    bool
	buffers   map[int]*buffer
	textures  map[int]*texture
	readbacks map[int]*buffer
	views     map[uint32]*view
	args      map[int][]handle.ViewResourceHandle
	pipelines map[int]*pipeline
	stats     Stats

	// submitMu serializes queue submits and guards lastSubmit.
	submitMu   sync.Mutex
	lastSubmit uint64
}

func newDevice(id int, name string, dev hal.Device, queue hal.Queue, owned bool) *Device {
	return &Device{
		id:        id,
		name:      name,
		dev:       dev,
		queue:     queue,
		owned:     owned,
		buffers:   make(map[int]*buffer),
		textures:  make(map[int]*texture),
		readbacks: make(map[int]*buffer),
		views:     make(map[uint32]*view),
		args:      make(map[int][]handle.ViewResourceHandle),
		pipelines: make(map[int]*pipeline),
	}
}

// NewDevice wraps an open HAL device. The caller keeps ownership of dev and
// queue; Close does not destroy them.
func NewDevice(id int, name string, dev hal.Device, queue hal.Queue) *Device {
	return newDevice(id, name, dev, queue, false)
}

// ID returns the device index.
func (d *Device) ID() int { return d.id }

// Name returns the adapter name.
func (d *Device) Name() string { return d.name }

// Stats returns recording and submission counters.
func (d *Device) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

func align4(n uint64) uint64 { return (n + 3) &^ 3 }

func bufferUsages(u desc.BufferUsage) gputypes.BufferUsage {
	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst |
		gputypes.BufferUsageStorage | gputypes.BufferUsageUniform
	if u&desc.BufferIndex != 0 {
		usage |= gputypes.BufferUsageIndex
	}
	if u&desc.BufferIndirect != 0 {
		usage |= gputypes.BufferUsageIndirect
	}
	return usage
}

func textureUsages(u desc.TextureUsage) gputypes.TextureUsage {
	usage := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	if u&desc.TextureShaderRead != 0 {
		usage |= gputypes.TextureUsageTextureBinding
	}
	if u&desc.TextureShaderWrite != 0 {
		usage |= gputypes.TextureUsageStorageBinding
	}
	if u&(desc.TextureRendertarget|desc.TextureDepthStencil|desc.TexturePresent) != 0 || u == 0 {
		usage |= gputypes.TextureUsageRenderAttachment
	}
	return usage
}

// CreateBuffer creates a device-local buffer. Sizes are rounded up to a
// multiple of four bytes.
func (d *Device) CreateBuffer(h handle.ResourceHandle, bd desc.BufferDesc) error {
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: bd.Label,
		Size:  align4(max(bd.Size, 4)),
		Usage: bufferUsages(bd.Usage),
	})
	if err != nil {
		return fmt.Errorf("wgpu: create buffer %s: %w", h, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dev.DestroyBuffer(buf)
		return errClosed
	}
	if old, ok := d.buffers[h.ID()]; ok {
		d.dev.DestroyBuffer(old.buf)
	}
	d.buffers[h.ID()] = &buffer{buf: buf, size: bd.Size}
	return nil
}

// CreateTexture creates a 2D texture.
func (d *Device) CreateTexture(h handle.ResourceHandle, td desc.TextureDesc) error {
	td = td.Normalized()
	format := td.Format
	if format == gputypes.TextureFormatUndefined {
		format = gputypes.TextureFormatRGBA8Unorm
	}
	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label: td.Label,
		Size: hal.Extent3D{
			Width:              max(td.Width, 1),
			Height:             max(td.Height, 1),
			DepthOrArrayLayers: uint32(td.ArraySize), //nolint:gosec // bounded by handle.MaxArraySlices
		},
		MipLevelCount: uint32(td.Mips), //nolint:gosec // bounded by handle.MaxMips
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         textureUsages(td.Usage),
	})
	if err != nil {
		return fmt.Errorf("wgpu: create texture %s: %w", h, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dev.DestroyTexture(tex)
		return errClosed
	}
	if old, ok := d.textures[h.ID()]; ok {
		d.dev.DestroyTexture(old.tex)
	}
	td.Format = format
	d.textures[h.ID()] = &texture{tex: tex, desc: td}
	return nil
}

// CreateView records a view. Texture views get a HAL texture view over
// their subresource range.
func (d *Device) CreateView(v handle.ViewResourceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	vw := &view{handle: v}
	if v.Type().IsTexture() {
		t, ok := d.textures[v.Resource.ID()]
		if !ok {
			return fmt.Errorf("wgpu: view %s: %w", v, backend.ErrUnknownResource)
		}
		dim := gputypes.TextureViewDimension2D
		if v.ArrSize() > 1 {
			dim = gputypes.TextureViewDimension2DArray
		}
		tv, err := d.dev.CreateTextureView(t.tex, &hal.TextureViewDescriptor{
			Format:          t.desc.Format,
			Dimension:       dim,
			Aspect:          gputypes.TextureAspectAll,
			BaseMipLevel:    uint32(v.StartMip()), //nolint:gosec // 4-bit field
			MipLevelCount:   uint32(v.MipSize()),  //nolint:gosec // 4-bit field
			BaseArrayLayer:  uint32(v.StartArr()), //nolint:gosec // 11-bit field
			ArrayLayerCount: uint32(v.ArrSize()),  //nolint:gosec // 11-bit field
		})
		if err != nil {
			return fmt.Errorf("wgpu: create view %s: %w", v, err)
		}
		vw.tv = tv
	} else if _, ok := d.buffers[v.Resource.ID()]; !ok {
		return fmt.Errorf("wgpu: view %s: %w", v, backend.ErrUnknownResource)
	}
	if old, ok := d.views[v.Key()]; ok && old.tv != nil {
		d.dev.DestroyTextureView(old.tv)
	}
	d.views[v.Key()] = vw
	return nil
}

// CreateShaderArguments records the views of an argument set. Bind groups
// are built when a list binds the set, against the bound pipeline's layout.
func (d *Device) CreateShaderArguments(h handle.ResourceHandle, views []handle.ViewResourceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.args[h.ID()] = append([]handle.ViewResourceHandle(nil), views...)
	return nil
}

// CreateComputePipeline compiles a compute pipeline.
func (d *Device) CreateComputePipeline(h handle.ResourceHandle, pd desc.ComputePipelineDesc) error {
	p, err := d.newComputePipeline(pd)
	if err != nil {
		return err
	}
	return d.storePipeline(h, p)
}

// CreateGraphicsPipeline compiles a graphics pipeline.
func (d *Device) CreateGraphicsPipeline(h handle.ResourceHandle, pd desc.GraphicsPipelineDesc) error {
	p, err := d.newGraphicsPipeline(pd)
	if err != nil {
		return err
	}
	return d.storePipeline(h, p)
}

func (d *Device) storePipeline(h handle.ResourceHandle, p *pipeline) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.destroyPipeline(p)
		return errClosed
	}
	if old, ok := d.pipelines[h.ID()]; ok {
		d.destroyPipeline(old)
	}
	d.pipelines[h.ID()] = p
	return nil
}

// CreateReadback creates a host-readable buffer.
func (d *Device) CreateReadback(h handle.ResourceHandle, size uint64) error {
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback",
		Size:  align4(max(size, 4)),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create readback %s: %w", h, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dev.DestroyBuffer(buf)
		return errClosed
	}
	d.readbacks[h.ID()] = &buffer{buf: buf, size: size}
	return nil
}

// MapReadback copies readback memory h out of its mapping.
func (d *Device) MapReadback(h handle.ResourceHandle) ([]byte, error) {
	d.mu.RLock()
	rb, ok := d.readbacks[h.ID()]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wgpu: map %s: %w", h, backend.ErrUnknownResource)
	}
	out := make([]byte, rb.size)
	if rb.size == 0 {
		return out, nil
	}
	m, err := d.dev.MapBuffer(rb.buf, 0, rb.size)
	if err != nil {
		return nil, fmt.Errorf("wgpu: map %s: %w", h, err)
	}
	copy(out, unsafe.Slice((*byte)(m.Ptr), rb.size))
	if err := d.dev.UnmapBuffer(rb.buf); err != nil {
		return nil, fmt.Errorf("wgpu: unmap %s: %w", h, err)
	}
	return out, nil
}

// Destroy frees the object behind h.
func (d *Device) Destroy(h handle.ResourceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch h.Type() {
	case handle.TypeTexture:
		if t, ok := d.textures[h.ID()]; ok {
			d.dev.DestroyTexture(t.tex)
			delete(d.textures, h.ID())
			return
		}
	case handle.TypeReadbackBuffer:
		if b, ok := d.readbacks[h.ID()]; ok {
			d.dev.DestroyBuffer(b.buf)
			delete(d.readbacks, h.ID())
			return
		}
	case handle.TypeShaderArguments:
		if _, ok := d.args[h.ID()]; ok {
			delete(d.args, h.ID())
			return
		}
	case handle.TypePipeline:
		if p, ok := d.pipelines[h.ID()]; ok {
			d.destroyPipeline(p)
			delete(d.pipelines, h.ID())
			return
		}
	default:
		if b, ok := d.buffers[h.ID()]; ok {
			d.dev.DestroyBuffer(b.buf)
			delete(d.buffers, h.ID())
			return
		}
	}
	slogger().Warn("wgpu: destroying unknown resource", "handle", h)
}

// DestroyView frees a view.
func (d *Device) DestroyView(v handle.ViewResourceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vw, ok := d.views[v.Key()]; ok {
		if vw.tv != nil {
			d.dev.DestroyTextureView(vw.tv)
		}
		delete(d.views, v.Key())
	}
}

// CreateList creates a command list for q. Every queue type maps to the
// device's single HAL queue.
func (d *Device) CreateList(q desc.QueueType) (backend.CommandList, error) {
	if q.Index() < 0 {
		return nil, fmt.Errorf("wgpu: no %s queue: %w", q, backend.ErrUnsupported)
	}
	return &commandList{dev: d, queue: q}, nil
}

// CreateFence creates a fence that is unsignaled until submitted.
func (d *Device) CreateFence() (backend.Fence, error) { return &Fence{dev: d}, nil }

// CreateSemaphore creates a binary semaphore.
func (d *Device) CreateSemaphore() (backend.Semaphore, error) { return &Semaphore{}, nil }

// CreateTimeline creates a timeline at zero.
func (d *Device) CreateTimeline() (backend.Timeline, error) { return &Timeline{dev: d}, nil }

// CreateSwapchain creates an offscreen swapchain over images.
func (d *Device) CreateSwapchain(sd desc.SwapchainDesc, images []handle.ResourceHandle) (backend.Swapchain, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("wgpu: swapchain %q without images", sd.Label)
	}
	return &Swapchain{acquired: make([]bool, len(images))}, nil
}

// Submit issues the lists of s on the HAL queue. Waits on this device's
// timelines are implied by queue order; waits on other devices block until
// satisfied.
func (d *Device) Submit(q desc.QueueType, s backend.Submission) error {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return errClosed
	}

	for _, w := range s.WaitTimelines {
		if t, ok := w.Timeline.(*Timeline); ok && t.dev == d {
			continue
		}
		ok, err := w.Timeline.Wait(w.Value, submitTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("wgpu: %s submit waiting for timeline value %d: %w", q, w.Value, backend.ErrTimeout)
		}
	}

	cbs := make([]hal.CommandBuffer, 0, len(s.Lists))
	for _, l := range s.Lists {
		cl, ok := l.(*commandList)
		if !ok || cl.dev != d {
			return fmt.Errorf("wgpu: submit: list from another device")
		}
		if cl.cmd == nil {
			return fmt.Errorf("wgpu: submit: %s list was not filled", cl.queue)
		}
		cbs = append(cbs, cl.cmd)
	}

	index := d.lastSubmit
	if len(cbs) > 0 {
		var err error
		if index, err = d.queue.Submit(cbs); err != nil {
			return fmt.Errorf("wgpu: %s submit: %w", q, err)
		}
		d.lastSubmit = index
	}

	for _, sv := range s.SignalTimelines {
		t, ok := sv.Timeline.(*Timeline)
		if !ok || t.dev != d {
			return fmt.Errorf("wgpu: submit: signal of a foreign timeline %T", sv.Timeline)
		}
		t.signalAt(sv.Value, index)
	}
	if s.Fence != nil {
		f, ok := s.Fence.(*Fence)
		if !ok || f.dev != d {
			return fmt.Errorf("wgpu: submit: foreign fence %T", s.Fence)
		}
		f.arm(index)
	}

	d.mu.Lock()
	d.stats.Submits++
	d.stats.Lists += len(cbs)
	d.mu.Unlock()
	slogger().Debug("wgpu: submit", "device", d.id, "queue", q, "lists", len(cbs), "index", index)
	return nil
}

// WaitIdle waits for all submitted work.
func (d *Device) WaitIdle() error {
	if err := d.dev.WaitIdle(); err != nil {
		return fmt.Errorf("wgpu: wait idle: %w", err)
	}
	return nil
}

// Close waits for the GPU, frees every resource and, when the backend
// opened the device, destroys it.
func (d *Device) Close() error {
	err := d.WaitIdle()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return err
	}
	d.closed = true
	for _, v := range d.views {
		if v.tv != nil {
			d.dev.DestroyTextureView(v.tv)
		}
	}
	for _, p := range d.pipelines {
		d.destroyPipeline(p)
	}
	for _, t := range d.textures {
		d.dev.DestroyTexture(t.tex)
	}
	for _, b := range d.buffers {
		d.dev.DestroyBuffer(b.buf)
	}
	for _, b := range d.readbacks {
		d.dev.DestroyBuffer(b.buf)
	}
	clear(d.views)
	clear(d.pipelines)
	clear(d.textures)
	clear(d.buffers)
	clear(d.readbacks)
	clear(d.args)
	if d.owned {
		d.dev.Destroy()
	}
	return err
}
