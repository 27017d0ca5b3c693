package software

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
)

// submitTimeout bounds how long a submission waits for another device's
// timeline.
const submitTimeout = 10 * time.Second

var errClosed = errors.New("software: device closed")

type texture struct {
	desc desc.TextureDesc
	bpp  int
	// subresources indexed by slice*Mips + mip.
	subresources [][]byte
}

func (t *texture) extent(mip int) (w, h int) {
	return max(int(t.desc.Width)>>mip, 1), max(int(t.desc.Height)>>mip, 1)
}

type pipeline struct {
	compute  bool
	bindings int
}

// Stats counts what a device executed.
type Stats struct {
	Submits    int
	Lists      int
	Packets    int
	Draws      int
	Dispatches int
	Copies     int
	Readbacks  int
	Clears     int
	Builds     int
	Barriers   int
	Acquires   int
	Releases   int
}

type batch struct {
	queue desc.QueueType
	lists []*commandList
	waits []backend.TimelineValue
	sigs  []backend.TimelineValue
	fence *Fence
}

// Device is a software GPU.
type Device struct {
	id       int
	name     string
	deferred bool

	mu        sync.Mutex
	closed    bool
	buffers   map[int][]byte
	textures  map[int]*texture
	readbacks map[int][]byte
	views     map[uint32]handle.ViewResourceHandle
	args      map[int][]handle.ViewResourceHandle
	pipelines map[int]pipeline
	destroyed map[handle.ResourceHandle]bool
	pending   []batch
	stats     Stats
}

func newDevice(id int, name string, deferCompletion bool) *Device {
	return &Device{
		id:        id,
		name:      name,
		deferred:  deferCompletion,
		buffers:   make(map[int][]byte),
		textures:  make(map[int]*texture),
		readbacks: make(map[int][]byte),
		views:     make(map[uint32]handle.ViewResourceHandle),
		args:      make(map[int][]handle.ViewResourceHandle),
		pipelines: make(map[int]pipeline),
		destroyed: make(map[handle.ResourceHandle]bool),
	}
}

// NewDevice creates a standalone device, for tests and tools that do not go
// through the registry.
func NewDevice(id int, deferCompletion bool) *Device {
	return newDevice(id, fmt.Sprintf("software-%d", id), deferCompletion)
}

// ID returns the device index.
func (d *Device) ID() int { return d.id }

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// CreateBuffer allocates zeroed host memory.
func (d *Device) CreateBuffer(h handle.ResourceHandle, bd desc.BufferDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	d.buffers[h.ID()] = make([]byte, bd.Size)
	delete(d.destroyed, h)
	return nil
}

// CreateTexture allocates every subresource of a texture.
func (d *Device) CreateTexture(h handle.ResourceHandle, td desc.TextureDesc) error {
	td = td.Normalized()
	bpp := desc.BytesPerPixel(td.Format)
	if bpp == 0 {
		bpp = 4
	}
	t := &texture{desc: td, bpp: bpp, subresources: make([][]byte, td.Mips*td.ArraySize)}
	for slice := range td.ArraySize {
		for mip := range td.Mips {
			w, hgt := t.extent(mip)
			t.subresources[slice*td.Mips+mip] = make([]byte, w*hgt*bpp)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	d.textures[h.ID()] = t
	delete(d.destroyed, h)
	return nil
}

// CreateView records a view.
func (d *Device) CreateView(v handle.ViewResourceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.known(v.Resource) {
		return fmt.Errorf("software: view %s: %w", v, backend.ErrUnknownResource)
	}
	d.views[v.Key()] = v
	return nil
}

// CreateShaderArguments records the views of an argument set.
func (d *Device) CreateShaderArguments(h handle.ResourceHandle, views []handle.ViewResourceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.args[h.ID()] = append([]handle.ViewResourceHandle(nil), views...)
	return nil
}

// CreateComputePipeline records the pipeline's binding count. The shader is
// not compiled.
func (d *Device) CreateComputePipeline(h handle.ResourceHandle, pd desc.ComputePipelineDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipelines[h.ID()] = pipeline{compute: true, bindings: len(pd.Bindings)}
	return nil
}

// CreateGraphicsPipeline records the pipeline's binding count.
func (d *Device) CreateGraphicsPipeline(h handle.ResourceHandle, pd desc.GraphicsPipelineDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipelines[h.ID()] = pipeline{bindings: len(pd.Bindings)}
	return nil
}

// CreateReadback allocates readback memory.
func (d *Device) CreateReadback(h handle.ResourceHandle, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readbacks[h.ID()] = make([]byte, size)
	delete(d.destroyed, h)
	return nil
}

// MapReadback returns a copy of readback memory h.
func (d *Device) MapReadback(h handle.ResourceHandle) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, ok := d.readbacks[h.ID()]
	if !ok {
		return nil, fmt.Errorf("software: map %s: %w", h, backend.ErrUnknownResource)
	}
	return append([]byte(nil), mem...), nil
}

// must be called with d.mu held.
func (d *Device) known(h handle.ResourceHandle) bool {
	switch h.Type() {
	case handle.TypeTexture:
		_, ok := d.textures[h.ID()]
		return ok
	case handle.TypeReadbackBuffer:
		_, ok := d.readbacks[h.ID()]
		return ok
	case handle.TypeBuffer, handle.TypeDynamicBuffer:
		_, ok := d.buffers[h.ID()]
		return ok
	default:
		return true
	}
}

// Destroy frees the object behind h.
func (d *Device) Destroy(h handle.ResourceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.known(h) {
		slogger().Warn("software: destroying unknown resource", "handle", h)
	}
	switch h.Type() {
	case handle.TypeTexture:
		delete(d.textures, h.ID())
	case handle.TypeReadbackBuffer:
		delete(d.readbacks, h.ID())
	case handle.TypeShaderArguments:
		delete(d.args, h.ID())
	case handle.TypePipeline:
		delete(d.pipelines, h.ID())
	default:
		delete(d.buffers, h.ID())
	}
	d.destroyed[h] = true
}

// DestroyView forgets a view.
func (d *Device) DestroyView(v handle.ViewResourceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.views, v.Key())
}

// Destroyed reports whether h was destroyed and not recreated since.
func (d *Device) Destroyed(h handle.ResourceHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed[h]
}

// Buffer returns a copy of buffer h's contents.
func (d *Device) Buffer(h handle.ResourceHandle) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[h.ID()]
	return append([]byte(nil), b...), ok
}

// Subresource returns a copy of one texture subresource.
func (d *Device) Subresource(h handle.ResourceHandle, mip, slice int) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.textures[h.ID()]
	if !ok || mip >= t.desc.Mips || slice >= t.desc.ArraySize {
		return nil, false
	}
	return append([]byte(nil), t.subresources[slice*t.desc.Mips+mip]...), true
}

// Stats returns execution counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// CreateList creates a command list for q.
func (d *Device) CreateList(q desc.QueueType) (backend.CommandList, error) {
	if q.Index() < 0 {
		return nil, fmt.Errorf("software: no %s queue: %w", q, backend.ErrUnsupported)
	}
	return &commandList{dev: d, queue: q}, nil
}

// CreateFence creates an unsignaled fence.
func (d *Device) CreateFence() (backend.Fence, error) { return newFence(), nil }

// CreateSemaphore creates a binary semaphore.
func (d *Device) CreateSemaphore() (backend.Semaphore, error) { return &Semaphore{}, nil }

// CreateTimeline creates a timeline at zero.
func (d *Device) CreateTimeline() (backend.Timeline, error) { return newTimeline(), nil }

// CreateSwapchain creates an offscreen swapchain over images, which must
// already exist as textures.
func (d *Device) CreateSwapchain(sd desc.SwapchainDesc, images []handle.ResourceHandle) (backend.Swapchain, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("software: swapchain %q without images", sd.Label)
	}
	return &Swapchain{images: len(images), acquired: make([]bool, len(images))}, nil
}

// Submit queues a submission. Without deferred completion it executes
// before returning, waiting for other devices' timelines as needed.
func (d *Device) Submit(q desc.QueueType, s backend.Submission) error {
	b := batch{queue: q, waits: s.WaitTimelines, sigs: s.SignalTimelines}
	for _, l := range s.Lists {
		cl, ok := l.(*commandList)
		if !ok || cl.dev != d {
			return fmt.Errorf("software: submit: list from another device")
		}
		b.lists = append(b.lists, cl)
	}
	if s.Fence != nil {
		f, ok := s.Fence.(*Fence)
		if !ok {
			return fmt.Errorf("software: submit: foreign fence %T", s.Fence)
		}
		b.fence = f
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errClosed
	}
	d.stats.Submits++
	d.pending = append(d.pending, b)
	d.mu.Unlock()

	if d.deferred {
		return nil
	}
	for _, w := range b.waits {
		ok, err := w.Timeline.Wait(w.Value, submitTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("software: submit waiting for timeline value %d: %w", w.Value, backend.ErrTimeout)
		}
	}
	_, err := d.Complete(-1)
	return err
}

// Complete executes up to n pending submissions in order, or all of them
// when n is negative. It stops early at a submission whose timeline waits
// are not yet satisfied and returns how many it executed.
func (d *Device) Complete(n int) (int, error) {
	done := 0
	for n < 0 || done < n {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			break
		}
		b := d.pending[0]
		ready := true
		for _, w := range b.waits {
			if w.Timeline.Completed() < w.Value {
				ready = false
				break
			}
		}
		if !ready {
			d.mu.Unlock()
			break
		}
		d.pending = d.pending[1:]
		var err error
		for _, l := range b.lists {
			if err = l.execute(); err != nil {
				break
			}
		}
		d.mu.Unlock()
		if err != nil {
			return done, err
		}

		for _, s := range b.sigs {
			if t, ok := s.Timeline.(*Timeline); ok {
				t.Signal(s.Value)
			}
		}
		if b.fence != nil {
			b.fence.signal()
		}
		done++
	}
	return done, nil
}

// Pending returns the number of submissions not yet executed.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// WaitIdle executes everything pending. A submission waiting on another
// device's timeline blocks WaitIdle until that value is signaled, for at most
// submitTimeout per wait.
func (d *Device) WaitIdle() error {
	for {
		if _, err := d.Complete(-1); err != nil {
			return err
		}
		w, idle := d.blockingWait()
		if idle {
			return nil
		}
		if w.Timeline == nil {
			continue
		}
		signaled, err := w.Timeline.Wait(w.Value, submitTimeout)
		if err != nil {
			return err
		}
		if !signaled {
			return fmt.Errorf("software: %d submissions wait on unsignaled timelines: %w", d.Pending(), backend.ErrTimeout)
		}
	}
}

// blockingWait returns the first unsatisfied wait of the oldest pending
// submission, or idle when nothing is pending. The wait has a nil Timeline
// when the oldest submission became ready meanwhile.
func (d *Device) blockingWait() (w backend.TimelineValue, idle bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return backend.TimelineValue{}, true
	}
	for _, w := range d.pending[0].waits {
		if w.Timeline.Completed() < w.Value {
			return w, false
		}
	}
	return backend.TimelineValue{}, false
}

// Close executes pending work and rejects further use.
func (d *Device) Close() error {
	err := d.WaitIdle()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}
