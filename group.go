package cmdgraph

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/barrier"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/internal/bitset"
	"github.com/gogpu/cmdgraph/internal/parallel"
	"github.com/gogpu/cmdgraph/internal/reclaim"
	"github.com/gogpu/cmdgraph/packet"
)

// queueCount is the number of hardware queue types a device exposes.
const queueCount = len(desc.QueueTypes)

// queueSet is the set of buffer and texture ids a queue currently owns.
type queueSet struct {
	buffers  bitset.Set
	textures bitset.Set
}

func (s *queueSet) clear(h handle.ResourceHandle) {
	if h.Type() == handle.TypeTexture {
		s.textures.Clear(h.ID())
	} else {
		s.buffers.Clear(h.ID())
	}
}

// device is one GPU of the group with its scheduling state.
type device struct {
	id    int
	dev   backend.Device
	table *barrier.Table

	// One timeline per queue type. values holds the last value a submitted
	// list was assigned; only submission tasks advance it.
	timelines [queueCount]backend.Timeline
	values    [queueCount]uint64

	// shared is signaled by lists that write resources other GPUs read.
	shared      backend.Timeline
	sharedValue uint64

	seenMu sync.Mutex
	seen   [queueCount]queueSet
}

// resource is the group's record of a created object.
type resource struct {
	h        handle.ResourceHandle
	buffer   desc.BufferDesc
	texture  desc.TextureDesc
	compute  *desc.ComputePipelineDesc
	graphics *desc.GraphicsPipelineDesc
	args     []handle.ViewResourceHandle
	devices  []int
	released bool
}

// viewRecord is the group's record of a created view.
type viewRecord struct {
	v        handle.ViewResourceHandle
	devices  []int
	released bool
}

// sharedWrite is the last shared-timeline value that made a write to a
// shared resource visible.
type sharedWrite struct {
	gpu   int
	value uint64
}

// DeviceGroup schedules recorded graphs onto the GPUs of one backend.
//
// Resource creation, graph recording, Submit and Present may be called from
// different goroutines. Submit calls are serialized.
type DeviceGroup struct {
	opts    options
	owned   backend.Backend
	devices []*device

	handles *handle.Manager
	tracker *reclaim.SequenceTracker
	garbage reclaim.DelayedRelease
	streams *packet.Pool
	pool    *parallel.Pool

	resMu      sync.RWMutex
	resources  map[uint64]*resource
	bufferIDs  map[int]handle.ResourceHandle
	textureIDs map[int]handle.ResourceHandle
	views      map[uint32]*viewRecord

	submitMu   sync.Mutex
	sharedLast map[uint64]sharedWrite
	timing     desc.SubmitTiming

	inflightMu sync.Mutex
	inflight   []*liveSubmission

	presentMu sync.Mutex

	closeMu sync.RWMutex
	closed  bool
}

// Open initializes the named backend (or the default one when name is
// empty) and creates a group over all of its devices. The group owns the
// backend and closes it in Close.
func Open(name string, opts ...Option) (*DeviceGroup, error) {
	var (
		b   backend.Backend
		err error
	)
	if name == "" {
		b, err = backend.InitDefault()
	} else {
		b, err = backend.Get(name)
		if err == nil {
			err = b.Init()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("cmdgraph: open backend %q: %w", name, err)
	}
	propagateLogger(b)

	devs, err := b.Devices()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("cmdgraph: open %s devices: %w", b.Name(), err)
	}
	g, err := New(devs, opts...)
	if err != nil {
		b.Close()
		return nil, err
	}
	g.owned = b
	Logger().Info("cmdgraph: device group opened", "backend", b.Name(), "devices", len(devs))
	return g, nil
}

// New creates a group over devices, which the caller keeps ownership of.
// Device i of the slice becomes GPU i of the group.
func New(devices []backend.Device, opts ...Option) (*DeviceGroup, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	if len(devices) > handle.MaxGPUs {
		return nil, fmt.Errorf("cmdgraph: %d devices, at most %d supported", len(devices), handle.MaxGPUs)
	}
	if o.workers <= 0 {
		o.workers = runtime.GOMAXPROCS(0)
	}

	g := &DeviceGroup{
		opts:       o,
		handles:    handle.NewManager(),
		tracker:    reclaim.NewSequenceTracker(),
		streams:    packet.NewPool(),
		resources:  make(map[uint64]*resource),
		bufferIDs:  make(map[int]handle.ResourceHandle),
		textureIDs: make(map[int]handle.ResourceHandle),
		views:      make(map[uint32]*viewRecord),
		sharedLast: make(map[uint64]sharedWrite),
	}
	for i, bd := range devices {
		d := &device{id: i, dev: bd, table: barrier.NewTable()}
		var err error
		for q := range d.timelines {
			if d.timelines[q], err = bd.CreateTimeline(); err != nil {
				break
			}
		}
		if err == nil {
			d.shared, err = bd.CreateTimeline()
		}
		g.devices = append(g.devices, d)
		if err != nil {
			g.releaseTimelines()
			return nil, fmt.Errorf("cmdgraph: device %d timelines: %w", i, err)
		}
	}
	if !o.singleThreaded {
		g.pool = parallel.NewPool(o.workers)
	}
	return g, nil
}

// GPUs returns the number of devices in the group.
func (g *DeviceGroup) GPUs() int { return len(g.devices) }

// Device returns the backend device of GPU gpu.
func (g *DeviceGroup) Device(gpu int) backend.Device { return g.devices[gpu].dev }

// Timing returns the timing record of the last Submit.
func (g *DeviceGroup) Timing() desc.SubmitTiming {
	g.submitMu.Lock()
	defer g.submitMu.Unlock()
	return g.timing
}

func (g *DeviceGroup) checkOpen() error {
	if g.closed {
		return ErrClosed
	}
	return nil
}

// all returns the index of every GPU.
func (g *DeviceGroup) all() []int {
	ids := make([]int, len(g.devices))
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// place runs create on each GPU in gpus. On failure the objects already
// created are destroyed again.
func (g *DeviceGroup) place(h handle.ResourceHandle, gpus []int, create func(backend.Device) error) error {
	for i, id := range gpus {
		if err := create(g.devices[id].dev); err != nil {
			for _, done := range gpus[:i] {
				g.devices[done].dev.Destroy(h)
			}
			return fmt.Errorf("cmdgraph: create %s on gpu %d: %w", h, id, err)
		}
	}
	return nil
}

func (g *DeviceGroup) register(r *resource) {
	g.resMu.Lock()
	defer g.resMu.Unlock()
	g.resources[r.h.Key()] = r
	switch r.h.Type() {
	case handle.TypeBuffer:
		g.bufferIDs[r.h.ID()] = r.h
	case handle.TypeTexture:
		g.textureIDs[r.h.ID()] = r.h
	}
}

// lookup returns the record of h, or nil when h is not live.
func (g *DeviceGroup) lookup(h handle.ResourceHandle) *resource {
	g.resMu.RLock()
	defer g.resMu.RUnlock()
	r := g.resources[h.Key()]
	if r == nil || r.released {
		return nil
	}
	return r
}

// peek returns the record of h even after Release, until it is destroyed.
func (g *DeviceGroup) peek(h handle.ResourceHandle) *resource {
	g.resMu.RLock()
	defer g.resMu.RUnlock()
	return g.resources[h.Key()]
}

// mustLookup is lookup for recording paths, where a dead handle is a bug in
// the caller.
func (g *DeviceGroup) mustLookup(h handle.ResourceHandle) *resource {
	r := g.lookup(h)
	if r == nil {
		panic(fmt.Sprintf("cmdgraph: %s is not a live resource", h))
	}
	return r
}

// handleOf returns the live handle behind a tracked buffer or texture id.
func (g *DeviceGroup) handleOf(t handle.ResourceType, id int) handle.ResourceHandle {
	g.resMu.RLock()
	defer g.resMu.RUnlock()
	if t == handle.TypeTexture {
		return g.textureIDs[id]
	}
	return g.bufferIDs[id]
}

// CreateBuffer creates a buffer on every GPU.
func (g *DeviceGroup) CreateBuffer(d desc.BufferDesc) (handle.ResourceHandle, error) {
	return g.createBuffer(d, -1)
}

// CreateSharedBuffer creates a buffer owned by GPU owner and opened by the
// others. Only the owner may write it; reads from other GPUs wait for the
// owner's last write.
func (g *DeviceGroup) CreateSharedBuffer(owner int, d desc.BufferDesc) (handle.ResourceHandle, error) {
	if owner < 0 || owner >= len(g.devices) {
		return handle.Invalid, fmt.Errorf("cmdgraph: shared buffer owner %d of %d gpus", owner, len(g.devices))
	}
	return g.createBuffer(d, owner)
}

func (g *DeviceGroup) createBuffer(d desc.BufferDesc, owner int) (handle.ResourceHandle, error) {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return handle.Invalid, err
	}
	h := g.handles.Allocate(handle.TypeBuffer)
	if owner >= 0 {
		h = h.WithGPU(owner)
	}
	gpus := g.all()
	if err := g.place(h, gpus, func(dev backend.Device) error { return dev.CreateBuffer(h, d) }); err != nil {
		g.handles.Release(h)
		return handle.Invalid, err
	}
	for _, id := range gpus {
		g.devices[id].table.RegisterBuffer(h)
	}
	g.register(&resource{h: h, buffer: d, devices: gpus})
	return h, nil
}

// CreateTexture creates a texture on every GPU.
func (g *DeviceGroup) CreateTexture(d desc.TextureDesc) (handle.ResourceHandle, error) {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return handle.Invalid, err
	}
	return g.createTexture(d.Normalized(), g.all())
}

func (g *DeviceGroup) createTexture(d desc.TextureDesc, gpus []int) (handle.ResourceHandle, error) {
	if d.Mips > handle.MaxMips || d.ArraySize > handle.MaxArraySlices {
		return handle.Invalid, fmt.Errorf("cmdgraph: texture %q with %d mips and %d slices: %w",
			d.Label, d.Mips, d.ArraySize, backend.ErrUnsupported)
	}
	h := g.handles.Allocate(handle.TypeTexture)
	if err := g.place(h, gpus, func(dev backend.Device) error { return dev.CreateTexture(h, d) }); err != nil {
		g.handles.Release(h)
		return handle.Invalid, err
	}
	for _, id := range gpus {
		g.devices[id].table.RegisterTexture(h, d.Mips, d.ArraySize)
	}
	g.register(&resource{h: h, texture: d, devices: gpus})
	return h, nil
}

// CreateView creates a view of type t covering all of resource r.
func (g *DeviceGroup) CreateView(t handle.ViewType, r handle.ResourceHandle) (handle.ViewResourceHandle, error) {
	res := g.lookup(r)
	if res == nil {
		return handle.InvalidView, fmt.Errorf("cmdgraph: view of %s: %w", r, ErrInvalidHandle)
	}
	td := res.texture
	return g.CreateSubresourceView(t, r, 0, td.Mips, 0, td.ArraySize)
}

// CreateSubresourceView creates a view of type t over a mip and slice range
// of texture r. For buffers the range is ignored.
func (g *DeviceGroup) CreateSubresourceView(t handle.ViewType, r handle.ResourceHandle, startMip, mipSize, startArr, arrSize int) (handle.ViewResourceHandle, error) {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return handle.InvalidView, err
	}
	res := g.lookup(r)
	if res == nil {
		return handle.InvalidView, fmt.Errorf("cmdgraph: view of %s: %w", r, ErrInvalidHandle)
	}
	if t.IsTexture() != (r.Type() == handle.TypeTexture) {
		return handle.InvalidView, fmt.Errorf("cmdgraph: %s view of %s: %w", t, r, ErrInvalidHandle)
	}

	v := g.handles.AllocateView(t, res.h)
	if t.IsTexture() {
		td := res.texture
		if startMip+mipSize > td.Mips || startArr+arrSize > td.ArraySize || mipSize < 1 || arrSize < 1 {
			g.handles.ReleaseView(v)
			return handle.InvalidView, fmt.Errorf("cmdgraph: view range mips [%d,+%d) slices [%d,+%d) of %s: %w",
				startMip, mipSize, startArr, arrSize, r, backend.ErrUnsupported)
		}
		v = v.SubresourceRange(td.Mips, startMip, mipSize, startArr, arrSize)
	}
	for i, id := range res.devices {
		if err := g.devices[id].dev.CreateView(v); err != nil {
			for _, done := range res.devices[:i] {
				g.devices[done].dev.DestroyView(v)
			}
			g.handles.ReleaseView(v)
			return handle.InvalidView, fmt.Errorf("cmdgraph: create view %s on gpu %d: %w", v, id, err)
		}
	}
	g.resMu.Lock()
	g.views[v.Key()] = &viewRecord{v: v, devices: res.devices}
	g.resMu.Unlock()
	return v, nil
}

// CreateShaderArguments creates an argument set binding views together.
// Binding the set references every resource behind views.
func (g *DeviceGroup) CreateShaderArguments(views []handle.ViewResourceHandle) (handle.ResourceHandle, error) {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return handle.Invalid, err
	}
	h := g.handles.Allocate(handle.TypeShaderArguments)
	gpus := g.all()
	if err := g.place(h, gpus, func(dev backend.Device) error { return dev.CreateShaderArguments(h, views) }); err != nil {
		g.handles.Release(h)
		return handle.Invalid, err
	}
	g.register(&resource{h: h, args: append([]handle.ViewResourceHandle(nil), views...), devices: gpus})
	return h, nil
}

// CreateComputePipeline creates a compute pipeline on every GPU.
func (g *DeviceGroup) CreateComputePipeline(d desc.ComputePipelineDesc) (handle.ResourceHandle, error) {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return handle.Invalid, err
	}
	h := g.handles.Allocate(handle.TypePipeline)
	gpus := g.all()
	if err := g.place(h, gpus, func(dev backend.Device) error { return dev.CreateComputePipeline(h, d) }); err != nil {
		g.handles.Release(h)
		return handle.Invalid, err
	}
	g.register(&resource{h: h, compute: &d, devices: gpus})
	return h, nil
}

// CreateGraphicsPipeline creates a graphics pipeline on every GPU.
func (g *DeviceGroup) CreateGraphicsPipeline(d desc.GraphicsPipelineDesc) (handle.ResourceHandle, error) {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return handle.Invalid, err
	}
	h := g.handles.Allocate(handle.TypePipeline)
	gpus := g.all()
	if err := g.place(h, gpus, func(dev backend.Device) error { return dev.CreateGraphicsPipeline(h, d) }); err != nil {
		g.handles.Release(h)
		return handle.Invalid, err
	}
	g.register(&resource{h: h, graphics: &d, devices: gpus})
	return h, nil
}

// Release destroys h once every graph created so far has finished on the
// GPU. Graphs created after Release must not reference h.
func (g *DeviceGroup) Release(h handle.ResourceHandle) error {
	g.resMu.Lock()
	r := g.resources[h.Key()]
	if r == nil || r.released {
		g.resMu.Unlock()
		return fmt.Errorf("cmdgraph: release %s: %w", h, ErrInvalidHandle)
	}
	r.released = true
	g.resMu.Unlock()
	g.garbage.Insert(g.tracker.LastSequence(), r.h)
	return nil
}

// ReleaseView destroys v once every graph created so far has finished.
func (g *DeviceGroup) ReleaseView(v handle.ViewResourceHandle) error {
	g.resMu.Lock()
	vr := g.views[v.Key()]
	if vr == nil || vr.released || vr.v.Generation() != v.Generation() {
		g.resMu.Unlock()
		return fmt.Errorf("cmdgraph: release view %s: %w", v, ErrInvalidHandle)
	}
	vr.released = true
	g.resMu.Unlock()
	g.garbage.InsertView(g.tracker.LastSequence(), vr.v)
	return nil
}

// destroy frees a collected resource everywhere it was created.
func (g *DeviceGroup) destroy(h handle.ResourceHandle) {
	g.resMu.Lock()
	r := g.resources[h.Key()]
	delete(g.resources, h.Key())
	switch h.Type() {
	case handle.TypeBuffer:
		delete(g.bufferIDs, h.ID())
	case handle.TypeTexture:
		delete(g.textureIDs, h.ID())
	}
	g.resMu.Unlock()
	if r == nil {
		return
	}
	for _, id := range r.devices {
		d := g.devices[id]
		d.dev.Destroy(r.h)
		if h.Type() == handle.TypeBuffer || h.Type() == handle.TypeTexture {
			d.table.Unregister(r.h)
			d.seenMu.Lock()
			for q := range d.seen {
				d.seen[q].clear(r.h)
			}
			d.seenMu.Unlock()
		}
	}
	g.handles.Release(r.h)
}

// destroyView frees a collected view everywhere it was created.
func (g *DeviceGroup) destroyView(v handle.ViewResourceHandle) {
	g.resMu.Lock()
	vr := g.views[v.Key()]
	delete(g.views, v.Key())
	g.resMu.Unlock()
	if vr == nil {
		return
	}
	for _, id := range vr.devices {
		g.devices[id].dev.DestroyView(vr.v)
	}
	g.handles.ReleaseView(vr.v)
}

// WaitGPUIdle blocks until every device finished its submitted work, then
// completes readbacks and destroys released resources.
func (g *DeviceGroup) WaitGPUIdle() error {
	// Every device is waited for even when one fails; errs keeps them all.
	errs := make([]error, len(g.devices), len(g.devices)+1)
	var eg errgroup.Group
	for i, d := range g.devices {
		eg.Go(func() error {
			if err := d.dev.WaitIdle(); err != nil {
				errs[i] = fmt.Errorf("gpu %d: %w", d.id, err)
			}
			return errs[i]
		})
	}
	if err := eg.Wait(); err != nil {
		Logger().Warn("cmdgraph: device not idle", "err", err)
	}
	if err := g.checkCompletedLists(false); err != nil {
		errs = append(errs, err)
	}
	g.garbageCollection()
	return errors.Join(errs...)
}

// Close waits for the GPUs, destroys every remaining resource and, when the
// group was created by Open, closes the backend.
func (g *DeviceGroup) Close() error {
	g.submitMu.Lock()
	defer g.submitMu.Unlock()
	g.closeMu.Lock()
	if g.closed {
		g.closeMu.Unlock()
		return nil
	}
	g.closed = true
	g.closeMu.Unlock()

	err := g.WaitGPUIdle()
	g.failPending(ErrClosed)

	g.resMu.RLock()
	var (
		live  []handle.ResourceHandle
		views []handle.ViewResourceHandle
	)
	for _, r := range g.resources {
		live = append(live, r.h)
	}
	for _, vr := range g.views {
		views = append(views, vr.v)
	}
	g.resMu.RUnlock()
	for _, v := range views {
		g.destroyView(v)
	}
	for _, h := range live {
		g.destroy(h)
	}
	for _, fn := range g.garbage.Collect(^uint64(0)).Funcs {
		fn()
	}

	if g.pool != nil {
		g.pool.Close()
	}
	g.releaseTimelines()
	if g.owned != nil {
		for _, d := range g.devices {
			if cerr := d.dev.Close(); cerr != nil {
				Logger().Warn("cmdgraph: closing device", "gpu", d.id, "err", cerr)
			}
		}
		g.owned.Close()
	}
	Logger().Info("cmdgraph: device group closed")
	return err
}

func (g *DeviceGroup) releaseTimelines() {
	for _, d := range g.devices {
		for _, t := range d.timelines {
			if t != nil {
				t.Release()
			}
		}
		if d.shared != nil {
			d.shared.Release()
		}
	}
}
