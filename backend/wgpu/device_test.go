//go:build !nogpu

package wgpu

import (
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/barrier"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/packet"
)

var (
	bufA = handle.New(1, 0, handle.TypeBuffer, 1)
	bufB = handle.New(2, 0, handle.TypeBuffer, 1)
	rb   = handle.New(3, 0, handle.TypeReadbackBuffer, 1)
	tex  = handle.New(4, 0, handle.TypeTexture, 1)
	pipe = handle.New(5, 0, handle.TypePipeline, 1)
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = data[id.x] * 2u;
}
`

// openNoop opens n noop devices and closes them when the test ends.
func openNoop(t *testing.T, n int) []*Device {
	t.Helper()
	b := New(Options{Adapter: AdapterNoop, Devices: n})
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	devs, err := b.Devices()
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	out := make([]*Device, len(devs))
	for i, d := range devs {
		out[i] = d.(*Device)
	}
	t.Cleanup(func() {
		for _, d := range out {
			_ = d.Close()
		}
		b.Close()
	})
	return out
}

func fill(t *testing.T, d *Device, q desc.QueueType, s *packet.Stream, bs backend.BarrierSource) backend.CommandList {
	t.Helper()
	l, err := d.CreateList(q)
	if err != nil {
		t.Fatalf("CreateList(%v) error = %v", q, err)
	}
	if err := l.FillWith(s, bs); err != nil {
		t.Fatalf("FillWith() error = %v", err)
	}
	return l
}

func TestBackendInit(t *testing.T) {
	b := New(Options{Adapter: AdapterNoop, Devices: 2})
	if _, err := b.Devices(); !errors.Is(err, backend.ErrNotInitialized) {
		t.Errorf("Devices() before Init error = %v, want %v", err, backend.ErrNotInitialized)
	}
	if err := b.Init(); err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	devs, _ := b.Devices()
	if len(devs) != 2 {
		t.Fatalf("Devices() = %d, want 2", len(devs))
	}
	for i, d := range devs {
		if d.ID() != i || d.Name() == "" {
			t.Errorf("device %d: ID() = %d Name() = %q", i, d.ID(), d.Name())
		}
		_ = d.Close()
	}
	if !backend.IsRegistered(backend.NameWGPU) {
		t.Error("wgpu backend not registered")
	}

	bad := New(Options{Adapter: "metal-on-linux"})
	if err := bad.Init(); !errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Errorf("Init() with unknown adapter error = %v", err)
	}
}

func TestSubmitCopyAndReadback(t *testing.T) {
	d := openNoop(t, 1)[0]
	for _, h := range []handle.ResourceHandle{bufA, bufB} {
		if err := d.CreateBuffer(h, desc.BufferDesc{Size: 8}); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.CreateReadback(rb, 4); err != nil {
		t.Fatal(err)
	}

	s := packet.NewStream(0)
	s.Insert(packet.UpdateBuffer{Dst: bufA, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	s.Insert(packet.BufferCopy{Dst: bufB, DstOffset: 4, Src: bufA, NumBytes: 4})
	s.Insert(packet.ReadbackBuffer{Dst: rb, Src: bufB, SrcOffset: 4, NumBytes: 4})

	f, _ := d.CreateFence()
	if f.Signaled() {
		t.Error("fence signaled before submit")
	}
	tl, _ := d.CreateTimeline()
	l := fill(t, d, desc.QueueDMA, s, nil)
	err := d.Submit(desc.QueueDMA, backend.Submission{
		Lists:           []backend.CommandList{l},
		SignalTimelines: []backend.TimelineValue{{Timeline: tl, Value: 1}},
		Fence:           f,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ok, _ := f.Wait(submitTimeout); !ok {
		t.Error("fence did not signal")
	}
	if got := tl.Completed(); got != 1 {
		t.Errorf("timeline Completed() = %d, want 1", got)
	}
	got, err := d.MapReadback(rb)
	if err != nil {
		t.Fatalf("MapReadback() error = %v", err)
	}
	if len(got) != 4 {
		t.Errorf("len(MapReadback()) = %d, want 4", len(got))
	}
	if st := d.Stats(); st.Submits != 1 || st.Lists != 1 || st.Packets != 3 {
		t.Errorf("Stats() = %+v", st)
	}
	l.Release()
}

func TestFillRejects(t *testing.T) {
	tests := []struct {
		name  string
		queue desc.QueueType
		build func(s *packet.Stream)
	}{
		{"draw outside pass", desc.QueueGraphics, func(s *packet.Stream) {
			s.Insert(packet.Draw{VertexCountPerInstance: 3, InstanceCount: 1})
		}},
		{"dispatch without pipeline", desc.QueueCompute, func(s *packet.Stream) {
			s.Insert(packet.Dispatch{X: 1, Y: 1, Z: 1})
		}},
		{"renderpass on compute", desc.QueueCompute, func(s *packet.Stream) {
			s.Insert(packet.RenderpassBegin{})
		}},
		{"unterminated renderpass", desc.QueueGraphics, func(s *packet.Stream) {
			s.Insert(packet.RenderpassBegin{})
		}},
		{"copy out of range", desc.QueueDMA, func(s *packet.Stream) {
			s.Insert(packet.BufferCopy{Dst: bufB, Src: bufA, SrcOffset: 6, NumBytes: 4})
		}},
		{"unknown buffer", desc.QueueDMA, func(s *packet.Stream) {
			s.Insert(packet.BufferCopy{Dst: handle.New(99, 0, handle.TypeBuffer, 1), Src: bufA, NumBytes: 1})
		}},
		{"acceleration structure", desc.QueueCompute, func(s *packet.Stream) {
			s.Insert(packet.BuildTLAS{Dst: bufA})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := openNoop(t, 1)[0]
			_ = d.CreateBuffer(bufA, desc.BufferDesc{Size: 8})
			_ = d.CreateBuffer(bufB, desc.BufferDesc{Size: 8})
			s := packet.NewStream(0)
			tt.build(s)
			l, _ := d.CreateList(tt.queue)
			if err := l.FillWith(s, nil); err == nil {
				t.Error("FillWith() error = nil")
			}
		})
	}
}

func TestComputeDispatch(t *testing.T) {
	d := openNoop(t, 1)[0]
	if err := d.CreateBuffer(bufA, desc.BufferDesc{Size: 256}); err != nil {
		t.Fatal(err)
	}
	uav := handle.NewView(1, 0, handle.ViewBufferUAV).WithResource(bufA)
	if err := d.CreateView(uav); err != nil {
		t.Fatal(err)
	}
	err := d.CreateComputePipeline(pipe, desc.ComputePipelineDesc{
		Label:     "double",
		WGSL:      doubleWGSL,
		WorkGroup: [3]uint32{64, 1, 1},
		Bindings:  []desc.BindingDesc{{Binding: 0, Kind: desc.BindingStorage}},
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline() error = %v", err)
	}

	s := packet.NewStream(0)
	s.Insert(packet.ComputePipelineBind{Pipeline: pipe})
	s.Insert(packet.ResourceBinding{Binding: packet.BindingCompute, Resources: packet.ViewsOf(uav)})
	s.Insert(packet.Dispatch{X: 1, Y: 1, Z: 1})
	l := fill(t, d, desc.QueueCompute, s, nil)
	if err := d.Submit(desc.QueueCompute, backend.Submission{Lists: []backend.CommandList{l}}); err != nil {
		t.Fatal(err)
	}
	if st := d.Stats(); st.Passes != 1 || st.BindGroups != 1 {
		t.Errorf("Stats() = %+v, want 1 pass and 1 bind group", st)
	}
}

type fixedBarriers map[int]barrier.MemoryBarriers

func (f fixedBarriers) HasBarrier(draw int) bool { _, ok := f[draw]; return ok }

func (f fixedBarriers) Barriers(draw int) barrier.MemoryBarriers { return f[draw] }

func TestBarriersLowered(t *testing.T) {
	d := openNoop(t, 1)[0]
	_ = d.CreateBuffer(bufA, desc.BufferDesc{Size: 4})
	if err := d.CreateTexture(tex, desc.TextureDesc{Width: 4, Height: 4, Mips: 2, Format: gputypes.TextureFormatRGBA8Unorm}); err != nil {
		t.Fatal(err)
	}
	rtv := handle.NewView(2, 0, handle.ViewTextureRTV).WithResource(tex).WithLoadOp(handle.LoadOpClear)
	if err := d.CreateView(rtv); err != nil {
		t.Fatal(err)
	}

	s := packet.NewStream(0)
	s.Insert(packet.UpdateBuffer{Dst: bufA, Data: []byte{1, 2, 3, 4}})
	s.Insert(packet.RenderpassBegin{RTVs: packet.ViewsOf(rtv), ClearValues: packet.Float4sOf(packet.Float4{0, 0, 1, 1}), Width: 4, Height: 4})
	s.Insert(packet.RenderpassEnd{})

	rt := desc.State(desc.UsageWrite, desc.StageRendertarget, desc.LayoutRendertarget, desc.QueueGraphics)
	bs := fixedBarriers{
		0: {Buffers: []barrier.BufferBarrier{{
			Resource: bufA,
			After:    desc.State(desc.UsageWrite, desc.StageTransfer, desc.LayoutUndefined, desc.QueueGraphics),
		}}},
		1: {Textures: []barrier.ImageBarrier{{Resource: tex, MipSize: 1, ArrSize: 1, After: rt}}},
	}
	fill(t, d, desc.QueueGraphics, s, bs)
	if st := d.Stats(); st.Barriers != 2 || st.Passes != 1 {
		t.Errorf("Stats() = %+v, want 2 barriers and 1 pass", st)
	}
}

func TestUsageMapping(t *testing.T) {
	tests := []struct {
		state desc.ResourceState
		buf   gputypes.BufferUsage
		tex   gputypes.TextureUsage
	}{
		{desc.State(desc.UsageWrite, desc.StageTransfer, desc.LayoutTransferDst, 0), gputypes.BufferUsageCopyDst, gputypes.TextureUsageCopyDst},
		{desc.State(desc.UsageRead, desc.StageTransfer, desc.LayoutTransferSrc, 0), gputypes.BufferUsageCopySrc, gputypes.TextureUsageCopySrc},
		{desc.State(desc.UsageRead, desc.StageCompute, desc.LayoutShaderReadOnly, 0), gputypes.BufferUsageStorage, gputypes.TextureUsageTextureBinding},
		{desc.State(desc.UsageRead, desc.StageIndex|desc.StageIndirect, desc.LayoutUndefined, 0), gputypes.BufferUsageIndex | gputypes.BufferUsageIndirect, gputypes.TextureUsageNone},
		{desc.State(desc.UsageWrite, desc.StageRendertarget, desc.LayoutRendertarget, 0), 0, gputypes.TextureUsageRenderAttachment},
	}
	for _, tt := range tests {
		if got := bufferUsageOf(tt.state); got != tt.buf {
			t.Errorf("bufferUsageOf(%v) = %v, want %v", tt.state, got, tt.buf)
		}
		if got := textureUsageOf(tt.state); got != tt.tex {
			t.Errorf("textureUsageOf(%v) = %v, want %v", tt.state, got, tt.tex)
		}
	}
}

func TestCrossDeviceTimelineWait(t *testing.T) {
	devs := openNoop(t, 2)
	producer, consumer := devs[0], devs[1]
	shared, _ := producer.CreateTimeline()

	sig := backend.Submission{SignalTimelines: []backend.TimelineValue{{Timeline: shared, Value: 1}}}
	if err := producer.Submit(desc.QueueGraphics, sig); err != nil {
		t.Fatal(err)
	}
	wait := backend.Submission{WaitTimelines: []backend.TimelineValue{{Timeline: shared, Value: 1}}}
	if err := consumer.Submit(desc.QueueGraphics, wait); err != nil {
		t.Errorf("Submit() waiting on a signaled foreign timeline error = %v", err)
	}

	other, _ := consumer.CreateTimeline()
	bad := backend.Submission{SignalTimelines: []backend.TimelineValue{{Timeline: other, Value: 1}}}
	if err := producer.Submit(desc.QueueGraphics, bad); err == nil {
		t.Error("Submit() signaling another device's timeline error = nil")
	}
}

func TestSwapchain(t *testing.T) {
	d := openNoop(t, 1)[0]
	sc, err := d.CreateSwapchain(desc.SwapchainDesc{Images: 2}, []handle.ResourceHandle{tex, tex})
	if err != nil {
		t.Fatal(err)
	}
	i0, ok0, _ := sc.Acquire(nil)
	i1, ok1, _ := sc.Acquire(nil)
	if !ok0 || !ok1 || i0 == i1 {
		t.Fatalf("Acquire() = (%d, %v), (%d, %v)", i0, ok0, i1, ok1)
	}
	if _, ok, _ := sc.Acquire(nil); ok {
		t.Error("Acquire() succeeded with every image in use")
	}
	if ok, err := sc.Present(nil, i1); !ok || err != nil {
		t.Errorf("Present() = %v, %v", ok, err)
	}
	if _, err := sc.Present(nil, i1); err == nil {
		t.Error("second Present() of the same image error = nil")
	}
}

type testProvider struct {
	dev   hal.Device
	queue hal.Queue
}

func (p testProvider) Device() gpucontext.Device             { return p.dev }
func (p testProvider) Queue() gpucontext.Queue               { return p.queue }
func (p testProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }
func (p testProvider) Adapter() gpucontext.Adapter           { return nil }
func (p testProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: "host"}
}
func (p testProvider) HalDevice() any { return p.dev }
func (p testProvider) HalQueue() any  { return p.queue }

func TestNewFromProvider(t *testing.T) {
	host := openNoop(t, 1)[0]
	d, err := NewFromProvider(testProvider{dev: host.dev, queue: host.queue}, 3)
	if err != nil {
		t.Fatalf("NewFromProvider() error = %v", err)
	}
	if d.ID() != 3 || d.Name() != "host" {
		t.Errorf("ID() = %d Name() = %q", d.ID(), d.Name())
	}
	if d.owned {
		t.Error("provided device is owned")
	}
	if _, err := NewFromProvider(nil, 0); err == nil {
		t.Error("NewFromProvider(nil) error = nil")
	}
}
