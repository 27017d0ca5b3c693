package software

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/packet"
)

var (
	bufA = handle.New(1, 0, handle.TypeBuffer, 1)
	bufB = handle.New(2, 0, handle.TypeBuffer, 1)
	rb   = handle.New(3, 0, handle.TypeReadbackBuffer, 1)
	tex  = handle.New(4, 0, handle.TypeTexture, 1)
)

func mustList(t *testing.T, d *Device, q desc.QueueType, s *packet.Stream) backend.CommandList {
	t.Helper()
	l, err := d.CreateList(q)
	if err != nil {
		t.Fatalf("CreateList(%v) error = %v", q, err)
	}
	if err := l.FillWith(s, nil); err != nil {
		t.Fatalf("FillWith() error = %v", err)
	}
	return l
}

func TestCopyAndReadback(t *testing.T) {
	d := NewDevice(0, false)
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
	err := d.Submit(desc.QueueDMA, backend.Submission{
		Lists: []backend.CommandList{mustList(t, d, desc.QueueDMA, s)},
		Fence: f,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !f.Signaled() {
		t.Error("fence not signaled after synchronous submit")
	}
	got, err := d.MapReadback(rb)
	if err != nil {
		t.Fatalf("MapReadback() error = %v", err)
	}
	if want := []byte{1, 2, 3, 4}; !bytes.Equal(got, want) {
		t.Errorf("readback = %v, want %v", got, want)
	}
	if st := d.Stats(); st.Copies != 2 || st.Readbacks != 1 || st.Packets != 3 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestOutOfRangeCopyFails(t *testing.T) {
	d := NewDevice(0, false)
	_ = d.CreateBuffer(bufA, desc.BufferDesc{Size: 4})
	_ = d.CreateBuffer(bufB, desc.BufferDesc{Size: 4})

	s := packet.NewStream(0)
	s.Insert(packet.BufferCopy{Dst: bufB, Src: bufA, SrcOffset: 2, NumBytes: 4})
	err := d.Submit(desc.QueueDMA, backend.Submission{Lists: []backend.CommandList{mustList(t, d, desc.QueueDMA, s)}})
	if err == nil {
		t.Error("Submit() error = nil, want range error")
	}
}

func TestClearRenderTarget(t *testing.T) {
	d := NewDevice(0, false)
	td := desc.TextureDesc{Width: 4, Height: 2, Format: gputypes.TextureFormatRGBA8Unorm}
	if err := d.CreateTexture(tex, td); err != nil {
		t.Fatal(err)
	}
	rtv := handle.NewView(1, 0, handle.ViewTextureRTV).WithResource(tex).WithLoadOp(handle.LoadOpClear)

	s := packet.NewStream(0)
	s.Insert(packet.RenderpassBegin{
		RTVs:        packet.ViewsOf(rtv),
		ClearValues: packet.Float4sOf(packet.Float4{1, 0, 0, 1}),
		Width:       4,
		Height:      2,
	})
	s.Insert(packet.RenderpassEnd{})
	if err := d.Submit(desc.QueueGraphics, backend.Submission{Lists: []backend.CommandList{mustList(t, d, desc.QueueGraphics, s)}}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	sub, ok := d.Subresource(tex, 0, 0)
	if !ok {
		t.Fatal("Subresource() not found")
	}
	if want := bytes.Repeat([]byte{255, 0, 0, 255}, 8); !bytes.Equal(sub, want) {
		t.Errorf("cleared texels = %v, want %v", sub, want)
	}
}

func TestFillRejectsInvalidSequences(t *testing.T) {
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
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDevice(0, false)
			s := packet.NewStream(0)
			tt.build(s)
			l, _ := d.CreateList(tt.queue)
			if err := l.FillWith(s, nil); err == nil {
				t.Error("FillWith() error = nil")
			}
		})
	}
}

func TestDeferredCompletion(t *testing.T) {
	d := NewDevice(0, true)
	_ = d.CreateBuffer(bufA, desc.BufferDesc{Size: 4})

	s := packet.NewStream(0)
	s.Insert(packet.UpdateBuffer{Dst: bufA, Data: []byte{9, 9, 9, 9}})
	f, _ := d.CreateFence()
	tl, _ := d.CreateTimeline()
	err := d.Submit(desc.QueueGraphics, backend.Submission{
		Lists:           []backend.CommandList{mustList(t, d, desc.QueueGraphics, s)},
		SignalTimelines: []backend.TimelineValue{{Timeline: tl, Value: 1}},
		Fence:           f,
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.Signaled() || d.Pending() != 1 {
		t.Fatalf("Signaled() = %v Pending() = %d before Complete", f.Signaled(), d.Pending())
	}
	if ok, _ := f.Wait(time.Millisecond); ok {
		t.Error("Wait() = true before Complete")
	}
	if n, err := d.Complete(1); n != 1 || err != nil {
		t.Fatalf("Complete(1) = %d, %v", n, err)
	}
	if !f.Signaled() || tl.Completed() != 1 {
		t.Errorf("after Complete: Signaled() = %v Completed() = %d", f.Signaled(), tl.Completed())
	}
	if got, _ := d.Buffer(bufA); !bytes.Equal(got, []byte{9, 9, 9, 9}) {
		t.Errorf("buffer = %v", got)
	}
}

func TestCrossDeviceTimeline(t *testing.T) {
	producer := NewDevice(0, true)
	consumer := NewDevice(1, true)
	shared, _ := producer.CreateTimeline()

	wait := backend.Submission{WaitTimelines: []backend.TimelineValue{{Timeline: shared, Value: 1}}}
	if err := consumer.Submit(desc.QueueGraphics, wait); err != nil {
		t.Fatal(err)
	}
	if n, _ := consumer.Complete(-1); n != 0 {
		t.Errorf("consumer ran %d submissions before the producer signaled", n)
	}

	idle := make(chan error, 1)
	go func() { idle <- consumer.WaitIdle() }()
	select {
	case err := <-idle:
		t.Fatalf("WaitIdle() returned %v before the producer signaled", err)
	case <-time.After(20 * time.Millisecond):
	}

	signal := backend.Submission{SignalTimelines: []backend.TimelineValue{{Timeline: shared, Value: 1}}}
	if err := producer.Submit(desc.QueueGraphics, signal); err != nil {
		t.Fatal(err)
	}
	if err := producer.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-idle:
		if err != nil {
			t.Errorf("WaitIdle() after signal error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitIdle() still blocked after the producer signaled")
	}
	if consumer.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", consumer.Pending())
	}
}

func TestSwapchainRing(t *testing.T) {
	d := NewDevice(0, false)
	sc, err := d.CreateSwapchain(desc.SwapchainDesc{Images: 2}, []handle.ResourceHandle{tex, tex})
	if err != nil {
		t.Fatal(err)
	}
	i0, ok, _ := sc.Acquire(nil)
	i1, ok1, _ := sc.Acquire(nil)
	if !ok || !ok1 || i0 == i1 {
		t.Fatalf("Acquire() = (%d, %v), (%d, %v)", i0, ok, i1, ok1)
	}
	if _, ok, _ := sc.Acquire(nil); ok {
		t.Error("third Acquire() succeeded with every image in use")
	}
	if ok, _ := sc.Present(nil, i0); !ok {
		t.Error("Present() = false")
	}
	if got := sc.(*Swapchain).Presented(); got != 1 {
		t.Errorf("Presented() = %d, want 1", got)
	}
	if sc.(*Swapchain).Released() {
		t.Error("Released() = true before Release")
	}
	sc.Release()
	if !sc.(*Swapchain).Released() {
		t.Error("Released() = false after Release")
	}
}

func TestBackendDevices(t *testing.T) {
	b := New(Options{Devices: 2})
	if _, err := b.Devices(); !errors.Is(err, backend.ErrNotInitialized) {
		t.Errorf("Devices() before Init error = %v", err)
	}
	if err := b.Init(); err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	devs, err := b.Devices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 2 || devs[1].ID() != 1 {
		t.Errorf("Devices() = %d devices, second ID %d", len(devs), devs[1].ID())
	}
	if !backend.IsRegistered(backend.NameSoftware) {
		t.Error("software backend not registered")
	}
}
