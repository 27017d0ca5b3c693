package cmdgraph

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/backend/software"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
)

// newTestGroup creates a single-threaded group over gpus software devices.
// With deferred set, submitted work stays pending until the device's
// Complete runs it.
func newTestGroup(t *testing.T, gpus int, deferred bool, opts ...Option) *DeviceGroup {
	t.Helper()
	b := software.New(software.Options{Devices: gpus, DeferCompletion: deferred})
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	devs, err := b.Devices()
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	g, err := New(devs, append([]Option{WithSingleThreaded(true)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := g.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		b.Close()
	})
	return g
}

func softDevice(t *testing.T, g *DeviceGroup, gpu int) *software.Device {
	t.Helper()
	d, ok := g.Device(gpu).(*software.Device)
	if !ok {
		t.Fatalf("Device(%d) is %T, want *software.Device", gpu, g.Device(gpu))
	}
	return d
}

func mustBuffer(t *testing.T, g *DeviceGroup, size uint64) handle.ResourceHandle {
	t.Helper()
	h, err := g.CreateBuffer(desc.BufferDesc{Label: "test", Size: size})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	return h
}

func TestNewWithoutDevices(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNoDevices) {
		t.Errorf("New(nil) error = %v, want %v", err, ErrNoDevices)
	}
}

func TestOpenSoftware(t *testing.T) {
	g, err := Open(backend.NameSoftware, WithSingleThreaded(true))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if g.GPUs() != 1 {
		t.Errorf("GPUs() = %d, want 1", g.GPUs())
	}
	if err := g.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("no-such-backend"); err == nil {
		t.Error("Open(no-such-backend) error = nil, want error")
	}
}

func TestCreateBufferOnEveryGPU(t *testing.T) {
	g := newTestGroup(t, 2, false)
	h := mustBuffer(t, g, 64)
	if h.Shared() {
		t.Error("CreateBuffer() returned a shared handle")
	}
	for gpu := range g.GPUs() {
		buf, ok := softDevice(t, g, gpu).Buffer(h)
		if !ok {
			t.Errorf("gpu %d has no buffer %s", gpu, h)
			continue
		}
		if len(buf) != 64 {
			t.Errorf("gpu %d buffer size = %d, want 64", gpu, len(buf))
		}
	}
}

func TestCreateSharedBuffer(t *testing.T) {
	g := newTestGroup(t, 2, false)
	h, err := g.CreateSharedBuffer(1, desc.BufferDesc{Size: 16})
	if err != nil {
		t.Fatalf("CreateSharedBuffer() error = %v", err)
	}
	if got := h.OwnerGPU(); got != 1 {
		t.Errorf("OwnerGPU() = %d, want 1", got)
	}
	if !h.Shared() {
		t.Error("Shared() = false, want true")
	}
	if _, err := g.CreateSharedBuffer(2, desc.BufferDesc{Size: 16}); err == nil {
		t.Error("CreateSharedBuffer(2) on 2 gpus error = nil, want error")
	}
}

func TestCreateViews(t *testing.T) {
	g := newTestGroup(t, 1, false)
	tex, err := g.CreateTexture(desc.TextureDesc{Width: 8, Height: 8, Mips: 3, Format: gputypes.TextureFormatRGBA8Unorm})
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	buf := mustBuffer(t, g, 32)

	tests := []struct {
		name    string
		create  func() (handle.ViewResourceHandle, error)
		wantErr error
	}{
		{"full texture", func() (handle.ViewResourceHandle, error) { return g.CreateView(handle.ViewTextureSRV, tex) }, nil},
		{"one mip", func() (handle.ViewResourceHandle, error) {
			return g.CreateSubresourceView(handle.ViewTextureUAV, tex, 1, 1, 0, 1)
		}, nil},
		{"mips out of range", func() (handle.ViewResourceHandle, error) {
			return g.CreateSubresourceView(handle.ViewTextureSRV, tex, 2, 2, 0, 1)
		}, backend.ErrUnsupported},
		{"buffer view", func() (handle.ViewResourceHandle, error) { return g.CreateView(handle.ViewBufferSRV, buf) }, nil},
		{"texture view of buffer", func() (handle.ViewResourceHandle, error) { return g.CreateView(handle.ViewTextureSRV, buf) }, ErrInvalidHandle},
		{"dead resource", func() (handle.ViewResourceHandle, error) { return g.CreateView(handle.ViewBufferSRV, handle.Invalid) }, ErrInvalidHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tt.create()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if !v.IsValid() {
				t.Error("view is invalid")
			}
		})
	}
}

func TestReleaseTwice(t *testing.T) {
	g := newTestGroup(t, 1, false)
	h := mustBuffer(t, g, 16)
	if err := g.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := g.Release(h); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("second Release() error = %v, want %v", err, ErrInvalidHandle)
	}
}

func TestReleaseWithoutGraphsDestroysOnCollect(t *testing.T) {
	g := newTestGroup(t, 1, false)
	h := mustBuffer(t, g, 16)
	v, err := g.CreateView(handle.ViewBufferUAV, h)
	if err != nil {
		t.Fatalf("CreateView() error = %v", err)
	}
	if err := g.ReleaseView(v); err != nil {
		t.Fatalf("ReleaseView() error = %v", err)
	}
	if err := g.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := g.WaitGPUIdle(); err != nil {
		t.Fatalf("WaitGPUIdle() error = %v", err)
	}
	if !softDevice(t, g, 0).Destroyed(h) {
		t.Errorf("buffer %s not destroyed", h)
	}
}

func TestReleaseWaitsForGraphs(t *testing.T) {
	g := newTestGroup(t, 1, true, WithMaxInFlight(8))
	dev := softDevice(t, g, 0)
	h := mustBuffer(t, g, 16)

	gr := g.CreateGraph()
	n := gr.CreatePass("write", desc.QueueGraphics, 0)
	n.UpdateBuffer(h, 0, []byte{1, 2, 3, 4})
	gr.AddPass(n)
	if err := g.Submit(t.Context(), gr); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := g.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// A later submission collects garbage but the first graph is pending.
	if err := g.Submit(t.Context(), g.CreateGraph()); err != nil {
		t.Fatalf("Submit(empty) error = %v", err)
	}
	if dev.Destroyed(h) {
		t.Fatal("buffer destroyed while its graph is pending")
	}
	if g.tracker.HasCompleted(gr.Sequence()) {
		t.Fatal("graph completed before the device ran it")
	}

	if _, err := dev.Complete(-1); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := g.Submit(t.Context(), g.CreateGraph()); err != nil {
		t.Fatalf("Submit(empty) error = %v", err)
	}
	if !dev.Destroyed(h) {
		t.Error("buffer not destroyed after its graph completed")
	}
}

func TestDiscardUnblocksRelease(t *testing.T) {
	g := newTestGroup(t, 1, false)
	h := mustBuffer(t, g, 16)

	gr := g.CreateGraph()
	n := gr.CreatePass("write", desc.QueueDMA, 0)
	n.UpdateBuffer(h, 0, []byte{1})
	gr.AddPass(n)
	if err := g.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	g.garbageCollection()
	if softDevice(t, g, 0).Destroyed(h) {
		t.Fatal("buffer destroyed while a graph referencing it is alive")
	}

	gr.Discard()
	g.garbageCollection()
	if !softDevice(t, g, 0).Destroyed(h) {
		t.Error("buffer not destroyed after the graph was discarded")
	}
}

func TestClosedGroupRejectsWork(t *testing.T) {
	g := newTestGroup(t, 1, false)
	h := mustBuffer(t, g, 16)
	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !softDevice(t, g, 0).Destroyed(h) {
		t.Error("Close() left buffer alive")
	}
	if _, err := g.CreateBuffer(desc.BufferDesc{Size: 4}); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateBuffer() after Close error = %v, want %v", err, ErrClosed)
	}
	if err := g.Submit(t.Context(), g.CreateGraph()); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want %v", err, ErrClosed)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// lostDevice is a software device whose WaitIdle always fails.
type lostDevice struct {
	*software.Device
	err error
}

func (d lostDevice) WaitIdle() error { return d.err }

func TestWaitGPUIdleReportsEveryDevice(t *testing.T) {
	b := software.New(software.Options{Devices: 3})
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer b.Close()
	devs, err := b.Devices()
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	errLost := errors.New("device lost")
	errHung := errors.New("device hung")
	devs[0] = lostDevice{Device: devs[0].(*software.Device), err: errLost}
	devs[2] = lostDevice{Device: devs[2].(*software.Device), err: errHung}
	g, err := New(devs, WithSingleThreaded(true))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = g.WaitGPUIdle()
	for _, want := range []error{errLost, errHung} {
		if !errors.Is(err, want) {
			t.Errorf("WaitGPUIdle() error = %v, want %v", err, want)
		}
	}
	if err := g.Close(); !errors.Is(err, errLost) {
		t.Errorf("Close() error = %v, want %v", err, errLost)
	}
}
