package handle

import "testing"

func TestResourceHandlePacking(t *testing.T) {
	h := New(12345, 7, TypeTexture, AllGPUs).WithUsage(UsageReadback)
	if h.ID() != 12345 || h.Generation() != 7 || h.Type() != TypeTexture {
		t.Fatalf("unpacked = id %d gen %d type %s", h.ID(), h.Generation(), h.Type())
	}
	if h.Usage() != UsageReadback {
		t.Errorf("Usage() = %d, want %d", h.Usage(), UsageReadback)
	}
	if h.OwnerGPU() != -1 || h.Shared() {
		t.Errorf("AllGPUs handle: OwnerGPU() = %d, Shared() = %v", h.OwnerGPU(), h.Shared())
	}

	g := h.WithGPU(3)
	if g.OwnerGPU() != 3 || !g.Shared() {
		t.Errorf("WithGPU(3): OwnerGPU() = %d, Shared() = %v", g.OwnerGPU(), g.Shared())
	}
	if g.ID() != h.ID() || g.Type() != h.Type() || g.Usage() != h.Usage() {
		t.Error("WithGPU changed unrelated fields")
	}
	if g.Key() != h.Key() {
		t.Error("Key differs between owner masks")
	}
	if Invalid.IsValid() {
		t.Error("Invalid.IsValid() = true")
	}
}

func TestViewSubresourceRange(t *testing.T) {
	v := NewView(5, 1, ViewTextureSRV).SubresourceRange(10, 2, 3, 4, 6).
		WithLoadOp(LoadOpClear).WithStoreOp(StoreOpDontCare)

	tests := []struct {
		name      string
		got, want int
	}{
		{"FullMipSize", v.FullMipSize(), 10},
		{"StartMip", v.StartMip(), 2},
		{"MipSize", v.MipSize(), 3},
		{"StartArr", v.StartArr(), 4},
		{"ArrSize", v.ArrSize(), 6},
		{"ID", v.ID(), 5},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
	if v.LoadOp() != LoadOpClear || v.StoreOp() != StoreOpDontCare {
		t.Errorf("ops = %d/%d", v.LoadOp(), v.StoreOp())
	}
	if v.Type() != ViewTextureSRV || !v.Type().IsTexture() || v.Type().IsBuffer() {
		t.Errorf("Type() = %s", v.Type())
	}
	back := ViewFromBits(v.Bits(), v.Resource)
	if back != v {
		t.Error("ViewFromBits round trip differs")
	}
}

func TestViewSubresourceRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for mip range past the end")
		}
	}()
	NewView(0, 0, ViewTextureSRV).SubresourceRange(2, 1, 2, 0, 1)
}

func TestPoolGenerations(t *testing.T) {
	p := NewPool(TypeBuffer, 0)
	a := p.Allocate()
	b := p.Allocate()
	if a.ID() == b.ID() {
		t.Fatal("two live handles share an id")
	}
	p.Release(a)
	if p.Valid(a) {
		t.Error("released handle is still valid")
	}
	c := p.Allocate()
	if c.ID() != a.ID() || c.Generation() != a.Generation()+1 {
		t.Errorf("reused handle = id %d gen %d, want id %d gen %d", c.ID(), c.Generation(), a.ID(), a.Generation()+1)
	}
	if p.Live() != 2 {
		t.Errorf("Live() = %d, want 2", p.Live())
	}

	defer func() {
		if recover() == nil {
			t.Error("double release did not panic")
		}
	}()
	p.Release(a)
}

func TestPoolLimit(t *testing.T) {
	p := NewPool(TypePipeline, 2)
	p.Allocate()
	p.Allocate()
	defer func() {
		if recover() == nil {
			t.Error("allocating past the limit did not panic")
		}
	}()
	p.Allocate()
}

func TestManagerViews(t *testing.T) {
	m := NewManager()
	buf := m.Allocate(TypeBuffer)
	v := m.AllocateView(ViewBufferUAV, buf)
	if v.Resource != buf || v.Type() != ViewBufferUAV {
		t.Fatalf("view = %s", v)
	}
	m.ReleaseView(v)
	v2 := m.AllocateView(ViewBufferUAV, buf)
	if v2.ID() != v.ID() || v2.Generation() == v.Generation() {
		t.Errorf("view reuse = %s after %s", v2, v)
	}
	if m.Live(TypeBuffer) != 1 {
		t.Errorf("Live(Buffer) = %d, want 1", m.Live(TypeBuffer))
	}
	m.Release(buf)
	if m.Valid(buf) {
		t.Error("released buffer still valid")
	}
}
