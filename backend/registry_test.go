package backend

import (
	"errors"
	"slices"
	"testing"
)

type stubBackend struct{ name string }

func (b stubBackend) Name() string             { return b.name }
func (stubBackend) Init() error                { return nil }
func (stubBackend) Devices() ([]Device, error) { return nil, nil }
func (stubBackend) Close()                     {}

func withRegistry(t *testing.T, names ...string) {
	t.Helper()
	registryMu.Lock()
	saved := backends
	backends = make(map[string]Factory)
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		backends = saved
		registryMu.Unlock()
	})
	for _, n := range names {
		Register(n, func() Backend { return stubBackend{n} })
	}
}

func TestRegistryGet(t *testing.T) {
	withRegistry(t, NameSoftware, "custom")

	b, err := Get(NameSoftware)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", NameSoftware, err)
	}
	if b.Name() != NameSoftware {
		t.Errorf("Name() = %q, want %q", b.Name(), NameSoftware)
	}
	if _, err := Get("missing"); err == nil {
		t.Error("Get(missing) error = nil")
	}
	if got, want := Available(), []string{"custom", NameSoftware}; !slices.Equal(got, want) {
		t.Errorf("Available() = %v, want %v", got, want)
	}
}

func TestRegistryDefaultPriority(t *testing.T) {
	tests := []struct {
		name       string
		registered []string
		want       string
	}{
		{"wgpu wins", []string{NameSoftware, NameWGPU}, NameWGPU},
		{"software fallback", []string{NameSoftware}, NameSoftware},
		{"any registered", []string{"zeta", "alpha"}, "alpha"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withRegistry(t, tt.registered...)
			b := Default()
			if b == nil {
				t.Fatal("Default() = nil")
			}
			if b.Name() != tt.want {
				t.Errorf("Default().Name() = %q, want %q", b.Name(), tt.want)
			}
		})
	}
}

func TestRegistryEmpty(t *testing.T) {
	withRegistry(t)
	if b := Default(); b != nil {
		t.Errorf("Default() = %v, want nil", b)
	}
	if _, err := InitDefault(); err != ErrBackendNotAvailable {
		t.Errorf("InitDefault() error = %v, want %v", err, ErrBackendNotAvailable)
	}
}

func TestRegisterPanics(t *testing.T) {
	withRegistry(t, "dup")
	tests := []struct {
		name string
		fn   func()
	}{
		{"nil factory", func() { Register("nil", nil) }},
		{"duplicate", func() { Register("dup", func() Backend { return stubBackend{} }) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn()
		})
	}
	Unregister("dup")
	if IsRegistered("dup") {
		t.Error("IsRegistered(dup) after Unregister = true")
	}
}

type failingBackend struct{ stubBackend }

func (failingBackend) Init() error { return ErrNotInitialized }

func TestInitDefaultFallsBack(t *testing.T) {
	withRegistry(t, NameSoftware)
	Register(NameWGPU, func() Backend { return failingBackend{stubBackend{NameWGPU}} })

	b, err := InitDefault()
	if err != nil {
		t.Fatalf("InitDefault() error = %v", err)
	}
	if b.Name() != NameSoftware {
		t.Errorf("InitDefault().Name() = %q, want %q", b.Name(), NameSoftware)
	}
}

func TestInitDefaultAllFail(t *testing.T) {
	withRegistry(t)
	Register(NameWGPU, func() Backend { return failingBackend{stubBackend{NameWGPU}} })

	if _, err := InitDefault(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("InitDefault() error = %v, want %v", err, ErrNotInitialized)
	}
}
