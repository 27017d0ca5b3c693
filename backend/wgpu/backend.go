package wgpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	// Register the Vulkan HAL backend.
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/cmdgraph/backend"
)

// Adapter names accepted by Options.Adapter.
const (
	// AdapterAuto opens every hardware adapter of the Vulkan HAL backend.
	AdapterAuto = ""
	// AdapterVulkan is AdapterAuto spelled out.
	AdapterVulkan = "vulkan"
	// AdapterNoop opens devices that execute nothing.
	AdapterNoop = "noop"
)

func init() {
	backend.Register(backend.NameWGPU, func() backend.Backend {
		return New(Options{})
	})
}

// Options configures the backend.
type Options struct {
	// Adapter selects the HAL backend, see the Adapter constants.
	Adapter string

	// Devices is the number of noop devices to open. Ignored for hardware
	// adapters, where every usable adapter becomes a device. Defaults to 1.
	Devices int
}

// Backend opens HAL devices.
type Backend struct {
	opts Options

	mu       sync.Mutex
	inited   bool
	instance hal.Instance
	devices  []backend.Device
}

// New creates an uninitialized backend.
func New(opts Options) *Backend {
	if opts.Devices <= 0 {
		opts.Devices = 1
	}
	return &Backend{opts: opts}
}

// Name returns backend.NameWGPU.
func (b *Backend) Name() string { return backend.NameWGPU }

// Init creates the HAL instance and opens the devices.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inited {
		return nil
	}

	var (
		devices []backend.Device
		err     error
	)
	switch b.opts.Adapter {
	case AdapterNoop:
		devices, err = b.openNoop()
	case AdapterAuto, AdapterVulkan:
		devices, err = b.openVulkan()
	default:
		err = fmt.Errorf("wgpu: unknown adapter %q: %w", b.opts.Adapter, backend.ErrBackendNotAvailable)
	}
	if err != nil {
		if b.instance != nil {
			b.instance.Destroy()
			b.instance = nil
		}
		return err
	}
	b.devices = devices
	b.inited = true
	for _, d := range devices {
		slogger().Info("wgpu: device opened", "id", d.ID(), "name", d.Name())
	}
	return nil
}

func (b *Backend) openNoop() ([]backend.Device, error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("wgpu: noop instance: %w", err)
	}
	b.instance = instance
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("wgpu: noop: no adapters: %w", backend.ErrBackendNotAvailable)
	}
	devices := make([]backend.Device, 0, b.opts.Devices)
	for i := range b.opts.Devices {
		open, err := adapters[0].Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
		if err != nil {
			closeAll(devices)
			return nil, fmt.Errorf("wgpu: open noop device %d: %w", i, err)
		}
		devices = append(devices, newDevice(i, fmt.Sprintf("%s #%d", adapters[0].Info.Name, i), open.Device, open.Queue, true))
	}
	return devices, nil
}

func (b *Backend) openVulkan() ([]backend.Device, error) {
	api, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("wgpu: vulkan: %w", backend.ErrBackendNotAvailable)
	}
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	b.instance = instance

	adapters := hardwareAdapters(instance.EnumerateAdapters(nil))
	if len(adapters) == 0 {
		return nil, fmt.Errorf("wgpu: no GPU adapters found: %w", backend.ErrBackendNotAvailable)
	}
	devices := make([]backend.Device, 0, len(adapters))
	for i, a := range adapters {
		open, err := a.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
		if err != nil {
			closeAll(devices)
			return nil, fmt.Errorf("wgpu: open %s: %w", a.Info.Name, err)
		}
		devices = append(devices, newDevice(i, a.Info.Name, open.Device, open.Queue, true))
	}
	return devices, nil
}

// hardwareAdapters keeps discrete and integrated GPUs, or everything when
// there are none.
func hardwareAdapters(all []hal.ExposedAdapter) []hal.ExposedAdapter {
	var hw []hal.ExposedAdapter
	for _, a := range all {
		if a.Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			a.Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			hw = append(hw, a)
		}
	}
	if len(hw) == 0 {
		return all
	}
	return hw
}

func closeAll(devices []backend.Device) {
	for _, d := range devices {
		if err := d.Close(); err != nil {
			slogger().Warn("wgpu: closing device", "id", d.ID(), "err", err)
		}
	}
}

// Devices returns the opened devices.
func (b *Backend) Devices() ([]backend.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inited {
		return nil, backend.ErrNotInitialized
	}
	return b.devices, nil
}

// Close destroys the HAL instance. Devices must already be closed.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.instance != nil {
		b.instance.Destroy()
		b.instance = nil
	}
	b.devices = nil
	b.inited = false
}

// SetLogger sets the package logger.
func (b *Backend) SetLogger(l *slog.Logger) { SetLogger(l) }
