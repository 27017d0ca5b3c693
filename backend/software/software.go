// Package software implements the backend contract on host memory.
//
// Copies, buffer and texture updates, readbacks and render target clears
// are executed for real, so results can be checked from tests and tools.
// Draws, dispatches and acceleration structure builds are validated and
// counted but produce no output. Submitted work executes synchronously
// unless Options.DeferCompletion is set, in which case it stays pending
// until Device.Complete runs it, which lets callers observe in-flight state.
package software

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/cmdgraph/backend"
)

func init() {
	backend.Register(backend.NameSoftware, func() backend.Backend {
		return New(Options{})
	})
}

// Options configure the software backend.
type Options struct {
	// Devices is the number of devices to expose. Zero means one.
	Devices int
	// DeferCompletion keeps submissions pending until Device.Complete.
	DeferCompletion bool
}

// Backend is the software backend.
type Backend struct {
	opts Options

	mu      sync.Mutex
	inited  bool
	devices []*Device
}

// New creates a software backend.
func New(opts Options) *Backend {
	if opts.Devices <= 0 {
		opts.Devices = 1
	}
	return &Backend{opts: opts}
}

// Name returns "software".
func (b *Backend) Name() string { return backend.NameSoftware }

// Init prepares the backend.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inited = true
	return nil
}

// Devices opens the configured number of devices. Repeated calls return the
// same devices.
func (b *Backend) Devices() ([]backend.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inited {
		return nil, backend.ErrNotInitialized
	}
	if b.devices == nil {
		for i := range b.opts.Devices {
			b.devices = append(b.devices, newDevice(i, fmt.Sprintf("software-%d", i), b.opts.DeferCompletion))
		}
		slogger().Info("software: devices opened", "count", len(b.devices))
	}
	out := make([]backend.Device, len(b.devices))
	for i, d := range b.devices {
		out[i] = d
	}
	return out, nil
}

// Close releases the backend.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inited = false
	b.devices = nil
}

// SetLogger sets the package logger; it lets a device group propagate its
// logger to the backend it drives.
func (b *Backend) SetLogger(l *slog.Logger) { SetLogger(l) }
