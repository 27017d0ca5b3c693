package backend

import (
	"errors"
	"time"

	"github.com/gogpu/cmdgraph/barrier"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
	"github.com/gogpu/cmdgraph/packet"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")

	// ErrUnknownResource is returned when a handle was never created on the device.
	ErrUnknownResource = errors.New("backend: unknown resource")

	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("backend: unsupported")

	// ErrTimeout is returned when a wait did not complete in time.
	ErrTimeout = errors.New("backend: wait timed out")
)

// Backend is a native graphics API that can open devices.
//
// Backends are registered via Register() and selected via Get() or Default().
type Backend interface {
	// Name returns the backend identifier (e.g., "software", "wgpu").
	Name() string

	// Init prepares the backend. It must be called before Devices.
	Init() error

	// Devices opens every usable adapter. Device i reports ID() == i.
	Devices() ([]Device, error)

	// Close releases the backend. Devices must be closed first.
	Close()
}

// Device is one GPU. Resources are created under handles the caller
// allocates, so every device of a group can hold the same handle.
type Device interface {
	ID() int
	Name() string

	CreateBuffer(h handle.ResourceHandle, d desc.BufferDesc) error
	CreateTexture(h handle.ResourceHandle, d desc.TextureDesc) error
	CreateView(v handle.ViewResourceHandle) error
	CreateShaderArguments(h handle.ResourceHandle, views []handle.ViewResourceHandle) error
	CreateComputePipeline(h handle.ResourceHandle, d desc.ComputePipelineDesc) error
	CreateGraphicsPipeline(h handle.ResourceHandle, d desc.GraphicsPipelineDesc) error
	// CreateReadback allocates host-visible memory that a ReadbackBuffer
	// packet with Dst h copies into.
	CreateReadback(h handle.ResourceHandle, size uint64) error
	// MapReadback returns the contents of readback memory h. It is only
	// valid after the fence of the list that filled it has signaled.
	MapReadback(h handle.ResourceHandle) ([]byte, error)
	Destroy(h handle.ResourceHandle)
	DestroyView(v handle.ViewResourceHandle)

	CreateList(q desc.QueueType) (CommandList, error)
	CreateFence() (Fence, error)
	CreateSemaphore() (Semaphore, error)
	CreateTimeline() (Timeline, error)
	CreateSwapchain(d desc.SwapchainDesc, images []handle.ResourceHandle) (Swapchain, error)

	// Submit queues lists on q. Lists are executed in order after every
	// wait is satisfied; signals and the fence fire when they finish.
	Submit(q desc.QueueType, s Submission) error

	WaitIdle() error
	Close() error
}

// BarrierSource supplies the barriers to record before each packet. The
// draw index of a packet is its position in the stream.
type BarrierSource interface {
	HasBarrier(draw int) bool
	Barriers(draw int) barrier.MemoryBarriers
}

// CommandList is a native command buffer for one queue.
type CommandList interface {
	Queue() desc.QueueType
	// FillWith records every packet of s, preceded by its barriers.
	FillWith(s *packet.Stream, barriers BarrierSource) error
	Release()
}

// Fence is signaled by the GPU when a submission finishes.
type Fence interface {
	Signaled() bool
	Wait(timeout time.Duration) (bool, error)
	Release()
}

// Semaphore is a binary GPU-GPU signal, used for swapchain acquire and present.
type Semaphore interface {
	Release()
}

// Timeline is a monotonically increasing counter. Waits on a timeline of a
// different device of the same backend are allowed.
type Timeline interface {
	Completed() uint64
	Wait(value uint64, timeout time.Duration) (bool, error)
	Release()
}

// TimelineValue is a point on a timeline.
type TimelineValue struct {
	Timeline Timeline
	Value    uint64
}

// Submission is everything one queue submit carries.
type Submission struct {
	Lists           []CommandList
	Wait            []Semaphore
	Signal          []Semaphore
	WaitTimelines   []TimelineValue
	SignalTimelines []TimelineValue
	// Fence is optional.
	Fence Fence
}

// Swapchain is a ring of presentable images.
type Swapchain interface {
	// Acquire returns the index of the next image; signal fires when the
	// image may be written. ok is false when the swapchain is out of date.
	Acquire(signal Semaphore) (index int, ok bool, err error)
	// Present shows image index after wait has fired.
	Present(wait Semaphore, index int) (ok bool, err error)
	Release()
}
