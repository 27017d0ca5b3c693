// Package wgpu is the backend that drives gogpu/wgpu HAL devices.
//
// Every adapter the selected HAL backend exposes becomes one backend.Device.
// A HAL device has a single in-order queue, so the graphics, compute and DMA
// lists of a device group all land on it; cross-queue waits on the same
// device are satisfied by submission order alone.
//
// # Synchronization
//
// HAL queues report progress as a monotonically increasing submission index
// (Queue.Submit and Queue.PollCompleted). Fences and timelines are built on
// it: a timeline value signaled by a submission completes once the queue has
// retired that submission index. Waits on another device's timeline are
// resolved on the CPU before the waiting submission is issued.
//
// # Barriers
//
// Buffer and texture barriers produced by the barrier solver are lowered to
// TransitionBuffers and TransitionTextures with usages derived from the
// access stage and layout.
//
// # Shaders
//
// Pipelines are created from WGSL. The source is compiled to SPIR-V with
// gogpu/naga before the HAL shader module is created.
//
// # Adapters
//
//	b := wgpu.New(wgpu.Options{Adapter: wgpu.AdapterNoop, Devices: 2})
//	if err := b.Init(); err != nil { ... }
//	devices, _ := b.Devices()
//
// The noop adapter executes nothing and completes every submission at once;
// it is what tests and the command-line tool use on machines without a GPU.
// NewFromProvider adopts a device owned by a host application.
package wgpu
