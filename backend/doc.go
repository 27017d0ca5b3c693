// Package backend defines the contract between the command graph core and a
// native graphics API, and a registry of available implementations.
//
// # Backend Registration
//
// Backends register themselves from init() functions and are selected at
// runtime:
//
//	import _ "github.com/gogpu/cmdgraph/backend/software"
//
// # Backend Selection
//
// Use Default() to get the best available backend, or Get() to request
// a specific backend by name:
//
//	b := backend.Default()
//	if err := b.Init(); err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	devices, err := b.Devices()
//
// # Contract
//
// The core allocates every handle itself and asks each Device to create the
// native object behind it. Recorded work reaches a device as packet streams:
// CommandList.FillWith walks a stream, records the barriers a BarrierSource
// reports before each packet, then the packet itself. Queue ordering is
// expressed with Timeline values and binary Semaphores on Submit; Fences
// report completion to the CPU.
//
// # Available Backends
//
//   - "wgpu": github.com/gogpu/wgpu/hal devices (Vulkan, or the noop adapter)
//   - "software": host-memory reference implementation (always available)
package backend
