// Package handle defines the opaque 64-bit identifiers that recorded commands
// use to refer to GPU resources and resource views, together with the pools
// that hand them out.
//
// Handles carry no pointers, so they can be copied freely into packet streams.
// A handle packs its id, a generation counter used to catch use after release,
// the resource type, a mask of GPUs owning it and a usage hint.
package handle

import "fmt"

// ResourceType identifies what kind of object a ResourceHandle refers to.
type ResourceType uint8

// Resource types.
const (
	TypeUnknown ResourceType = iota
	TypePipeline
	TypeRenderpass
	TypeBuffer
	TypeDynamicBuffer
	TypeReadbackBuffer
	TypeTexture
	TypeReadbackTexture
	TypeMemoryHeap
	TypeShaderArgumentsLayout
	TypeShaderArguments
	TypeAccelerationStructure
	typeCount
)

// String returns the name of the resource type.
func (t ResourceType) String() string {
	switch t {
	case TypePipeline:
		return "Pipeline"
	case TypeRenderpass:
		return "Renderpass"
	case TypeBuffer:
		return "Buffer"
	case TypeDynamicBuffer:
		return "DynamicBuffer"
	case TypeReadbackBuffer:
		return "ReadbackBuffer"
	case TypeTexture:
		return "Texture"
	case TypeReadbackTexture:
		return "ReadbackTexture"
	case TypeMemoryHeap:
		return "MemoryHeap"
	case TypeShaderArgumentsLayout:
		return "ShaderArgumentsLayout"
	case TypeShaderArguments:
		return "ShaderArguments"
	case TypeAccelerationStructure:
		return "AccelerationStructure"
	default:
		return "Unknown"
	}
}

// Usage is a small hint stored in a handle describing how the resource is
// expected to be accessed.
type Usage uint8

// Usage hints.
const (
	UsageGPUOnly Usage = iota
	UsageUpload
	UsageReadback
	UsageShared
)

// Bit layout of ResourceHandle.
const (
	idBits    = 20
	genBits   = 8
	typeBits  = 6
	gpuBits   = 16
	usageBits = 4

	genShift   = idBits
	typeShift  = genShift + genBits
	gpuShift   = typeShift + typeBits
	usageShift = gpuShift + gpuBits
)

const (
	// InvalidID is the id of a handle that refers to nothing.
	InvalidID = 1<<idBits - 1
	// MaxGPUs is the number of GPUs a handle can name.
	MaxGPUs = gpuBits
	// AllGPUs is the GPU mask of a resource each GPU owns its own copy of.
	AllGPUs = 1<<gpuBits - 1
)

// ResourceHandle identifies one resource of a device group.
type ResourceHandle uint64

// Invalid is the zero-resource handle.
var Invalid = New(InvalidID, 0, TypeUnknown, AllGPUs)

// New packs a resource handle.
func New(id uint32, generation uint8, t ResourceType, gpuMask uint16) ResourceHandle {
	if id > InvalidID {
		panic(fmt.Sprintf("handle: id %d out of range", id))
	}
	return ResourceHandle(uint64(id) |
		uint64(generation)<<genShift |
		uint64(t)<<typeShift |
		uint64(gpuMask)<<gpuShift)
}

// ID returns the handle's id within its type.
func (h ResourceHandle) ID() int { return int(h & (1<<idBits - 1)) }

// Generation returns the handle's generation.
func (h ResourceHandle) Generation() uint8 { return uint8(h >> genShift) }

// Type returns the resource type.
func (h ResourceHandle) Type() ResourceType {
	return ResourceType(h >> typeShift & (1<<typeBits - 1))
}

// GPUMask returns the bit mask of GPUs owning the resource.
func (h ResourceHandle) GPUMask() uint16 { return uint16(h >> gpuShift) }

// Usage returns the usage hint.
func (h ResourceHandle) Usage() Usage { return Usage(h >> usageShift & (1<<usageBits - 1)) }

// IsValid reports whether h refers to a resource.
func (h ResourceHandle) IsValid() bool { return h.ID() != InvalidID }

// OwnerGPU returns the index of the GPU owning the resource, or -1 when every
// GPU of the group owns its own copy.
func (h ResourceHandle) OwnerGPU() int {
	m := h.GPUMask()
	if m == AllGPUs || m == 0 {
		return -1
	}
	for i := range MaxGPUs {
		if m&(1<<i) != 0 {
			return i
		}
	}
	return -1
}

// Shared reports whether the resource lives on one GPU and is opened by the
// others, so that access from another GPU needs cross-device coordination.
func (h ResourceHandle) Shared() bool { return h.OwnerGPU() >= 0 }

// WithGPU returns h owned solely by GPU gpu.
func (h ResourceHandle) WithGPU(gpu int) ResourceHandle {
	if gpu < 0 || gpu >= MaxGPUs {
		panic(fmt.Sprintf("handle: gpu %d out of range", gpu))
	}
	return h&^(ResourceHandle(AllGPUs)<<gpuShift) | ResourceHandle(uint64(1)<<gpu)<<gpuShift
}

// WithUsage returns h with usage hint u.
func (h ResourceHandle) WithUsage(u Usage) ResourceHandle {
	return h&^(ResourceHandle(1<<usageBits-1)<<usageShift) | ResourceHandle(u&(1<<usageBits-1))<<usageShift
}

// Key identifies the resource regardless of owner mask and usage hint.
func (h ResourceHandle) Key() uint64 {
	return uint64(h) & (1<<gpuShift - 1)
}

func (h ResourceHandle) String() string {
	if !h.IsValid() {
		return "Invalid"
	}
	return fmt.Sprintf("%s#%d.%d", h.Type(), h.ID(), h.Generation())
}
