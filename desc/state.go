package desc

import "fmt"

// AccessUsage describes whether an access reads, writes or both.
type AccessUsage uint8

// Access usages. Unknown means "not yet touched" and is resolved against the
// authoritative state table.
const (
	UsageUnknown AccessUsage = iota
	UsageRead
	UsageWrite
	UsageReadWrite
)

// Writes reports whether the usage modifies the resource.
func (u AccessUsage) Writes() bool { return u == UsageWrite || u == UsageReadWrite }

// String returns the usage name.
func (u AccessUsage) String() string {
	switch u {
	case UsageRead:
		return "Read"
	case UsageWrite:
		return "Write"
	case UsageReadWrite:
		return "ReadWrite"
	default:
		return "Unknown"
	}
}

// AccessStage is a set of pipeline stages an access happens in.
type AccessStage uint16

// Access stages. Common is the empty set and marks queue ownership events.
const (
	StageCommon                AccessStage = 0
	StageCompute               AccessStage = 0x1
	StageGraphics              AccessStage = 0x2
	StageTransfer              AccessStage = 0x4
	StageIndex                 AccessStage = 0x8
	StageIndirect              AccessStage = 0x10
	StageRendertarget          AccessStage = 0x20
	StageDepthStencil          AccessStage = 0x40
	StagePresent               AccessStage = 0x80
	StageRaytrace              AccessStage = 0x100
	StageAccelerationStructure AccessStage = 0x200
	StageShadingRateSource     AccessStage = 0x400
)

var stageNames = []struct {
	s    AccessStage
	name string
}{
	{StageCompute, "Compute"},
	{StageGraphics, "Graphics"},
	{StageTransfer, "Transfer"},
	{StageIndex, "Index"},
	{StageIndirect, "Indirect"},
	{StageRendertarget, "Rendertarget"},
	{StageDepthStencil, "DepthStencil"},
	{StagePresent, "Present"},
	{StageRaytrace, "Raytrace"},
	{StageAccelerationStructure, "AccelerationStructure"},
	{StageShadingRateSource, "ShadingRateSource"},
}

// String returns the stage names joined by '|'.
func (s AccessStage) String() string {
	if s == StageCommon {
		return "Common"
	}
	out := ""
	for _, n := range stageNames {
		if s&n.s != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// Layout is the memory layout a texture subresource is in.
type Layout uint8

// Texture layouts.
const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutRendertarget
	LayoutDepthStencil
	LayoutDepthStencilReadOnly
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPreinitialized
	LayoutPresent
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case LayoutGeneral:
		return "General"
	case LayoutRendertarget:
		return "Rendertarget"
	case LayoutDepthStencil:
		return "DepthStencil"
	case LayoutDepthStencilReadOnly:
		return "DepthStencilReadOnly"
	case LayoutShaderReadOnly:
		return "ShaderReadOnly"
	case LayoutTransferSrc:
		return "TransferSrc"
	case LayoutTransferDst:
		return "TransferDst"
	case LayoutPreinitialized:
		return "Preinitialized"
	case LayoutPresent:
		return "Present"
	default:
		return "Undefined"
	}
}

// ResourceState is how a resource (or one texture subresource) was last
// accessed and which queue owns it.
type ResourceState struct {
	Usage  AccessUsage
	Stage  AccessStage
	Layout Layout
	Queue  QueueType
}

// UnknownState is the state of a resource nothing has touched.
var UnknownState = ResourceState{}

// State is shorthand for building a ResourceState.
func State(u AccessUsage, s AccessStage, l Layout, q QueueType) ResourceState {
	return ResourceState{Usage: u, Stage: s, Layout: l, Queue: q}
}

// SameAccess reports whether a and b agree on everything but the queue.
func (a ResourceState) SameAccess(b ResourceState) bool {
	return a.Usage == b.Usage && a.Stage == b.Stage && a.Layout == b.Layout
}

// WithQueue returns a with queue q.
func (a ResourceState) WithQueue(q QueueType) ResourceState {
	a.Queue = q
	return a
}

func (a ResourceState) String() string {
	return fmt.Sprintf("{%s %s %s %s}", a.Usage, a.Stage, a.Layout, a.Queue)
}

// TextureResourceState holds one state per subresource, indexed by
// slice*Mips + mip.
type TextureResourceState struct {
	Mips   int
	States []ResourceState
}

// NewTextureResourceState returns the state of an untouched texture.
func NewTextureResourceState(mips, arraySize int) TextureResourceState {
	return TextureResourceState{Mips: mips, States: make([]ResourceState, mips*arraySize)}
}

// Index returns the subresource index of (mip, slice).
func (t TextureResourceState) Index(mip, slice int) int { return slice*t.Mips + mip }

// ArraySize returns the number of array slices.
func (t TextureResourceState) ArraySize() int {
	if t.Mips == 0 {
		return 0
	}
	return len(t.States) / t.Mips
}

// Clone returns an independent copy.
func (t TextureResourceState) Clone() TextureResourceState {
	s := make([]ResourceState, len(t.States))
	copy(s, t.States)
	return TextureResourceState{Mips: t.Mips, States: s}
}
