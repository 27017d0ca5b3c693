package desc

import "github.com/gogpu/gputypes"

// BindingKind is how a shader binding slot accesses its buffer.
type BindingKind uint8

// Binding kinds.
const (
	BindingReadOnlyStorage BindingKind = iota
	BindingStorage
	BindingUniform
)

// BindingDesc declares one slot of bind group 0. Views bound through a
// Binding fill the declared slots in order.
type BindingDesc struct {
	Binding uint32
	Kind    BindingKind
}

// ComputePipelineDesc describes a compute pipeline built from WGSL.
type ComputePipelineDesc struct {
	Label      string
	WGSL       string
	EntryPoint string
	// WorkGroup is the shader's workgroup size, used to turn thread counts
	// into group counts.
	WorkGroup [3]uint32
	Bindings  []BindingDesc
}

// Groups returns the number of workgroups needed to cover threads.
func (d ComputePipelineDesc) Groups(threads [3]uint32) [3]uint32 {
	var g [3]uint32
	for i := range g {
		wg := max(d.WorkGroup[i], 1)
		g[i] = (threads[i] + wg - 1) / wg
	}
	return g
}

// GraphicsPipelineDesc describes a graphics pipeline drawing into one color
// target without vertex buffers.
type GraphicsPipelineDesc struct {
	Label         string
	WGSL          string
	VertexEntry   string
	FragmentEntry string
	Format        gputypes.TextureFormat
	Bindings      []BindingDesc
}

// SwapchainDesc describes a set of presentable images.
type SwapchainDesc struct {
	Label  string
	Width  uint32
	Height uint32
	Images int
	Format gputypes.TextureFormat
}
