package wgpu

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/internal/shadercache"
)

// shaders holds compiled shaders for every device of the process.
var shaders = shadercache.New(shadercache.DefaultSoftLimit)

// compileWGSL compiles WGSL to SPIR-V words.
func compileWGSL(src string) ([]uint32, error) {
	spirv, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile shader: %w", err)
	}
	if len(spirv)%4 != 0 {
		return nil, fmt.Errorf("wgpu: compile shader: SPIR-V size %d is not a multiple of 4", len(spirv))
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirv[i*4:])
	}
	return words, nil
}

// pipeline is a compiled compute or graphics pipeline with its layout.
type pipeline struct {
	compute  bool
	bindings []desc.BindingDesc

	module   hal.ShaderModule
	bgLayout hal.BindGroupLayout
	layout   hal.PipelineLayout
	cp       hal.ComputePipeline
	rp       hal.RenderPipeline
}

func bufferBindingType(k desc.BindingKind) gputypes.BufferBindingType {
	switch k {
	case desc.BindingStorage:
		return gputypes.BufferBindingTypeStorage
	case desc.BindingUniform:
		return gputypes.BufferBindingTypeUniform
	default:
		return gputypes.BufferBindingTypeReadOnlyStorage
	}
}

// buildLayout creates the module, bind group 0 layout and pipeline layout
// shared by both pipeline kinds.
func (d *Device) buildLayout(label, wgsl string, bindings []desc.BindingDesc, vis gputypes.ShaderStages) (*pipeline, error) {
	code, err := shaders.Get(wgsl, compileWGSL)
	if err != nil {
		return nil, err
	}
	p := &pipeline{bindings: append([]desc.BindingDesc(nil), bindings...)}

	p.module, err = d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: code},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: shader module %q: %w", label, err)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: vis,
			Buffer:     &gputypes.BufferBindingLayout{Type: bufferBindingType(b.Kind)},
		}
	}
	p.bgLayout, err = d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label,
		Entries: entries,
	})
	if err != nil {
		d.destroyPipeline(p)
		return nil, fmt.Errorf("wgpu: bind group layout %q: %w", label, err)
	}

	p.layout, err = d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: []hal.BindGroupLayout{p.bgLayout},
	})
	if err != nil {
		d.destroyPipeline(p)
		return nil, fmt.Errorf("wgpu: pipeline layout %q: %w", label, err)
	}
	return p, nil
}

func (d *Device) newComputePipeline(pd desc.ComputePipelineDesc) (*pipeline, error) {
	p, err := d.buildLayout(pd.Label, pd.WGSL, pd.Bindings, gputypes.ShaderStageCompute)
	if err != nil {
		return nil, err
	}
	p.compute = true
	p.cp, err = d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  pd.Label,
		Layout: p.layout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: orDefault(pd.EntryPoint, "main"),
		},
	})
	if err != nil {
		d.destroyPipeline(p)
		return nil, fmt.Errorf("wgpu: compute pipeline %q: %w", pd.Label, err)
	}
	return p, nil
}

func (d *Device) newGraphicsPipeline(pd desc.GraphicsPipelineDesc) (*pipeline, error) {
	p, err := d.buildLayout(pd.Label, pd.WGSL, pd.Bindings, gputypes.ShaderStagesVertexFragment)
	if err != nil {
		return nil, err
	}
	format := pd.Format
	if format == gputypes.TextureFormatUndefined {
		format = gputypes.TextureFormatRGBA8Unorm
	}
	p.rp, err = d.dev.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  pd.Label,
		Layout: p.layout,
		Vertex: hal.VertexState{
			Module:     p.module,
			EntryPoint: orDefault(pd.VertexEntry, "vs_main"),
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
		Fragment: &hal.FragmentState{
			Module:     p.module,
			EntryPoint: orDefault(pd.FragmentEntry, "fs_main"),
			Targets: []gputypes.ColorTargetState{{
				Format:    format,
				WriteMask: gputypes.ColorWriteMaskAll,
			}},
		},
	})
	if err != nil {
		d.destroyPipeline(p)
		return nil, fmt.Errorf("wgpu: render pipeline %q: %w", pd.Label, err)
	}
	return p, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (d *Device) destroyPipeline(p *pipeline) {
	if p.cp != nil {
		d.dev.DestroyComputePipeline(p.cp)
	}
	if p.rp != nil {
		d.dev.DestroyRenderPipeline(p.rp)
	}
	if p.layout != nil {
		d.dev.DestroyPipelineLayout(p.layout)
	}
	if p.bgLayout != nil {
		d.dev.DestroyBindGroupLayout(p.bgLayout)
	}
	if p.module != nil {
		d.dev.DestroyShaderModule(p.module)
	}
}
