package packet

// Type identifies the kind of a packet.
type Type uint8

// Packet types. Each high-level recorded operation maps to exactly one type.
const (
	// TypeInvalid never appears in a well-formed stream.
	TypeInvalid Type = iota

	// TypeRenderBlock names the pass that the following packets belong to.
	TypeRenderBlock

	// TypeReleaseFromQueue marks the point where queue ownership releases
	// are executed. Inserted by the scheduler, never by the recorder.
	TypeReleaseFromQueue

	// TypeBufferCopy copies bytes between two buffers.
	TypeBufferCopy

	// TypeUpdateBuffer writes inline bytes into a buffer.
	TypeUpdateBuffer

	// TypeReadbackBuffer copies buffer bytes into host-visible readback
	// memory. The destination is patched in by the scheduler.
	TypeReadbackBuffer

	// TypeUpdateTexture copies a staging buffer into one texture subresource.
	TypeUpdateTexture

	// TypeDispatch launches compute thread groups.
	TypeDispatch

	// TypeDispatchIndirect launches compute thread groups from a buffer.
	TypeDispatchIndirect

	// TypePrepareForPresent transitions a texture for presentation.
	TypePrepareForPresent

	// TypeRenderpassBegin starts a renderpass with color and depth targets.
	TypeRenderpassBegin

	// TypeRenderpassEnd ends the current renderpass.
	TypeRenderpassEnd

	// TypeGraphicsPipelineBind binds a graphics pipeline.
	TypeGraphicsPipelineBind

	// TypeComputePipelineBind binds a compute pipeline.
	TypeComputePipelineBind

	// TypeResourceBinding binds views, shader arguments and constants.
	TypeResourceBinding

	// TypeDraw draws non-indexed primitives.
	TypeDraw

	// TypeDrawIndexed draws indexed primitives.
	TypeDrawIndexed

	// TypeDrawIndirect draws with arguments read from a buffer.
	TypeDrawIndirect

	// TypeScissorRect sets the scissor rectangle.
	TypeScissorRect

	// TypeBuildBLAS builds a bottom-level acceleration structure.
	TypeBuildBLAS

	// TypeBuildTLAS builds a top-level acceleration structure.
	TypeBuildTLAS

	// TypeEndOfPackets terminates every stream.
	TypeEndOfPackets
)

var typeNames = [...]string{
	TypeInvalid:              "Invalid",
	TypeRenderBlock:          "RenderBlock",
	TypeReleaseFromQueue:     "ReleaseFromQueue",
	TypeBufferCopy:           "BufferCopy",
	TypeUpdateBuffer:         "UpdateBuffer",
	TypeReadbackBuffer:       "ReadbackBuffer",
	TypeUpdateTexture:        "UpdateTexture",
	TypeDispatch:             "Dispatch",
	TypeDispatchIndirect:     "DispatchIndirect",
	TypePrepareForPresent:    "PrepareForPresent",
	TypeRenderpassBegin:      "RenderpassBegin",
	TypeRenderpassEnd:        "RenderpassEnd",
	TypeGraphicsPipelineBind: "GraphicsPipelineBind",
	TypeComputePipelineBind:  "ComputePipelineBind",
	TypeResourceBinding:      "ResourceBinding",
	TypeDraw:                 "Draw",
	TypeDrawIndexed:          "DrawIndexed",
	TypeDrawIndirect:         "DrawIndirect",
	TypeScissorRect:          "ScissorRect",
	TypeBuildBLAS:            "BuildBLAS",
	TypeBuildTLAS:            "BuildTLAS",
	TypeEndOfPackets:         "EndOfPackets",
}

// String returns the packet type name.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}
