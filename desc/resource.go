package desc

import "github.com/gogpu/gputypes"

// BufferUsage is a set of ways a buffer may be used.
type BufferUsage uint32

// Buffer usages.
const (
	BufferShaderRead BufferUsage = 1 << iota
	BufferShaderWrite
	BufferIndex
	BufferIndirect
	BufferTransferSrc
	BufferTransferDst
	BufferAccelerationStructure
)

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// TextureUsage is a set of ways a texture may be used.
type TextureUsage uint32

// Texture usages.
const (
	TextureShaderRead TextureUsage = 1 << iota
	TextureShaderWrite
	TextureRendertarget
	TextureDepthStencil
	TextureTransferSrc
	TextureTransferDst
	TexturePresent
)

// TextureDesc describes a 2D texture, optionally mipmapped and arrayed.
type TextureDesc struct {
	Label     string
	Width     uint32
	Height    uint32
	Mips      int
	ArraySize int
	Format    gputypes.TextureFormat
	Usage     TextureUsage
}

// Normalized returns d with zero mip and array counts replaced by 1.
func (d TextureDesc) Normalized() TextureDesc {
	if d.Mips <= 0 {
		d.Mips = 1
	}
	if d.ArraySize <= 0 {
		d.ArraySize = 1
	}
	return d
}

// BytesPerPixel returns the texel size of the formats the core moves around,
// or 0 for formats it does not know.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatDepth24PlusStencil8:
		return 4
	default:
		return 0
	}
}
