package handle

import "fmt"

// ViewType identifies how a view exposes its resource to the GPU.
type ViewType uint8

// View types.
const (
	ViewUnknown ViewType = iota
	ViewBufferSRV
	ViewBufferUAV
	ViewBufferIBV
	ViewDynamicBufferSRV
	ViewTextureSRV
	ViewTextureUAV
	ViewTextureRTV
	ViewTextureDSV
	viewTypeCount
)

// String returns the name of the view type.
func (t ViewType) String() string {
	switch t {
	case ViewBufferSRV:
		return "BufferSRV"
	case ViewBufferUAV:
		return "BufferUAV"
	case ViewBufferIBV:
		return "BufferIBV"
	case ViewDynamicBufferSRV:
		return "DynamicBufferSRV"
	case ViewTextureSRV:
		return "TextureSRV"
	case ViewTextureUAV:
		return "TextureUAV"
	case ViewTextureRTV:
		return "TextureRTV"
	case ViewTextureDSV:
		return "TextureDSV"
	default:
		return "Unknown"
	}
}

// IsBuffer reports whether the view exposes a buffer.
func (t ViewType) IsBuffer() bool {
	return t == ViewBufferSRV || t == ViewBufferUAV || t == ViewBufferIBV || t == ViewDynamicBufferSRV
}

// IsTexture reports whether the view exposes a texture.
func (t ViewType) IsTexture() bool {
	return t >= ViewTextureSRV && t <= ViewTextureDSV
}

// LoadOp tells a renderpass what to do with an attachment's contents on begin.
type LoadOp uint8

// Load operations.
const (
	LoadOpLoad LoadOp = iota
	LoadOpClear
	LoadOpDontCare
)

// StoreOp tells a renderpass what to do with an attachment's contents on end.
type StoreOp uint8

// Store operations.
const (
	StoreOpStore StoreOp = iota
	StoreOpDontCare
)

// Bit layout of ViewResourceHandle.bits.
const (
	vIDBits = 14

	vGenShift      = vIDBits
	vTypeShift     = vGenShift + 8
	vAllMipsShift  = vTypeShift + 4
	vStartMipShift = vAllMipsShift + 4
	vMipSizeShift  = vStartMipShift + 4
	vStartArrShift = vMipSizeShift + 4
	vArrSizeShift  = vStartArrShift + 11
	vLoadShift     = vArrSizeShift + 11
	vStoreShift    = vLoadShift + 2
)

const (
	// InvalidViewID is the id of a view that refers to nothing.
	InvalidViewID = 1<<vIDBits - 1
	// MaxMips is the largest mip count a view range can describe.
	MaxMips = 16
	// MaxArraySlices is the largest array size a view range can describe.
	MaxArraySlices = 1 << 11
)

// ViewResourceHandle identifies a view of a resource: the resource handle
// plus a subresource range and renderpass load/store semantics.
type ViewResourceHandle struct {
	bits     uint64
	Resource ResourceHandle
}

// InvalidView is a view of nothing.
var InvalidView = NewView(InvalidViewID, 0, ViewUnknown)

// NewView packs a view handle covering the first mip and slice.
func NewView(id uint32, generation uint8, t ViewType) ViewResourceHandle {
	if id > InvalidViewID {
		panic(fmt.Sprintf("handle: view id %d out of range", id))
	}
	v := ViewResourceHandle{
		bits:     uint64(id) | uint64(generation)<<vGenShift | uint64(t)<<vTypeShift,
		Resource: Invalid,
	}
	return v.SubresourceRange(1, 0, 1, 0, 1)
}

// ViewFromBits rebuilds a view from its packed words.
func ViewFromBits(bits uint64, resource ResourceHandle) ViewResourceHandle {
	return ViewResourceHandle{bits: bits, Resource: resource}
}

// Bits returns the packed view word, excluding the resource handle.
func (v ViewResourceHandle) Bits() uint64 { return v.bits }

func (v ViewResourceHandle) field(shift, width uint) uint64 {
	return v.bits >> shift & (1<<width - 1)
}

func (v ViewResourceHandle) with(shift, width uint, val uint64) ViewResourceHandle {
	mask := uint64(1<<width-1) << shift
	v.bits = v.bits&^mask | val<<shift&mask
	return v
}

// ID returns the view id.
func (v ViewResourceHandle) ID() int { return int(v.field(0, vIDBits)) }

// Generation returns the view generation.
func (v ViewResourceHandle) Generation() uint8 { return uint8(v.field(vGenShift, 8)) }

// Type returns the view type.
func (v ViewResourceHandle) Type() ViewType { return ViewType(v.field(vTypeShift, 4)) }

// Key identifies the view across every view pool, ignoring its range and
// load/store operations.
func (v ViewResourceHandle) Key() uint32 { return uint32(v.field(0, vAllMipsShift)) }

// IsValid reports whether v refers to a view.
func (v ViewResourceHandle) IsValid() bool { return v.ID() != InvalidViewID }

// FullMipSize returns the mip count of the whole resource.
func (v ViewResourceHandle) FullMipSize() int { return int(v.field(vAllMipsShift, 4)) + 1 }

// StartMip returns the first mip of the view.
func (v ViewResourceHandle) StartMip() int { return int(v.field(vStartMipShift, 4)) }

// MipSize returns the number of mips in the view.
func (v ViewResourceHandle) MipSize() int { return int(v.field(vMipSizeShift, 4)) + 1 }

// StartArr returns the first array slice of the view.
func (v ViewResourceHandle) StartArr() int { return int(v.field(vStartArrShift, 11)) }

// ArrSize returns the number of array slices in the view.
func (v ViewResourceHandle) ArrSize() int { return int(v.field(vArrSizeShift, 11)) + 1 }

// LoadOp returns the renderpass load operation.
func (v ViewResourceHandle) LoadOp() LoadOp { return LoadOp(v.field(vLoadShift, 2)) }

// StoreOp returns the renderpass store operation.
func (v ViewResourceHandle) StoreOp() StoreOp { return StoreOp(v.field(vStoreShift, 1)) }

// SubresourceRange returns v restricted to the given mip and slice range of
// a resource with fullMips mips.
func (v ViewResourceHandle) SubresourceRange(fullMips, startMip, mipSize, startArr, arrSize int) ViewResourceHandle {
	if fullMips < 1 || fullMips > MaxMips || mipSize < 1 || startMip+mipSize > fullMips {
		panic(fmt.Sprintf("handle: invalid mip range %d+%d of %d", startMip, mipSize, fullMips))
	}
	if arrSize < 1 || startArr < 0 || startArr+arrSize > MaxArraySlices {
		panic(fmt.Sprintf("handle: invalid array range %d+%d", startArr, arrSize))
	}
	v = v.with(vAllMipsShift, 4, uint64(fullMips-1))
	v = v.with(vStartMipShift, 4, uint64(startMip))
	v = v.with(vMipSizeShift, 4, uint64(mipSize-1))
	v = v.with(vStartArrShift, 11, uint64(startArr))
	return v.with(vArrSizeShift, 11, uint64(arrSize-1))
}

// WithLoadOp returns v with load operation op.
func (v ViewResourceHandle) WithLoadOp(op LoadOp) ViewResourceHandle {
	return v.with(vLoadShift, 2, uint64(op))
}

// WithStoreOp returns v with store operation op.
func (v ViewResourceHandle) WithStoreOp(op StoreOp) ViewResourceHandle {
	return v.with(vStoreShift, 1, uint64(op))
}

// WithResource returns v viewing r.
func (v ViewResourceHandle) WithResource(r ResourceHandle) ViewResourceHandle {
	v.Resource = r
	return v
}

func (v ViewResourceHandle) String() string {
	if !v.IsValid() {
		return "InvalidView"
	}
	return fmt.Sprintf("%s#%d(%s mips %d+%d arr %d+%d)", v.Type(), v.ID(), v.Resource,
		v.StartMip(), v.MipSize(), v.StartArr(), v.ArrSize())
}
