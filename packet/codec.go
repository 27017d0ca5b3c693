package packet

import (
	"encoding/binary"
	"fmt"
	"iter"
	"math"

	"github.com/gogpu/cmdgraph/handle"
)

// maxPayload bounds a packet and its sub-arrays so that every sub-array
// offset fits in 16 bits.
const maxPayload = math.MaxUint16

// Element sizes of sub-arrays.
const (
	viewSize   = 16
	handleSize = 8
	float4Size = 16
)

// ArrayRef locates a sub-array: Offset is measured in bytes from the start
// of the owning payload, Count in elements.
type ArrayRef struct {
	Offset uint16
	Count  uint16
}

// writer serializes one payload: fixed fields first, sub-array bytes in a
// tail that is appended after them.
type writer struct {
	fixed   []byte
	tail    []byte
	patches []arrayPatch
}

type arrayPatch struct {
	at   int // position of ArrayRef.Offset in fixed
	tail int // offset of the array bytes in tail
}

func (w *writer) u8(v uint8)   { w.fixed = append(w.fixed, v) }
func (w *writer) u16(v uint16) { w.fixed = binary.LittleEndian.AppendUint16(w.fixed, v) }
func (w *writer) u32(v uint32) { w.fixed = binary.LittleEndian.AppendUint32(w.fixed, v) }
func (w *writer) u64(v uint64) { w.fixed = binary.LittleEndian.AppendUint64(w.fixed, v) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) } //nolint:gosec // bit reinterpretation
func (w *writer) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *writer) handle(h handle.ResourceHandle) { w.u64(uint64(h)) }

func (w *writer) view(v handle.ViewResourceHandle) {
	w.u64(v.Bits())
	w.u64(uint64(v.Resource))
}

// array writes an ArrayRef for data holding count elements and queues data
// for the tail.
func (w *writer) array(data []byte, count int) {
	if count > math.MaxUint16 {
		panic(fmt.Sprintf("packet: sub-array of %d elements too long", count))
	}
	w.patches = append(w.patches, arrayPatch{at: len(w.fixed), tail: len(w.tail)})
	w.u16(0)
	w.u16(uint16(count))
	w.tail = append(w.tail, data...)
}

// payload returns fixed fields followed by the tail, with array offsets
// resolved.
func (w *writer) payload() []byte {
	if len(w.fixed)+len(w.tail) > maxPayload {
		panic(fmt.Sprintf("packet: payload of %d bytes too large", len(w.fixed)+len(w.tail)))
	}
	for _, p := range w.patches {
		binary.LittleEndian.PutUint16(w.fixed[p.at:], uint16(len(w.fixed)+p.tail)) //nolint:gosec // checked above
	}
	return append(w.fixed, w.tail...)
}

// reader decodes one payload. Reads past the end panic.
type reader struct {
	b   []byte
	pos int
}

func (r *reader) next(n int) []byte {
	if r.pos+n > len(r.b) {
		panic(fmt.Sprintf("packet: read of %d bytes at %d past payload of %d", n, r.pos, len(r.b)))
	}
	s := r.b[r.pos : r.pos+n]
	r.pos += n
	return s
}

func (r *reader) u8() uint8    { return r.next(1)[0] }
func (r *reader) u16() uint16  { return binary.LittleEndian.Uint16(r.next(2)) }
func (r *reader) u32() uint32  { return binary.LittleEndian.Uint32(r.next(4)) }
func (r *reader) u64() uint64  { return binary.LittleEndian.Uint64(r.next(8)) }
func (r *reader) i32() int32   { return int32(r.u32()) } //nolint:gosec // bit reinterpretation
func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) handle() handle.ResourceHandle { return handle.ResourceHandle(r.u64()) }

func (r *reader) view() handle.ViewResourceHandle {
	bits := r.u64()
	return handle.ViewFromBits(bits, handle.ResourceHandle(r.u64()))
}

// array reads an ArrayRef and returns the bounds-checked element bytes.
func (r *reader) array(elemSize int) []byte {
	ref := ArrayRef{Offset: r.u16(), Count: r.u16()}
	start := int(ref.Offset)
	end := start + int(ref.Count)*elemSize
	if ref.Count == 0 {
		return nil
	}
	if start < r.pos || end > len(r.b) {
		panic(fmt.Sprintf("packet: sub-array [%d,%d) outside payload of %d", start, end, len(r.b)))
	}
	return r.b[start:end:end]
}

// Views is a sub-array of view handles.
type Views struct{ data []byte }

// ViewsOf encodes views into a sub-array.
func ViewsOf(vs ...handle.ViewResourceHandle) Views {
	data := make([]byte, 0, len(vs)*viewSize)
	for _, v := range vs {
		data = binary.LittleEndian.AppendUint64(data, v.Bits())
		data = binary.LittleEndian.AppendUint64(data, uint64(v.Resource))
	}
	return Views{data: data}
}

// Len returns the number of views.
func (v Views) Len() int { return len(v.data) / viewSize }

// At returns view i. It panics when i is out of range.
func (v Views) At(i int) handle.ViewResourceHandle {
	if i < 0 || i >= v.Len() {
		panic(fmt.Sprintf("packet: view index %d out of range [0,%d)", i, v.Len()))
	}
	e := v.data[i*viewSize:]
	return handle.ViewFromBits(binary.LittleEndian.Uint64(e), handle.ResourceHandle(binary.LittleEndian.Uint64(e[8:])))
}

// All yields the views in order.
func (v Views) All() iter.Seq[handle.ViewResourceHandle] {
	return func(yield func(handle.ViewResourceHandle) bool) {
		for i := range v.Len() {
			if !yield(v.At(i)) {
				return
			}
		}
	}
}

// Slice copies the views out.
func (v Views) Slice() []handle.ViewResourceHandle {
	out := make([]handle.ViewResourceHandle, v.Len())
	for i := range out {
		out[i] = v.At(i)
	}
	return out
}

// Handles is a sub-array of resource handles.
type Handles struct{ data []byte }

// HandlesOf encodes handles into a sub-array.
func HandlesOf(hs ...handle.ResourceHandle) Handles {
	data := make([]byte, 0, len(hs)*handleSize)
	for _, h := range hs {
		data = binary.LittleEndian.AppendUint64(data, uint64(h))
	}
	return Handles{data: data}
}

// Len returns the number of handles.
func (h Handles) Len() int { return len(h.data) / handleSize }

// At returns handle i. It panics when i is out of range.
func (h Handles) At(i int) handle.ResourceHandle {
	if i < 0 || i >= h.Len() {
		panic(fmt.Sprintf("packet: handle index %d out of range [0,%d)", i, h.Len()))
	}
	return handle.ResourceHandle(binary.LittleEndian.Uint64(h.data[i*handleSize:]))
}

// All yields the handles in order.
func (h Handles) All() iter.Seq[handle.ResourceHandle] {
	return func(yield func(handle.ResourceHandle) bool) {
		for i := range h.Len() {
			if !yield(h.At(i)) {
				return
			}
		}
	}
}

// Float4 is four packed floats, used for clear colors.
type Float4 [4]float32

// Float4s is a sub-array of Float4 values.
type Float4s struct{ data []byte }

// Float4sOf encodes values into a sub-array.
func Float4sOf(fs ...Float4) Float4s {
	data := make([]byte, 0, len(fs)*float4Size)
	for _, f := range fs {
		for _, c := range f {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(c))
		}
	}
	return Float4s{data: data}
}

// Len returns the number of values.
func (f Float4s) Len() int { return len(f.data) / float4Size }

// At returns value i. It panics when i is out of range.
func (f Float4s) At(i int) Float4 {
	if i < 0 || i >= f.Len() {
		panic(fmt.Sprintf("packet: float4 index %d out of range [0,%d)", i, f.Len()))
	}
	var out Float4
	e := f.data[i*float4Size:]
	for c := range out {
		out[c] = math.Float32frombits(binary.LittleEndian.Uint32(e[c*4:]))
	}
	return out
}
