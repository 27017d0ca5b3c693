// Package packet implements the packet stream: a growable byte arena of
// self-describing command records.
//
// Every packet starts with a 4-byte header holding its Type in the low byte
// and, in the upper 24 bits, the byte distance to the next header. A stream
// always ends with exactly one TypeEndOfPackets header whose distance is 0;
// inserting a packet overwrites that header in place and writes a new one
// after the packet.
//
// Payloads are fixed-layout little-endian records. Variable-length data
// (view lists, constants, clear colors) is stored right after the fixed part
// of the same packet and referenced by an ArrayRef. Decoded sub-arrays alias
// the stream's memory and stay valid only until the stream grows or is reset.
package packet

import (
	"encoding/binary"
	"fmt"
	"iter"
)

// HeaderSize is the size of a packet header in bytes.
const HeaderSize = 4

// maxOffset is the largest distance a header can encode.
const maxOffset = 1<<24 - 1

// minCapacity is the capacity given to streams created without a hint.
const minCapacity = 256

// growthFactor is how much the arena grows when it runs out of room.
const growthFactor = 4

func putHeader(b []byte, t Type, offsetToNext int) {
	binary.LittleEndian.PutUint32(b, uint32(t)|uint32(offsetToNext)<<8) //nolint:gosec // offset < 1<<24
}

func readHeader(b []byte) (Type, int) {
	v := binary.LittleEndian.Uint32(b)
	return Type(v & 0xff), int(v >> 8)
}

// Ref is the position of a packet header within its stream.
type Ref int

// Stream is a growable arena of packets.
//
// Stream is not safe for concurrent use.
type Stream struct {
	buf     []byte
	used    int
	packets int
}

// NewStream creates an empty stream with room for sizeHint bytes.
func NewStream(sizeHint int) *Stream {
	s := &Stream{}
	s.init(sizeHint)
	return s
}

func (s *Stream) init(sizeHint int) {
	if sizeHint < minCapacity {
		sizeHint = minCapacity
	}
	s.buf = make([]byte, sizeHint)
	s.Reset()
}

// Reset removes all packets, keeping the capacity.
func (s *Stream) Reset() {
	if s.buf == nil {
		s.buf = make([]byte, minCapacity)
	}
	putHeader(s.buf, TypeEndOfPackets, 0)
	s.used = HeaderSize
	s.packets = 0
}

// Len returns the number of packets, not counting the terminator.
func (s *Stream) Len() int { return s.packets }

// SizeBytes returns the bytes in use, including the terminator.
func (s *Stream) SizeBytes() int { return s.used }

// MaxSizeBytes returns the capacity of the arena.
func (s *Stream) MaxSizeBytes() int { return len(s.buf) }

// Bytes returns the encoded stream. The slice aliases the arena.
func (s *Stream) Bytes() []byte { return s.buf[:s.used] }

// allocate reserves n more bytes, growing the arena geometrically, and
// returns the offset of the reserved range.
func (s *Stream) allocate(n int) int {
	need := s.used + n
	if need > len(s.buf) {
		capacity := max(len(s.buf), minCapacity)
		for need > capacity {
			capacity *= growthFactor
		}
		grown := make([]byte, capacity)
		copy(grown, s.buf[:s.used])
		s.buf = grown
	}
	off := s.used
	s.used = need
	return off
}

// Insert appends p and returns its position.
func (s *Stream) Insert(p Payload) Ref {
	var w writer
	p.encode(&w)
	return s.insertRaw(p.Type(), w.payload())
}

func (s *Stream) insertRaw(t Type, payload []byte) Ref {
	if t == TypeEndOfPackets || t == TypeInvalid {
		panic(fmt.Sprintf("packet: cannot insert %s", t))
	}
	size := HeaderSize + len(payload)
	if size > maxOffset {
		panic(fmt.Sprintf("packet: %s of %d bytes too large", t, size))
	}
	pos := s.used - HeaderSize
	s.allocate(size)
	putHeader(s.buf[pos:], t, size)
	copy(s.buf[pos+HeaderSize:], payload)
	putHeader(s.buf[pos+size:], TypeEndOfPackets, 0)
	s.packets++
	return Ref(pos)
}

// Append concatenates other's packets after s's packets. other is not
// modified.
func (s *Stream) Append(other *Stream) {
	if other == nil || other.packets == 0 {
		return
	}
	pos := s.used - HeaderSize
	s.allocate(other.used - HeaderSize)
	copy(s.buf[pos:], other.buf[:other.used])
	s.packets += other.packets
}

// Clone returns an independent copy of s.
func (s *Stream) Clone() *Stream {
	c := &Stream{buf: make([]byte, len(s.buf)), used: s.used, packets: s.packets}
	copy(c.buf, s.buf[:s.used])
	return c
}

// At returns the packet whose header is at ref.
func (s *Stream) At(ref Ref) Packet {
	pos := int(ref)
	if pos < 0 || pos+HeaderSize > s.used-HeaderSize {
		panic(fmt.Sprintf("packet: ref %d outside stream of %d bytes", pos, s.used))
	}
	return Packet{s: s, pos: pos}
}

// PatchReadbackDst sets the readback memory of the ReadbackBuffer packet at
// ref.
func (s *Stream) PatchReadbackDst(ref Ref, dst uint64) {
	p := s.At(ref)
	p.expect(TypeReadbackBuffer)
	binary.LittleEndian.PutUint64(s.buf[p.pos+HeaderSize:], dst)
}

// Iter returns an iterator positioned before the first packet.
func (s *Stream) Iter() *Iterator {
	return &Iterator{s: s, pos: -1}
}

// All yields every packet in insertion order.
func (s *Stream) All() iter.Seq[Packet] {
	return func(yield func(Packet) bool) {
		it := s.Iter()
		for it.Next() {
			if !yield(it.Packet()) {
				return
			}
		}
	}
}

// Validate walks the stream and checks its invariants: every header links
// forward inside the arena, the walk ends on the last header, and the packet
// count matches.
func (s *Stream) Validate() error {
	pos, n := 0, 0
	for {
		if pos+HeaderSize > s.used {
			return fmt.Errorf("packet: header at %d past end %d", pos, s.used)
		}
		t, next := readHeader(s.buf[pos:])
		if t == TypeEndOfPackets {
			if next != 0 {
				return fmt.Errorf("packet: terminator at %d links to %d", pos, next)
			}
			break
		}
		if t == TypeInvalid || t > TypeEndOfPackets || next < HeaderSize {
			return fmt.Errorf("packet: malformed %s header at %d (next %d)", t, pos, next)
		}
		pos += next
		n++
	}
	if pos != s.used-HeaderSize {
		return fmt.Errorf("packet: terminator at %d, want %d", pos, s.used-HeaderSize)
	}
	if n != s.packets {
		return fmt.Errorf("packet: walked %d packets, stream counts %d", n, s.packets)
	}
	return nil
}

// Iterator walks a stream's packets in order.
type Iterator struct {
	s    *Stream
	pos  int
	done bool
}

// Next advances to the next packet. It returns false at the terminator.
// A malformed stream panics.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.pos < 0 {
		it.pos = 0
	} else {
		_, next := readHeader(it.s.buf[it.pos:])
		if next < HeaderSize || it.pos+next > it.s.used-HeaderSize {
			panic(fmt.Sprintf("packet: malformed stream at %d (next %d, used %d)", it.pos, next, it.s.used))
		}
		it.pos += next
	}
	t, _ := readHeader(it.s.buf[it.pos:])
	it.done = t == TypeEndOfPackets
	return !it.done
}

// Packet returns the current packet.
func (it *Iterator) Packet() Packet {
	return Packet{s: it.s, pos: it.pos}
}

// Type returns the type of the current packet.
func (it *Iterator) Type() Type {
	t, _ := readHeader(it.s.buf[it.pos:])
	return t
}
