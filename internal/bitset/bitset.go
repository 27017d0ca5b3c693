// Package bitset defines a growable set of small non-negative integers,
// used to track which resource ids a pass or command list touches.
package bitset

import (
	"iter"
	"math/bits"
)

// Set is a growable bit set. The zero value is an empty set ready to use.
type Set struct {
	w []uint64
}

// New returns an empty set with room for n bits.
func New(n int) Set {
	return Set{w: make([]uint64, (n+63)/64)}
}

func (s *Set) grow(words int) {
	if words > len(s.w) {
		s.w = append(s.w, make([]uint64, words-len(s.w))...)
	}
}

// Set sets bit i, growing the set as needed.
func (s *Set) Set(i int) {
	s.grow(i/64 + 1)
	s.w[i/64] |= 1 << (uint(i) & 63)
}

// Clear unsets bit i.
func (s *Set) Clear(i int) {
	if i/64 < len(s.w) {
		s.w[i/64] &^= 1 << (uint(i) & 63)
	}
}

// Has reports whether bit i is set.
func (s Set) Has(i int) bool {
	if i < 0 || i/64 >= len(s.w) {
		return false
	}
	return s.w[i/64]&(1<<(uint(i)&63)) != 0
}

// Count returns the number of set bits.
func (s Set) Count() int {
	n := 0
	for _, w := range s.w {
		n += bits.OnesCount64(w)
	}
	return n
}

// Empty reports whether no bit is set.
func (s Set) Empty() bool {
	for _, w := range s.w {
		if w != 0 {
			return false
		}
	}
	return true
}

// Add sets every bit set in o.
func (s *Set) Add(o Set) {
	s.grow(len(o.w))
	for i, w := range o.w {
		s.w[i] |= w
	}
}

// Subtract clears every bit set in o.
func (s *Set) Subtract(o Set) {
	for i := 0; i < len(s.w) && i < len(o.w); i++ {
		s.w[i] &^= o.w[i]
	}
}

// Union returns a new set with the bits of both s and o.
func (s Set) Union(o Set) Set {
	r := s.Clone()
	r.Add(o)
	return r
}

// Intersect returns a new set with the bits set in both s and o.
func (s Set) Intersect(o Set) Set {
	n := min(len(s.w), len(o.w))
	r := Set{w: make([]uint64, n)}
	for i := range n {
		r.w[i] = s.w[i] & o.w[i]
	}
	return r
}

// Except returns a new set with the bits of s that are not in o.
func (s Set) Except(o Set) Set {
	r := s.Clone()
	r.Subtract(o)
	return r
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	if len(s.w) == 0 {
		return Set{}
	}
	w := make([]uint64, len(s.w))
	copy(w, s.w)
	return Set{w: w}
}

// Reset clears all bits, keeping the storage.
func (s *Set) Reset() {
	clear(s.w)
}

// All yields the set bits in ascending order.
func (s Set) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		for i, w := range s.w {
			for w != 0 {
				b := bits.TrailingZeros64(w)
				if !yield(i*64 + b) {
					return
				}
				w &= w - 1
			}
		}
	}
}

// Slice returns the set bits in ascending order.
func (s Set) Slice() []int {
	out := make([]int, 0, s.Count())
	for i := range s.All() {
		out = append(out, i)
	}
	return out
}
