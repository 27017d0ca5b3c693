package bitset

import (
	"slices"
	"testing"
)

func TestSetGrowAndHas(t *testing.T) {
	var s Set
	for _, i := range []int{0, 63, 64, 1000} {
		s.Set(i)
	}
	for _, i := range []int{0, 63, 64, 1000} {
		if !s.Has(i) {
			t.Errorf("Has(%d) = false, want true", i)
		}
	}
	if s.Has(1) || s.Has(5000) || s.Has(-1) {
		t.Error("Has reported an unset bit")
	}
	if got := s.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}
	s.Clear(64)
	if s.Has(64) {
		t.Error("Clear(64) did not clear")
	}
}

func TestSetOperations(t *testing.T) {
	var a, b Set
	for _, i := range []int{1, 2, 3, 200} {
		a.Set(i)
	}
	for _, i := range []int{2, 3, 4} {
		b.Set(i)
	}

	tests := []struct {
		name string
		got  Set
		want []int
	}{
		{"union", a.Union(b), []int{1, 2, 3, 4, 200}},
		{"intersect", a.Intersect(b), []int{2, 3}},
		{"except", a.Except(b), []int{1, 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.got.Slice(); !slices.Equal(got, tt.want) {
				t.Errorf("bits = %v, want %v", got, tt.want)
			}
		})
	}

	c := a.Clone()
	c.Subtract(b)
	if !a.Has(2) {
		t.Error("Subtract on clone modified the original")
	}
	if c.Has(2) || !c.Has(1) {
		t.Errorf("Subtract result = %v", c.Slice())
	}
}

func TestSetEmptyAndReset(t *testing.T) {
	var s Set
	if !s.Empty() {
		t.Error("zero Set is not empty")
	}
	s.Set(10)
	if s.Empty() {
		t.Error("Empty() = true after Set")
	}
	s.Reset()
	if !s.Empty() || s.Count() != 0 {
		t.Error("Reset did not clear bits")
	}
}

func TestSetAllStopsEarly(t *testing.T) {
	var s Set
	for i := range 10 {
		s.Set(i * 3)
	}
	var seen []int
	for i := range s.All() {
		if len(seen) == 3 {
			break
		}
		seen = append(seen, i)
	}
	if !slices.Equal(seen, []int{0, 3, 6}) {
		t.Errorf("seen = %v", seen)
	}
}
