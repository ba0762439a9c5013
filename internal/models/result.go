package models

import "slices"

// PairwiseResult is one edge of the registration graph. Shift is the
// position of B minus the position of A in world units, so the edge's
// orientation (A before B in TileID order) fixes the sign of the shift.
type PairwiseResult struct {
	// A and B are the registered endpoints, A.Less(B) always holds
	A, B TileID

	// GroupA and GroupB list every raw tile id behind each endpoint. For
	// ungrouped tiles they hold just A and B.
	GroupA, GroupB []TileID

	// Shift is the relative translation of B with respect to A
	Shift []float64

	// Correlation is the cross-correlation of the two tiles at Shift, in [-1, 1]
	Correlation float64

	// Overlap is the shared world-space box under the initial transforms.
	// It is empty when the result did not come from image registration.
	Overlap RealBox
}

// Canonical returns the result with its endpoints in canonical order,
// negating the shift when the endpoints have to be swapped.
func (r PairwiseResult) Canonical() PairwiseResult {
	if !r.B.Less(r.A) {
		return r
	}
	shift := make([]float64, len(r.Shift))
	for d, v := range r.Shift {
		shift[d] = -v
	}
	return PairwiseResult{
		A:           r.B,
		B:           r.A,
		GroupA:      slices.Clone(r.GroupB),
		GroupB:      slices.Clone(r.GroupA),
		Shift:       shift,
		Correlation: r.Correlation,
		Overlap:     r.Overlap,
	}
}

// RealBox is a real-valued N-dimensional box, Min inclusive and Max exclusive.
type RealBox struct {
	Min []float64
	Max []float64
}

// NumDimensions returns the dimensionality of the box.
func (b RealBox) NumDimensions() int { return len(b.Min) }

// Empty reports whether the box has non-positive extent along any axis.
func (b RealBox) Empty() bool {
	if len(b.Min) == 0 {
		return true
	}
	for d := range b.Min {
		if b.Max[d] <= b.Min[d] {
			return true
		}
	}
	return false
}

// Corners enumerates the 2^n corner points of the box.
func (b RealBox) Corners() [][]float64 {
	n := len(b.Min)
	corners := make([][]float64, 0, 1<<n)
	for mask := 0; mask < 1<<n; mask++ {
		c := make([]float64, n)
		for d := 0; d < n; d++ {
			if mask&(1<<d) != 0 {
				c[d] = b.Max[d]
			} else {
				c[d] = b.Min[d]
			}
		}
		corners = append(corners, c)
	}
	return corners
}

// RasterBox is an integer pixel box given by its minimum and its size.
type RasterBox struct {
	Min  []int
	Size []int
}

// NumPixels returns the number of pixels covered by the box, zero when
// any axis is empty.
func (b RasterBox) NumPixels() int {
	if len(b.Size) == 0 {
		return 0
	}
	n := 1
	for _, s := range b.Size {
		if s <= 0 {
			return 0
		}
		n *= s
	}
	return n
}
