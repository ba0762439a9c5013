// Package overlap computes the region two tiles share under their current
// transforms, both as a real-valued world box and as integer pixel boxes
// that can be cropped out of each tile.
package overlap

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tilestitch/internal/models"
	"tilestitch/pkg/transform"
)

// ErrNoOverlap is returned when the transformed extents of two tiles do not
// intersect.
var ErrNoOverlap = errors.New("tiles do not overlap")

// roundingTolerance absorbs floating point noise before snapping a local
// coordinate to the pixel lattice, so that 12.0000000001 still rounds to 12.
const roundingTolerance = 1e-9

// Region is the resolved overlap of a tile pair.
type Region struct {
	// World is the shared box in world coordinates
	World models.RealBox

	// LocalA and LocalB are World re-expressed in each tile's zero-origin frame
	LocalA, LocalB models.RealBox

	// RasterA and RasterB are the integer pixel boxes inside LocalA and LocalB.
	// Both have the same size.
	RasterA, RasterB models.RasterBox

	// OffsetA and OffsetB are the sub-pixel remainders RasterX.Min - LocalX.Min,
	// each in [0, 1) per axis
	OffsetA, OffsetB []float64
}

// NumPixels returns the number of pixels in the raster overlap.
func (r *Region) NumPixels() int {
	return r.RasterA.NumPixels()
}

// Bounds returns the world-space extent of a zero-origin tile of the given
// dimensions. A tile covers the half-open box [0, dims) locally; for
// non-translation transforms the axis-aligned bounding box of its
// transformed corners is returned.
func Bounds(dims []int, t transform.Affine) models.RealBox {
	local := models.RealBox{Min: make([]float64, len(dims)), Max: make([]float64, len(dims))}
	for d, s := range dims {
		local.Max[d] = float64(s)
	}
	return boundingBox(local, t)
}

// boundingBox maps every corner of b through t and returns their extent.
func boundingBox(b models.RealBox, t transform.Affine) models.RealBox {
	n := b.NumDimensions()
	out := models.RealBox{Min: make([]float64, n), Max: make([]float64, n)}
	for d := 0; d < n; d++ {
		out.Min[d] = math.Inf(1)
		out.Max[d] = math.Inf(-1)
	}
	for _, c := range b.Corners() {
		p := t.Apply(c)
		for d := 0; d < n; d++ {
			out.Min[d] = math.Min(out.Min[d], p[d])
			out.Max[d] = math.Max(out.Max[d], p[d])
		}
	}
	return out
}

// Intersect returns the intersection of two boxes and whether it is
// non-empty.
func Intersect(a, b models.RealBox) (models.RealBox, bool) {
	n := a.NumDimensions()
	out := models.RealBox{Min: make([]float64, n), Max: make([]float64, n)}
	for d := 0; d < n; d++ {
		out.Min[d] = math.Max(a.Min[d], b.Min[d])
		out.Max[d] = math.Min(a.Max[d], b.Max[d])
	}
	return out, !out.Empty()
}

// Overlaps reports whether two tiles intersect under the given transforms.
func Overlaps(dimsA, dimsB []int, tA, tB transform.Affine) bool {
	_, ok := Intersect(Bounds(dimsA, tA), Bounds(dimsB, tB))
	return ok
}

// Resolve computes the overlap of two tiles with dimensions dimsA and dimsB
// placed by tA and tB. It returns ErrNoOverlap if the extents do not meet.
// A Region with an empty raster is returned when the tiles touch by less
// than one whole pixel; callers reject it through the minimum overlap.
func Resolve(dimsA, dimsB []int, tA, tB transform.Affine) (*Region, error) {
	n := len(dimsA)
	if len(dimsB) != n || tA.NumDimensions() != n || tB.NumDimensions() != n {
		return nil, fmt.Errorf("overlap: dimensionality mismatch (%d, %d, %d, %d)",
			len(dimsA), len(dimsB), tA.NumDimensions(), tB.NumDimensions())
	}

	world, ok := Intersect(Bounds(dimsA, tA), Bounds(dimsB, tB))
	if !ok {
		return nil, ErrNoOverlap
	}

	localA, err := toLocal(world, dimsA, tA)
	if err != nil {
		return nil, err
	}
	localB, err := toLocal(world, dimsB, tB)
	if err != nil {
		return nil, err
	}

	rasterA := rasterize(localA)
	rasterB := rasterize(localB)

	// the two rasters can disagree by one pixel where the fractional parts
	// fall differently; crop both to the common size
	for d := 0; d < n; d++ {
		s := min(rasterA.Size[d], rasterB.Size[d])
		rasterA.Size[d] = max(s, 0)
		rasterB.Size[d] = max(s, 0)
	}

	region := &Region{
		World:   world,
		LocalA:  localA,
		LocalB:  localB,
		RasterA: rasterA,
		RasterB: rasterB,
		OffsetA: subpixelOffset(rasterA, localA),
		OffsetB: subpixelOffset(rasterB, localB),
	}
	return region, nil
}

// toLocal re-expresses a world box in a tile's zero-origin frame, clipped
// to the tile.
func toLocal(world models.RealBox, dims []int, t transform.Affine) (models.RealBox, error) {
	inv, err := t.Inverse()
	if err != nil {
		return models.RealBox{}, fmt.Errorf("overlap: %w", err)
	}
	local := boundingBox(world, inv)
	for d, s := range dims {
		local.Min[d] = math.Max(local.Min[d], 0)
		local.Max[d] = math.Min(local.Max[d], float64(s))
	}
	return local, nil
}

// rasterize returns the largest pixel box inside the real box: ceil of the
// minimum, floor of the (exclusive) maximum.
func rasterize(b models.RealBox) models.RasterBox {
	n := b.NumDimensions()
	r := models.RasterBox{Min: make([]int, n), Size: make([]int, n)}
	for d := 0; d < n; d++ {
		lo := int(math.Ceil(b.Min[d] - roundingTolerance))
		hi := int(math.Floor(b.Max[d] + roundingTolerance))
		r.Min[d] = lo
		r.Size[d] = hi - lo
	}
	return r
}

func subpixelOffset(r models.RasterBox, b models.RealBox) []float64 {
	off := make([]float64, len(r.Min))
	for d := range off {
		off[d] = float64(r.Min[d])
	}
	floats.Sub(off, b.Min)
	return off
}
