package phasecorr

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/interp"

	"tilestitch/internal/models"
)

// refineSteps are the sampling distances in pixels of the successive
// parabola fits made by refineCorrelation.
var refineSteps = []float64{1, 0.5, 0.25, 0.125}

// parabolaOffset returns the vertex of the parabola through (-1, fm),
// (0, f0) and (1, fp), or false if the points do not describe a maximum
// within one pixel. Swapping fm and fp negates the result exactly.
func parabolaOffset(fm, f0, fp float64) (float64, bool) {
	denom := (fm + fp) - 2*f0
	if denom >= 0 || math.IsNaN(denom) {
		return 0, false
	}
	off := (fm - fp) / (2 * denom)
	if math.IsNaN(off) || math.Abs(off) >= 1 {
		return 0, false
	}
	return off, true
}

// correlationParabola fits a parabola through the correlation at the
// integer shift and its two neighbours along each axis. All values are
// computed over the region where every one of those shifts overlaps.
func correlationParabola(a, b *models.Image, shift []int, minPixels float64) []float64 {
	n := a.NumDimensions()
	out := make([]float64, n)
	lo, hi, count := commonRegion(a, b, shift, 1)
	if count < 2 || float64(count) < minPixels {
		return out
	}

	r0 := regionCorrelation(a, b, shift, lo, hi)
	at := slices.Clone(shift)
	for d := 0; d < n; d++ {
		if a.Dims[d] < 2 {
			continue
		}
		at[d] = shift[d] - 1
		rm := regionCorrelation(a, b, at, lo, hi)
		at[d] = shift[d] + 1
		rp := regionCorrelation(a, b, at, lo, hi)
		at[d] = shift[d]

		if off, ok := parabolaOffset(rm, r0, rp); ok {
			out[d] = off
		}
	}
	return out
}

// refineCorrelation finds the fractional offset f in [-1, 1]^n that
// maximizes the correlation between a(u+shift+f/2) and b(u-f/2) over a
// fixed region. Both crops are resampled by half the offset in opposite
// directions, which keeps the result antisymmetric in a and b. Each step
// fits a parabola through samples at distance h along every axis and moves
// f to its vertex; h halves from step to step.
func refineCorrelation(a, b *models.Image, shift []int, minPixels float64) []float64 {
	n := a.NumDimensions()
	f := make([]float64, n)
	lo, hi, count := commonRegion(a, b, shift, 2)
	if count < 2 || float64(count) < minPixels {
		return f
	}

	seen := make(map[string]float64)
	correlation := func(off []float64) float64 {
		key := fmt.Sprint(off)
		if r, ok := seen[key]; ok {
			return r
		}
		half := make([]float64, n)
		neg := make([]float64, n)
		for d, o := range off {
			half[d] = o / 2
			neg[d] = -o / 2
		}
		r := regionCorrelation(resample(a, half), resample(b, neg), shift, lo, hi)
		seen[key] = r
		return r
	}

	for _, h := range refineSteps {
		r0 := correlation(f)
		next := slices.Clone(f)
		for d := 0; d < n; d++ {
			if a.Dims[d] < 2 {
				continue
			}
			at := slices.Clone(f)
			at[d] = f[d] - h
			rm := correlation(at)
			at[d] = f[d] + h
			rp := correlation(at)

			if off, ok := parabolaOffset(rm, r0, rp); ok {
				next[d] = math.Max(-1, math.Min(1, f[d]+off*h))
			}
		}
		f = next
	}
	return f
}

// resample returns im sampled at x + off. Every axis with a non-zero
// offset is interpolated line by line with a natural cubic spline;
// positions past the border take the border value.
func resample(im *models.Image, off []float64) *models.Image {
	out := models.NewImage(im.Dims...)
	copy(out.Data, im.Data)
	strides := out.Strides()

	for d, o := range off {
		size := im.Dims[d]
		if o == 0 || size < 2 {
			continue
		}

		xs := make([]float64, size)
		for i := range xs {
			xs[i] = float64(i)
		}
		line := make([]float64, size)
		var spline interp.NaturalCubic

		stride := strides[d]
		lines := len(out.Data) / size
		for l := 0; l < lines; l++ {
			base := (l/stride)*stride*size + l%stride
			for i := range line {
				line[i] = out.Data[base+i*stride]
			}
			if err := spline.Fit(xs, line); err != nil {
				continue
			}
			for i := range line {
				out.Data[base+i*stride] = spline.Predict(float64(i) + o)
			}
		}
	}
	return out
}
