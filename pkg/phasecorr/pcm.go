package phasecorr

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"slices"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/stat"

	"tilestitch/internal/models"
	"tilestitch/pkg/workpool"
)

// magnitudeEpsilon is the smallest cross-power magnitude that is
// normalized; smaller entries are zeroed.
const magnitudeEpsilon = 1e-12

// PaddedSize returns the FFT size used for a crop of the given dimensions
// extended by ext pixels per axis. Singleton axes stay singleton.
func PaddedSize(dims, ext []int) []int {
	out := make([]int, len(dims))
	for d, s := range dims {
		if s <= 1 {
			out[d] = 1
			continue
		}
		e := 0
		if d < len(ext) {
			e = ext[d]
		}
		out[d] = fastSize(s + e)
	}
	return out
}

// CalculatePCM computes the phase correlation matrix of two equally sized
// zero-origin images. The result has the padded size and is periodic; a
// peak at p means b(x) matches a(x + p) modulo the padded size.
func CalculatePCM(ctx context.Context, a, b *models.Image, ext []int, pool *workpool.Pool) (*models.Image, error) {
	if !slices.Equal(a.Dims, b.Dims) {
		return nil, fmt.Errorf("phase correlation needs equally sized images, got %v and %v", a.Dims, b.Dims)
	}

	padded := PaddedSize(a.Dims, ext)

	fa := windowed(a, padded)
	if err := fftND(ctx, fa, padded, false, pool); err != nil {
		return nil, err
	}
	fb := windowed(b, padded)
	if err := fftND(ctx, fb, padded, false, pool); err != nil {
		return nil, err
	}

	// normalized cross-power spectrum, stored in fa
	for i := range fa {
		q := fa[i] * cmplx.Conj(fb[i])
		m := cmplx.Abs(q)
		if m < magnitudeEpsilon || math.IsNaN(m) {
			fa[i] = 0
			continue
		}
		fa[i] = q / complex(m, 0)
	}

	if err := fftND(ctx, fa, padded, true, pool); err != nil {
		return nil, err
	}

	pcm := models.NewImage(padded...)
	for i, v := range fa {
		pcm.Data[i] = real(v)
	}
	return pcm, nil
}

// windowed copies im into a zero-padded complex buffer of the padded size.
// The mean is removed and every axis of three or more pixels is tapered
// with a Hann window, so the crop fades to zero at its border and the FFT
// sees no edge between the image and its periodic continuation.
func windowed(im *models.Image, padded []int) []complex128 {
	n := len(padded)

	weights := make([]window.Values, n)
	for d, size := range im.Dims {
		if size >= 3 {
			weights[d] = window.NewValues(window.Hann, size)
		}
	}
	mean := stat.Mean(im.Data, nil)

	total := 1
	strides := make([]int, n)
	for d, s := range padded {
		strides[d] = total
		total *= s
	}
	out := make([]complex128, total)

	pos := make([]int, n)
	for _, v := range im.Data {
		w := 1.0
		dst := 0
		for d := 0; d < n; d++ {
			if weights[d] != nil {
				w *= weights[d][pos[d]]
			}
			dst += pos[d] * strides[d]
		}
		out[dst] = complex((v-mean)*w, 0)

		for d := 0; d < n; d++ {
			pos[d]++
			if pos[d] < im.Dims[d] {
				break
			}
			pos[d] = 0
		}
	}
	return out
}
