package phasecorr

import (
	"context"

	"gonum.org/v1/gonum/dsp/fourier"

	"tilestitch/pkg/workpool"
)

// fftND performs an in-place N-dimensional complex Fast Fourier Transform.
// The transform is separable, so it runs a 1D FFT along every line of
// every axis in turn. Axes of size 1 are left untouched.
//
// Parameters:
//   - ctx: cancels the transform between batches of lines
//   - data: Complex buffer laid out with axis 0 varying fastest
//   - dims: Size of the buffer along each axis
//   - inverse: Computes the inverse transform, normalized by the number of elements
//   - pool: Worker pool the lines of each axis are spread over (may be nil)
//
// Returns:
//   - An error only if ctx was cancelled
func fftND(ctx context.Context, data []complex128, dims []int, inverse bool, pool *workpool.Pool) error {
	stride := 1
	for _, size := range dims {
		if size > 1 {
			if err := fftAxis(ctx, data, size, stride, inverse, pool); err != nil {
				return err
			}
		}
		stride *= size
	}

	if inverse {
		scale := complex(1/float64(len(data)), 0)
		for i := range data {
			data[i] *= scale
		}
	}
	return nil
}

// fftAxis transforms every line of length size and element step stride.
func fftAxis(ctx context.Context, data []complex128, size, stride int, inverse bool, pool *workpool.Pool) error {
	lines := len(data) / size

	// Split the lines into one contiguous batch per worker; every batch owns
	// its FFT plan and line buffers since gonum plans are not goroutine-safe
	batches := min(pool.Workers(), lines)
	perBatch := (lines + batches - 1) / batches

	return pool.Run(ctx, batches, func(_ context.Context, b int) error {
		fft := fourier.NewCmplxFFT(size)
		line := make([]complex128, size)
		out := make([]complex128, size)

		first := b * perBatch
		last := min(first+perBatch, lines)
		for l := first; l < last; l++ {
			// line l starts at its position within the lower axes plus its
			// block offset within the higher ones
			base := l%stride + (l/stride)*stride*size

			for i := 0; i < size; i++ {
				line[i] = data[base+i*stride]
			}
			if inverse {
				fft.Sequence(out, line)
			} else {
				fft.Coefficients(out, line)
			}
			for i := 0; i < size; i++ {
				data[base+i*stride] = out[i]
			}
		}
		return nil
	})
}

// fastSize returns the smallest integer >= n whose only prime factors are
// 2, 3 and 5. Such sizes keep the FFT on its fast radix paths.
func fastSize(n int) int {
	if n <= 1 {
		return 1
	}
	for m := n; ; m++ {
		r := m
		for _, p := range []int{2, 3, 5} {
			for r%p == 0 {
				r /= p
			}
		}
		if r == 1 {
			return m
		}
	}
}
