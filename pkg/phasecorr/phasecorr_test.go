package phasecorr

import (
	"context"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestitch/internal/models"
	"tilestitch/internal/simulate"
	"tilestitch/pkg/workpool"
)

func TestFastSize(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 7: 8, 11: 12, 97: 100, 410: 432, 125: 125}
	for in, want := range cases {
		assert.Equal(t, want, fastSize(in), "fastSize(%d)", in)
	}
	assert.Equal(t, []int{432, 1, 60}, PaddedSize([]int{400, 1, 50}, []int{10, 10, 10}))
}

func TestWindowed(t *testing.T) {
	im := models.NewImage(5)
	copy(im.Data, []float64{1, 2, 3, 4, 5})
	out := windowed(im, []int{8})
	got := make([]float64, len(out))
	for i, v := range out {
		got[i] = real(v)
	}
	// mean 3 removed, Hann weights 0, 0.5, 1, 0.5, 0, then zero padding
	assert.InDeltaSlice(t, []float64{0, -0.5, 0, 0.5, 0, 0, 0, 0}, got, 1e-12)

	// axes shorter than three pixels are not tapered
	flat := models.NewImage(2, 1)
	copy(flat.Data, []float64{1, 3})
	out = windowed(flat, []int{4, 1})
	assert.Equal(t, []complex128{-1, 1, 0, 0}, out)
}

func TestFFTRoundTrip(t *testing.T) {
	dims := []int{6, 1, 5}
	rng := rand.New(rand.NewSource(3))
	data := make([]complex128, 30)
	orig := make([]complex128, 30)
	for i := range data {
		data[i] = complex(rng.Float64(), rng.Float64())
		orig[i] = data[i]
	}

	pool := workpool.New(3)
	require.NoError(t, fftND(context.Background(), data, dims, false, pool))
	require.NoError(t, fftND(context.Background(), data, dims, true, pool))
	for i := range data {
		assert.InDelta(t, 0, cmplx.Abs(data[i]-orig[i]), 1e-10)
	}
}

func TestFFTOfDelta(t *testing.T) {
	data := make([]complex128, 12)
	data[0] = 1
	require.NoError(t, fftND(context.Background(), data, []int{4, 3}, false, nil))
	for _, v := range data {
		assert.InDelta(t, 0, cmplx.Abs(v-1), 1e-12)
	}
}

func TestParabolaOffset(t *testing.T) {
	off, ok := parabolaOffset(0.5, 1, 0.5)
	assert.True(t, ok)
	assert.InDelta(t, 0, off, 1e-12)

	off, ok = parabolaOffset(0, 1, 0.5)
	assert.True(t, ok)
	assert.InDelta(t, 1.0/6, off, 1e-12)

	mirrored, ok := parabolaOffset(0.5, 1, 0)
	assert.True(t, ok)
	assert.Equal(t, -off, mirrored)

	_, ok = parabolaOffset(1, 0, 1)
	assert.False(t, ok, "a minimum is not a peak")
}

func TestCandidateShifts(t *testing.T) {
	got := candidateShifts([]int{3, 0}, []int{10, 4})
	assert.Equal(t, [][]int{{3, 0}, {-7, 0}}, got)

	got = candidateShifts([]int{2, 1, 0}, []int{8, 6, 1})
	assert.Len(t, got, 4)
}

func TestFindLocalMaxima(t *testing.T) {
	pcm := models.NewImage(8, 8)
	pcm.Set(1.0, 2, 3)
	pcm.Set(0.6, 6, 6)
	pcm.Set(0.3, 7, 0)
	// periodic neighbour of (7, 0) is larger
	pcm.Set(0.4, 0, 0)

	peaks := findLocalMaxima(pcm, 3)
	require.Len(t, peaks, 3)
	assert.Equal(t, []int{2, 3}, peaks[0].pos)
	assert.Equal(t, []int{6, 6}, peaks[1].pos)
	assert.Equal(t, []int{0, 0}, peaks[2].pos)

	assert.Len(t, findLocalMaxima(pcm, 1), 1)
	assert.Empty(t, findLocalMaxima(pcm, 0))
}

func TestOverlapCorrelation(t *testing.T) {
	a := models.NewImage(5, 4)
	for i := range a.Data {
		a.Data[i] = float64(i * i % 7)
	}
	r, n := overlapCorrelation(a, a, []int{0, 0})
	assert.InDelta(t, 1, r, 1e-12)
	assert.Equal(t, 20, n)

	_, n = overlapCorrelation(a, a, []int{2, -1})
	assert.Equal(t, 3*3, n)

	r, n = overlapCorrelation(a, a, []int{5, 0})
	assert.Equal(t, 0, n)
	assert.True(t, math.IsNaN(r))
}

// shiftedPair renders two views of the same blob field, the second offset
// by shift, so that b(x) = a(x + shift).
func shiftedPair(dims []int, shift []float64) (*models.Image, *models.Image) {
	n := len(dims)
	lo := make([]float64, n)
	hi := make([]float64, n)
	for d := range dims {
		lo[d] = math.Min(0, shift[d])
		hi[d] = math.Max(0, shift[d]) + float64(dims[d])
	}
	field := simulate.NewField(lo, hi, 1.0/60, rand.New(rand.NewSource(7)))
	return field.Render(dims, make([]float64, n)), field.Render(dims, shift)
}

func TestShiftInteger(t *testing.T) {
	a, b := shiftedPair([]int{64, 48}, []float64{7, -3})
	peak, err := Shift(context.Background(), a, b, Options{PeaksToCheck: 5, Pool: workpool.New(2)})
	require.NoError(t, err)

	assert.Equal(t, []int{7, -3}, peak.Shift)
	assert.Nil(t, peak.Subpixel)
	assert.Greater(t, peak.Correlation, 0.99)
	assert.Equal(t, (64-7)*(48-3), peak.OverlapPixels)
	assert.Equal(t, []float64{7, -3}, peak.Position())
}

func TestShiftSubpixel(t *testing.T) {
	want := []float64{5.4, -2.7}
	a, b := shiftedPair([]int{64, 64}, want)

	peak, err := Shift(context.Background(), a, b, Options{
		PeaksToCheck:                5,
		InterpolateCrossCorrelation: true,
	})
	require.NoError(t, err)
	require.NotNil(t, peak.Subpixel)
	assert.InDeltaSlice(t, want, peak.Subpixel, 0.05)

	peak, err = Shift(context.Background(), a, b, Options{PeaksToCheck: 5, DoSubpixel: true})
	require.NoError(t, err)
	require.NotNil(t, peak.Subpixel)
	assert.InDeltaSlice(t, want, peak.Subpixel, 0.25)
}

func TestShiftDiagonal(t *testing.T) {
	shifts := [][]float64{{7, -3}, {3, 2}, {-6, 5}, {10, 0}, {-2, -9}}
	for _, shift := range shifts {
		a, b := shiftedPair([]int{64, 48}, shift)
		peak, err := Shift(context.Background(), a, b, Options{PeaksToCheck: 5})
		require.NoError(t, err)
		assert.Equal(t, []int{int(shift[0]), int(shift[1])}, peak.Shift, "shift %v", shift)
		assert.InDelta(t, 1, peak.Correlation, 1e-9, "shift %v", shift)
	}
}

func TestClimbReachesCorrelationMaximum(t *testing.T) {
	a, b := shiftedPair([]int{48, 48}, []float64{4, -2})
	sc := newScorer(a, b, 100, 0)

	// start three pixels off along both axes
	c, ok := sc.climb([]int{7, 1})
	require.True(t, ok)
	assert.Equal(t, []int{4, -2}, c.shift)
	assert.InDelta(t, 1, c.r, 1e-9)

	_, ok = sc.climb([]int{47, 47})
	assert.False(t, ok, "a shift below the minimum overlap is not a start")
}

func TestResampleRamp(t *testing.T) {
	im := models.NewImage(6, 3)
	for x := 0; x < 6; x++ {
		for y := 0; y < 3; y++ {
			im.Set(float64(2*x+10*y), x, y)
		}
	}
	out := resample(im, []float64{0.25, -0.5})
	// splines reproduce a linear ramp away from the clamped border
	for x := 0; x < 5; x++ {
		assert.InDelta(t, 2*(float64(x)+0.25)+10*(1-0.5), out.At(x, 1), 1e-9, "x=%d", x)
	}
	assert.Equal(t, im.Data, resample(im, []float64{0, 0}).Data)
}

func TestRefineCorrelationAntisymmetric(t *testing.T) {
	a, b := shiftedPair([]int{48, 40}, []float64{2.3, -1.4})

	ab := refineCorrelation(a, b, []int{2, -1}, 0)
	ba := refineCorrelation(b, a, []int{-2, 1}, 0)
	for d := range ab {
		assert.Equal(t, -ab[d], ba[d])
	}
	assert.InDelta(t, 0.3, ab[0], 0.02)
	assert.InDelta(t, -0.4, ab[1], 0.02)
}

func TestShift3DWithSingletonAxis(t *testing.T) {
	a, b := shiftedPair([]int{40, 40, 1}, []float64{-4, 6, 0})
	peak, err := Shift(context.Background(), a, b, Options{PeaksToCheck: 5})
	require.NoError(t, err)
	assert.Equal(t, []int{-4, 6, 0}, peak.Shift)
}

func TestShiftMinOverlapRejectsAllPeaks(t *testing.T) {
	a, b := shiftedPair([]int{32, 32}, []float64{3, 2})
	_, err := Shift(context.Background(), a, b, Options{PeaksToCheck: 5, MinOverlap: 32*32 + 1})
	assert.ErrorIs(t, err, ErrNoValidPeak)
}

func TestShiftConstantImages(t *testing.T) {
	a := models.NewImage(16, 16)
	b := models.NewImage(16, 16)
	for i := range a.Data {
		a.Data[i] = 1
		b.Data[i] = 1
	}
	_, err := Shift(context.Background(), a, b, Options{PeaksToCheck: 3})
	assert.ErrorIs(t, err, ErrNoValidPeak)
}

func TestShiftSizeMismatch(t *testing.T) {
	_, err := Shift(context.Background(), models.NewImage(8, 8), models.NewImage(8, 9), Options{})
	assert.Error(t, err)
}

func TestShiftCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a, b := shiftedPair([]int{32, 32}, []float64{1, 1})
	_, err := Shift(ctx, a, b, Options{PeaksToCheck: 1, Pool: workpool.New(2)})
	assert.ErrorIs(t, err, context.Canceled)
}
