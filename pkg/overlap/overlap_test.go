package overlap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestitch/pkg/transform"
)

func TestResolveIntegerTranslation(t *testing.T) {
	tA := transform.NewTranslation([]float64{0, 0})
	tB := transform.NewTranslation([]float64{80, 10})

	r, err := Resolve([]int{100, 50}, []int{100, 50}, tA, tB)
	require.NoError(t, err)

	assert.Equal(t, []float64{80, 10}, r.World.Min)
	assert.Equal(t, []float64{100, 50}, r.World.Max)
	assert.Equal(t, []int{80, 10}, r.RasterA.Min)
	assert.Equal(t, []int{0, 0}, r.RasterB.Min)
	assert.Equal(t, []int{20, 40}, r.RasterA.Size)
	assert.Equal(t, r.RasterA.Size, r.RasterB.Size)
	assert.Equal(t, 800, r.NumPixels())
	assert.InDeltaSlice(t, []float64{0, 0}, r.OffsetA, 1e-12)
	assert.InDeltaSlice(t, []float64{0, 0}, r.OffsetB, 1e-12)
}

func TestResolveSubpixelTranslation(t *testing.T) {
	tA := transform.NewTranslation([]float64{0.25, 0})
	tB := transform.NewTranslation([]float64{80.6, 0})

	r, err := Resolve([]int{100, 10}, []int{100, 10}, tA, tB)
	require.NoError(t, err)

	// world overlap is [80.6, 100.25)
	assert.InDelta(t, 80.6, r.World.Min[0], 1e-12)
	assert.InDelta(t, 100.25, r.World.Max[0], 1e-12)

	// A local [80.35, 100) -> raster [81, 100), B local [0, 19.65) -> raster [0, 19)
	assert.Equal(t, 81, r.RasterA.Min[0])
	assert.Equal(t, 0, r.RasterB.Min[0])
	assert.Equal(t, 19, r.RasterA.Size[0])
	assert.Equal(t, 19, r.RasterB.Size[0])
	assert.InDelta(t, 0.65, r.OffsetA[0], 1e-9)
	assert.InDelta(t, 0, r.OffsetB[0], 1e-9)

	// the raster box always sits inside the real box
	for d := 0; d < 2; d++ {
		assert.GreaterOrEqual(t, float64(r.RasterA.Min[d]), r.LocalA.Min[d]-1e-9)
		assert.LessOrEqual(t, float64(r.RasterA.Min[d]+r.RasterA.Size[d]), r.LocalA.Max[d]+1e-9)
		assert.GreaterOrEqual(t, float64(r.RasterB.Min[d]), r.LocalB.Min[d]-1e-9)
		assert.LessOrEqual(t, float64(r.RasterB.Min[d]+r.RasterB.Size[d]), r.LocalB.Max[d]+1e-9)
	}
}

func TestResolveNoOverlap(t *testing.T) {
	tA := transform.NewTranslation([]float64{0, 0})
	tB := transform.NewTranslation([]float64{100, 0})

	// touching edges share no area
	_, err := Resolve([]int{100, 100}, []int{100, 100}, tA, tB)
	assert.ErrorIs(t, err, ErrNoOverlap)
	assert.False(t, Overlaps([]int{100, 100}, []int{100, 100}, tA, tB))

	tB = transform.NewTranslation([]float64{50, 200})
	_, err = Resolve([]int{100, 100}, []int{100, 100}, tA, tB)
	assert.ErrorIs(t, err, ErrNoOverlap)
}

func TestResolveThinOverlapHasEmptyRaster(t *testing.T) {
	tA := transform.NewTranslation([]float64{0, 0})
	tB := transform.NewTranslation([]float64{99.5, 0})

	r, err := Resolve([]int{100, 100}, []int{100, 100}, tA, tB)
	require.NoError(t, err)
	assert.Equal(t, 0, r.NumPixels())
}

func TestResolveDimensionMismatch(t *testing.T) {
	_, err := Resolve([]int{10, 10}, []int{10, 10, 1}, transform.Identity(2), transform.Identity(3))
	assert.Error(t, err)
}

func TestResolve3DSingletonAxis(t *testing.T) {
	tA := transform.NewTranslation([]float64{0, 0, 0})
	tB := transform.NewTranslation([]float64{320, 0, 0})

	r, err := Resolve([]int{400, 400, 1}, []int{400, 400, 1}, tA, tB)
	require.NoError(t, err)
	assert.Equal(t, []int{80, 400, 1}, r.RasterA.Size)
	assert.Equal(t, 80*400, r.NumPixels())
}

func TestBoundsAffine(t *testing.T) {
	// 90 degree rotation maps [0,10)x[0,20) to [-20,0)x[0,10)
	rot, err := transform.NewAffine(2, []float64{0, -1, 0, 1, 0, 0})
	require.NoError(t, err)
	b := Bounds([]int{10, 20}, rot)
	assert.InDeltaSlice(t, []float64{-20, 0}, b.Min, 1e-12)
	assert.InDeltaSlice(t, []float64{0, 10}, b.Max, 1e-12)
}
