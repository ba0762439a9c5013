// Package pairwise estimates the relative shift of overlapping tiles with
// phase correlation and schedules those estimates over a tile set.
package pairwise

import (
	"context"
	"errors"
	"fmt"
	"math"

	slogcontext "github.com/veqryn/slog-context"

	"tilestitch/internal/models"
	"tilestitch/pkg/overlap"
	"tilestitch/pkg/phasecorr"
	"tilestitch/pkg/transform"
	"tilestitch/pkg/workpool"
)

var (
	// ErrNoOverlap is returned when the transformed tiles do not intersect.
	ErrNoOverlap = overlap.ErrNoOverlap

	// ErrInsufficientOverlap is returned when the raster overlap holds fewer
	// pixels than Params.MinOverlap.
	ErrInsufficientOverlap = errors.New("overlap is smaller than the minimum")

	// ErrDegenerateCorrelation is returned when no correlation peak has a
	// finite score over enough overlap.
	ErrDegenerateCorrelation = errors.New("degenerate cross-correlation")

	// ErrMissingImageData is returned when a tile has no pixel buffer.
	ErrMissingImageData = errors.New("missing image data")

	// ErrUnsupportedMethod is returned when Params selects the Lucas-Kanade
	// estimator.
	ErrUnsupportedMethod = errors.New("lucas-kanade estimation is not supported")

	// ErrDimensionMismatch is returned when the tiles or transforms do not
	// share one dimensionality.
	ErrDimensionMismatch = errors.New("dimensionality mismatch")
)

// Estimate is the outcome of registering one tile pair.
type Estimate struct {
	// Shift is position(B) - position(A) in world units
	Shift []float64

	// Correlation is the cross-correlation of the overlap at Shift
	Correlation float64

	// Overlap is the world-space overlap under the initial transforms
	Overlap models.RealBox

	// OverlapPixels is the size of the raster overlap that was correlated
	OverlapPixels int
}

// EstimateShift registers imgB against imgA, placed in world space by the
// initial transforms tA and tB. The returned shift is valid for the whole
// tiles, not only for the overlapping crops.
//
// When the transforms carry a linear part, overlap and correlation run in
// the pixel frame of the tiles with the translation expressed in pixels,
// and the measured shift is mapped back to world units through the linear
// part of tA.
func EstimateShift(
	ctx context.Context,
	imgA, imgB *models.Image,
	tA, tB transform.Affine,
	params Params,
	pool *workpool.Pool,
) (*Estimate, error) {
	if params.UseLucasKanade {
		return nil, ErrUnsupportedMethod
	}
	if imgA == nil || imgB == nil || imgA.Data == nil || imgB.Data == nil {
		return nil, ErrMissingImageData
	}
	if err := imgA.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingImageData, err)
	}
	if err := imgB.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingImageData, err)
	}

	n := imgA.NumDimensions()
	if imgB.NumDimensions() != n || tA.NumDimensions() != n || tB.NumDimensions() != n {
		return nil, ErrDimensionMismatch
	}

	imgA, imgB = imgA.ZeroMin(), imgB.ZeroMin()

	pixA, linA, err := pixelTranslation(tA)
	if err != nil {
		return nil, err
	}
	pixB, _, err := pixelTranslation(tB)
	if err != nil {
		return nil, err
	}

	region, err := overlap.Resolve(imgA.Dims, imgB.Dims, transform.NewTranslation(pixA), transform.NewTranslation(pixB))
	if err != nil {
		return nil, err
	}

	pixels := region.NumPixels()
	if pixels == 0 || float64(pixels) < params.MinOverlap {
		return nil, fmt.Errorf("%w: %d pixels", ErrInsufficientOverlap, pixels)
	}

	cropA, err := imgA.Crop(region.RasterA.Min, region.RasterA.Size)
	if err != nil {
		return nil, err
	}
	cropB, err := imgB.Crop(region.RasterB.Min, region.RasterB.Size)
	if err != nil {
		return nil, err
	}

	opts := params.correlationOptions(n)
	opts.Pool = pool
	peak, err := phasecorr.Shift(ctx, cropA, cropB, opts)
	if err != nil {
		if errors.Is(err, phasecorr.ErrNoValidPeak) {
			return nil, fmt.Errorf("%w: %v", ErrDegenerateCorrelation, err)
		}
		return nil, err
	}
	if math.IsNaN(peak.Correlation) || math.IsInf(peak.Correlation, 0) {
		return nil, ErrDegenerateCorrelation
	}

	// crop B at u shows what crop A shows at u + s, so
	// pos(B) - pos(A) = (pixB - pixA) + s + offsetA - offsetB
	local := peak.Position()
	pixelShift := make([]float64, n)
	for d := 0; d < n; d++ {
		pixelShift[d] = (pixB[d] - pixA[d]) + local[d] + region.OffsetA[d] - region.OffsetB[d]
	}

	shift := linA.ApplyLinear(pixelShift)

	// with differing linear parts the world boxes may miss each other even
	// though the pixel frames overlapped; the box is then reported empty
	world, _ := overlap.Intersect(overlap.Bounds(imgA.Dims, tA), overlap.Bounds(imgB.Dims, tB))

	slogcontext.FromCtx(ctx).Debug("estimated pairwise shift",
		"shift", shift,
		"correlation", peak.Correlation,
		"overlapPixels", pixels,
	)

	return &Estimate{
		Shift:         shift,
		Correlation:   peak.Correlation,
		Overlap:       world,
		OverlapPixels: pixels,
	}, nil
}

// pixelTranslation splits t = L*x + c into the pixel-space translation
// L^-1*c and the linear part L.
func pixelTranslation(t transform.Affine) ([]float64, transform.Affine, error) {
	if t.IsTranslation() {
		return t.Translation(), transform.Identity(t.NumDimensions()), nil
	}
	lin := t.LinearPart()
	inv, err := lin.Inverse()
	if err != nil {
		return nil, transform.Affine{}, fmt.Errorf("initial transform: %w", err)
	}
	return inv.Apply(t.Translation()), lin, nil
}
