// Package phasecorr estimates the translation between two equally sized
// images with phase correlation. The phase correlation matrix (PCM) is the
// inverse transform of the normalized cross-power spectrum of the two
// windowed images; its peaks mark likely shifts. Each peak is expanded into
// its periodic aliases, re-scored by the spatial cross-correlation of the
// pixels the shift makes overlap and moved uphill on that correlation to
// the nearest local maximum, so the winner is the most plausible physical
// shift rather than simply the tallest PCM value.
package phasecorr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"tilestitch/internal/models"
	"tilestitch/pkg/workpool"
)

// DefaultExtension is the default number of pixels each axis is extended
// by before the FFT.
const DefaultExtension = 10

// DefaultMinOverlapFraction is the smallest share of the image a candidate
// shift must keep overlapping when Options.MinOverlapFraction is zero.
// Candidates overlapping by a handful of pixels would otherwise reach a
// near perfect correlation by chance.
const DefaultMinOverlapFraction = 0.05

// ErrNoValidPeak is returned when no PCM peak yields a finite correlation
// over at least the minimum overlap.
var ErrNoValidPeak = errors.New("no valid phase correlation peak")

// Options controls a phase correlation run.
type Options struct {
	// Extension is the padding added to each axis before the FFT. A nil
	// slice uses DefaultExtension on every axis.
	Extension []int

	// PeaksToCheck is the number of PCM maxima that are re-scored
	PeaksToCheck int

	// MinOverlap is the minimum number of overlapping pixels a candidate
	// shift must leave between the two images
	MinOverlap float64

	// MinOverlapFraction is the minimum overlap of a candidate as a share of
	// the image size; zero selects DefaultMinOverlapFraction
	MinOverlapFraction float64

	// DoSubpixel refines the winning shift with a parabola fit through the
	// spatial cross-correlation at its integer neighbours
	DoSubpixel bool

	// InterpolateCrossCorrelation refines the winning shift by maximizing
	// the spatial cross-correlation over fractional shifts of the
	// spline-interpolated crops. It is more accurate than the parabola fit
	// and takes precedence when both are set.
	InterpolateCrossCorrelation bool

	// OverlapWeight is the exponent applied to the overlap fraction of a
	// candidate when ranking: score = r * (pixels/maxPixels)^OverlapWeight.
	// Zero ranks by correlation alone.
	OverlapWeight float64

	// Pool spreads the FFT lines over workers; nil runs them serially
	Pool *workpool.Pool
}

// Peak is the selected shift.
type Peak struct {
	// Shift is the integer shift s such that b(x) matches a(x + s)
	Shift []int

	// Subpixel is Shift plus the fitted fractional offset, nil when no
	// refinement was requested
	Subpixel []float64

	// PCMValue is the height of the PCM at the peak
	PCMValue float64

	// Correlation is the Pearson correlation of the overlapping pixels at Shift
	Correlation float64

	// Score is the value used for ranking the candidates
	Score float64

	// OverlapPixels is the number of pixels compared at Shift
	OverlapPixels int
}

// Position returns the refined shift if available, otherwise the integer
// shift, as floating point values.
func (p *Peak) Position() []float64 {
	if p.Subpixel != nil {
		return slices.Clone(p.Subpixel)
	}
	out := make([]float64, len(p.Shift))
	for d, s := range p.Shift {
		out[d] = float64(s)
	}
	return out
}

// Shift runs the phase correlation of a and b and returns the best peak.
func Shift(ctx context.Context, a, b *models.Image, opts Options) (*Peak, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("first image: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("second image: %w", err)
	}
	a, b = a.ZeroMin(), b.ZeroMin()

	ext := opts.Extension
	if ext == nil {
		ext = make([]int, a.NumDimensions())
		for d := range ext {
			ext[d] = DefaultExtension
		}
	}

	pcm, err := CalculatePCM(ctx, a, b, ext, opts.Pool)
	if err != nil {
		return nil, err
	}

	return selectPeak(a, b, pcm, opts)
}

// selectPeak re-scores the top PCM maxima against the images and refines
// the winner.
func selectPeak(a, b, pcm *models.Image, opts Options) (*Peak, error) {
	k := max(opts.PeaksToCheck, 1)
	maxPixels := a.Len()

	frac := opts.MinOverlapFraction
	if frac <= 0 {
		frac = DefaultMinOverlapFraction
	}
	minPixels := math.Max(opts.MinOverlap, frac*float64(maxPixels))

	sc := newScorer(a, b, minPixels, opts.OverlapWeight)
	var best *Peak
	for _, lp := range findLocalMaxima(pcm, k) {
		for _, shift := range candidateShifts(lp.pos, pcm.Dims) {
			c, ok := sc.climb(shift)
			if !ok {
				continue
			}
			if best != nil && c.score <= best.Score {
				continue
			}
			best = &Peak{
				Shift:         c.shift,
				PCMValue:      pcmAt(pcm, c.shift),
				Correlation:   c.r,
				Score:         c.score,
				OverlapPixels: c.count,
			}
		}
	}

	if best == nil {
		return nil, ErrNoValidPeak
	}

	var offset []float64
	switch {
	case opts.InterpolateCrossCorrelation:
		offset = refineCorrelation(a, b, best.Shift, minPixels)
	case opts.DoSubpixel:
		offset = correlationParabola(a, b, best.Shift, minPixels)
	}
	if offset != nil {
		best.Subpixel = make([]float64, len(best.Shift))
		for d, s := range best.Shift {
			best.Subpixel[d] = float64(s) + offset[d]
		}
	}
	return best, nil
}

// pcmAt returns the PCM value the integer shift maps to.
func pcmAt(pcm *models.Image, shift []int) float64 {
	pos := make([]int, len(shift))
	for d, s := range shift {
		size := pcm.Dims[d]
		pos[d] = ((s % size) + size) % size
	}
	return pcm.At(pos...)
}
