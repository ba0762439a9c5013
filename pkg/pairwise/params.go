package pairwise

import (
	"fmt"
	"runtime"

	"tilestitch/pkg/phasecorr"
)

// Params holds the pairwise stitching parameters. A Params value is read
// at call time and never modified by the registrar.
type Params struct {
	// MinOverlap is the minimum number of pixels the raster overlap (and
	// every candidate shift) must contain
	MinOverlap float64 `yaml:"minOverlap"`

	// PeaksToCheck is the number of phase correlation maxima re-scored
	PeaksToCheck int `yaml:"peaksToCheck"`

	// DoSubpixel refines the shift with a parabola fit through the spatial
	// cross-correlation at the neighbouring integer shifts
	DoSubpixel bool `yaml:"doSubpixel"`

	// InterpolateCrossCorrelation maximizes the spatial cross-correlation
	// over fractional shifts of the spline-interpolated crops. It takes
	// precedence over DoSubpixel.
	InterpolateCrossCorrelation bool `yaml:"interpolateCrossCorrelation"`

	// UseLucasKanade selects the gradient-descent estimator, which this
	// build does not provide
	UseLucasKanade bool `yaml:"useLucasKanade"`

	// Extension is the padding in pixels added to every axis before the FFT
	Extension int `yaml:"extension"`

	// OverlapWeight is the exponent of the overlap fraction in the peak score
	OverlapWeight float64 `yaml:"overlapWeight"`

	// FFTWorkers bounds the goroutines used by the FFTs of one pair. It is
	// configured in the processing section.
	FFTWorkers int `yaml:"-"`
}

// DefaultParams returns the default pairwise parameters.
func DefaultParams() Params {
	return Params{
		MinOverlap:                  0,
		PeaksToCheck:                5,
		DoSubpixel:                  true,
		InterpolateCrossCorrelation: true,
		Extension:                   phasecorr.DefaultExtension,
		FFTWorkers:                  max(1, runtime.NumCPU()/4),
	}
}

// Validate checks the parameters for values that cannot work.
func (p Params) Validate() error {
	if p.PeaksToCheck < 1 {
		return fmt.Errorf("peaksToCheck must be at least 1, got %d", p.PeaksToCheck)
	}
	if p.MinOverlap < 0 {
		return fmt.Errorf("minOverlap must not be negative, got %g", p.MinOverlap)
	}
	if p.Extension < 0 {
		return fmt.Errorf("extension must not be negative, got %d", p.Extension)
	}
	return nil
}

func (p Params) correlationOptions(n int) phasecorr.Options {
	ext := make([]int, n)
	for d := range ext {
		ext[d] = p.Extension
	}
	return phasecorr.Options{
		Extension:                   ext,
		PeaksToCheck:                p.PeaksToCheck,
		MinOverlap:                  p.MinOverlap,
		DoSubpixel:                  p.DoSubpixel,
		InterpolateCrossCorrelation: p.InterpolateCrossCorrelation,
		OverlapWeight:               p.OverlapWeight,
	}
}
