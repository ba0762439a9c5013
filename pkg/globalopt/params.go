package globalopt

import (
	"fmt"

	"tilestitch/pkg/transform"
)

// Params holds the global optimization parameters. A Params value is read
// at call time and never modified by the optimizer.
type Params struct {
	// RelativeThreshold prunes the worst link when its residual exceeds
	// this multiple of the mean residual (and ResidualFloor)
	RelativeThreshold float64 `yaml:"relativeThreshold"`

	// AbsoluteThreshold prunes the worst link when its residual exceeds
	// this many world units
	AbsoluteThreshold float64 `yaml:"absoluteThreshold"`

	// MinCorrelation drops links with a lower correlation before solving
	MinCorrelation float64 `yaml:"minCorrelation"`

	// Model is the transform model fitted per tile
	Model transform.Kind `yaml:"model"`

	// MaxIterations bounds the number of relaxation sweeps per solve
	MaxIterations int `yaml:"maxIterations"`

	// MaxPlateauWidth is the number of sweeps over which the error must
	// keep improving by more than Epsilon for the relaxation to continue.
	// No plateau is declared before that many sweeps have run.
	MaxPlateauWidth int `yaml:"maxPlateauWidth"`

	// Epsilon is the convergence tolerance of the relaxation in world units
	Epsilon float64 `yaml:"epsilon"`

	// ResidualFloor is the residual below which the relative criterion
	// never prunes, so that an (almost) exact solution keeps all links
	ResidualFloor float64 `yaml:"residualFloor"`
}

// DefaultParams returns the default global optimization parameters.
func DefaultParams() Params {
	return Params{
		RelativeThreshold: 2.5,
		AbsoluteThreshold: 3.5,
		MinCorrelation:    0.4,
		Model:             transform.KindTranslation,
		MaxIterations:     2000,
		MaxPlateauWidth:   200,
		Epsilon:           1e-9,
		ResidualFloor:     0.95,
	}
}

// Validate checks the parameters for values that cannot work.
func (p Params) Validate() error {
	if p.RelativeThreshold <= 0 {
		return fmt.Errorf("relativeThreshold must be positive, got %g", p.RelativeThreshold)
	}
	if p.AbsoluteThreshold <= 0 {
		return fmt.Errorf("absoluteThreshold must be positive, got %g", p.AbsoluteThreshold)
	}
	if p.MaxIterations < 1 {
		return fmt.Errorf("maxIterations must be at least 1, got %d", p.MaxIterations)
	}
	if p.MaxPlateauWidth < 1 {
		return fmt.Errorf("maxPlateauWidth must be at least 1, got %d", p.MaxPlateauWidth)
	}
	if p.Epsilon < 0 {
		return fmt.Errorf("epsilon must not be negative, got %g", p.Epsilon)
	}
	switch p.Model {
	case transform.KindTranslation, transform.KindRigid, transform.KindAffine:
	default:
		return fmt.Errorf("unsupported model %v", p.Model)
	}
	return nil
}
