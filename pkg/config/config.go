// Package config provides configuration loading and management for tilestitch.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"tilestitch/internal/models"
	"tilestitch/pkg/globalopt"
	"tilestitch/pkg/pairwise"
	"tilestitch/pkg/transform"
)

// Candidate pair strategies for the layout section.
const (
	CandidatesOverlapping = "overlapping"
	CandidatesAll         = "all"
)

// TileSpec places one tile file in the layout.
type TileSpec struct {
	// ID is the tile identity
	ID models.TileID `yaml:"id"`

	// File is the image path, relative to the configuration file
	File string `yaml:"file"`

	// Position is the initial world position of the tile's first pixel
	Position []float64 `yaml:"position"`

	// Affine is an optional row-packed initial affine transform; it
	// replaces Position when given
	Affine []float64 `yaml:"affine,omitempty"`
}

// Transform returns the initial transform of the tile.
func (t TileSpec) Transform() (transform.Affine, error) {
	switch len(t.Affine) {
	case 0:
	case 6:
		return transform.NewAffine(2, t.Affine)
	case 12:
		return transform.NewAffine(3, t.Affine)
	default:
		return transform.Affine{}, fmt.Errorf("tile %v: affine needs 6 or 12 values, got %d", t.ID, len(t.Affine))
	}
	if len(t.Position) == 0 {
		return transform.Affine{}, fmt.Errorf("tile %v has no position", t.ID)
	}
	return transform.NewTranslation(t.Position), nil
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers is the number of pairs registered concurrently
		NumWorkers int `yaml:"numWorkers"`

		// FFTWorkers is the number of goroutines used by the FFTs of one pair
		FFTWorkers int `yaml:"fftWorkers"`
	} `yaml:"processing"`

	// Pairwise registration parameters
	Pairwise pairwise.Params `yaml:"pairwise"`

	// Global optimization parameters
	GlobalOptimization globalopt.Params `yaml:"globalOptimization"`

	// Layout of the tiles to stitch
	Layout struct {
		// Tiles lists the tile files and their initial positions
		Tiles []TileSpec `yaml:"tiles"`

		// Fixed lists the tiles pinned during optimization
		Fixed []models.TileID `yaml:"fixed,omitempty"`

		// Groups lists tiles registered and optimized as one unit
		Groups []models.TileGroup `yaml:"groups,omitempty"`

		// Candidates selects the pairs to register, "overlapping" or "all"
		Candidates string `yaml:"candidates"`
	} `yaml:"layout"`

	// Output parameters
	Output struct {
		// Report is the path of the YAML report, empty for stdout
		Report string `yaml:"report"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.FFTWorkers = max(1, runtime.NumCPU()/4)

	cfg.Pairwise = pairwise.DefaultParams()
	cfg.GlobalOptimization = globalopt.DefaultParams()

	cfg.Layout.Candidates = CandidatesOverlapping

	// Set default output parameters
	cfg.Output.Verbose = false

	return cfg
}

// PairwiseParams returns the pairwise parameters with the processing
// settings applied.
func (c *Config) PairwiseParams() pairwise.Params {
	p := c.Pairwise
	p.FFTWorkers = c.Processing.FFTWorkers
	return p
}

// GlobalParams returns the global optimization parameters.
func (c *Config) GlobalParams() globalopt.Params {
	return c.GlobalOptimization
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.NumWorkers < 0 {
		errs = append(errs, fmt.Errorf("processing.numWorkers must not be negative, got %d", c.Processing.NumWorkers))
	}
	if c.Processing.FFTWorkers < 0 {
		errs = append(errs, fmt.Errorf("processing.fftWorkers must not be negative, got %d", c.Processing.FFTWorkers))
	}
	if err := c.PairwiseParams().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pairwise: %w", err))
	}
	if err := c.GlobalParams().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("globalOptimization: %w", err))
	}
	switch c.Layout.Candidates {
	case CandidatesOverlapping, CandidatesAll:
	default:
		errs = append(errs, fmt.Errorf("layout.candidates must be %q or %q, got %q",
			CandidatesOverlapping, CandidatesAll, c.Layout.Candidates))
	}
	seen := make(map[models.TileID]bool, len(c.Layout.Tiles))
	for _, t := range c.Layout.Tiles {
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("layout: duplicate tile %v", t.ID))
		}
		seen[t.ID] = true
		if _, err := t.Transform(); err != nil {
			errs = append(errs, fmt.Errorf("layout: tile %v: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
