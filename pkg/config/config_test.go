package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestitch/internal/models"
	"tilestitch/pkg/transform"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Processing.FFTWorkers = 3
	cfg.GlobalOptimization.Model = transform.KindRigid
	cfg.Layout.Tiles = []TileSpec{
		{ID: models.TileID{Setup: 0}, File: "a.tif", Position: []float64{0, 0}},
		{ID: models.TileID{Setup: 1}, File: "b.tif", Position: []float64{320, 0}},
	}
	cfg.Layout.Fixed = []models.TileID{{Setup: 0}}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 3, loaded.PairwiseParams().FFTWorkers)
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
pairwise:
  peaksToCheck: 9
  interpolateCrossCorrelation: true
globalOptimization:
  model: affine
  absoluteThreshold: 5
layout:
  tiles:
    - id: {timepoint: 0, setup: 4}
      file: tile4.tif
      position: [10, 20]
    - id: {setup: 5}
      file: tile5.tif
      affine: [2, 0, 5, 0, 2, 6]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9, cfg.Pairwise.PeaksToCheck)
	assert.True(t, cfg.Pairwise.InterpolateCrossCorrelation)
	// untouched fields keep their defaults
	assert.True(t, cfg.Pairwise.DoSubpixel)
	assert.Equal(t, transform.KindAffine, cfg.GlobalOptimization.Model)
	assert.Equal(t, 5.0, cfg.GlobalOptimization.AbsoluteThreshold)
	assert.Equal(t, 2.5, cfg.GlobalOptimization.RelativeThreshold)

	require.Len(t, cfg.Layout.Tiles, 2)
	tr, err := cfg.Layout.Tiles[0].Transform()
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20}, tr.Translation())

	tr, err = cfg.Layout.Tiles[1].Transform()
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 0, 5, 0, 2, 6}, tr.RowPacked())
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("globalOptimization:\n  model: spline\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pairwise.PeaksToCheck = 0
	cfg.Layout.Candidates = "nearest"
	cfg.Layout.Tiles = []TileSpec{
		{ID: models.TileID{Setup: 1}, Position: []float64{0, 0}},
		{ID: models.TileID{Setup: 1}, Position: []float64{0, 0}},
		{ID: models.TileID{Setup: 2}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peaksToCheck")
	assert.Contains(t, err.Error(), "candidates")
	assert.Contains(t, err.Error(), "duplicate tile")
	assert.Contains(t, err.Error(), "no position")
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tilestitch.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "model: translation")
	assert.Contains(t, string(data), "candidates: overlapping")
	// the pairwise section does not repeat the processing setting
	assert.Equal(t, 1, strings.Count(string(data), "fftWorkers:"))
}
