package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"tilestitch/internal/models"
	"tilestitch/internal/simulate"
	"tilestitch/pkg/config"
	"tilestitch/pkg/stitching"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Stitch a synthetic tile grid with known ground truth",
		Long: `simulate renders a grid of tiles from a smooth random scene. Every column
is offset from the nominal grid by --shift pixels along x and every row by
--row-shift pixels along y. Without --out the grid is stitched in memory and
the report lists each tile's distance to its true position. With --out the
tiles are written as TIFF files next to a configuration file for "run".`,
		RunE: runSimulate,
	}
	f := cmd.Flags()
	f.Int("cols", 3, "number of grid columns")
	f.Int("rows", 1, "number of grid rows")
	f.Int("size", 400, "tile width and height in pixels")
	f.Float64("overlap", 0.2, "nominal overlap as a fraction of the tile size")
	f.Float64("shift", 0.37, "offset from the nominal grid per column, in pixels")
	f.Float64("row-shift", 0, "offset from the nominal grid per row, in pixels")
	f.Float64("jitter", 0, "half width of a random offset added to every tile")
	f.Float64("noise", 0, "standard deviation of the pixel noise")
	f.Int64("seed", 1, "random seed of the scene")
	f.String("config", "", "configuration file with the stitching parameters")
	f.String("out", "", "directory to write the tiles and configuration to")
	return cmd
}

func runSimulate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	grid := simulate.DefaultGridConfig()
	size, _ := f.GetInt("size")
	shift, _ := f.GetFloat64("shift")
	rowShift, _ := f.GetFloat64("row-shift")
	grid.Cols, _ = f.GetInt("cols")
	grid.Rows, _ = f.GetInt("rows")
	grid.Overlap, _ = f.GetFloat64("overlap")
	grid.Jitter, _ = f.GetFloat64("jitter")
	grid.Noise, _ = f.GetFloat64("noise")
	grid.Seed, _ = f.GetInt64("seed")
	grid.TileSize = []int{size, size}
	grid.ColumnDrift = []float64{shift, 0}
	grid.RowDrift = []float64{0, rowShift}

	scene, err := simulate.Grid(grid)
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	if path, _ := f.GetString("config"); path != "" {
		if cfg, err = config.LoadConfig(path); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if dir, _ := f.GetString("out"); dir != "" {
		return writeScene(cmd, scene, cfg, dir)
	}

	in := stitching.Input{Tiles: scene.Tiles, Fixed: []models.TileID{scene.Tiles[0].ID}}
	return stitch(cmd, cfg, in, scene.Truth)
}

// writeScene saves the tiles as TIFF files and a configuration whose
// layout places them at their nominal positions.
func writeScene(cmd *cobra.Command, scene *simulate.Scene, cfg *config.Config, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	cfg.Layout.Tiles = nil
	cfg.Layout.Fixed = []models.TileID{scene.Tiles[0].ID}
	for _, tile := range scene.Tiles {
		img, err := tile.Image.ToGray16()
		if err != nil {
			return err
		}
		name := fmt.Sprintf("tile_t%d_s%03d.tif", tile.ID.Timepoint, tile.ID.Setup)
		if err := imaging.Save(img, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("error saving tile %v: %w", tile.ID, err)
		}
		cfg.Layout.Tiles = append(cfg.Layout.Tiles, config.TileSpec{
			ID:       tile.ID,
			File:     name,
			Position: tile.Transform.Translation(),
		})
	}

	path := filepath.Join(dir, "tilestitch.yaml")
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}

	truth := make(map[string][]float64, len(scene.Truth))
	for id, pos := range scene.Truth {
		truth[id.String()] = pos
	}
	tf, err := os.Create(filepath.Join(dir, "truth.yaml"))
	if err != nil {
		return fmt.Errorf("error writing ground truth: %w", err)
	}
	defer tf.Close()
	enc := newYAMLEncoder(tf)
	if err := enc.Encode(truth); err != nil {
		return fmt.Errorf("error writing ground truth: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d tiles and %s\n", len(scene.Tiles), path)
	fmt.Fprintf(cmd.OutOrStdout(), "Stitch them with: tilestitch run --config %s\n", path)
	return nil
}
