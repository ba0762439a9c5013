package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	slogcontext "github.com/veqryn/slog-context"
	_ "golang.org/x/image/tiff"

	"tilestitch/internal/models"
	"tilestitch/pkg/config"
	"tilestitch/pkg/globalopt"
	"tilestitch/pkg/stitching"
	"tilestitch/pkg/workpool"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stitch the tiles listed in a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if len(cfg.Layout.Tiles) == 0 {
				return fmt.Errorf("configuration %s lists no tiles", path)
			}

			tiles, err := loadTiles(cmd.Context(), cfg, filepath.Dir(path))
			if err != nil {
				return err
			}
			in := stitching.Input{Tiles: tiles, Fixed: cfg.Layout.Fixed, Groups: cfg.Layout.Groups}
			return stitch(cmd, cfg, in, nil)
		},
	}
	cmd.Flags().String("config", "tilestitch.yaml", "path of the configuration file")
	return cmd
}

// loadTiles decodes the tile images of the layout in parallel.
func loadTiles(ctx context.Context, cfg *config.Config, base string) ([]models.Tile, error) {
	specs := cfg.Layout.Tiles
	tiles := make([]models.Tile, len(specs))

	err := workpool.New(cfg.Processing.NumWorkers).Run(ctx, len(specs), func(ctx context.Context, i int) error {
		spec := specs[i]
		t, err := spec.Transform()
		if err != nil {
			return err
		}
		tiles[i] = models.Tile{ID: spec.ID, Transform: t}

		file := spec.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(base, file)
		}
		img, err := imaging.Open(file)
		if err != nil {
			// the pair is skipped as missing image data
			slogcontext.FromCtx(ctx).Warn("could not load tile image", "tile", spec.ID, "file", file, "error", err)
			return nil
		}
		im := models.FromImage(imaging.Grayscale(img))
		if t.NumDimensions() == 3 {
			im.Dims = append(im.Dims, 1)
		}
		tiles[i].Image = im
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading tiles: %w", err)
	}
	return tiles, nil
}

// stitch runs the pipeline and writes the report. When truth is given
// the report also holds every tile's distance to its true position.
func stitch(cmd *cobra.Command, cfg *config.Config, in stitching.Input, truth map[models.TileID][]float64) error {
	out := cmd.OutOrStdout()
	verbose := cfg.Output.Verbose

	stitcher := stitching.NewStitcher(&stitching.Params{
		NumWorkers: cfg.Processing.NumWorkers,
		Pairwise:   cfg.PairwiseParams(),
		Global:     cfg.GlobalParams(),
		AllPairs:   cfg.Layout.Candidates == config.CandidatesAll,
	})
	if verbose {
		stitcher.SetProgressCallback(func(completed, total int, message string) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Registered %d/%d pairs (%s)\n", completed, total, message)
		})
		fmt.Fprintf(cmd.ErrOrStderr(), "Stitching %d tiles...\n", len(in.Tiles))
	}

	result, err := stitcher.Process(cmd.Context(), in)
	if err != nil && !errors.Is(err, globalopt.ErrSolverFailure) {
		return err
	}
	if errors.Is(err, globalopt.ErrSolverFailure) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v, reporting the best solution found\n", err)
	}

	summary := stitcher.GetSummary()
	if verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "\nStitching completed in %.2f seconds\n", summary.Elapsed.Seconds())
		fmt.Fprintf(cmd.ErrOrStderr(), "- Links: %d of %d pairs, mean correlation %.3f\n",
			summary.Links, summary.Pairs, summary.MeanCorrelation)
		fmt.Fprintf(cmd.ErrOrStderr(), "- Pruned links: %d\n", summary.Pruned)
		fmt.Fprintf(cmd.ErrOrStderr(), "- Residuals: mean %.4f, max %.4f\n", summary.MeanResidual, summary.MaxResidual)
		if summary.Disconnected > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "- Disconnected tiles: %d\n", summary.Disconnected)
		}
	}

	rep := buildReport(summary, in.Tiles, result)
	if truth != nil {
		rep.withTruth(truth)
	}
	if cfg.Output.Report != "" {
		if werr := saveReport(cfg.Output.Report, rep); werr != nil {
			return werr
		}
		return err
	}
	if werr := writeReport(out, rep); werr != nil {
		return werr
	}
	return err
}

// saveReport writes the report to path. A failure to close the file is
// reported like a failed write.
func saveReport(path string, r *report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating report: %w", err)
	}
	if err := writeReport(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing report: %w", err)
	}
	return nil
}

func writeReport(w io.Writer, r *report) error {
	enc := newYAMLEncoder(w)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return enc.Close()
}
