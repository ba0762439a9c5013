package stitching

import (
	"context"
	"errors"
	"fmt"
	"time"

	slogcontext "github.com/veqryn/slog-context"
	"gonum.org/v1/gonum/stat"

	"tilestitch/internal/models"
	"tilestitch/pkg/globalopt"
	"tilestitch/pkg/pairwise"
	"tilestitch/pkg/transform"
	"tilestitch/pkg/workpool"
)

// Summary holds the run statistics reported after stitching.
type Summary struct {
	// Tiles is the number of tiles in the run
	Tiles int `yaml:"tiles"`

	// Pairs is the number of candidate pairs that were registered
	Pairs int `yaml:"pairs"`

	// PairStatus counts the candidate pairs by outcome
	PairStatus map[string]int `yaml:"pairStatus"`

	// Links is the number of pairwise links produced
	Links int `yaml:"links"`

	// MeanCorrelation is the mean correlation of the produced links
	MeanCorrelation float64 `yaml:"meanCorrelation"`

	// Pruned is the number of links rejected by the global optimizer
	Pruned int `yaml:"pruned"`

	// Disconnected is the number of tiles left at their initial transform
	Disconnected int `yaml:"disconnected"`

	// MeanResidual, StdDevResidual and MaxResidual describe the residuals
	// of the trusted links in world units
	MeanResidual   float64 `yaml:"meanResidual"`
	StdDevResidual float64 `yaml:"stdDevResidual"`
	MaxResidual    float64 `yaml:"maxResidual"`

	// Converged reports whether the global optimizer converged
	Converged bool `yaml:"converged"`

	// Elapsed is the wall time of the run
	Elapsed time.Duration `yaml:"elapsed"`
}

// Params holds the stitching parameters.
type Params struct {
	// NumWorkers is the number of pairs registered concurrently
	NumWorkers int

	// Pairwise holds the pairwise registration parameters
	Pairwise pairwise.Params

	// Global holds the global optimization parameters
	Global globalopt.Params

	// AllPairs registers every pair of tiles instead of only the pairs
	// that overlap under the initial transforms
	AllPairs bool
}

// Input is the tile set to stitch.
type Input struct {
	// Tiles carry the images and initial transforms
	Tiles []models.Tile

	// Fixed lists the tiles pinned during optimization
	Fixed []models.TileID

	// Groups lists tiles registered and optimized as one unit
	Groups []models.TileGroup
}

// Output holds the results of every stage of a run.
type Output struct {
	// Pairwise is the report of the pairwise stage
	Pairwise *pairwise.Report

	// Global is the result of the global optimization, nil when the run
	// stopped before it
	Global *globalopt.Result

	// Transforms maps every tile to its final transform
	Transforms map[models.TileID]transform.Affine
}

// Stitcher runs pairwise registration followed by global optimization.
//
// The process consists of the following steps:
// 1. Selecting candidate pairs from the initial layout
// 2. Registering the pairs concurrently on a worker pool
// 3. Joining the produced links
// 4. Solving for one transform per tile, pruning outlier links
// 5. Computing the run summary
type Stitcher struct {
	// params stores the stitching configuration
	params *Params

	// progress is called after every registered pair
	progress pairwise.ProgressFunc

	// summary stores the statistics of the last run
	summary Summary
}

// NewStitcher creates a new stitcher instance with the provided parameters.
//
// Parameters:
//   - params: Configuration parameters for the stitching process
//
// Returns:
//   - A new Stitcher instance initialized with the provided parameters
func NewStitcher(params *Params) *Stitcher {
	return &Stitcher{params: params}
}

// SetProgressCallback sets a function that is called after every
// registered pair.
func (s *Stitcher) SetProgressCallback(fn pairwise.ProgressFunc) {
	s.progress = fn
}

// Process runs the complete stitching pipeline.
//
// When ctx is cancelled during the pairwise stage the links produced so
// far are returned in the output together with the context error and the
// optimizer is not run. When the optimizer does not converge the output
// holds its best solution and the error is globalopt.ErrSolverFailure.
func (s *Stitcher) Process(ctx context.Context, in Input) (*Output, error) {
	logger := slogcontext.FromCtx(ctx)
	start := time.Now()

	s.summary = Summary{Tiles: len(in.Tiles)}
	defer func() { s.summary.Elapsed = time.Since(start) }()

	if len(in.Tiles) == 0 {
		return nil, fmt.Errorf("no tiles to stitch")
	}

	var pairs [][2]models.TileID
	if !s.params.AllPairs {
		pairs = pairwise.OverlappingPairs(in.Tiles, in.Fixed, in.Groups)
		logger.Info("selected overlapping pairs", "tiles", len(in.Tiles), "pairs", len(pairs))
		// a non-nil empty list means no pairs rather than all pairs
		if pairs == nil {
			pairs = [][2]models.TileID{}
		}
	}

	scheduler := pairwise.NewScheduler(workpool.New(s.params.NumWorkers), s.params.Pairwise)
	scheduler.SetProgressCallback(s.progress)
	report, err := scheduler.ComputePairwiseResults(ctx, in.Tiles, in.Groups, pairs)
	out := &Output{Pairwise: report}
	if report != nil {
		s.summarizePairwise(report)
	}
	if err != nil {
		return out, fmt.Errorf("pairwise registration: %w", err)
	}

	problem := globalopt.Problem{
		Fixed:   in.Fixed,
		Groups:  in.Groups,
		Initial: make(map[models.TileID]transform.Affine, len(in.Tiles)),
		Links:   report.Results,
	}
	for _, t := range in.Tiles {
		problem.Tiles = append(problem.Tiles, t.ID)
		problem.Initial[t.ID] = t.Transform
	}

	result, err := globalopt.Solve(ctx, problem, s.params.Global)
	if result != nil {
		out.Global = result
		out.Transforms = result.Transforms
		s.summarizeGlobal(result)
	}
	if err != nil {
		if errors.Is(err, globalopt.ErrSolverFailure) {
			return out, err
		}
		return out, fmt.Errorf("global optimization: %w", err)
	}
	return out, nil
}

// GetSummary returns the statistics of the last run.
func (s *Stitcher) GetSummary() Summary {
	return s.summary
}

func (s *Stitcher) summarizePairwise(report *pairwise.Report) {
	s.summary.Pairs = len(report.Statuses)
	s.summary.PairStatus = report.Counts()
	s.summary.Links = len(report.Results)
	if len(report.Results) > 0 {
		corr := make([]float64, len(report.Results))
		for i, r := range report.Results {
			corr[i] = r.Correlation
		}
		s.summary.MeanCorrelation = stat.Mean(corr, nil)
	}
}

func (s *Stitcher) summarizeGlobal(result *globalopt.Result) {
	s.summary.Pruned = len(result.Pruned)
	s.summary.Disconnected = len(result.Disconnected)
	s.summary.Converged = result.Converged
	s.summary.MaxResidual = result.MaxResidual
	if len(result.Residuals) > 0 {
		res := make([]float64, len(result.Residuals))
		for i, r := range result.Residuals {
			res[i] = r.Residual
		}
		s.summary.MeanResidual, s.summary.StdDevResidual = stat.PopMeanStdDev(res, nil)
	}
}
