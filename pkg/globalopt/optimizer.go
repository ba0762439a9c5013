// Package globalopt turns a graph of pairwise shift estimates into one
// consistent transform per tile.
//
// Each unit (a single tile or a group of tiles moving together) gets a
// correction transform applied on top of its initial transform. Links are
// weighted by their correlation. The solve runs in two rounds: round 1
// repeatedly solves and prunes the worst link while it is an outlier, and
// round 2 solves once more on the trusted links only.
package globalopt

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	slogcontext "github.com/veqryn/slog-context"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tilestitch/internal/models"
	"tilestitch/pkg/transform"
)

// ErrSolverFailure is returned when the relaxation did not converge within
// MaxIterations. The accompanying Result holds the best solution found.
var ErrSolverFailure = errors.New("global optimization did not converge")

// Problem is the input of Solve.
type Problem struct {
	// Tiles lists every tile to solve for
	Tiles []models.TileID

	// Fixed lists the tiles whose transforms are pinned
	Fixed []models.TileID

	// Groups lists tiles that move together
	Groups []models.TileGroup

	// Initial holds the initial transform of every tile
	Initial map[models.TileID]transform.Affine

	// Links are the pairwise results constraining the solution
	Links []models.PairwiseResult
}

// TileStatus describes how a tile's final transform was obtained.
type TileStatus int

const (
	StatusSolved TileStatus = iota
	StatusFixed
	StatusDisconnected
)

func (s TileStatus) String() string {
	switch s {
	case StatusSolved:
		return "solved"
	case StatusFixed:
		return "fixed"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("TileStatus(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s TileStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PruneReason says why a link was excluded from the final solve.
type PruneReason int

const (
	PruneLowCorrelation PruneReason = iota
	PruneResidual
)

func (r PruneReason) String() string {
	switch r {
	case PruneLowCorrelation:
		return "lowCorrelation"
	case PruneResidual:
		return "residual"
	default:
		return fmt.Sprintf("PruneReason(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r PruneReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// PrunedLink is a link removed as an outlier.
type PrunedLink struct {
	Link   models.PairwiseResult
	Reason PruneReason

	// Residual is the link's residual when it was pruned, zero for links
	// pruned by correlation before solving
	Residual float64
}

// LinkResidual is the residual of a trusted link in the final solution.
type LinkResidual struct {
	Link     models.PairwiseResult
	Residual float64
}

// Result is the output of Solve.
type Result struct {
	// Transforms holds the final transform of every tile
	Transforms map[models.TileID]transform.Affine

	// Status holds how each tile's transform was obtained
	Status map[models.TileID]TileStatus

	// Pruned lists the links removed as outliers, in pruning order
	Pruned []PrunedLink

	// Ignored lists links that could not be used at all: unknown tiles,
	// wrong dimensionality, both ends in one unit, or repeated pairs
	Ignored []models.PairwiseResult

	// Disconnected lists the tiles with no path to a fixed tile; they keep
	// their initial transforms
	Disconnected []models.TileID

	// Residuals holds the residual of every trusted link
	Residuals []LinkResidual

	// Rounds counts the solves of round 1 plus the final solve
	Rounds int

	// Iterations is the number of relaxation sweeps of the final solve,
	// zero when the translation system was solved directly
	Iterations int

	// Converged reports whether the final solve converged
	Converged bool

	MeanResidual float64
	MaxResidual  float64
}

// Solve computes the final transform of every tile in p.
//
// Parameters:
//   - ctx: checked between solves and relaxation sweeps; it also carries the logger
//   - p: tiles, constraints and links
//   - params: optimization parameters
//
// Returns:
//   - The result, also when err is ErrSolverFailure
//   - An error for invalid input, cancellation or ErrSolverFailure
func Solve(ctx context.Context, p Problem, params Params) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid global optimization parameters: %w", err)
	}
	logger := slogcontext.FromCtx(ctx)

	ids := models.SortedTileIDs(p.Tiles)
	result := &Result{
		Transforms: make(map[models.TileID]transform.Affine, len(ids)),
		Status:     make(map[models.TileID]TileStatus, len(ids)),
		Converged:  true,
	}
	if len(ids) == 0 {
		return result, nil
	}

	n := 0
	for _, id := range ids {
		t, ok := p.Initial[id]
		if !ok || !t.IsValid() {
			return nil, fmt.Errorf("tile %v has no initial transform", id)
		}
		if n == 0 {
			n = t.NumDimensions()
		} else if t.NumDimensions() != n {
			return nil, fmt.Errorf("tile %v is %dD, expected %dD", id, t.NumDimensions(), n)
		}
	}
	model, err := transform.New(params.Model, n)
	if err != nil {
		return nil, err
	}

	p.Tiles = ids
	g, ignored := buildGraph(p, n)
	result.Ignored = ignored
	if len(ignored) > 0 {
		logger.Debug("ignoring unusable links", "count", len(ignored))
	}

	if !slices.Contains(g.fixed, true) {
		g.fixed[0] = true
		logger.Info("no fixed tile given, pinning the first tile", "tile", g.units[0])
	}

	kept := make([]bool, len(g.links))
	for li, l := range g.links {
		if l.source.Correlation < params.MinCorrelation {
			result.Pruned = append(result.Pruned, PrunedLink{Link: l.source, Reason: PruneLowCorrelation})
			continue
		}
		kept[li] = true
	}

	// round 1
	var sol *solution
	var reach []bool
	for {
		reach = g.reachable(kept, -1)
		sol, err = solve(ctx, g, kept, reach, model, params)
		result.Rounds++
		if err != nil {
			return nil, err
		}

		worst, residual, mean := worstRemovable(g, kept, reach, sol.corrections)
		if worst < 0 {
			break
		}
		if residual > params.AbsoluteThreshold ||
			(residual > params.RelativeThreshold*mean && residual > params.ResidualFloor) {
			kept[worst] = false
			result.Pruned = append(result.Pruned, PrunedLink{
				Link:     g.links[worst].source,
				Reason:   PruneResidual,
				Residual: residual,
			})
			logger.Debug("pruned link", "a", g.links[worst].source.A, "b", g.links[worst].source.B,
				"residual", residual, "mean", mean)
			continue
		}
		break
	}
	logger.Info("round 1 finished",
		"links", len(g.links), "pruned", len(result.Pruned), "solves", result.Rounds)

	// round 2: the last solve above already ran on exactly the trusted links
	result.Rounds++
	result.Iterations = sol.iterations
	result.Converged = sol.converged

	for li, l := range g.links {
		if !kept[li] {
			continue
		}
		result.Residuals = append(result.Residuals, LinkResidual{Link: l.source, Residual: linkResidual(l, sol.corrections)})
	}
	if len(result.Residuals) > 0 {
		values := make([]float64, len(result.Residuals))
		for i, r := range result.Residuals {
			values[i] = r.Residual
		}
		result.MeanResidual = stat.Mean(values, nil)
		result.MaxResidual = floats.Max(values)
	}

	for u, unit := range g.units {
		status := StatusSolved
		switch {
		case g.fixed[u]:
			status = StatusFixed
		case !reach[u]:
			status = StatusDisconnected
		}
		for _, id := range g.members[u] {
			result.Status[id] = status
			if status == StatusDisconnected {
				result.Transforms[id] = p.Initial[id]
				result.Disconnected = append(result.Disconnected, id)
				continue
			}
			result.Transforms[id] = sol.corrections[u].Concatenate(p.Initial[id])
		}
		if status == StatusDisconnected {
			logger.Warn("tile is not connected to any fixed tile, keeping its initial transform",
				"unit", unit, "members", len(g.members[u]))
		}
	}

	logger.Info("round 2 finished",
		"trusted", len(result.Residuals), "meanResidual", result.MeanResidual,
		"maxResidual", result.MaxResidual, "disconnected", len(result.Disconnected))

	if !result.Converged {
		logger.Warn("global optimization did not converge",
			"iterations", result.Iterations, "maxIterations", params.MaxIterations)
		return result, ErrSolverFailure
	}
	return result, nil
}

// solve runs the direct translation solve, followed by relaxation for the
// richer models or when the direct solve fails.
func solve(ctx context.Context, g *graph, kept, reach []bool, model transform.Model, params Params) (*solution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sol, err := solveTranslation(g, kept, reach)
	if err == nil && model.Kind() == transform.KindTranslation {
		return sol, nil
	}
	start := identities(len(g.units), g.n)
	if err == nil {
		start = sol.corrections
	} else {
		slogcontext.FromCtx(ctx).Debug("direct translation solve failed, relaxing instead", "err", err)
	}
	return relax(ctx, g, kept, reach, model, start, params)
}

// worstRemovable returns the kept link with the largest residual whose
// removal leaves every reached unit reachable, its residual, and the mean
// residual over all kept links. It returns -1 when no link can be removed.
func worstRemovable(g *graph, kept, reach []bool, corr []transform.Affine) (int, float64, float64) {
	type scored struct {
		index    int
		residual float64
	}
	var links []scored
	var values []float64
	for li, l := range g.links {
		if !kept[li] {
			continue
		}
		r := linkResidual(l, corr)
		links = append(links, scored{li, r})
		values = append(values, r)
	}
	if len(links) == 0 {
		return -1, 0, 0
	}
	mean := stat.Mean(values, nil)

	slices.SortStableFunc(links, func(x, y scored) int {
		return cmp.Compare(y.residual, x.residual)
	})
	reached := countTrue(reach)
	for _, s := range links {
		if countTrue(g.reachable(kept, s.index)) == reached {
			return s.index, s.residual, mean
		}
	}
	return -1, 0, mean
}
