package globalopt

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestitch/internal/models"
	"tilestitch/pkg/transform"
)

const (
	tileSize = 100.0
	tileStep = 80.0
)

func id(s int) models.TileID { return models.TileID{Setup: s} }

// gridFixture is a cols x rows layout with exact links between horizontal
// and vertical neighbours.
type gridFixture struct {
	problem Problem
	truth   map[models.TileID][]float64
}

func newGrid(cols, rows int) *gridFixture {
	f := &gridFixture{
		problem: Problem{Initial: make(map[models.TileID]transform.Affine)},
		truth:   make(map[models.TileID][]float64),
	}
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			tile := id(row*cols + col)
			nominal := []float64{float64(col) * tileStep, float64(row) * tileStep}
			jitter := 0.05 * float64((col*7+row*3)%5)
			f.problem.Tiles = append(f.problem.Tiles, tile)
			f.problem.Initial[tile] = transform.NewTranslation(nominal)
			f.truth[tile] = []float64{
				nominal[0] + 0.37*float64(col) + 0.1*float64(row) + jitter,
				nominal[1] - 0.2*float64(col) + 0.45*float64(row) - jitter,
			}
		}
	}
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			a := id(row*cols + col)
			if col+1 < cols {
				f.addLink(a, id(row*cols+col+1), 0.9)
			}
			if row+1 < rows {
				f.addLink(a, id((row+1)*cols+col), 0.9)
			}
		}
	}
	f.problem.Fixed = []models.TileID{id(0)}
	return f
}

func (f *gridFixture) addLink(a, b models.TileID, correlation float64) {
	ta, tb := f.truth[a], f.truth[b]
	na, nb := f.problem.Initial[a].Translation(), f.problem.Initial[b].Translation()
	box := models.RealBox{Min: make([]float64, 2), Max: make([]float64, 2)}
	for d := 0; d < 2; d++ {
		box.Min[d] = max(na[d], nb[d])
		box.Max[d] = min(na[d], nb[d]) + tileSize
	}
	f.problem.Links = append(f.problem.Links, models.PairwiseResult{
		A:           a,
		B:           b,
		GroupA:      []models.TileID{a},
		GroupB:      []models.TileID{b},
		Shift:       []float64{tb[0] - ta[0], tb[1] - ta[1]},
		Correlation: correlation,
		Overlap:     box,
	})
}

func (f *gridFixture) link(a, b models.TileID) *models.PairwiseResult {
	for i := range f.problem.Links {
		if f.problem.Links[i].A == a && f.problem.Links[i].B == b {
			return &f.problem.Links[i]
		}
	}
	return nil
}

func assertPositions(t *testing.T, f *gridFixture, result *Result, tol float64) {
	t.Helper()
	for _, tile := range f.problem.Tiles {
		tr, ok := result.Transforms[tile]
		require.True(t, ok, "missing transform for %v", tile)
		assert.InDeltaSlice(t, f.truth[tile], tr.Translation(), tol, "tile %v", tile)
	}
}

func TestSolveRecoversGrid(t *testing.T) {
	f := newGrid(3, 3)

	result, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	assertPositions(t, f, result, 1e-6)
	assert.Empty(t, result.Pruned)
	assert.Empty(t, result.Disconnected)
	assert.Len(t, result.Residuals, 12)
	assert.Less(t, result.MaxResidual, 1e-6)
	assert.True(t, result.Converged)
	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, StatusFixed, result.Status[id(0)])
	assert.Equal(t, StatusSolved, result.Status[id(8)])
}

func TestSolvePrunesOutlier(t *testing.T) {
	f := newGrid(3, 3)
	f.link(id(4), id(5)).Shift[0] += 50

	result, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	require.Len(t, result.Pruned, 1)
	assert.Equal(t, id(4), result.Pruned[0].Link.A)
	assert.Equal(t, id(5), result.Pruned[0].Link.B)
	assert.Equal(t, PruneResidual, result.Pruned[0].Reason)
	assert.Greater(t, result.Pruned[0].Residual, DefaultParams().AbsoluteThreshold)

	assertPositions(t, f, result, 1e-6)
	assert.Len(t, result.Residuals, 11)
}

func TestSolveKeepsBridgeLinks(t *testing.T) {
	f := newGrid(3, 1)
	f.link(id(1), id(2)).Shift[0] += 50

	result, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	// dropping the only link to tile 2 would disconnect it
	assert.Empty(t, result.Pruned)
	assert.InDelta(t, f.truth[id(2)][0]+50, result.Transforms[id(2)].Translation()[0], 1e-6)
}

func TestSolveDisconnectedTile(t *testing.T) {
	f := newGrid(3, 1)
	f.problem.Links = f.problem.Links[:1]

	result, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	assert.Equal(t, []models.TileID{id(2)}, result.Disconnected)
	assert.Equal(t, StatusDisconnected, result.Status[id(2)])
	assert.True(t, result.Transforms[id(2)].EqualApprox(f.problem.Initial[id(2)], 0))
	assert.InDeltaSlice(t, f.truth[id(1)], result.Transforms[id(1)].Translation(), 1e-9)
}

func TestSolveLowCorrelation(t *testing.T) {
	f := newGrid(3, 1)
	f.link(id(1), id(2)).Correlation = 0.2

	result, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	require.Len(t, result.Pruned, 1)
	assert.Equal(t, PruneLowCorrelation, result.Pruned[0].Reason)
	assert.Equal(t, []models.TileID{id(2)}, result.Disconnected)
}

func TestSolvePinsFirstTileByDefault(t *testing.T) {
	f := newGrid(2, 2)
	f.problem.Fixed = nil

	result, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	assert.Equal(t, StatusFixed, result.Status[id(0)])
	assert.True(t, result.Transforms[id(0)].EqualApprox(f.problem.Initial[id(0)], 0))
	assertPositions(t, f, result, 1e-6)
}

func TestSolveFixedTilesStayPut(t *testing.T) {
	f := newGrid(3, 1)
	// tile 2 pinned at its nominal position, which disagrees with the links
	f.problem.Fixed = []models.TileID{id(0), id(2)}

	result, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	for _, tile := range []models.TileID{id(0), id(2)} {
		assert.True(t, result.Transforms[tile].EqualApprox(f.problem.Initial[tile], 0))
		assert.Equal(t, StatusFixed, result.Status[tile])
	}
}

func TestSolveGroups(t *testing.T) {
	f := newGrid(2, 1)
	// a second channel at each position shares its tile's transform
	for _, tile := range []models.TileID{id(0), id(1)} {
		channel := id(10 + tile.Setup)
		f.problem.Tiles = append(f.problem.Tiles, channel)
		f.problem.Initial[channel] = f.problem.Initial[tile]
		f.truth[channel] = f.truth[tile]
	}
	f.problem.Groups = []models.TileGroup{models.NewTileGroup(id(1), id(11))}
	f.problem.Links[0].GroupA = []models.TileID{id(0), id(10)}

	result, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	assertPositions(t, f, result, 1e-9)
	assert.Equal(t, StatusFixed, result.Status[id(10)])
	assert.Equal(t, StatusSolved, result.Status[id(11)])
}

func TestSolveIgnoresUnusableLinks(t *testing.T) {
	f := newGrid(2, 1)
	good := f.problem.Links[0]

	bad := good
	bad.Shift = []float64{good.Shift[0] + 20, good.Shift[1]}
	unknown := good
	unknown.B = id(99)
	unknown.GroupB = []models.TileID{id(99)}
	wrongDims := good
	wrongDims.Shift = []float64{1, 2, 3}
	f.problem.Links = append(f.problem.Links, bad, unknown, wrongDims)

	result, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	assert.Len(t, result.Ignored, 3)
	assertPositions(t, f, result, 1e-9)
}

func TestSolveOrderIndependent(t *testing.T) {
	f := newGrid(4, 3)
	f.link(id(5), id(6)).Shift[1] -= 30

	want, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	// shuffle the links and flip some of them
	rng := rand.New(rand.NewSource(7))
	links := make([]models.PairwiseResult, len(f.problem.Links))
	for i, j := range rng.Perm(len(links)) {
		l := f.problem.Links[j]
		if i%2 == 0 {
			l = models.PairwiseResult{
				A: l.B, B: l.A, GroupA: l.GroupB, GroupB: l.GroupA,
				Shift:       []float64{-l.Shift[0], -l.Shift[1]},
				Correlation: l.Correlation,
				Overlap:     l.Overlap,
			}
		}
		links[i] = l
	}
	f.problem.Links = links

	got, err := Solve(context.Background(), f.problem, DefaultParams())
	require.NoError(t, err)

	for _, tile := range f.problem.Tiles {
		assert.Equal(t, want.Transforms[tile].RowPacked(), got.Transforms[tile].RowPacked(), "tile %v", tile)
	}
	assert.Equal(t, want.Pruned, got.Pruned)
}

func TestSolveRigidAndAffine(t *testing.T) {
	for _, kind := range []transform.Kind{transform.KindRigid, transform.KindAffine} {
		t.Run(kind.String(), func(t *testing.T) {
			f := newGrid(3, 2)
			params := DefaultParams()
			params.Model = kind

			result, err := Solve(context.Background(), f.problem, params)
			require.NoError(t, err)
			assert.True(t, result.Converged)
			assertPositions(t, f, result, 1e-6)
			assert.Less(t, result.MaxResidual, 1e-6)
		})
	}
}

func TestRelaxReportsNonConvergence(t *testing.T) {
	f := newGrid(3, 3)
	g, _ := buildGraph(f.problem, 2)
	g.fixed[0] = true
	kept := make([]bool, len(g.links))
	for i := range kept {
		kept[i] = true
	}
	reach := g.reachable(kept, -1)
	model, err := transform.New(transform.KindTranslation, 2)
	require.NoError(t, err)

	params := DefaultParams()
	params.MaxIterations = 1
	start := identities(len(g.units), 2)
	sol, err := relax(context.Background(), g, kept, reach, model, start, params)
	require.NoError(t, err)
	assert.False(t, sol.converged)
	assert.Equal(t, 1, sol.iterations)
	assert.Less(t, sol.err, meanError(g, kept, start))

	// given enough sweeps the relaxation reaches the direct solution
	params.MaxIterations = 5000
	sol, err = relax(context.Background(), g, kept, reach, model, start, params)
	require.NoError(t, err)
	assert.True(t, sol.converged)
	direct, err := solveTranslation(g, kept, reach)
	require.NoError(t, err)
	for u := range g.units {
		assert.InDeltaSlice(t, direct.corrections[u].Translation(), sol.corrections[u].Translation(), 1e-4)
	}
}

func TestRelaxNeedsFullPlateau(t *testing.T) {
	f := newGrid(3, 3)
	f.link(id(0), id(1)).Shift[0] += 0.5
	g, _ := buildGraph(f.problem, 2)
	g.fixed[0] = true
	kept := make([]bool, len(g.links))
	for i := range kept {
		kept[i] = true
	}
	reach := g.reachable(kept, -1)
	model, err := transform.New(transform.KindTranslation, 2)
	require.NoError(t, err)

	params := DefaultParams()
	params.MaxIterations = 5000
	settled, err := relax(context.Background(), g, kept, reach, model, identities(len(g.units), 2), params)
	require.NoError(t, err)
	require.True(t, settled.converged)
	require.Greater(t, settled.err, params.Epsilon)

	// from a settled start every sweep improves by less than epsilon, but
	// the plateau is only judged once it spans MaxPlateauWidth sweeps
	params.MaxPlateauWidth = 5
	params.MaxIterations = 3
	sol, err := relax(context.Background(), g, kept, reach, model, settled.corrections, params)
	require.NoError(t, err)
	assert.False(t, sol.converged)
	assert.Equal(t, 3, sol.iterations)

	params.MaxIterations = 10
	sol, err = relax(context.Background(), g, kept, reach, model, settled.corrections, params)
	require.NoError(t, err)
	assert.True(t, sol.converged)
	assert.Equal(t, 5, sol.iterations)
}

func TestLinkResidual(t *testing.T) {
	r := models.PairwiseResult{
		Shift:       []float64{83, 4},
		Correlation: 0.9,
		Overlap:     models.RealBox{Min: []float64{80, 0}, Max: []float64{100, 100}},
	}
	l := newLink(r, 0, 1, transform.NewTranslation([]float64{0, 0}), transform.NewTranslation([]float64{80, 0}))

	corr := identities(2, 2)
	assert.InDelta(t, 5, linkResidual(l, corr), 1e-12)

	corr[1] = transform.NewTranslation([]float64{3, 4})
	assert.InDelta(t, 0, linkResidual(l, corr), 1e-12)
}

func TestSolveErrors(t *testing.T) {
	f := newGrid(2, 1)

	params := DefaultParams()
	params.MaxIterations = 0
	_, err := Solve(context.Background(), f.problem, params)
	assert.Error(t, err)

	missing := f.problem
	missing.Initial = map[models.TileID]transform.Affine{id(0): f.problem.Initial[id(0)]}
	_, err = Solve(context.Background(), missing, DefaultParams())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Solve(ctx, f.problem, DefaultParams())
	assert.ErrorIs(t, err, context.Canceled)

	result, err := Solve(context.Background(), Problem{}, DefaultParams())
	require.NoError(t, err)
	assert.Empty(t, result.Transforms)
}
