package globalopt

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"tilestitch/pkg/transform"
)

// errNotPositiveDefinite reports a translation system that Cholesky could
// not factorize.
var errNotPositiveDefinite = errors.New("link system is not positive definite")

// solution holds one correction transform per unit, mapping initial world
// coordinates to optimized world coordinates.
type solution struct {
	corrections []transform.Affine
	iterations  int
	converged   bool
	err         float64
}

func identities(units, n int) []transform.Affine {
	out := make([]transform.Affine, units)
	for u := range out {
		out[u] = transform.Identity(n)
	}
	return out
}

// solveTranslation solves the weighted least-squares translation problem
// directly. Fixed units stay at zero and every reached free unit becomes
// one unknown; the normal equations form a weighted graph Laplacian that
// is symmetric positive definite once every component holds a fixed unit.
// One Cholesky factorization serves all axes.
func solveTranslation(g *graph, kept, reach []bool) (*solution, error) {
	index := make([]int, len(g.units))
	free := 0
	for u := range g.units {
		index[u] = -1
		if reach[u] && !g.fixed[u] {
			index[u] = free
			free++
		}
	}

	sol := &solution{corrections: identities(len(g.units), g.n), converged: true}
	if free == 0 {
		return sol, nil
	}

	lap := mat.NewSymDense(free, nil)
	rhs := mat.NewDense(free, g.n, nil)
	for li, l := range g.links {
		if !kept[li] {
			continue
		}
		ia, ib := index[l.a], index[l.b]
		w := l.weight
		// minimize w * |x_b - x_a - d|^2
		if ia >= 0 {
			lap.SetSym(ia, ia, lap.At(ia, ia)+w)
			for k := 0; k < g.n; k++ {
				rhs.Set(ia, k, rhs.At(ia, k)-w*l.d[k])
			}
		}
		if ib >= 0 {
			lap.SetSym(ib, ib, lap.At(ib, ib)+w)
			for k := 0; k < g.n; k++ {
				rhs.Set(ib, k, rhs.At(ib, k)+w*l.d[k])
			}
		}
		if ia >= 0 && ib >= 0 {
			lap.SetSym(ia, ib, lap.At(ia, ib)-w)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(lap); !ok {
		return nil, errNotPositiveDefinite
	}
	var x mat.Dense
	if err := chol.SolveTo(&x, rhs); err != nil {
		return nil, err
	}

	for u, i := range index {
		if i < 0 {
			continue
		}
		t := make([]float64, g.n)
		for k := range t {
			t[k] = x.At(i, k)
		}
		sol.corrections[u] = transform.NewTranslation(t)
	}
	sol.err = meanError(g, kept, sol.corrections)
	return sol, nil
}

// relax refines the corrections by Gauss-Seidel sweeps: every reached free
// unit in turn is fitted to the current positions of its neighbours. It
// stops once the mean error improved by no more than epsilon over the
// last plateau sweeps, or after maxIterations sweeps. The plateau test
// needs at least MaxPlateauWidth sweeps of history.
func relax(ctx context.Context, g *graph, kept, reach []bool, model transform.Model, start []transform.Affine, params Params) (*solution, error) {
	corr := append([]transform.Affine(nil), start...)
	sol := &solution{corrections: corr}

	history := []float64{meanError(g, kept, corr)}
	for it := 1; it <= params.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			sol.err = history[len(history)-1]
			return sol, err
		}

		for u := range g.units {
			if g.fixed[u] || !reach[u] {
				continue
			}
			var matches []transform.PointMatch
			for _, li := range g.incident(u, kept) {
				l := g.links[li]
				for i := range l.pA {
					if l.a == u {
						matches = append(matches, transform.PointMatch{P: l.pA[i], Q: corr[l.b].Apply(l.pB[i]), Weight: l.weight})
					} else {
						matches = append(matches, transform.PointMatch{P: l.pB[i], Q: corr[l.a].Apply(l.pA[i]), Weight: l.weight})
					}
				}
			}
			fit, err := model.Fit(matches)
			if err != nil || !isFinite([]transform.Affine{fit}) {
				// too few constraints for this model, keep the previous estimate
				continue
			}
			corr[u] = fit
		}

		e := meanError(g, kept, corr)
		history = append(history, e)
		sol.iterations = it

		plateau := it >= params.MaxPlateauWidth && history[it-params.MaxPlateauWidth]-e <= params.Epsilon
		if e <= params.Epsilon || plateau {
			sol.converged = true
			break
		}
	}
	sol.err = history[len(history)-1]
	return sol, nil
}

// linkResidual is the mean distance between the two sides of a link under
// the given corrections.
func linkResidual(l link, corr []transform.Affine) float64 {
	matches := make([]transform.PointMatch, len(l.pA))
	for i := range l.pA {
		matches[i] = transform.PointMatch{P: l.pA[i], Q: corr[l.b].Apply(l.pB[i]), Weight: 1}
	}
	return transform.MeanError(corr[l.a], matches)
}

// meanError is the weighted mean residual over the kept links.
func meanError(g *graph, kept []bool, corr []transform.Affine) float64 {
	sum, w := 0.0, 0.0
	for li, l := range g.links {
		if !kept[li] {
			continue
		}
		sum += l.weight * linkResidual(l, corr)
		w += l.weight
	}
	if w == 0 {
		return 0
	}
	return sum / w
}

// isFinite reports whether every correction has finite entries.
func isFinite(corr []transform.Affine) bool {
	for _, c := range corr {
		for _, v := range c.RowPacked() {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
