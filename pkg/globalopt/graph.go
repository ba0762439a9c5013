package globalopt

import (
	"slices"

	"tilestitch/internal/models"
	"tilestitch/pkg/transform"
)

// unionFind merges tile ids into units. The root of every set is its
// smallest id.
type unionFind struct {
	parent map[models.TileID]models.TileID
}

func newUnionFind(ids []models.TileID) *unionFind {
	uf := &unionFind{parent: make(map[models.TileID]models.TileID, len(ids))}
	for _, id := range ids {
		uf.parent[id] = id
	}
	return uf
}

func (uf *unionFind) find(id models.TileID) models.TileID {
	root := id
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	for uf.parent[id] != root {
		next := uf.parent[id]
		uf.parent[id] = root
		id = next
	}
	return root
}

func (uf *unionFind) union(a, b models.TileID) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if rb.Less(ra) {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
}

// link is a constraint between two units, prepared for solving. Every
// corner of the overlap gives one pair of points pA, pB in initial world
// coordinates that must map to the same place: C_a(pA[i]) = C_b(pB[i]).
type link struct {
	source models.PairwiseResult
	a, b   int
	pA, pB [][]float64
	weight float64

	// d is the translation of unit b relative to unit a implied by the link
	d []float64
}

// graph is the explicit edge list plus the adjacency index over units.
type graph struct {
	n       int
	units   []models.TileID
	unitOf  map[models.TileID]int
	members [][]models.TileID
	fixed   []bool
	links   []link
	adj     [][]int
}

// incident returns the indices of the kept links touching unit u.
func (g *graph) incident(u int, kept []bool) []int {
	var out []int
	for _, li := range g.adj[u] {
		if kept[li] {
			out = append(out, li)
		}
	}
	return out
}

// reachable marks every unit connected to a fixed unit through kept
// links, ignoring the link skip (pass -1 to ignore none).
func (g *graph) reachable(kept []bool, skip int) []bool {
	seen := make([]bool, len(g.units))
	var queue []int
	for u, f := range g.fixed {
		if f {
			seen[u] = true
			queue = append(queue, u)
		}
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, li := range g.adj[u] {
			if !kept[li] || li == skip {
				continue
			}
			l := g.links[li]
			v := l.a
			if v == u {
				v = l.b
			}
			if !seen[v] {
				seen[v] = true
				queue = append(queue, v)
			}
		}
	}
	return seen
}

func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

// newLink converts a pairwise result into matching point pairs. The points
// are the corners of the overlap box (or of a unit box at A's origin when
// no overlap is known) and their counterparts displaced by the deviation
// of the measured shift from the initial offset.
func newLink(r models.PairwiseResult, a, b int, initA, initB transform.Affine) link {
	n := len(r.Shift)

	// d = s - (tB - tA): how far B must move relative to A
	tA, tB := initA.Translation(), initB.Translation()
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = r.Shift[i] - (tB[i] - tA[i])
	}

	box := r.Overlap
	if box.Empty() || box.NumDimensions() != n {
		origin := initA.Apply(make([]float64, n))
		box = models.RealBox{Min: origin, Max: make([]float64, n)}
		for i := range box.Max {
			box.Max[i] = origin[i] + 1
		}
	}

	l := link{source: r, a: a, b: b, d: d, weight: linkWeight(r.Correlation)}
	for _, c := range box.Corners() {
		pb := make([]float64, n)
		for i := range pb {
			pb[i] = c[i] - d[i]
		}
		l.pA = append(l.pA, c)
		l.pB = append(l.pB, pb)
	}
	return l
}

// linkWeight keeps weights positive so that low but accepted correlations
// still constrain the solution.
func linkWeight(correlation float64) float64 {
	return max(correlation, 1e-6)
}

// buildGraph forms units from groups and link endpoint sets, and prepares
// the links. Links inside one unit, links naming unknown tiles and
// repeated links between the same units (after the first in canonical
// order) are returned as ignored.
func buildGraph(p Problem, n int) (*graph, []models.PairwiseResult) {
	ids := models.SortedTileIDs(p.Tiles)
	known := make(map[models.TileID]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	uf := newUnionFind(ids)
	for _, g := range p.Groups {
		for _, id := range g.Members[min(1, len(g.Members)):] {
			if known[id] && known[g.Members[0]] {
				uf.union(g.Members[0], id)
			}
		}
	}

	links := make([]models.PairwiseResult, 0, len(p.Links))
	for _, r := range p.Links {
		links = append(links, r.Canonical())
	}
	slices.SortStableFunc(links, func(x, y models.PairwiseResult) int {
		if c := x.A.Compare(y.A); c != 0 {
			return c
		}
		return x.B.Compare(y.B)
	})

	var ignored []models.PairwiseResult
	valid := links[:0]
	for _, r := range links {
		ok := known[r.A] && known[r.B] && len(r.Shift) == n
		for _, id := range append(slices.Clone(r.GroupA), r.GroupB...) {
			ok = ok && known[id]
		}
		if !ok {
			ignored = append(ignored, r)
			continue
		}
		for _, set := range [][]models.TileID{r.GroupA, r.GroupB} {
			for _, id := range set[min(1, len(set)):] {
				uf.union(set[0], id)
			}
		}
		valid = append(valid, r)
	}

	g := &graph{n: n, unitOf: make(map[models.TileID]int)}
	for _, id := range ids {
		if uf.find(id) == id {
			g.unitOf[id] = len(g.units)
			g.units = append(g.units, id)
			g.members = append(g.members, nil)
		}
	}
	for _, id := range ids {
		u := g.unitOf[uf.find(id)]
		g.unitOf[id] = u
		g.members[u] = append(g.members[u], id)
	}

	g.fixed = make([]bool, len(g.units))
	for _, id := range p.Fixed {
		if u, ok := g.unitOf[id]; ok {
			g.fixed[u] = true
		}
	}

	g.adj = make([][]int, len(g.units))
	seen := make(map[[2]int]bool)
	for _, r := range valid {
		a, b := g.unitOf[r.A], g.unitOf[r.B]
		if a == b {
			ignored = append(ignored, r)
			continue
		}
		key := [2]int{min(a, b), max(a, b)}
		if seen[key] {
			ignored = append(ignored, r)
			continue
		}
		seen[key] = true

		li := len(g.links)
		g.links = append(g.links, newLink(r, a, b, p.Initial[r.A], p.Initial[r.B]))
		g.adj[a] = append(g.adj[a], li)
		g.adj[b] = append(g.adj[b], li)
	}
	return g, ignored
}
