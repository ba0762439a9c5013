package pairwise

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/kdtree"

	"tilestitch/internal/models"
	"tilestitch/pkg/overlap"
)

// centre is the world-space centre of one tile
type centre struct {
	pos   []float64
	index int
}

// Compare implements the kdtree.Comparable interface
func (c centre) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	return c.pos[d] - o.(centre).pos[d]
}

// Dims returns the number of dimensions for the KD-tree
func (c centre) Dims() int { return len(c.pos) }

// Distance returns the squared Euclidean distance between two centres
func (c centre) Distance(o kdtree.Comparable) float64 {
	q := o.(centre)
	s := 0.0
	for d := range c.pos {
		diff := c.pos[d] - q.pos[d]
		s += diff * diff
	}
	return s
}

// centres is a collection of tile centres that satisfies kdtree.Interface
type centres []centre

func (c centres) Index(i int) kdtree.Comparable         { return c[i] }
func (c centres) Len() int                              { return len(c) }
func (c centres) Slice(start, end int) kdtree.Interface { return c[start:end] }

// Pivot implements the kdtree.Interface method
func (c centres) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(centrePlane{centres: c, Dim: d}, kdtree.MedianOfMedians(centrePlane{centres: c, Dim: d}))
}

// centrePlane implements sort.Interface and kdtree.SortSlicer for centres
type centrePlane struct {
	centres
	kdtree.Dim
}

func (p centrePlane) Less(i, j int) bool {
	return p.centres[i].pos[p.Dim] < p.centres[j].pos[p.Dim]
}

func (p centrePlane) Slice(start, end int) kdtree.SortSlicer {
	return centrePlane{centres: p.centres[start:end], Dim: p.Dim}
}

func (p centrePlane) Swap(i, j int) {
	p.centres[i], p.centres[j] = p.centres[j], p.centres[i]
}

// OverlappingPairs returns the pairs of tiles whose extents under their
// current transforms intersect, as canonical (A < B) id pairs in sorted
// order. Pairs inside one group and pairs of two fixed tiles are skipped
// since no link between them can change the solution. Tiles without image
// data have no known extent and take part in no pair.
//
// Neighbours are found with a KD-tree over the tile centres: two boxes can
// only intersect if their centres are closer than the sum of their half
// diagonals, and every candidate is then checked exactly.
func OverlappingPairs(tiles []models.Tile, fixed []models.TileID, groups []models.TileGroup) [][2]models.TileID {
	var placed []models.Tile
	for _, t := range tiles {
		if t.Image != nil && t.Image.Data != nil {
			placed = append(placed, t)
		}
	}
	tiles = placed
	if len(tiles) < 2 {
		return nil
	}

	groupOf := make(map[models.TileID]int)
	for g, group := range groups {
		for _, id := range group.Members {
			groupOf[id] = g
		}
	}
	isFixed := make(map[models.TileID]bool, len(fixed))
	for _, id := range fixed {
		isFixed[id] = true
	}

	boxes := make([]models.RealBox, len(tiles))
	points := make(centres, len(tiles))
	maxHalfDiagonal := 0.0
	for i, t := range tiles {
		boxes[i] = overlap.Bounds(t.Image.Dims, t.Transform)
		pos := make([]float64, len(boxes[i].Min))
		half := 0.0
		for d := range pos {
			pos[d] = (boxes[i].Min[d] + boxes[i].Max[d]) / 2
			ext := (boxes[i].Max[d] - boxes[i].Min[d]) / 2
			half += ext * ext
		}
		maxHalfDiagonal = math.Max(maxHalfDiagonal, math.Sqrt(half))
		points[i] = centre{pos: pos, index: i}
	}

	tree := kdtree.New(slices.Clone(points), false)
	radius := 2 * maxHalfDiagonal

	var pairs [][2]models.TileID
	for i, p := range points {
		keeper := kdtree.NewDistKeeper(radius * radius)
		tree.NearestSet(keeper, p)

		for _, item := range keeper.Heap {
			// Skip the sentinel value
			if item.Comparable == nil {
				continue
			}
			j := item.Comparable.(centre).index
			if j <= i {
				continue
			}

			a, b := tiles[i].ID, tiles[j].ID
			if isFixed[a] && isFixed[b] {
				continue
			}
			ga, okA := groupOf[a]
			gb, okB := groupOf[b]
			if okA && okB && ga == gb {
				continue
			}
			if _, ok := overlap.Intersect(boxes[i], boxes[j]); !ok {
				continue
			}

			if b.Less(a) {
				a, b = b, a
			}
			pairs = append(pairs, [2]models.TileID{a, b})
		}
	}

	slices.SortFunc(pairs, comparePairs)
	return slices.Compact(pairs)
}

// AllPairs returns every unordered pair of the given ids, canonical and
// sorted.
func AllPairs(ids []models.TileID) [][2]models.TileID {
	sorted := models.SortedTileIDs(ids)
	var pairs [][2]models.TileID
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			pairs = append(pairs, [2]models.TileID{sorted[i], sorted[j]})
		}
	}
	return pairs
}

func comparePairs(x, y [2]models.TileID) int {
	if c := x[0].Compare(y[0]); c != 0 {
		return c
	}
	return x[1].Compare(y[1])
}
