// Package simulate renders synthetic tile grids with known ground-truth
// positions. The underlying scene is a smooth field of Gaussian blobs that
// can be sampled at any real-valued position, so tiles shifted by a
// fraction of a pixel show exactly the shifted content.
package simulate

import (
	"fmt"
	"math"
	"math/rand"

	"tilestitch/internal/models"
	"tilestitch/pkg/transform"
)

// GridConfig describes a rectangular grid of tiles.
type GridConfig struct {
	// Cols and Rows is the grid layout along axes 0 and 1
	Cols, Rows int

	// TileSize is the size of every tile. Its length sets the dimensionality.
	TileSize []int

	// Overlap is the nominal overlap between neighbours as a fraction of the tile size
	Overlap float64

	// ColumnDrift is added to the true position once per column step, so
	// neighbours are offset from the nominal grid by a known amount
	ColumnDrift []float64

	// RowDrift is added to the true position once per row step
	RowDrift []float64

	// Jitter is the half width of a uniform random offset added to every
	// true position
	Jitter float64

	// Noise is the standard deviation of additive Gaussian pixel noise
	Noise float64

	// BlobDensity is the number of blobs per pixel of scene area
	BlobDensity float64

	// Seed makes the scene reproducible
	Seed int64
}

// DefaultGridConfig returns a 3x1 grid of 400x400 tiles with 20% overlap.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		Cols:        3,
		Rows:        1,
		TileSize:    []int{400, 400},
		Overlap:     0.2,
		BlobDensity: 1.0 / 250,
		Seed:        1,
	}
}

// Scene is a rendered grid.
type Scene struct {
	// Tiles carry the rendered images and the nominal (initial) transforms
	Tiles []models.Tile

	// Truth holds the true world position of every tile
	Truth map[models.TileID][]float64

	// Field is the blob field the tiles were sampled from
	Field *Field
}

// TileIDs returns the ids of the scene's tiles in order.
func (s *Scene) TileIDs() []models.TileID {
	ids := make([]models.TileID, len(s.Tiles))
	for i, t := range s.Tiles {
		ids[i] = t.ID
	}
	return ids
}

// TrueShift returns pos(b) - pos(a).
func (s *Scene) TrueShift(a, b models.TileID) []float64 {
	pa, pb := s.Truth[a], s.Truth[b]
	out := make([]float64, len(pa))
	for d := range out {
		out[d] = pb[d] - pa[d]
	}
	return out
}

// Grid renders the tiles described by cfg. Tile ids are (0, row*Cols+col).
func Grid(cfg GridConfig) (*Scene, error) {
	n := len(cfg.TileSize)
	if n < 2 || n > 3 {
		return nil, fmt.Errorf("tile size must be 2D or 3D, got %v", cfg.TileSize)
	}
	if cfg.Cols < 1 || cfg.Rows < 1 {
		return nil, fmt.Errorf("grid must have at least one row and column")
	}
	if cfg.Overlap < 0 || cfg.Overlap >= 1 {
		return nil, fmt.Errorf("overlap fraction %.2f out of range [0, 1)", cfg.Overlap)
	}
	if cfg.BlobDensity <= 0 {
		cfg.BlobDensity = DefaultGridConfig().BlobDensity
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	step := make([]float64, n)
	for d := range step {
		step[d] = math.Round(float64(cfg.TileSize[d]) * (1 - cfg.Overlap))
	}

	type placed struct {
		id      models.TileID
		nominal []float64
		truth   []float64
	}
	var tiles []placed
	lo := make([]float64, n)
	hi := make([]float64, n)
	for d := range lo {
		lo[d] = math.Inf(1)
		hi[d] = math.Inf(-1)
	}

	for row := 0; row < cfg.Rows; row++ {
		for col := 0; col < cfg.Cols; col++ {
			nominal := make([]float64, n)
			nominal[0] = float64(col) * step[0]
			nominal[1] = float64(row) * step[1]

			truth := append([]float64(nil), nominal...)
			for d := 0; d < n; d++ {
				if d < len(cfg.ColumnDrift) {
					truth[d] += float64(col) * cfg.ColumnDrift[d]
				}
				if d < len(cfg.RowDrift) {
					truth[d] += float64(row) * cfg.RowDrift[d]
				}
				if cfg.Jitter > 0 {
					truth[d] += (2*rng.Float64() - 1) * cfg.Jitter
				}
				lo[d] = math.Min(lo[d], truth[d])
				hi[d] = math.Max(hi[d], truth[d]+float64(cfg.TileSize[d]))
			}

			tiles = append(tiles, placed{
				id:      models.TileID{Timepoint: 0, Setup: row*cfg.Cols + col},
				nominal: nominal,
				truth:   truth,
			})
		}
	}

	field := NewField(lo, hi, cfg.BlobDensity, rng)

	scene := &Scene{Truth: make(map[models.TileID][]float64, len(tiles)), Field: field}
	for _, p := range tiles {
		im := field.Render(cfg.TileSize, p.truth)
		if cfg.Noise > 0 {
			for i := range im.Data {
				im.Data[i] += rng.NormFloat64() * cfg.Noise
			}
		}
		scene.Tiles = append(scene.Tiles, models.Tile{
			ID:        p.id,
			Image:     im,
			Transform: transform.NewTranslation(p.nominal),
		})
		scene.Truth[p.id] = p.truth
	}
	return scene, nil
}

type blob struct {
	center    []float64
	sigma     float64
	amplitude float64
}

// Field is a sum of isotropic Gaussian blobs.
type Field struct {
	blobs []blob
}

// NewField scatters blobs over the box [lo, hi) enlarged by a margin so
// that tiles see no empty border. Singleton-thin axes get blobs centred in
// their slab.
func NewField(lo, hi []float64, density float64, rng *rand.Rand) *Field {
	const margin = 32.0
	n := len(lo)

	area := 1.0
	for d := 0; d < 2; d++ {
		area *= hi[d] - lo[d] + 2*margin
	}
	count := int(math.Ceil(area * density))

	f := &Field{blobs: make([]blob, 0, count)}
	for i := 0; i < count; i++ {
		c := make([]float64, n)
		for d := 0; d < n; d++ {
			if hi[d]-lo[d] <= 1 {
				c[d] = lo[d] + (2*rng.Float64()-1)*2
				continue
			}
			c[d] = lo[d] - margin + rng.Float64()*(hi[d]-lo[d]+2*margin)
		}
		f.blobs = append(f.blobs, blob{
			center:    c,
			sigma:     3 + 5*rng.Float64(),
			amplitude: 0.5 + rng.Float64(),
		})
	}
	return f
}

// Render samples the field on a tile of the given size whose pixel u sits
// at world position origin + u.
func (f *Field) Render(dims []int, origin []float64) *models.Image {
	im := models.NewImage(dims...)
	n := len(dims)
	strides := im.Strides()

	lo := make([]int, n)
	hi := make([]int, n)
	pos := make([]int, n)
	for _, b := range f.blobs {
		reach := 4 * b.sigma
		empty := false
		for d := 0; d < n; d++ {
			local := b.center[d] - origin[d]
			lo[d] = max(0, int(math.Ceil(local-reach)))
			hi[d] = min(dims[d], int(math.Floor(local+reach))+1)
			if lo[d] >= hi[d] {
				empty = true
				break
			}
		}
		if empty {
			continue
		}

		inv := 1 / (2 * b.sigma * b.sigma)
		copy(pos, lo)
		for {
			r2 := 0.0
			idx := 0
			for d := 0; d < n; d++ {
				diff := origin[d] + float64(pos[d]) - b.center[d]
				r2 += diff * diff
				idx += pos[d] * strides[d]
			}
			im.Data[idx] += b.amplitude * math.Exp(-r2*inv)

			d := 0
			for ; d < n; d++ {
				pos[d]++
				if pos[d] < hi[d] {
					break
				}
				pos[d] = lo[d]
			}
			if d == n {
				break
			}
		}
	}
	return im
}
