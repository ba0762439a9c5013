package main

import (
	"io"

	"gopkg.in/yaml.v3"

	"tilestitch/internal/models"
	"tilestitch/pkg/stitching"
	"tilestitch/pkg/transform"
)

type report struct {
	Summary stitching.Summary `yaml:"summary"`
	Tiles   []tileReport      `yaml:"tiles"`
	Links   []linkReport      `yaml:"links"`
	Pruned  []prunedReport    `yaml:"pruned,omitempty"`
}

type tileReport struct {
	ID       models.TileID `yaml:"id"`
	Status   string        `yaml:"status"`
	Position []float64     `yaml:"position"`

	// Affine is the row-packed final transform
	Affine []float64 `yaml:"affine,flow"`

	// Error is the distance to the true position, only known for simulated tiles
	Error *float64 `yaml:"error,omitempty"`
}

type linkReport struct {
	A           models.TileID `yaml:"a"`
	B           models.TileID `yaml:"b"`
	Shift       []float64     `yaml:"shift,flow"`
	Correlation float64       `yaml:"correlation"`
	Residual    float64       `yaml:"residual"`
}

type prunedReport struct {
	A        models.TileID `yaml:"a"`
	B        models.TileID `yaml:"b"`
	Reason   string        `yaml:"reason"`
	Residual float64       `yaml:"residual,omitempty"`
}

func newYAMLEncoder(w io.Writer) *yaml.Encoder {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return enc
}

func buildReport(summary stitching.Summary, tiles []models.Tile, out *stitching.Output) *report {
	r := &report{Summary: summary}
	if out == nil || out.Global == nil {
		return r
	}
	res := out.Global

	for _, tile := range tiles {
		t, ok := res.Transforms[tile.ID]
		if !ok {
			continue
		}
		r.Tiles = append(r.Tiles, tileReport{
			ID:       tile.ID,
			Status:   res.Status[tile.ID].String(),
			Position: t.Translation(),
			Affine:   t.RowPacked(),
		})
	}
	for _, l := range res.Residuals {
		r.Links = append(r.Links, linkReport{
			A:           l.Link.A,
			B:           l.Link.B,
			Shift:       l.Link.Shift,
			Correlation: l.Link.Correlation,
			Residual:    l.Residual,
		})
	}
	for _, p := range res.Pruned {
		r.Pruned = append(r.Pruned, prunedReport{
			A:        p.Link.A,
			B:        p.Link.B,
			Reason:   p.Reason.String(),
			Residual: p.Residual,
		})
	}
	return r
}

// withTruth fills the distance of every reported tile to its true position.
func (r *report) withTruth(truth map[models.TileID][]float64) {
	for i, t := range r.Tiles {
		want, ok := truth[t.ID]
		if !ok {
			continue
		}
		dist := transform.Distance(t.Position, want)
		r.Tiles[i].Error = &dist
	}
}
