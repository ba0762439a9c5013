package models

import (
	"cmp"
	"fmt"
	"slices"

	"tilestitch/pkg/transform"
)

// TileID identifies one acquisition unit. IDs are totally ordered by
// timepoint first, then setup, and every iteration over tiles follows
// that order.
type TileID struct {
	// Timepoint is the acquisition timepoint of the tile
	Timepoint int `yaml:"timepoint"`

	// Setup is the view setup (tile position, channel, illumination) id
	Setup int `yaml:"setup"`
}

// Compare returns -1, 0 or +1 depending on the order of id and other.
func (id TileID) Compare(other TileID) int {
	if c := cmp.Compare(id.Timepoint, other.Timepoint); c != 0 {
		return c
	}
	return cmp.Compare(id.Setup, other.Setup)
}

// Less reports whether id sorts before other.
func (id TileID) Less(other TileID) bool {
	return id.Compare(other) < 0
}

func (id TileID) String() string {
	return fmt.Sprintf("tp%d/s%d", id.Timepoint, id.Setup)
}

// SortTileIDs sorts ids in place by their canonical order.
func SortTileIDs(ids []TileID) {
	slices.SortFunc(ids, TileID.Compare)
}

// SortedTileIDs returns a sorted, de-duplicated copy of ids.
func SortedTileIDs(ids []TileID) []TileID {
	out := slices.Clone(ids)
	SortTileIDs(out)
	return slices.Compact(out)
}

// Tile is one image acquisition unit: a read-only pixel buffer plus the
// current estimate of its transform into world space.
type Tile struct {
	// ID is the identity of the tile
	ID TileID

	// Image holds the pixel data. It is never modified by registration.
	Image *Image

	// Transform maps local (zero-origin) pixel coordinates to world coordinates
	Transform transform.Affine
}

// TileGroup is a set of tiles that share one physical field of view, for
// example several channels of the same stage position. A group is
// registered and optimized as a single rigid unit.
type TileGroup struct {
	// Members lists the tile ids belonging to the group
	Members []TileID `yaml:"members"`
}

// NewTileGroup creates a group from the given ids, sorted and de-duplicated.
func NewTileGroup(ids ...TileID) TileGroup {
	return TileGroup{Members: SortedTileIDs(ids)}
}

// Representative returns the smallest member id, which stands in for the
// whole group wherever a single id is required.
func (g TileGroup) Representative() TileID {
	return slices.MinFunc(g.Members, TileID.Compare)
}

// Contains reports whether id is a member of the group.
func (g TileGroup) Contains(id TileID) bool {
	return slices.Contains(g.Members, id)
}
