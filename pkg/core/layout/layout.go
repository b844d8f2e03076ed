// Package layout defines the physical layouts of a tensor's flat buffer and the conversions between them.
//
// A row-major buffer stores the innermost axis contiguously. A tiled buffer views the tensor as a 2D matrix
// (width = last dimension, height = product of the other dimensions) split into tiles of Tile.Height x
// Tile.Width elements. Tiles are stored one after the other in row-major order of the tile grid, and each
// tile is itself split in faces (16x16 by default) stored in row-major order, each face being row-major.
//
// Tiled conversions require the (padded) shape to be tile aligned: see shapes.Shape.PadToTile.
//
// The block-float formats (dtypes.BFloat8B and dtypes.BFloat4B) only exist in tiled layout: they are created
// from a float32 tiled buffer with PackBlockFloat, and unpacked back to float32 with UnpackBlockFloat.
package layout

import (
	"fmt"

	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/pkg/errors"
)

// Layout of the flat buffer of a tensor.
type Layout int

const (
	// RowMajor layout: the last axis is contiguous.
	RowMajor Layout = iota

	// Tiled layout: the 2D view of the tensor is stored tile by tile.
	Tiled
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case RowMajor:
		return "RowMajor"
	case Tiled:
		return "Tiled"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// ParseLayout from its name ("RowMajor"/"row_major" or "Tiled"/"tile").
func ParseLayout(name string) (Layout, error) {
	switch name {
	case "RowMajor", "rowmajor", "row_major", "ROW_MAJOR":
		return RowMajor, nil
	case "Tiled", "tiled", "tile", "TILE":
		return Tiled, nil
	}
	return RowMajor, errors.Errorf("unknown layout %q", name)
}

const (
	// DefaultTileSize is the height and width of the default tile.
	DefaultTileSize = 32

	// DefaultFaceSize is the height and width of the faces of the default tile.
	DefaultFaceSize = 16

	// BlockFloatBlockSize is the number of consecutive values sharing one exponent in block-float formats.
	BlockFloatBlockSize = 16
)

// Tile is the geometry of the atomic unit of the tiled layout.
type Tile struct {
	Height, Width         int
	FaceHeight, FaceWidth int
}

// DefaultTile is the 32x32 tile with 16x16 faces.
var DefaultTile = Tile{Height: DefaultTileSize, Width: DefaultTileSize, FaceHeight: DefaultFaceSize, FaceWidth: DefaultFaceSize}

// NewTile returns a tile of the given height and width, with faces of at most 16x16.
func NewTile(height, width int) (Tile, error) {
	tile := Tile{
		Height:     height,
		Width:      width,
		FaceHeight: min(height, DefaultFaceSize),
		FaceWidth:  min(width, DefaultFaceSize),
	}
	return tile, tile.Validate()
}

// Validate returns an ErrInvalidArgument if the tile dimensions are not positive, or if the faces don't
// divide the tile evenly.
func (tile Tile) Validate() error {
	if tile.Height <= 0 || tile.Width <= 0 || tile.FaceHeight <= 0 || tile.FaceWidth <= 0 {
		return errs.InvalidArgumentf("invalid tile %s: dimensions must be positive", tile)
	}
	if tile.Height%tile.FaceHeight != 0 || tile.Width%tile.FaceWidth != 0 {
		return errs.InvalidArgumentf("invalid tile %s: faces must divide the tile", tile)
	}
	return nil
}

// Volume is the number of elements in a tile.
func (tile Tile) Volume() int { return tile.Height * tile.Width }

// FaceVolume is the number of elements in a face.
func (tile Tile) FaceVolume() int { return tile.FaceHeight * tile.FaceWidth }

// String implements fmt.Stringer.
func (tile Tile) String() string {
	if tile.FaceHeight == tile.Height && tile.FaceWidth == tile.Width {
		return fmt.Sprintf("%dx%d", tile.Height, tile.Width)
	}
	return fmt.Sprintf("%dx%d(faces %dx%d)", tile.Height, tile.Width, tile.FaceHeight, tile.FaceWidth)
}
