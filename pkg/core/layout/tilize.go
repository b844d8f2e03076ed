package layout

import (
	"github.com/gomlx/tensix/internal/workerspool"
	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/x448/float16"
)

// Pool used to repack tile rows in parallel. Set it to a pool with parallelism 0 to disable it.
var Pool = workerspool.Default

// tiledGeometry precomputes the index arithmetic of a tiled matrix.
type tiledGeometry struct {
	tile                     Tile
	height, width            int
	tilesPerRow, facesPerRow int
	tileVolume, faceVolume   int
	numTileRows              int
}

func newTiledGeometry(shape shapes.Shape, tile Tile) (tiledGeometry, error) {
	if err := tile.Validate(); err != nil {
		return tiledGeometry{}, err
	}
	if shape.Rank() < 2 {
		return tiledGeometry{}, errs.Preconditionf("tiled layout requires rank >= 2, got shape %s", shape)
	}
	if !shape.IsTileAligned(tile.Height, tile.Width) {
		return tiledGeometry{}, errs.Preconditionf("shape %s is not aligned to tile %s: pad it to tile multiples first",
			shape, tile)
	}
	m := shape.To2D()
	return tiledGeometry{
		tile:        tile,
		height:      m.Height,
		width:       m.Width,
		tilesPerRow: m.Width / tile.Width,
		facesPerRow: tile.Width / tile.FaceWidth,
		tileVolume:  tile.Volume(),
		faceVolume:  tile.FaceVolume(),
		numTileRows: m.Height / tile.Height,
	}, nil
}

// tiledOffset returns the position in the tiled buffer of the element (row, col) of the 2D matrix.
func (g *tiledGeometry) tiledOffset(row, col int) int {
	t := g.tile
	tileRow, inRow := row/t.Height, row%t.Height
	tileCol, inCol := col/t.Width, col%t.Width
	faceRow, r := inRow/t.FaceHeight, inRow%t.FaceHeight
	faceCol, c := inCol/t.FaceWidth, inCol%t.FaceWidth
	return (tileRow*g.tilesPerRow+tileCol)*g.tileVolume + (faceRow*g.facesPerRow+faceCol)*g.faceVolume +
		r*t.FaceWidth + c
}

// repack copies each face row (FaceWidth contiguous elements in both layouts) between the row-major and the
// tiled buffers. Tile rows are processed in parallel.
func repack[T any](src []T, shape shapes.Shape, tile Tile, toTiled bool) ([]T, error) {
	g, err := newTiledGeometry(shape, tile)
	if err != nil {
		return nil, err
	}
	if len(src) != g.height*g.width {
		return nil, errs.Shapef("flat buffer has %d elements, shape %s requires %d", len(src), shape, g.height*g.width)
	}
	dst := make([]T, len(src))
	Pool.ParallelFor(g.numTileRows, func(tileRow int) {
		for row := tileRow * tile.Height; row < (tileRow+1)*tile.Height; row++ {
			rowStart := row * g.width
			for col := 0; col < g.width; col += tile.FaceWidth {
				tiledPos := g.tiledOffset(row, col)
				if toTiled {
					copy(dst[tiledPos:tiledPos+tile.FaceWidth], src[rowStart+col:rowStart+col+tile.FaceWidth])
				} else {
					copy(dst[rowStart+col:rowStart+col+tile.FaceWidth], src[tiledPos:tiledPos+tile.FaceWidth])
				}
			}
		}
	})
	return dst, nil
}

// Tilize converts the row-major buffer src of the given (tile aligned) shape to the tiled layout.
// It returns a newly allocated buffer, src is not modified.
func Tilize[T any](src []T, shape shapes.Shape, tile Tile) ([]T, error) {
	return repack(src, shape, tile, true)
}

// Untilize converts the tiled buffer src of the given (tile aligned) shape to the row-major layout.
// It returns a newly allocated buffer, src is not modified.
func Untilize[T any](src []T, shape shapes.Shape, tile Tile) ([]T, error) {
	return repack(src, shape, tile, false)
}

// repackFlat dispatches on the concrete type of the flat buffer.
func repackFlat(flat any, shape shapes.Shape, tile Tile, toTiled bool) (any, error) {
	switch src := flat.(type) {
	case []float32:
		return repack(src, shape, tile, toTiled)
	case []bfloat16.BFloat16:
		return repack(src, shape, tile, toTiled)
	case []float16.Float16:
		return repack(src, shape, tile, toTiled)
	case []uint32:
		return repack(src, shape, tile, toTiled)
	case []int32:
		return repack(src, shape, tile, toTiled)
	case []uint16:
		return repack(src, shape, tile, toTiled)
	case []uint8:
		return repack(src, shape, tile, toTiled)
	default:
		return nil, errs.UnsupportedDataTypef("layout conversion of flat buffer of type %T (shape %s)", flat, shape)
	}
}

// ToTiled converts the row-major flat buffer of the given dtype and (tile aligned) shape to the tiled layout
// of outDType.
//
// For the non-packed dtypes outDType must be equal to dtype, and this is a direct repack. For packed
// outDType (BFloat8B or BFloat4B) the input must be Float32: it's tilized as float32 and then packed.
func ToTiled(flat any, dtype dtypes.DType, shape shapes.Shape, tile Tile, outDType dtypes.DType) (any, error) {
	if dtype.IsPacked() {
		return nil, errs.Preconditionf("%s buffers are always tiled, cannot tilize a row-major %s buffer", dtype, dtype)
	}
	if outDType.IsPacked() {
		if dtype != dtypes.Float32 {
			return nil, errs.UnsupportedDataTypef("packing to %s requires a Float32 input, got %s (shape %s)",
				outDType, dtype, shape)
		}
		tiled, err := Tilize(flat.([]float32), shape, tile)
		if err != nil {
			return nil, err
		}
		return PackBlockFloat(tiled, tile, outDType)
	}
	if outDType != dtype {
		return nil, errs.UnsupportedDataTypef("layout conversion can't convert %s to %s (shape %s)", dtype, outDType, shape)
	}
	if dtypes.FromFlat(flat) != dtype {
		return nil, errs.UnsupportedDataTypef("flat buffer of type %T doesn't match dtype %s", flat, dtype)
	}
	return repackFlat(flat, shape, tile, true)
}

// ToRowMajor converts the tiled flat buffer of the given dtype and (tile aligned) shape to the row-major layout.
// It returns the new flat buffer and its dtype: packed dtypes are unpacked to Float32.
func ToRowMajor(flat any, dtype dtypes.DType, shape shapes.Shape, tile Tile) (any, dtypes.DType, error) {
	if dtype.IsPacked() {
		words, ok := flat.([]uint32)
		if !ok {
			return nil, dtype, errs.UnsupportedDataTypef("%s buffer must be []uint32, got %T", dtype, flat)
		}
		unpacked, err := UnpackBlockFloat(words, shape.Volume(), tile, dtype)
		if err != nil {
			return nil, dtype, err
		}
		rowMajor, err := Untilize(unpacked, shape, tile)
		return rowMajor, dtypes.Float32, err
	}
	rowMajor, err := repackFlat(flat, shape, tile, false)
	return rowMajor, dtype, err
}
