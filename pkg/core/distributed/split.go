package distributed

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/shapes"
)

// normalizeAxis converts a negative axis to its positive value, and checks bounds.
func normalizeAxis(shape shapes.Shape, axis int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += shape.Rank()
	}
	if adjusted < 0 || adjusted >= shape.Rank() {
		return 0, errs.InvalidArgumentf("axis %d out of bounds for shape %s", axis, shape)
	}
	return adjusted, nil
}

// ChunkSizes returns the sizes of splitting dim into numChunks contiguous chunks: all chunks have
// ceil(dim/numChunks) elements except the last one, which takes the remainder.
//
// It returns an ErrPrecondition if that would leave an empty chunk.
func ChunkSizes(dim, numChunks int) ([]int, error) {
	if numChunks <= 0 {
		return nil, errs.InvalidArgumentf("number of chunks must be positive, got %d", numChunks)
	}
	chunk := shapes.CeilDiv(dim, numChunks)
	if chunk == 0 || (numChunks-1)*chunk >= dim {
		return nil, errs.Preconditionf("dimension %d can't be split into %d non-empty chunks", dim, numChunks)
	}
	sizes := make([]int, numChunks)
	for i := range sizes {
		sizes[i] = min(chunk, dim-i*chunk)
	}
	return sizes, nil
}

// Split a row-major flat buffer of the given shape into numChunks contiguous chunks along axis.
// It returns the new flat buffers (always copies) and their shapes.
func Split(flat any, shape shapes.Shape, axis, numChunks int) ([]any, []shapes.Shape, error) {
	axis, err := normalizeAxis(shape, axis)
	if err != nil {
		return nil, nil, err
	}
	sizes, err := ChunkSizes(shape.Dimensions[axis], numChunks)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "splitting shape %s along axis %d", shape, axis)
	}
	src := reflect.ValueOf(flat)
	if src.Kind() != reflect.Slice || src.Len() != shape.Volume() {
		return nil, nil, errs.Shapef("flat buffer of type %T doesn't match shape %s", flat, shape)
	}
	outer := 1
	for _, dim := range shape.Dimensions[:axis] {
		outer *= dim
	}
	inner := 1
	for _, dim := range shape.Dimensions[axis+1:] {
		inner *= dim
	}
	rowSize := shape.Dimensions[axis] * inner
	flats := make([]any, numChunks)
	chunkShapes := make([]shapes.Shape, numChunks)
	offset := 0
	for i, size := range sizes {
		chunkShapes[i] = shape.WithDim(axis, size)
		chunkLen := size * inner
		dst := reflect.MakeSlice(src.Type(), outer*chunkLen, outer*chunkLen)
		for o := range outer {
			start := o*rowSize + offset
			reflect.Copy(dst.Slice(o*chunkLen, (o+1)*chunkLen), src.Slice(start, start+chunkLen))
		}
		flats[i] = dst.Interface()
		offset += chunkLen
	}
	return flats, chunkShapes, nil
}

// Split2D splits a row-major flat buffer over a meshRows x meshCols grid: the second to last axis is split
// over the rows and the last axis over the columns. Shards are returned in row-major order of the grid.
func Split2D(flat any, shape shapes.Shape, meshRows, meshCols int) ([]any, []shapes.Shape, error) {
	if shape.Rank() < 2 {
		return nil, nil, errs.Preconditionf("2D sharding requires rank >= 2, got shape %s", shape)
	}
	rows, rowShapes, err := Split(flat, shape, -2, meshRows)
	if err != nil {
		return nil, nil, err
	}
	var flats []any
	var shardShapes []shapes.Shape
	for i, row := range rows {
		cols, colShapes, err := Split(row, rowShapes[i], -1, meshCols)
		if err != nil {
			return nil, nil, err
		}
		flats = append(flats, cols...)
		shardShapes = append(shardShapes, colShapes...)
	}
	return flats, shardShapes, nil
}

// Concat concatenates row-major flat buffers along axis. All shapes must be equal except on axis.
func Concat(flats []any, flatShapes []shapes.Shape, axis int) (any, shapes.Shape, error) {
	if len(flats) == 0 || len(flats) != len(flatShapes) {
		return nil, shapes.Shape{}, errs.InvalidArgumentf("concat requires one shape per buffer, got %d buffers and %d shapes",
			len(flats), len(flatShapes))
	}
	first := flatShapes[0]
	axis, err := normalizeAxis(first, axis)
	if err != nil {
		return nil, shapes.Shape{}, err
	}
	total := 0
	for i, s := range flatShapes {
		if s.Rank() != first.Rank() || !s.WithDim(axis, 0).Equal(first.WithDim(axis, 0)) {
			return nil, shapes.Shape{}, errs.Shapef("can't concatenate shape %s with shape %s along axis %d", s, first, axis)
		}
		if reflect.TypeOf(flats[i]) != reflect.TypeOf(flats[0]) || reflect.ValueOf(flats[i]).Len() != s.Volume() {
			return nil, shapes.Shape{}, errs.Shapef("buffer #%d of type %T doesn't match shape %s", i, flats[i], s)
		}
		total += s.Dimensions[axis]
	}
	outShape := first.WithDim(axis, total)
	outer := 1
	for _, dim := range first.Dimensions[:axis] {
		outer *= dim
	}
	inner := 1
	for _, dim := range first.Dimensions[axis+1:] {
		inner *= dim
	}
	rowSize := total * inner
	dst := reflect.MakeSlice(reflect.TypeOf(flats[0]), outShape.Volume(), outShape.Volume())
	offset := 0
	for i, flat := range flats {
		src := reflect.ValueOf(flat)
		chunkLen := flatShapes[i].Dimensions[axis] * inner
		for o := range outer {
			start := o*rowSize + offset
			reflect.Copy(dst.Slice(start, start+chunkLen), src.Slice(o*chunkLen, (o+1)*chunkLen))
		}
		offset += chunkLen
	}
	return dst.Interface(), outShape, nil
}

// Concat2D is the inverse of Split2D.
func Concat2D(flats []any, flatShapes []shapes.Shape, meshRows, meshCols int) (any, shapes.Shape, error) {
	if len(flats) != meshRows*meshCols {
		return nil, shapes.Shape{}, errs.InvalidArgumentf("%d shards given for a %dx%d mesh", len(flats), meshRows, meshCols)
	}
	rows := make([]any, meshRows)
	rowShapes := make([]shapes.Shape, meshRows)
	for r := range meshRows {
		var err error
		rows[r], rowShapes[r], err = Concat(flats[r*meshCols:(r+1)*meshCols], flatShapes[r*meshCols:(r+1)*meshCols], -1)
		if err != nil {
			return nil, shapes.Shape{}, err
		}
	}
	return Concat(rows, rowShapes, -2)
}
