package tensors

import (
	"github.com/x448/float16"

	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/core/storage"
	"github.com/gomlx/tensix/pkg/support/xslices"
)

// rowMajorHost checks that the tensor is a row-major single buffer host tensor, and returns its flat data.
// Multi-device host tensors return a nil flat and no error: the caller transforms them shard by shard.
func (t *Tensor) rowMajorHost(operation string) (flat any, err error) {
	switch st := t.Storage().(type) {
	case *storage.Owned, *storage.Borrowed:
		if t.layout != layout.RowMajor {
			return nil, errs.Preconditionf("%s requires a row-major tensor, got %s %s: convert it with ToLayout first",
				operation, t.layout, t.dtype)
		}
		return t.hostFlat(operation)
	case *storage.MultiDeviceHost:
		return nil, nil
	case *storage.Device, *storage.MultiDevice:
		return nil, storage.Unsupported(operation, st)
	default:
		return nil, storage.Unsupported(operation, st)
	}
}

// Pad returns a new row-major host tensor of shape outputShape, with the receiver's data placed at the
// position inputStart (nil for the origin), and the remaining elements set to fill.
//
// It returns an ErrShape error if the receiver's physical shape doesn't fit in outputShape at inputStart.
func (t *Tensor) Pad(outputShape shapes.Shape, inputStart []int, fill float64) (*Tensor, error) {
	flat, err := t.rowMajorHost("pad")
	if err != nil {
		return nil, err
	}
	if flat == nil {
		return Transform(t, func(shard *Tensor) (*Tensor, error) {
			return shard.Pad(outputShape, inputStart, fill)
		})
	}
	in := t.paddedShape
	if inputStart == nil {
		inputStart = make([]int, in.Rank())
	}
	if outputShape.Rank() != in.Rank() || len(inputStart) != in.Rank() {
		return nil, errs.Shapef("pad: tensor of shape %s can't be padded to shape %s at %v: ranks differ",
			in, outputShape, inputStart)
	}
	for axis, dim := range in.Dimensions {
		if inputStart[axis] < 0 || inputStart[axis]+dim > outputShape.Dimensions[axis] {
			return nil, errs.Shapef("pad: tensor of shape %s placed at %v doesn't fit in shape %s (axis %d)",
				in, inputStart, outputShape, axis)
		}
	}
	padded, err := resizeFlat(flat, in, outputShape, in, make([]int, in.Rank()), inputStart, fill)
	if err != nil {
		return nil, err
	}
	spec := t.spec()
	spec.Shape, spec.PaddedShape = outputShape, outputShape
	return newTensor(spec, storage.NewOwned(storage.NewHostBuffer(padded))), nil
}

// Unpad returns a new row-major host tensor with the region [start, end) (end exclusive) of the receiver's
// physical data.
//
// It returns an ErrShape error if the region is not within the physical shape.
func (t *Tensor) Unpad(start, end []int) (*Tensor, error) {
	flat, err := t.rowMajorHost("unpad")
	if err != nil {
		return nil, err
	}
	if flat == nil {
		return Transform(t, func(shard *Tensor) (*Tensor, error) {
			return shard.Unpad(start, end)
		})
	}
	in := t.paddedShape
	if len(start) != in.Rank() || len(end) != in.Rank() {
		return nil, errs.Shapef("unpad: region [%v, %v) doesn't match the rank of shape %s", start, end, in)
	}
	outputShape := shapes.Shape{Dimensions: make([]int, in.Rank())}
	for axis, dim := range in.Dimensions {
		if start[axis] < 0 || start[axis] > end[axis] || end[axis] > dim {
			return nil, errs.Shapef("unpad: region [%v, %v) is out of the bounds of shape %s (axis %d)",
				start, end, in, axis)
		}
		outputShape.Dimensions[axis] = end[axis] - start[axis]
	}
	unpadded, err := resizeFlat(flat, in, outputShape, outputShape, start, make([]int, in.Rank()), 0)
	if err != nil {
		return nil, err
	}
	spec := t.spec()
	spec.Shape, spec.PaddedShape = outputShape, outputShape
	return newTensor(spec, storage.NewOwned(storage.NewHostBuffer(unpadded))), nil
}

// PadToTile returns a new tensor whose physical shape has the two innermost axes padded to multiples of the
// tile, filled with fill. The logical shape is unchanged.
//
// Tensors already aligned, including all tiled tensors, are returned aliased.
func (t *Tensor) PadToTile(fill float64) (*Tensor, error) {
	if t.layout == layout.Tiled || t.paddedShape.IsTileAligned(t.tile.Height, t.tile.Width) {
		if _, ok := t.Storage().(*storage.MultiDeviceHost); ok {
			return Transform(t, func(shard *Tensor) (*Tensor, error) { return shard.PadToTile(fill) })
		}
		return t.alias(t.spec())
	}
	flat, err := t.rowMajorHost("pad to tile")
	if err != nil {
		return nil, err
	}
	if flat == nil {
		return Transform(t, func(shard *Tensor) (*Tensor, error) {
			return shard.PadToTile(fill)
		})
	}
	in := t.paddedShape
	target := in.PadToTile(t.tile.Height, t.tile.Width)
	padded, err := resizeFlat(flat, in, target, in, make([]int, in.Rank()), make([]int, in.Rank()), fill)
	if err != nil {
		return nil, err
	}
	spec := t.spec()
	spec.PaddedShape = target
	return newTensor(spec, storage.NewOwned(storage.NewHostBuffer(padded))), nil
}

// UnpadFromTile returns a new row-major host tensor with the leading outputShape region of the physical data,
// with both logical and physical shapes set to outputShape. It's the inverse of PadToTile when outputShape is
// the logical shape.
func (t *Tensor) UnpadFromTile(outputShape shapes.Shape) (*Tensor, error) {
	if outputShape.Rank() != t.paddedShape.Rank() {
		return nil, errs.Shapef("unpad from tile: shape %s has a different rank than the tensor's %s",
			outputShape, t.paddedShape)
	}
	return t.Unpad(make([]int, outputShape.Rank()), outputShape.Dimensions)
}

// resizeFlat copies the region of src starting at srcStart into a new buffer of shape dstShape at dstStart.
// The rest of the new buffer is set to fill.
func resizeFlat(flat any, srcShape, dstShape, region shapes.Shape, srcStart, dstStart []int, fill float64) (any, error) {
	switch src := flat.(type) {
	case []float32:
		return resize(src, srcShape, dstShape, region, srcStart, dstStart, fill), nil
	case []bfloat16.BFloat16:
		return resize(src, srcShape, dstShape, region, srcStart, dstStart, fill), nil
	case []float16.Float16:
		return resize(src, srcShape, dstShape, region, srcStart, dstStart, fill), nil
	case []uint32:
		return resize(src, srcShape, dstShape, region, srcStart, dstStart, fill), nil
	case []int32:
		return resize(src, srcShape, dstShape, region, srcStart, dstStart, fill), nil
	case []uint16:
		return resize(src, srcShape, dstShape, region, srcStart, dstStart, fill), nil
	case []uint8:
		return resize(src, srcShape, dstShape, region, srcStart, dstStart, fill), nil
	}
	return nil, errs.UnsupportedDataTypef("can't resize flat buffer of type %T", flat)
}

func resize[T dtypes.Supported](src []T, srcShape, dstShape, region shapes.Shape, srcStart, dstStart []int, fill float64) []T {
	dst := make([]T, dstShape.Volume())
	var zero T
	if fillValue := dtypes.FromFloat64[T](fill); fillValue != zero {
		xslices.FillSlice(dst, fillValue)
	}
	copyRegion(dst, dstShape, dstStart, src, srcShape, srcStart, region)
	return dst
}

// copyRegion copies the region from src (at srcStart) to dst (at dstStart), one innermost row at a time.
func copyRegion[T any](dst []T, dstShape shapes.Shape, dstStart []int, src []T, srcShape shapes.Shape, srcStart []int, region shapes.Shape) {
	if region.IsZeroSize() {
		return
	}
	rank := region.Rank()
	if rank == 0 {
		dst[0] = src[0]
		return
	}
	rowLen := region.Dimensions[rank-1]
	dstStrides, srcStrides := dstShape.Strides(), srcShape.Strides()
	dstIndices, srcIndices := make([]int, rank), make([]int, rank)
	for _, indices := range region.IterRows() {
		for axis, idx := range indices {
			dstIndices[axis] = idx + dstStart[axis]
			srcIndices[axis] = idx + srcStart[axis]
		}
		d := shapes.ComputeFlatIndex(dstIndices, dstStrides)
		s := shapes.ComputeFlatIndex(srcIndices, srcStrides)
		copy(dst[d:d+rowLen], src[s:s+rowLen])
	}
}
