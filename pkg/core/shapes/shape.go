// Package shapes defines Shape and the pure index arithmetic used by the tensor storage and layout code:
// strides, flat indices, tile padding, reshape inference, and the geometry of shard divisions.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Negative axes count from the end, so -1 is the innermost axis.
//   - Dimension: the size of a tensor along one of its axes.
//   - Volume: the number of elements of a shape, the product of its dimensions.
//
// All functions are pure and deterministic. Shapes with zero-sized dimensions are valid (their volume is 0),
// negative dimensions are not.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensix/pkg/core/errs"
)

// Shape is the ordered list of dimensions of a tensor. Row-major order is assumed everywhere: the last axis is
// the one that changes fastest in memory.
//
// Use Make to create a new shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape with a copy of the dimensions given.
//
// It panics for negative dimensions: use Validate if the dimensions come from user input.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	if err := s.Validate(); err != nil {
		exceptions.Panicf("shapes.Make(%v): %v", dimensions, err)
	}
	return s
}

// Validate returns an ErrInvalidArgument error if any dimension is negative.
func (s Shape) Validate() error {
	for axis, dim := range s.Dimensions {
		if dim < 0 {
			return errs.InvalidArgumentf("shape %s has negative dimension %d on axis %d", s, dim, axis)
		}
	}
	return nil
}

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has no axes.
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Volume returns the number of elements of the shape. It's the product of all dimensions, and 1 for scalars.
func (s Shape) Volume() int {
	volume := 1
	for _, d := range s.Dimensions {
		volume *= d
	}
	return volume
}

// IsZeroSize returns whether any of the dimensions is zero, in which case the shape holds no elements.
func (s Shape) IsZeroSize() bool {
	return slices.Contains(s.Dimensions, 0)
}

// Equal compares the dimensions of two shapes.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	return fmt.Sprintf("%v", s.Dimensions)
}

// WithDim returns a copy of the shape with the dimension of axis (negative values count from the end) replaced.
func (s Shape) WithDim(axis, dim int) Shape {
	if axis < 0 {
		axis += s.Rank()
	}
	s2 := s.Clone()
	s2.Dimensions[axis] = dim
	return s2
}

// Strides returns the strides for each axis of the shape, assuming the row-major layout.
//
// Notice the strides are **not in bytes**, but in elements.
func (s Shape) Strides() []int {
	return Strides(s.Dimensions)
}

// Strides returns the row-major strides for the given dimensions: the right-to-left cumulative product,
// with the last axis having stride 1.
func Strides(dimensions []int) []int {
	rank := len(dimensions)
	if rank == 0 {
		return nil
	}
	strides := make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= dimensions[axis]
	}
	return strides
}

// ComputeFlatIndex returns the flat (row-major) position of the given indices with the given strides.
// There are no bounds checks: use Shape.FlatIndex for a checked version.
func ComputeFlatIndex(indices, strides []int) int {
	flat := 0
	for axis, idx := range indices {
		flat += idx * strides[axis]
	}
	return flat
}

// FlatIndex returns the flat (row-major) position of the given indices.
//
// It returns an ErrInvalidArgument error if the number of indices doesn't match the rank, or if any index is
// out of bounds for the shape.
func (s Shape) FlatIndex(indices []int) (int, error) {
	if len(indices) != s.Rank() {
		return 0, errs.InvalidArgumentf("%d indices %v given for shape %s of rank %d", len(indices), indices, s, s.Rank())
	}
	for axis, idx := range indices {
		if idx < 0 || idx >= s.Dimensions[axis] {
			return 0, errs.InvalidArgumentf("index %d out of bounds for axis %d of shape %s (indices=%v)",
				idx, axis, s, indices)
		}
	}
	return ComputeFlatIndex(indices, s.Strides()), nil
}

// CeilDiv returns ceil(a / b) for non-negative a and positive b.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// PadToMultiple returns the smallest multiple of `multiple` that is >= dim: ceil(dim / multiple) * multiple.
//
// It panics if multiple is not positive.
func PadToMultiple(dim, multiple int) int {
	if multiple <= 0 {
		exceptions.Panicf("PadToMultiple(%d, %d): multiple must be positive", dim, multiple)
	}
	return CeilDiv(dim, multiple) * multiple
}

// PadToTile returns a copy of the shape with the two innermost dimensions padded to multiples of the tile height
// and width respectively. For rank 1 shapes only the last dimension is padded (to the tile width), and scalars
// are returned unchanged.
func (s Shape) PadToTile(tileHeight, tileWidth int) Shape {
	padded := s.Clone()
	rank := s.Rank()
	if rank >= 1 {
		padded.Dimensions[rank-1] = PadToMultiple(s.Dimensions[rank-1], tileWidth)
	}
	if rank >= 2 {
		padded.Dimensions[rank-2] = PadToMultiple(s.Dimensions[rank-2], tileHeight)
	}
	return padded
}

// IsTileAligned returns whether the two innermost dimensions are multiples of the tile height and width.
// Shapes of rank < 2 are never tile aligned.
func (s Shape) IsTileAligned(tileHeight, tileWidth int) bool {
	rank := s.Rank()
	if rank < 2 {
		return false
	}
	return s.Dimensions[rank-1]%tileWidth == 0 && s.Dimensions[rank-2]%tileHeight == 0
}

// InferDimsForReshape resolves the (at most one) -1 placeholder in newDimensions to the value that preserves
// the volume of the original tensor (oldVolume).
//
// It returns an ErrShape error if:
//
//   - more than one dimension is -1;
//   - a -1 coexists with a zero-sized dimension: any value would preserve the volume, so it's ambiguous;
//   - without -1, the new volume differs from oldVolume;
//   - with -1, oldVolume is not divisible by the product of the other dimensions;
//   - any other dimension is negative.
//
// Reshape never silently truncates or pads.
func InferDimsForReshape(oldVolume int, newDimensions []int) (Shape, error) {
	inferredAxis := -1
	hasZero := false
	newVolume := 1
	for axis, dim := range newDimensions {
		switch {
		case dim == -1:
			if inferredAxis != -1 {
				return Shape{}, errs.Shapef("shape %v cannot have more than one dimension set to -1", newDimensions)
			}
			inferredAxis = axis
		case dim < 0:
			return Shape{}, errs.Shapef("shape %v has invalid negative dimension %d at axis %d", newDimensions, dim, axis)
		default:
			if dim == 0 {
				hasZero = true
			}
			newVolume *= dim
		}
	}
	if hasZero && inferredAxis != -1 {
		return Shape{}, errs.Shapef("cannot reshape tensor of %d elements into shape %v because the unspecified "+
			"dimension size -1 can be any value and is ambiguous", oldVolume, newDimensions)
	}
	shape := Shape{Dimensions: slices.Clone(newDimensions)}
	if inferredAxis == -1 {
		if newVolume != oldVolume {
			return Shape{}, errs.Shapef("cannot reshape tensor of %d elements into shape %v (%d elements)",
				oldVolume, newDimensions, newVolume)
		}
		return shape, nil
	}
	if oldVolume%newVolume != 0 {
		return Shape{}, errs.Shapef("cannot reshape tensor of %d elements into shape %v: %d is not divisible by %d",
			oldVolume, newDimensions, oldVolume, newVolume)
	}
	shape.Dimensions[inferredAxis] = oldVolume / newVolume
	return shape, nil
}
