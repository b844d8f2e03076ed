package shapes

import (
	"iter"
	"slices"

	"github.com/pkg/errors"
)

// Iter iterates sequentially (row-major) over all possible indices of the given shape.
//
// It yields the flat index (counter) and a slice of indices for each axis.
//
// To avoid allocating the slice of indices, the yielded indices is owned by the Iter() method:
// don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	indices := make([]int, s.Rank())
	return s.IterOn(indices)
}

// IterOn iterates over all possible indices of the given shape.
//
// It yields the flat index (counter) and a slice of indices for each axis.
//
// The iteration updates the indices on the given indices slice.
// During the iteration the caller shouldn't modify the slice of indices, otherwise it will lead to undefined behavior.
//
// It expects len(indices) == s.Rank(). It will panic otherwise.
func (s Shape) IterOn(indices []int) iter.Seq2[int, []int] {
	if len(indices) != s.Rank() {
		panic(errors.Errorf("Shape.IterOn given len(indices) == %d, want it to be equal to the rank %d", len(indices), s.Rank()))
	}
	return func(yield func(int, []int) bool) {
		rank := s.Rank()
		if rank == 0 {
			_ = yield(0, indices)
			return
		}
		if s.IsZeroSize() {
			return
		}
		for i := range indices {
			indices[i] = 0
		}

		// Only iterate over the non-trivial axes (dimension > 1), last axis first.
		spatialAxes := make([]int, 0, rank)
		for axis, dim := range s.Dimensions {
			if dim > 1 {
				spatialAxes = append(spatialAxes, axis)
			}
		}
		slices.Reverse(spatialAxes)

		flatIdx := 0
	yielder:
		for {
			if !yield(flatIdx, indices) {
				return
			}
			flatIdx++
			for _, axis := range spatialAxes {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					continue yielder
				}
				// Carry-over to the next higher-order axis.
				indices[axis] = 0
			}
			break
		}
	}
}

// IterRows iterates over the "rows" of the shape: all indices of the leading axes (all but the last one).
// It yields the row counter and the indices (of length rank, with the last one always 0), which are owned by
// the iterator and shouldn't be modified.
//
// Copying a row-major tensor row by row lets the innermost, contiguous, axis be handled with a single copy.
func (s Shape) IterRows() iter.Seq2[int, []int] {
	if s.Rank() == 0 {
		return s.Iter()
	}
	leading := Shape{Dimensions: slices.Clone(s.Dimensions)}
	leading.Dimensions[s.Rank()-1] = 1
	return leading.Iter()
}
