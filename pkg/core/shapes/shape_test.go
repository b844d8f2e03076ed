// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensix/pkg/core/errs"
)

func TestShape(t *testing.T) {
	s := Make(2, 3, 4)
	assert.Equal(t, 3, s.Rank())
	assert.Equal(t, 24, s.Volume())
	assert.Equal(t, 4, s.Dim(-1))
	assert.Equal(t, 2, s.Dim(0))
	assert.Equal(t, "[2 3 4]", s.String())
	assert.True(t, s.Equal(s.Clone()))
	assert.False(t, s.Equal(Make(2, 3)))
	assert.Panics(t, func() { _ = s.Dim(3) })
	assert.Panics(t, func() { _ = Make(2, -1) })

	scalar := Make()
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Volume())

	empty := Make(2, 0, 3)
	assert.True(t, empty.IsZeroSize())
	assert.Equal(t, 0, empty.Volume())

	// Make copies the dimensions.
	dims := []int{5, 6}
	s = Make(dims...)
	dims[0] = 7
	assert.Equal(t, 5, s.Dim(0))
}

func TestStrides(t *testing.T) {
	require.Equal(t, []int{12, 4, 1}, Make(2, 3, 4).Strides())
	require.Equal(t, []int{1}, Make(5).Strides())
	require.Equal(t, []int{2, 2, 1}, Make(3, 1, 2).Strides())
	require.Nil(t, Make().Strides())
}

func TestFlatIndex(t *testing.T) {
	s := Make(2, 3, 4)
	idx, err := s.FlatIndex([]int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 23, idx)
	assert.Equal(t, 23, ComputeFlatIndex([]int{1, 2, 3}, s.Strides()))

	_, err = s.FlatIndex([]int{2, 0, 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	_, err = s.FlatIndex([]int{0, 0})
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	_, err = s.FlatIndex([]int{0, -1, 0})
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	// Every index of the iteration maps to its own flat position.
	for flatIdx, indices := range s.Iter() {
		got, err := s.FlatIndex(indices)
		require.NoError(t, err)
		require.Equal(t, flatIdx, got)
	}
}

func TestPadToMultiple(t *testing.T) {
	for _, tile := range []int{1, 16, 32} {
		for dim := 0; dim < 100; dim++ {
			padded := PadToMultiple(dim, tile)
			require.GreaterOrEqual(t, padded, dim)
			require.Zero(t, padded%tile)
			require.Less(t, padded-dim, tile)
		}
	}
	assert.Panics(t, func() { PadToMultiple(3, 0) })
}

func TestPadToTile(t *testing.T) {
	s := Make(2, 3, 30, 33)
	padded := s.PadToTile(32, 32)
	assert.Equal(t, []int{2, 3, 32, 64}, padded.Dimensions)
	assert.Equal(t, []int{2, 3, 30, 33}, s.Dimensions, "receiver must not change")
	assert.True(t, padded.IsTileAligned(32, 32))
	assert.False(t, s.IsTileAligned(32, 32))
	assert.Equal(t, []int{32}, Make(5).PadToTile(32, 32).Dimensions)
	assert.Equal(t, []int{64, 64}, Make(64, 64).PadToTile(32, 32).Dimensions)
}

func TestInferDimsForReshape(t *testing.T) {
	s, err := InferDimsForReshape(24, []int{2, -1, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 3}, s.Dimensions)

	s, err = InferDimsForReshape(24, []int{4, 6})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6}, s.Dimensions)

	s, err = InferDimsForReshape(0, []int{0, 5})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5}, s.Dimensions)

	s, err = InferDimsForReshape(1, []int{-1})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, s.Dimensions)

	for _, newDims := range [][]int{
		{-1, -1}, // More than one -1.
		{0, -1},  // -1 with zero-sized dimension.
		{5, 5},   // Volume mismatch.
		{5, -1},  // Not divisible.
		{-2, 12}, // Invalid negative dimension.
	} {
		_, err = InferDimsForReshape(24, newDims)
		require.Errorf(t, err, "newDims=%v", newDims)
		assert.Truef(t, errors.Is(err, errs.ErrShape), "newDims=%v: %v", newDims, err)
	}
	_, err = InferDimsForReshape(0, []int{0, -1})
	assert.True(t, errors.Is(err, errs.ErrShape))

	// Input slice not modified.
	dims := []int{-1, 2}
	_, err = InferDimsForReshape(8, dims)
	require.NoError(t, err)
	assert.Equal(t, []int{-1, 2}, dims)
}

func TestIter(t *testing.T) {
	shape := Make(1, 1, 1, 1)
	collect := make([][]int, 0, shape.Volume())
	for flatIdx, indices := range shape.Iter() {
		collect = append(collect, slices.Clone(indices))
		require.Equal(t, 0, flatIdx)
	}
	require.Equal(t, [][]int{{0, 0, 0, 0}}, collect)

	shape = Make(3, 1, 2, 1)
	collect = collect[:0]
	counter := 0
	for flatIdx, indices := range shape.Iter() {
		collect = append(collect, slices.Clone(indices))
		require.Equal(t, counter, flatIdx)
		counter++
	}
	want := [][]int{
		{0, 0, 0, 0},
		{0, 0, 1, 0},
		{1, 0, 0, 0},
		{1, 0, 1, 0},
		{2, 0, 0, 0},
		{2, 0, 1, 0},
	}
	require.Equal(t, want, collect)

	// Zero-sized shapes yield nothing, scalars yield once.
	count := 0
	for range Make(3, 0).Iter() {
		count++
	}
	assert.Zero(t, count)
	for range Make().Iter() {
		count++
	}
	assert.Equal(t, 1, count)

	// Early break.
	count = 0
	for range Make(10, 10).Iter() {
		count++
		if count == 5 {
			break
		}
	}
	assert.Equal(t, 5, count)
}

func TestIterRows(t *testing.T) {
	var rows [][]int
	for _, indices := range Make(2, 2, 7).IterRows() {
		rows = append(rows, slices.Clone(indices))
	}
	require.Equal(t, [][]int{{0, 0, 0}, {0, 1, 0}, {1, 0, 0}, {1, 1, 0}}, rows)
}
