// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/tensix/pkg/core/errs"
)

// Size2D is a height x width pair, used for the 2D view of a tensor and for shard shapes.
type Size2D struct {
	Height, Width int
}

// String implements fmt.Stringer.
func (s Size2D) String() string {
	return fmt.Sprintf("%dx%d", s.Height, s.Width)
}

// Volume returns Height*Width.
func (s Size2D) Volume() int { return s.Height * s.Width }

// To2D flattens the shape into a matrix: the width is the last dimension and the height is the product of
// all the other dimensions. Scalars are 1x1.
func (s Shape) To2D() Size2D {
	rank := s.Rank()
	if rank == 0 {
		return Size2D{Height: 1, Width: 1}
	}
	height := 1
	for _, dim := range s.Dimensions[:rank-1] {
		height *= dim
	}
	return Size2D{Height: height, Width: s.Dimensions[rank-1]}
}

// ShardDivisionSpec describes how a 2D matrix is split into a grid of shards.
//
// The last shard of each axis holds the remainder of the division, or a full shard if the remainder is 0:
// there is never an empty trailing shard.
type ShardDivisionSpec struct {
	NumShardsHeight, LastShardHeight int
	NumShardsWidth, LastShardWidth   int
}

// NumShards returns the total number of shards in the grid.
func (spec ShardDivisionSpec) NumShards() int {
	return spec.NumShardsHeight * spec.NumShardsWidth
}

// String implements fmt.Stringer.
func (spec ShardDivisionSpec) String() string {
	return fmt.Sprintf("%dx%d shards (last row height %d, last column width %d)",
		spec.NumShardsHeight, spec.NumShardsWidth, spec.LastShardHeight, spec.LastShardWidth)
}

// ComputeShardDivisionSpec splits the 2D shape into shards of the given shard shape.
//
// It returns an ErrInvalidArgument error if the shard shape is not positive.
func ComputeShardDivisionSpec(shape, shard Size2D) (ShardDivisionSpec, error) {
	if shard.Height <= 0 || shard.Width <= 0 {
		return ShardDivisionSpec{}, errs.InvalidArgumentf("shard shape %s must be positive (tensor 2D shape %s)", shard, shape)
	}
	if shape.Height < 0 || shape.Width < 0 {
		return ShardDivisionSpec{}, errs.InvalidArgumentf("invalid 2D shape %s", shape)
	}
	spec := ShardDivisionSpec{
		NumShardsHeight: CeilDiv(shape.Height, shard.Height),
		LastShardHeight: shape.Height % shard.Height,
		NumShardsWidth:  CeilDiv(shape.Width, shard.Width),
		LastShardWidth:  shape.Width % shard.Width,
	}
	if spec.LastShardHeight == 0 {
		spec.LastShardHeight = shard.Height
	}
	if spec.LastShardWidth == 0 {
		spec.LastShardWidth = shard.Width
	}
	return spec, nil
}

// MustComputeShardDivisionSpec is like ComputeShardDivisionSpec, but panics on error.
func MustComputeShardDivisionSpec(shape, shard Size2D) ShardDivisionSpec {
	spec, err := ComputeShardDivisionSpec(shape, shard)
	if err != nil {
		panic(errors.WithMessage(err, "MustComputeShardDivisionSpec"))
	}
	return spec
}
