package main

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensix/pkg/core/device"
	_ "github.com/gomlx/tensix/pkg/core/device/sim"
	"github.com/gomlx/tensix/pkg/core/distributed"
	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
)

func TestParseFlags(t *testing.T) {
	size, err := parseSize2D("64x96")
	require.NoError(t, err)
	assert.Equal(t, shapes.Size2D{Height: 64, Width: 96}, size)
	for _, value := range []string{"64", "ax3", "3xb"} {
		_, err = parseSize2D(value)
		assert.Error(t, err, "value %q", value)
	}

	tile, err := parseTile("16x32")
	require.NoError(t, err)
	assert.Equal(t, layout.Tile{Height: 16, Width: 32, FaceHeight: 16, FaceWidth: 16}, tile)
	_, err = parseTile("0x32")
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	mc, err := shardedMemoryConfig("Height", size)
	require.NoError(t, err)
	assert.Equal(t, device.HeightSharded, mc.Layout)
	assert.Equal(t, device.L1, mc.BufferType)
	_, err = shardedMemoryConfig("diagonal", size)
	assert.Error(t, err)
}

func TestParseDistribution(t *testing.T) {
	for value, want := range map[string]distributed.Config{
		"replicate":    distributed.ReplicateTensor{},
		"replicate:3":  distributed.ReplicateTensor{ReplicationFactor: 3},
		"shard:1":      distributed.ShardTensor{ShardDim: 1},
		"shard_2d:2x4": distributed.ShardTensor2D{MeshRows: 2, MeshCols: 4},
		"all_gather":   distributed.AllGatherTensor{},
	} {
		got, err := parseDistribution(value)
		require.NoError(t, err, "value %q", value)
		assert.Equal(t, want, got, "value %q", value)
	}
	for _, value := range []string{"shard", "shard_2d:2", "broadcast"} {
		_, err := parseDistribution(value)
		assert.Error(t, err, "value %q", value)
	}
}

func TestLayoutPlan(t *testing.T) {
	plan, err := newLayoutPlan(shapes.Make(2, 40, 70), dtypes.Float32, dtypes.Float32, layout.DefaultTile)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 64, 96}, plan.padded.Dimensions)
	assert.Equal(t, 12, plan.numTiles())
	assert.Equal(t, uint64(2*40*70*4), plan.rowMajorBytes())
	assert.Equal(t, uint64(2*64*96*4), plan.tiledBytes)
	rows := plan.rows()
	assert.Equal(t, []string{"shape", shapes.Make(2, 40, 70).String()}, rows[0])
	assert.Equal(t, []string{"# tiles", "12"}, rows[6])

	// Block-float: 272 words per 32x32 tile.
	plan, err = newLayoutPlan(shapes.Make(32, 64), dtypes.Float32, dtypes.BFloat8B, layout.DefaultTile)
	require.NoError(t, err)
	assert.Equal(t, 2*layout.PackedTileWords(layout.DefaultTile, dtypes.BFloat8B), plan.tiledBufferWords)
	assert.Equal(t, uint64(2*272*4), plan.tiledBytes)

	_, err = newLayoutPlan(shapes.Make(32, 64), dtypes.BFloat8B, dtypes.BFloat8B, layout.DefaultTile)
	assert.True(t, errors.Is(err, errs.ErrPrecondition))
	_, err = newLayoutPlan(shapes.Make(64), dtypes.Float32, dtypes.Float32, layout.DefaultTile)
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, err = newLayoutPlan(shapes.Make(32, 64), dtypes.BFloat16, dtypes.BFloat8B, layout.DefaultTile)
	assert.Error(t, err)
}

func TestShardingRows(t *testing.T) {
	mc, err := shardedMemoryConfig("block", shapes.Size2D{Height: 64, Width: 64})
	require.NoError(t, err)
	rows, err := shardingRows(shapes.Make(2, 96, 160), mc)
	require.NoError(t, err)
	assert.Equal(t, []string{"# shards", "9 (3 x 3)"}, rows[3])
	assert.Equal(t, []string{"last shard", "64x32"}, rows[4])

	mc, err = shardedMemoryConfig("height", shapes.Size2D{Height: 64, Width: 64})
	require.NoError(t, err)
	_, err = shardingRows(shapes.Make(2, 96, 160), mc)
	assert.True(t, errors.Is(err, errs.ErrPrecondition))
}

func TestDistributionAndTransfers(t *testing.T) {
	system, err := newSystem("sim:devices=4,mode=async")
	require.NoError(t, err)
	defer system.Close()
	mesh, err := distributed.NewLineMesh(system.Devices())
	require.NoError(t, err)
	plan, err := newLayoutPlan(shapes.Make(8, 32), dtypes.BFloat16, dtypes.BFloat16, layout.DefaultTile)
	require.NoError(t, err)

	rows, err := distributionRows(plan, mesh, distributed.ShardTensor{ShardDim: 0})
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"Shard", "Device", "Shape", "Bytes"}, rows[0])
	assert.Equal(t, "device3", rows[4][1])
	assert.Equal(t, "128 B", rows[4][3])

	_, err = distributionRows(plan, mesh, distributed.ShardTensor2D{MeshRows: 3, MeshCols: 1})
	assert.True(t, errors.Is(err, errs.ErrPrecondition))

	ctx := context.Background()
	report, err := measureTransfers(ctx, plan, mesh, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*4*8*32*2), report.bytesPerTrip)
	reportRows := report.rows()
	assert.Equal(t, []string{"live buffers after", "0"}, reportRows[len(reportRows)-1])

	report, err = measureTransfers(ctx, plan, mesh, distributed.ReplicateTensor{ReplicationFactor: 2}, 2)
	require.NoError(t, err)
	assert.Len(t, report.devices, 2)
	assert.Equal(t, uint64(2*2*8*32*2), report.bytesPerTrip)
}
