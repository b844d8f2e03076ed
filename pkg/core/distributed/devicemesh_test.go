// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensix/pkg/core/device"
	_ "github.com/gomlx/tensix/pkg/core/device/sim"
	"github.com/gomlx/tensix/pkg/core/distributed"
)

func newDevices(t *testing.T, numDevices int) []*device.Device {
	system, err := device.NewFromConfig(device.Config{
		Allocator: "sim", Mode: device.Synchronous, NumDevices: numDevices, NumQueues: 1, QueueDepth: 1,
		DRAMSize: 1 << 20, L1Size: 1 << 10,
	})
	require.NoError(t, err)
	t.Cleanup(system.Close)
	return system.Devices()
}

func TestDeviceMesh(t *testing.T) {
	devices := newDevices(t, 8)

	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			numDevs   int
			wantRank  int
		}{
			{name: "1D mesh", shape: []int{8}, axisNames: []string{"line"}, numDevs: 8, wantRank: 1},
			{name: "2D mesh", shape: []int{2, 4}, axisNames: []string{"rows", "cols"}, numDevs: 8, wantRank: 2},
			{name: "3D mesh", shape: []int{2, 2, 2}, axisNames: []string{"x", "y", "z"}, numDevs: 8, wantRank: 3},
			{name: "single device", shape: []int{1}, axisNames: []string{"line"}, numDevs: 1, wantRank: 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(devices[:tt.numDevs], tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.numDevs, mesh.NumDevices())
				assert.Equal(t, distributed.DefaultMeshName, mesh.Name())
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			devices   []*device.Device
			shape     []int
			axisNames []string
			wantErr   string
		}{
			{name: "mismatched lengths", devices: devices, shape: []int{2, 4}, axisNames: []string{"x"},
				wantErr: "must have the same length"},
			{name: "empty shape", devices: devices, shape: []int{}, axisNames: []string{},
				wantErr: "axesSizes cannot be empty"},
			{name: "invalid axis name", devices: devices, shape: []int{8}, axisNames: []string{"1x"},
				wantErr: "is not a valid identifier"},
			{name: "duplicate axis names", devices: devices, shape: []int{2, 4}, axisNames: []string{"x", "x"},
				wantErr: "axis name \"x\" is duplicated"},
			{name: "wrong number of devices", devices: devices[:4], shape: []int{8}, axisNames: []string{"line"},
				wantErr: "require 8 devices, got 4"},
			{name: "duplicated device", devices: append(devices[:1:1], devices[0]), shape: []int{2},
				axisNames: []string{"line"}, wantErr: "device #0 is duplicated"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.devices, tt.shape, tt.axisNames)
				require.Error(t, err)
				assert.Nil(t, mesh)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Accessors", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh(devices, []int{2, 4}, []string{"rows", "cols"})
		require.NoError(t, err)
		axisNames := mesh.AxesNames()
		assert.Equal(t, []string{"rows", "cols"}, axisNames)
		axisNames[0] = "modified"
		assert.Equal(t, []string{"rows", "cols"}, mesh.AxesNames())
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())

		size, err := mesh.AxisSize("cols")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("z")
		assert.Error(t, err)

		d, err := mesh.Device(1, 2)
		require.NoError(t, err)
		assert.Equal(t, device.ID(6), d.ID())
		_, err = mesh.Device(2, 0)
		assert.Error(t, err)
		_, err = mesh.Device(0)
		assert.Error(t, err)

		mesh.SetName("galaxy")
		assert.Equal(t, "galaxy", mesh.Name())
		assert.Equal(t, "DeviceMesh(axesSizes={rows: 2, cols: 4})", mesh.String())
		assert.Len(t, mesh.Devices(), 8)
	})

	t.Run("ComputeReplicaGroups", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh(devices[:4], []int{2, 2}, []string{"rows", "cols"})
		require.NoError(t, err)
		groups, err := mesh.ComputeReplicaGroups([]string{"rows"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)
		groups, err = mesh.ComputeReplicaGroups([]string{"cols"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)
		groups, err = mesh.ComputeReplicaGroups([]string{"rows", "cols"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)
		_, err = mesh.ComputeReplicaGroups([]string{"rows", "rows"})
		assert.Error(t, err)
		_, err = mesh.ComputeReplicaGroups([]string{"depth"})
		assert.Error(t, err)
	})

	line, err := distributed.NewLineMesh(devices)
	require.NoError(t, err)
	assert.Equal(t, []string{"line"}, line.AxesNames())
}

func TestConfig(t *testing.T) {
	for _, config := range []distributed.Config{
		distributed.ReplicateTensor{ReplicationFactor: 8},
		distributed.ShardTensor{ShardDim: 3},
		distributed.ShardTensor2D{MeshRows: 2, MeshCols: 4},
		distributed.AllGatherTensor{},
	} {
		got, err := distributed.ConfigFromMap(distributed.ConfigToMap(config))
		require.NoError(t, err)
		assert.Equal(t, config, got, "config %s", config)
	}
	assert.Equal(t, "ShardTensor2D(mesh=2x4)", distributed.ShardTensor2D{MeshRows: 2, MeshCols: 4}.String())

	_, err := distributed.ConfigFromMap(map[string]string{"strategy": "shard"})
	assert.Error(t, err)
	_, err = distributed.ConfigFromMap(map[string]string{"strategy": "shard", "shard_dim": "x"})
	assert.Error(t, err)
	_, err = distributed.ConfigFromMap(map[string]string{"strategy": "scatter"})
	assert.Error(t, err)
}
