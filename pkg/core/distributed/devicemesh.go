// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the objects describing how a logical tensor spreads over several devices:
//
//   - DeviceMesh: a logical grid of devices, in terms of named axes and their sizes.
//   - Config: the distribution configuration of a tensor (replicated, sharded along an axis, sharded over a 2D
//     mesh or all-gathered).
//   - Split and Concat: the host-side partitioning of flat row-major buffers into shards, and back.
package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/tensix/pkg/core/device"
	"github.com/gomlx/tensix/pkg/support/sets"
)

// DeviceMesh defines the logical topology of a set of devices.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// devices in the mesh, in row-major order of the mesh coordinates.
	devices []*device.Device
}

const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh organizes the devices in a logical grid.
//
//   - devices: the devices of the mesh, in row-major order of the mesh coordinates. They must be distinct.
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis. Their product must
//     be len(devices).
//   - axesNames: the names of the mesh axes. One value per axis.
//
// Example: a 2x4 mesh for ShardTensor2D configurations:
//
//	mesh, err := NewDeviceMesh(system.Devices(), []int{2, 4}, []string{"rows", "cols"})
func NewDeviceMesh(devices []*device.Device, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	axesNames = slices.Clone(axesNames)
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q has invalid size %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}
	if numDevices != len(devices) {
		return nil, errors.Errorf("DeviceMesh axesSizes %v require %d devices, got %d", axesSizes, numDevices, len(devices))
	}
	seen := sets.Make[device.ID](len(devices))
	for _, d := range devices {
		if seen.Has(d.ID()) {
			return nil, errors.Errorf("device #%d is duplicated in DeviceMesh", d.ID())
		}
		seen.Insert(d.ID())
	}

	return &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		devices:    slices.Clone(devices),
	}, nil
}

// NewLineMesh returns a 1D mesh with one axis named "line".
func NewLineMesh(devices []*device.Device) (*DeviceMesh, error) {
	return NewDeviceMesh(devices, []int{len(devices)}, []string{"line"})
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return len(m.devices)
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// Devices returns the devices of the mesh, in row-major order of their coordinates.
func (m *DeviceMesh) Devices() []*device.Device {
	return slices.Clone(m.devices)
}

// Device returns the device at the given mesh coordinates, one per axis.
func (m *DeviceMesh) Device(coordinates ...int) (*device.Device, error) {
	if len(coordinates) != m.Rank() {
		return nil, errors.Errorf("mesh of rank %d given %d coordinates %v", m.Rank(), len(coordinates), coordinates)
	}
	flatIdx := 0
	for axis, coord := range coordinates {
		if coord < 0 || coord >= m.axesSizes[axis] {
			return nil, errors.Errorf("mesh coordinate %d out of bounds for axis %q of size %d",
				coord, m.axesNames[axis], m.axesSizes[axis])
		}
		flatIdx = flatIdx*m.axesSizes[axis] + coord
	}
	return m.devices[flatIdx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the groups of devices (indices in the mesh order) that vary only along the
// given axes. The other axes will be split into different groups.
//
// Example:
//
//	m := NewDeviceMesh(devices, []int{2, 2}, []string{"rows", "cols"})
//	rowsGroups, _ := m.ComputeReplicaGroups([]string{"rows"})  // -> [][]int{{0, 2}, {1, 3}}
//	colsGroups, _ := m.ComputeReplicaGroups([]string{"cols"})  // -> [][]int{{0, 1}, {2, 3}}
//	allGroups, _ := m.ComputeReplicaGroups([]string{"rows", "cols"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numDevices := m.NumDevices()
	groups := make([][]int, numDevices/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	indices := make([]int, len(m.axesSizes))
	for flatIdx := range numDevices {
		// Convert flat index to per-axis indices
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		// Group index from the non-axis indices, position within the group from the axis indices.
		groupIdx, multiplier := 0, 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}
		groups[groupIdx][posInGroup] = flatIdx
	}
	return groups, nil
}
