package distributed

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Config is the distribution configuration of a multi-device tensor: how its logical range maps to the
// devices (or host shards) holding it.
//
// It's a closed set of variants: ReplicateTensor, ShardTensor, ShardTensor2D and AllGatherTensor.
// Configurations are comparable values.
type Config interface {
	fmt.Stringer
	isConfig()
}

// ReplicateTensor holds a full copy of the tensor on each device.
type ReplicateTensor struct {
	ReplicationFactor int
}

// ShardTensor splits the tensor along ShardDim, one contiguous chunk per device.
type ShardTensor struct {
	ShardDim int
}

// ShardTensor2D splits the tensor over a 2D mesh of MeshRows x MeshCols devices: the second to last axis
// (height) is split over the mesh rows, and the last axis (width) over the mesh columns.
type ShardTensor2D struct {
	MeshRows, MeshCols int
}

// AllGatherTensor marks a tensor whose shards are to be concatenated on every device.
type AllGatherTensor struct{}

func (ReplicateTensor) isConfig() {}
func (ShardTensor) isConfig()     {}
func (ShardTensor2D) isConfig()   {}
func (AllGatherTensor) isConfig() {}

func (c ReplicateTensor) String() string { return fmt.Sprintf("ReplicateTensor(factor=%d)", c.ReplicationFactor) }
func (c ShardTensor) String() string     { return fmt.Sprintf("ShardTensor(dim=%d)", c.ShardDim) }
func (c ShardTensor2D) String() string {
	return fmt.Sprintf("ShardTensor2D(mesh=%dx%d)", c.MeshRows, c.MeshCols)
}
func (c AllGatherTensor) String() string { return "AllGatherTensor" }

// ConfigFromMap parses a distribution configuration from its metadata representation:
//
//   - {"strategy": "replicate", "replication_factor": "8"}
//   - {"strategy": "shard", "shard_dim": "3"}
//   - {"strategy": "shard_2d", "mesh_shape_y": "2", "mesh_shape_x": "4"}
//   - {"strategy": "all_gather"}
func ConfigFromMap(metadata map[string]string) (Config, error) {
	getInt := func(key string) (int, error) {
		value, found := metadata[key]
		if !found {
			return 0, errors.Errorf("distribution strategy %q requires key %q", metadata["strategy"], key)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, errors.Wrapf(err, "distribution key %q", key)
		}
		return n, nil
	}
	switch metadata["strategy"] {
	case "replicate":
		factor, err := getInt("replication_factor")
		return ReplicateTensor{ReplicationFactor: factor}, err
	case "shard":
		dim, err := getInt("shard_dim")
		return ShardTensor{ShardDim: dim}, err
	case "shard_2d":
		rows, err := getInt("mesh_shape_y")
		if err != nil {
			return nil, err
		}
		cols, err := getInt("mesh_shape_x")
		return ShardTensor2D{MeshRows: rows, MeshCols: cols}, err
	case "all_gather":
		return AllGatherTensor{}, nil
	}
	return nil, errors.Errorf("unsupported distribution strategy %q", metadata["strategy"])
}

// ConfigToMap is the inverse of ConfigFromMap.
func ConfigToMap(config Config) map[string]string {
	switch c := config.(type) {
	case ReplicateTensor:
		return map[string]string{"strategy": "replicate", "replication_factor": strconv.Itoa(c.ReplicationFactor)}
	case ShardTensor:
		return map[string]string{"strategy": "shard", "shard_dim": strconv.Itoa(c.ShardDim)}
	case ShardTensor2D:
		return map[string]string{"strategy": "shard_2d", "mesh_shape_y": strconv.Itoa(c.MeshRows),
			"mesh_shape_x": strconv.Itoa(c.MeshCols)}
	case AllGatherTensor:
		return map[string]string{"strategy": "all_gather"}
	}
	return nil
}
