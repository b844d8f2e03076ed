package device

import (
	"fmt"

	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/shapes"
)

// BufferType is the device memory where a buffer lives.
type BufferType int

const (
	// DRAM is the large off-chip memory of the device.
	DRAM BufferType = iota

	// L1 is the small on-core SRAM.
	L1
)

// String implements fmt.Stringer.
func (t BufferType) String() string {
	switch t {
	case DRAM:
		return "DRAM"
	case L1:
		return "L1"
	}
	return fmt.Sprintf("BufferType(%d)", int(t))
}

// MemoryLayout is how a buffer is spread over the banks or cores of a device.
type MemoryLayout int

const (
	// Interleaved distributes pages of the buffer round-robin over the memory banks.
	Interleaved MemoryLayout = iota

	// HeightSharded splits the 2D view of the tensor in shards of full rows.
	HeightSharded

	// WidthSharded splits the 2D view of the tensor in shards of full columns.
	WidthSharded

	// BlockSharded splits the 2D view of the tensor in a grid of rectangular shards.
	BlockSharded
)

var memoryLayoutNames = []string{"Interleaved", "HeightSharded", "WidthSharded", "BlockSharded"}

// String implements fmt.Stringer.
func (l MemoryLayout) String() string {
	if l >= 0 && int(l) < len(memoryLayoutNames) {
		return memoryLayoutNames[l]
	}
	return fmt.Sprintf("MemoryLayout(%d)", int(l))
}

// MemoryConfig of a device buffer.
type MemoryConfig struct {
	Layout     MemoryLayout
	BufferType BufferType

	// ShardShape is the shape (height x width of the 2D view of the tensor) of each shard.
	// Only used by the sharded layouts.
	ShardShape shapes.Size2D
}

// DefaultMemoryConfig is interleaved in DRAM.
var DefaultMemoryConfig = MemoryConfig{Layout: Interleaved, BufferType: DRAM}

// IsSharded returns whether the layout is one of the sharded ones.
func (mc MemoryConfig) IsSharded() bool {
	return mc.Layout != Interleaved
}

// String implements fmt.Stringer.
func (mc MemoryConfig) String() string {
	if !mc.IsSharded() {
		return fmt.Sprintf("%s/%s", mc.Layout, mc.BufferType)
	}
	return fmt.Sprintf("%s/%s(shard %s)", mc.Layout, mc.BufferType, mc.ShardShape)
}

// ShardDivision returns how a tensor of the given shape is divided in shards by this memory configuration.
//
// It returns an ErrPrecondition error if the configuration is not sharded, or if the shard shape is
// inconsistent with the layout: height sharding requires full-width shards and width sharding full-height ones.
func (mc MemoryConfig) ShardDivision(shape shapes.Shape) (shapes.ShardDivisionSpec, error) {
	m := shape.To2D()
	switch mc.Layout {
	case Interleaved:
		return shapes.ShardDivisionSpec{}, errs.Preconditionf("memory config %s is not sharded (tensor shape %s)", mc, shape)
	case HeightSharded:
		if mc.ShardShape.Width != m.Width {
			return shapes.ShardDivisionSpec{}, errs.Preconditionf(
				"height sharding requires shard width (%d) equal to the tensor width (%d), shape %s",
				mc.ShardShape.Width, m.Width, shape)
		}
	case WidthSharded:
		if mc.ShardShape.Height != m.Height {
			return shapes.ShardDivisionSpec{}, errs.Preconditionf(
				"width sharding requires shard height (%d) equal to the tensor height (%d), shape %s",
				mc.ShardShape.Height, m.Height, shape)
		}
	case BlockSharded:
	default:
		return shapes.ShardDivisionSpec{}, errs.InvalidArgumentf("unknown memory layout %s", mc.Layout)
	}
	return shapes.ComputeShardDivisionSpec(m, mc.ShardShape)
}
