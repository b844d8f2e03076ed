package tensors

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gomlx/tensix/pkg/core/device"
	"github.com/gomlx/tensix/pkg/core/distributed"
	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/core/storage"
)

// shardShape returns the logical shape of the shard, defaulting to its physical shape.
func (t *Tensor) shardShape(key int, physical shapes.Shape) shapes.Shape {
	t.mu.Lock()
	defer t.mu.Unlock()
	if shape, found := t.shardShapes[key]; found {
		return shape
	}
	return physical
}

func (t *Tensor) copyShardShapes() map[int]shapes.Shape {
	t.mu.Lock()
	defer t.mu.Unlock()
	shardShapes := make(map[int]shapes.Shape, len(t.shardShapes))
	for key, shape := range t.shardShapes {
		shardShapes[key] = shape
	}
	return shardShapes
}

func (t *Tensor) pendingFutures() []*device.Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*device.Future(nil), t.pending...)
}

// NumShards returns the number of shards declared by a multi-device tensor, or 1 for single buffer tensors.
func (t *Tensor) NumShards() int {
	switch st := t.Storage().(type) {
	case *storage.MultiDevice:
		return st.NumDevices()
	case *storage.MultiDeviceHost:
		return st.NumShards()
	}
	return 1
}

// Shards returns the shards of the tensor, in order: by device id for MultiDevice tensors, by shard index for
// MultiDeviceHost tensors. Single buffer tensors return themselves.
//
// Shards share the buffers of the tensor: call Deallocate on them once they're no longer needed.
func Shards(t *Tensor) ([]*Tensor, error) {
	var keys []int
	switch st := t.Storage().(type) {
	case *storage.Owned, *storage.Borrowed, *storage.Device:
		return []*Tensor{t}, nil
	case *storage.MultiDevice:
		for _, id := range st.DeviceIDs() {
			keys = append(keys, int(id))
		}
	case *storage.MultiDeviceHost:
		for shard := range st.NumShards() {
			keys = append(keys, shard)
		}
	default:
		return nil, storage.Unsupported("shard enumeration", st)
	}
	shards := make([]*Tensor, 0, len(keys))
	for _, key := range keys {
		shard, err := GetShard(t, key)
		if err != nil {
			for _, s := range shards {
				s.Deallocate()
			}
			return nil, err
		}
		shards = append(shards, shard)
	}
	return shards, nil
}

// GetShard returns the shard of a multi-device tensor: key is the device id for MultiDevice tensors, and the
// shard index for MultiDeviceHost tensors. The shard shares the buffer with t.
//
// It returns an ErrUnsupportedStorage error for single buffer tensors, and an ErrInvalidArgument error if
// the shard is not present.
func GetShard(t *Tensor, key int) (*Tensor, error) {
	spec := t.spec()
	var st storage.Storage
	switch multi := t.Storage().(type) {
	case *storage.MultiDevice:
		buffer, err := multi.Buffer(device.ID(key))
		if err != nil {
			return nil, err
		}
		physical, _ := multi.Shape(device.ID(key))
		spec.Shape, spec.PaddedShape = t.shardShape(key, physical), physical
		mc := buffer.MemoryConfig()
		spec.MemoryConfig = &mc
		st = storage.NewDevice(buffer.Retain())
	case *storage.MultiDeviceHost:
		buffer, err := multi.Buffer(key)
		if err != nil {
			return nil, err
		}
		physical, _ := multi.Shape(key)
		spec.Shape, spec.PaddedShape = t.shardShape(key, physical), physical
		st = storage.NewOwned(buffer)
	default:
		return nil, errs.UnsupportedStoragef("shard lookup only supports multi-device storage, tensor %s has %s",
			t.id, storageKindName(multi))
	}
	shard := newTensor(spec, st)
	shard.addPending(t.pendingFutures()...)
	return shard, nil
}

func storageKindName(st storage.Storage) string {
	if st == nil {
		return "no storage"
	}
	return st.Kind().String() + " storage"
}

// InsertShard inserts (or replaces) the shard of a multi-device tensor in place: key is the device id for
// MultiDevice tensors, and the shard index for MultiDeviceHost tensors. It's used to populate shards
// incrementally, for instance while device work is still in flight.
//
// The shard must match the dtype, layout and tile of t, and be stored on the device key (MultiDevice) or on
// the host (MultiDeviceHost). It panics if key was not declared when t was created.
func InsertShard(t *Tensor, key int, shard *Tensor) error {
	if shard.dtype != t.dtype || shard.layout != t.layout || shard.tile != t.tile {
		return errs.Preconditionf("can't insert shard of %s %s (tile %s) in tensor of %s %s (tile %s)",
			shard.dtype, shard.layout, shard.tile, t.dtype, t.layout, t.tile)
	}
	switch multi := t.Storage().(type) {
	case *storage.MultiDevice:
		single, ok := shard.Storage().(*storage.Device)
		if !ok {
			return errs.UnsupportedStoragef("inserting a shard in a MultiDevice tensor requires a Device shard, got %s",
				storageKindName(shard.Storage()))
		}
		if single.Buffer.Device().ID() != device.ID(key) {
			return errs.InvalidArgumentf("shard stored on %s can't be inserted as device %d", single.Buffer.Device(), key)
		}
		multi.Insert(device.ID(key), single.Buffer.Retain(), shard.paddedShape)
	case *storage.MultiDeviceHost:
		var buffer storage.HostBuffer
		switch single := shard.Storage().(type) {
		case *storage.Owned:
			buffer = single.Buffer
		case *storage.Borrowed:
			buffer = single.Buffer.Clone()
		default:
			return errs.UnsupportedStoragef("inserting a shard in a MultiDeviceHost tensor requires a host shard, got %s",
				storageKindName(single))
		}
		multi.Insert(key, buffer, shard.paddedShape)
	default:
		return errs.UnsupportedStoragef("shard insertion only supports multi-device storage, tensor %s has %s",
			t.id, storageKindName(multi))
	}
	t.mu.Lock()
	if t.shardShapes == nil {
		t.shardShapes = make(map[int]shapes.Shape)
	}
	t.shardShapes[key] = shard.shape.Clone()
	t.mu.Unlock()
	t.addPending(shard.pendingFutures()...)
	return nil
}

// FromShards assembles a multi-device tensor from its shards, with the given distribution configuration.
//
// Host shards (Owned or Borrowed, which are copied) create a MultiDeviceHost tensor with the shards in the
// given order. Device shards, each on a different device, create a MultiDevice tensor: they must be given
// ordered by device id. The global shape is derived from the shard shapes and the configuration.
func FromShards(shards []*Tensor, config distributed.Config) (*Tensor, error) {
	if len(shards) == 0 {
		return nil, errs.InvalidArgumentf("FromShards requires at least one shard")
	}
	first := shards[0]
	logical := make([]shapes.Shape, len(shards))
	physical := make([]shapes.Shape, len(shards))
	for i, shard := range shards {
		if shard.dtype != first.dtype || shard.layout != first.layout || shard.tile != first.tile {
			return nil, errs.Preconditionf("shard #%d is %s %s (tile %s), shard #0 is %s %s (tile %s)",
				i, shard.dtype, shard.layout, shard.tile, first.dtype, first.layout, first.tile)
		}
		logical[i], physical[i] = shard.shape, shard.paddedShape
	}
	spec := first.spec()
	var err error
	if spec.Shape, err = assembleShape(config, logical); err != nil {
		return nil, err
	}
	if spec.PaddedShape, err = assembleShape(config, physical); err != nil {
		return nil, err
	}

	var result *Tensor
	switch first.Storage().(type) {
	case *storage.Owned, *storage.Borrowed:
		st := storage.NewMultiDeviceHost(config, len(shards))
		result = newTensor(spec, st)
		result.shardShapes = make(map[int]shapes.Shape, len(shards))
		for i, shard := range shards {
			switch single := shard.Storage().(type) {
			case *storage.Owned:
				st.Insert(i, single.Buffer, physical[i])
			case *storage.Borrowed:
				st.Insert(i, single.Buffer.Clone(), physical[i])
			default:
				return nil, errs.UnsupportedStoragef("shard #%d has %s, while shard #0 is on host", i, storageKindName(single))
			}
			result.shardShapes[i] = logical[i].Clone()
		}

	case *storage.Device:
		buffers := make([]*device.Buffer, len(shards))
		for i, shard := range shards {
			single, ok := shard.Storage().(*storage.Device)
			if !ok {
				return nil, errs.UnsupportedStoragef("shard #%d has %s, while shard #0 is on a device", i,
					storageKindName(shard.Storage()))
			}
			if i > 0 && single.Buffer.Device().ID() <= buffers[i-1].Device().ID() {
				return nil, errs.InvalidArgumentf("device shards must be ordered by distinct device ids, "+
					"shard #%d on %s follows %s", i, single.Buffer.Device(), buffers[i-1].Device())
			}
			buffers[i] = single.Buffer
		}
		for _, buffer := range buffers {
			buffer.Retain()
		}
		result = newMultiDeviceTensor(spec, config, buffers, logical, physical)

	default:
		return nil, storage.Unsupported("shard assembly", first.Storage())
	}
	for _, shard := range shards {
		result.addPending(shard.pendingFutures()...)
	}
	return result, nil
}

// assembleShape returns the global shape of the given shard shapes: the shape of the first shard for
// replicated configurations, the concatenation along the sharded axes otherwise.
func assembleShape(config distributed.Config, shardShapes []shapes.Shape) (shapes.Shape, error) {
	first := shardShapes[0]
	switch c := config.(type) {
	case nil, distributed.ReplicateTensor, distributed.AllGatherTensor:
		return first.Clone(), nil
	case distributed.ShardTensor:
		axis := c.ShardDim
		if axis < 0 {
			axis += first.Rank()
		}
		if axis < 0 || axis >= first.Rank() {
			return shapes.Shape{}, errs.InvalidArgumentf("%s: axis out of bounds for shard shape %s", c, first)
		}
		total := 0
		for _, shape := range shardShapes {
			if shape.Rank() != first.Rank() {
				return shapes.Shape{}, errs.Shapef("%s: shards have different ranks, %s and %s", c, first, shape)
			}
			total += shape.Dimensions[axis]
		}
		return first.WithDim(axis, total), nil
	case distributed.ShardTensor2D:
		if len(shardShapes) != c.MeshRows*c.MeshCols || first.Rank() < 2 {
			return shapes.Shape{}, errs.Shapef("%s: %d shards of shape %s don't fill the mesh", c, len(shardShapes), first)
		}
		height, width := 0, 0
		for r := range c.MeshRows {
			height += shardShapes[r*c.MeshCols].Dim(-2)
		}
		for col := range c.MeshCols {
			width += shardShapes[col].Dim(-1)
		}
		return first.WithDim(-2, height).WithDim(-1, width), nil
	}
	return shapes.Shape{}, errs.InvalidArgumentf("unknown distribution configuration %v", config)
}

// Transform applies fn to each shard of the tensor, in order, and assembles the results in a new tensor with
// the same distribution configuration. Single buffer tensors call fn(t) directly.
func Transform(t *Tensor, fn func(shard *Tensor) (*Tensor, error)) (*Tensor, error) {
	st := t.Storage()
	if st == nil {
		return nil, storage.Unsupported("shard iteration", nil)
	}
	if !st.Kind().IsMultiDevice() {
		return fn(t)
	}
	shards, err := Shards(t)
	if err != nil {
		return nil, err
	}
	results := make([]*Tensor, 0, len(shards))
	defer func() {
		for _, shard := range shards {
			shard.Deallocate()
		}
		for _, r := range results {
			r.Deallocate()
		}
	}()
	for i, shard := range shards {
		r, err := fn(shard)
		if err != nil {
			return nil, errors.WithMessagef(err, "transforming shard #%d of tensor %s", i, t.id)
		}
		results = append(results, r)
	}
	return FromShards(results, t.DistributionConfig())
}

// Apply calls fn on each shard of the tensor, in order. Single buffer tensors call fn(t) directly.
func Apply(t *Tensor, fn func(shard *Tensor) error) error {
	st := t.Storage()
	if st == nil {
		return storage.Unsupported("shard iteration", nil)
	}
	if !st.Kind().IsMultiDevice() {
		return fn(t)
	}
	shards, err := Shards(t)
	if err != nil {
		return err
	}
	defer func() {
		for _, shard := range shards {
			shard.Deallocate()
		}
	}()
	for i, shard := range shards {
		if err := fn(shard); err != nil {
			return errors.WithMessagef(err, "applying to shard #%d of tensor %s", i, t.id)
		}
	}
	return nil
}

// DistributeToMesh splits (or replicates) a row-major host tensor into a MultiDeviceHost tensor with one
// shard per device of the mesh, according to config. Place it on the mesh with To(ctx, mesh.Devices(), ...).
//
//   - ReplicateTensor: ReplicationFactor copies, or one per device if the factor is 0.
//   - ShardTensor: split along ShardDim in mesh.NumDevices() contiguous chunks.
//   - ShardTensor2D: split the two innermost axes over a MeshRows x MeshCols grid.
//   - AllGatherTensor: one copy per device.
func DistributeToMesh(t *Tensor, mesh *distributed.DeviceMesh, config distributed.Config) (*Tensor, error) {
	flat, err := t.rowMajorHost("distribution")
	if err != nil {
		return nil, err
	}
	if flat == nil {
		return nil, storage.Unsupported("distribution", t.Storage())
	}
	numDevices := mesh.NumDevices()
	var flats []any
	var shardShapes []shapes.Shape
	switch c := config.(type) {
	case distributed.ReplicateTensor, distributed.AllGatherTensor:
		n := numDevices
		if r, ok := c.(distributed.ReplicateTensor); ok && r.ReplicationFactor > 0 {
			n = r.ReplicationFactor
		}
		for range n {
			flats = append(flats, dtypes.CloneFlat(flat))
			shardShapes = append(shardShapes, t.paddedShape)
		}
	case distributed.ShardTensor:
		flats, shardShapes, err = distributed.Split(flat, t.paddedShape, c.ShardDim, numDevices)
	case distributed.ShardTensor2D:
		if c.MeshRows*c.MeshCols != numDevices {
			return nil, errs.Preconditionf("%s doesn't match mesh %s with %d devices", c, mesh.Name(), numDevices)
		}
		flats, shardShapes, err = distributed.Split2D(flat, t.paddedShape, c.MeshRows, c.MeshCols)
	default:
		return nil, errs.InvalidArgumentf("unknown distribution configuration %v", config)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "distributing tensor %s with %s", t.id, config)
	}
	st := storage.NewMultiDeviceHost(config, len(flats))
	result := newTensor(t.spec(), st)
	result.shardShapes = make(map[int]shapes.Shape, len(flats))
	logical := logicalShardShapes(config, t.shape, shardShapes)
	for shard, shardFlat := range flats {
		st.Insert(shard, storage.NewHostBuffer(shardFlat), shardShapes[shard])
		result.shardShapes[shard] = logical[shard]
	}
	return result, nil
}

// logicalShardShapes returns the part of the logical shape each physical shard holds: the padding of the
// tensor ends up in the last shards along the split axes, which may hold no logical elements at all.
func logicalShardShapes(config distributed.Config, logical shapes.Shape, physical []shapes.Shape) []shapes.Shape {
	result := make([]shapes.Shape, len(physical))
	clip := func(shape shapes.Shape, axis, offset, size int) shapes.Shape {
		return shape.WithDim(axis, max(0, min(size, logical.Dimensions[axis]-offset)))
	}
	rank := logical.Rank()
	switch c := config.(type) {
	case distributed.ShardTensor:
		axis := c.ShardDim
		if axis < 0 {
			axis += rank
		}
		offset := 0
		for shard, p := range physical {
			result[shard] = clip(logical, axis, offset, p.Dimensions[axis])
			offset += p.Dimensions[axis]
		}
	case distributed.ShardTensor2D:
		rowOffset := 0
		for row := range c.MeshRows {
			colOffset := 0
			for col := range c.MeshCols {
				shard := row*c.MeshCols + col
				p := physical[shard]
				result[shard] = clip(clip(logical, rank-2, rowOffset, p.Dimensions[rank-2]),
					rank-1, colOffset, p.Dimensions[rank-1])
				colOffset += p.Dimensions[rank-1]
			}
			rowOffset += physical[row*c.MeshCols].Dimensions[rank-2]
		}
	default:
		for shard := range physical {
			result[shard] = logical.Clone()
		}
	}
	return result
}

// ConcatShards aggregates the shards of a row-major MultiDeviceHost tensor into a single Owned tensor, the
// inverse of DistributeToMesh: replicated configurations return a copy of the first shard, sharded ones
// concatenate the shards along the sharded axes.
func ConcatShards(t *Tensor) (*Tensor, error) {
	st, ok := t.Storage().(*storage.MultiDeviceHost)
	if !ok {
		return nil, errs.UnsupportedStoragef("concatenating shards requires MultiDeviceHost storage, tensor %s has %s "+
			"(read device tensors back with CPU first)", t.id, storageKindName(t.Storage()))
	}
	if t.layout != layout.RowMajor {
		return nil, errs.Preconditionf("concatenating shards requires a row-major tensor, got %s", t.layout)
	}
	if err := t.Wait(context.Background()); err != nil {
		return nil, err
	}
	n := st.NumShards()
	flats := make([]any, n)
	flatShapes := make([]shapes.Shape, n)
	for shard := range n {
		buffer, err := st.Buffer(shard)
		if err != nil {
			return nil, err
		}
		flats[shard] = buffer.Flat()
		flatShapes[shard], _ = st.Shape(shard)
	}
	var flat any
	var outShape shapes.Shape
	var err error
	switch c := st.Config().(type) {
	case nil, distributed.ReplicateTensor, distributed.AllGatherTensor:
		flat, outShape = storage.NewHostBuffer(flats[0]).Clone().Flat(), flatShapes[0]
	case distributed.ShardTensor:
		flat, outShape, err = distributed.Concat(flats, flatShapes, c.ShardDim)
	case distributed.ShardTensor2D:
		flat, outShape, err = distributed.Concat2D(flats, flatShapes, c.MeshRows, c.MeshCols)
	default:
		err = errs.InvalidArgumentf("unknown distribution configuration %v", c)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "concatenating shards of tensor %s", t.id)
	}
	spec := t.spec()
	spec.Shape, spec.PaddedShape = t.shape, outShape
	if !fitsWithin(t.shape, outShape) {
		spec.Shape = outShape
	}
	return newTensor(spec, storage.NewOwned(storage.NewHostBuffer(flat))), nil
}

// fitsWithin reports whether shape has the rank of bounds and no dimension larger than it.
func fitsWithin(shape, bounds shapes.Shape) bool {
	if shape.Rank() != bounds.Rank() {
		return false
	}
	for axis, dim := range shape.Dimensions {
		if dim > bounds.Dimensions[axis] {
			return false
		}
	}
	return true
}
