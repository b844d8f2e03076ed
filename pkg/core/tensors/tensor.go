/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements the Tensor: a multidimensional array described by its logical shape, data type,
// layout (row-major or tiled) and where its bytes live (see package storage).
//
// Tensors are immutable: every transition returns a new Tensor, and the receiver and its storage are left
// untouched. The result may alias the bytes of the receiver when no conversion is needed (for instance a
// Reshape that doesn't change the two innermost axes), in which case device buffers are shared through their
// reference count.
//
// There are various ways to construct a Tensor from host data:
//
//   - FromShape(dtype, dimensions...): a tensor with zero values.
//
//   - FromFlatData[T](data []T, dimensions...): copies the flat (row-major) data. Example:
//
//     t, err := FromFlatData([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - Borrow[T](data []T, shape, onCreation, onDestruction): references the data without copying it. The
//     caller keeps the ownership of data, and is notified when the tensor releases it.
//
//   - FromStorage: wraps an already built storage.Storage, for instance a tiled or block-float buffer.
//
// Then a tensor is moved around with the transitions:
//
//   - To: host to one device (Device storage) or to many (MultiDevice storage).
//   - CPU: back to the host, blocking or not.
//   - ToLayout: row-major <-> tiled, optionally to a block-float dtype, optionally on a device worker.
//   - Pad, Unpad, PadToTile, UnpadFromTile and Reshape.
//
// Multi-device tensors are manipulated shard by shard with Transform and Apply.
package tensors

import (
	"context"
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/gomlx/tensix/pkg/core/device"
	"github.com/gomlx/tensix/pkg/core/distributed"
	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/core/storage"
)

// Tensor is a multidimensional array with a logical shape and a physical (padded) shape, stored in one of
// the storage kinds.
//
// The physical shape is the shape of the data actually stored: it's larger than the logical shape after
// PadToTile, and it's always tile aligned for tiled tensors. For multi-device tensors the shapes are the ones
// of the whole (global) tensor, and each shard has its own shapes.
//
// A Tensor may be "pending": its data is being written by a device queue (see To and CPU with blocking set
// to false). Accessors to the data wait for it transparently, and Wait can be used to wait explicitly.
type Tensor struct {
	id          uuid.UUID
	shape       shapes.Shape
	paddedShape shapes.Shape
	dtype       dtypes.DType
	layout      layout.Layout
	tile        layout.Tile
	memConfig   device.MemoryConfig

	mu      sync.Mutex
	storage storage.Storage

	// shardShapes are the logical shapes of the shards of a multi-device tensor, keyed by device id
	// (MultiDevice) or by shard index (MultiDeviceHost). The physical ones are kept by the storage.
	shardShapes map[int]shapes.Shape

	// pending device tasks that populate the storage.
	pending    []*device.Future
	pendingErr error
}

// Spec describes the metadata of a tensor, used with FromStorage.
type Spec struct {
	DType dtypes.DType

	// Shape is the logical shape, and PaddedShape the physical one. If PaddedShape is not set, it's the
	// same as Shape.
	Shape, PaddedShape shapes.Shape

	Layout layout.Layout

	// Tile used by the tiled layout. If not set, layout.DefaultTile is used.
	Tile layout.Tile

	// MemoryConfig of device buffers. If not set, device.DefaultMemoryConfig.
	MemoryConfig *device.MemoryConfig
}

func newTensor(spec Spec, st storage.Storage) *Tensor {
	t := &Tensor{
		id:        uuid.New(),
		shape:     spec.Shape.Clone(),
		dtype:     spec.DType,
		layout:    spec.Layout,
		tile:      spec.Tile,
		memConfig: device.DefaultMemoryConfig,
		storage:   st,
	}
	if spec.PaddedShape.Dimensions == nil {
		t.paddedShape = spec.Shape.Clone()
	} else {
		t.paddedShape = spec.PaddedShape.Clone()
	}
	if t.tile == (layout.Tile{}) {
		t.tile = layout.DefaultTile
	}
	if spec.MemoryConfig != nil {
		t.memConfig = *spec.MemoryConfig
	}
	return t
}

// spec returns the metadata of the tensor, to build a derived one.
func (t *Tensor) spec() Spec {
	mc := t.memConfig
	return Spec{
		DType:        t.dtype,
		Shape:        t.shape,
		PaddedShape:  t.paddedShape,
		Layout:       t.layout,
		Tile:         t.tile,
		MemoryConfig: &mc,
	}
}

// physicalLen returns the number of entries of a flat buffer holding the physical shape: the volume, or the
// number of uint32 words for the packed dtypes.
func physicalLen(dtype dtypes.DType, paddedShape shapes.Shape, tile layout.Tile) int {
	if dtype.IsPacked() {
		return layout.PackedLen(paddedShape.Volume(), tile, dtype)
	}
	return paddedShape.Volume()
}

// FromStorage creates a Tensor with the given metadata backed by the storage, which is taken over by the
// tensor.
//
// It checks that single buffer storages have the expected length, and that packed dtypes use the tiled
// layout. Multi-device storages must be populated, and their shards are taken as is (logical shapes equal to
// the physical ones).
func FromStorage(spec Spec, st storage.Storage) (*Tensor, error) {
	if !spec.DType.IsValid() {
		return nil, errs.UnsupportedDataTypef("invalid dtype %s", spec.DType)
	}
	if err := spec.Shape.Validate(); err != nil {
		return nil, err
	}
	t := newTensor(spec, st)
	if err := t.paddedShape.Validate(); err != nil {
		return nil, err
	}
	if t.paddedShape.Rank() != t.shape.Rank() {
		return nil, errs.Shapef("padded shape %s has a different rank than shape %s", t.paddedShape, t.shape)
	}
	for axis, dim := range t.shape.Dimensions {
		if t.paddedShape.Dimensions[axis] < dim {
			return nil, errs.Shapef("padded shape %s smaller than shape %s", t.paddedShape, t.shape)
		}
	}
	if t.dtype.IsPacked() && t.layout != layout.Tiled {
		return nil, errs.Preconditionf("%s tensors must be in tiled layout, got %s", t.dtype, t.layout)
	}
	if t.layout == layout.Tiled && !t.paddedShape.IsTileAligned(t.tile.Height, t.tile.Width) {
		return nil, errs.Preconditionf("tiled tensor physical shape %s is not aligned to tile %s", t.paddedShape, t.tile)
	}
	want := physicalLen(t.dtype, t.paddedShape, t.tile)
	switch st := st.(type) {
	case *storage.Owned, *storage.Borrowed:
		flat, _ := storage.HostFlat(st)
		if got := dtypes.FromFlat(flat); got == dtypes.InvalidDType || got.GoType() != t.dtype.GoType() {
			return nil, errs.UnsupportedDataTypef("host buffer of type %T can't hold dtype %s", flat, t.dtype)
		}
		if got := dtypes.FlatLen(flat); got != want {
			return nil, errs.Shapef("host buffer has %d entries, %s of physical shape %s requires %d",
				got, t.dtype, t.paddedShape, want)
		}
	case *storage.Device:
		if st.Buffer == nil {
			return nil, errs.InvalidArgumentf("device storage without a buffer")
		}
		if got := st.Buffer.NumElements(); got != want {
			return nil, errs.Shapef("%s has %d entries, %s of physical shape %s requires %d",
				st.Buffer, got, t.dtype, t.paddedShape, want)
		}
		t.memConfig = st.Buffer.MemoryConfig()
	case *storage.MultiDevice:
		if !st.IsPopulated() {
			return nil, errs.Preconditionf("multi-device storage has %d of %d buffers", st.NumBuffers(), st.NumDevices())
		}
		t.shardShapes = make(map[int]shapes.Shape, st.NumDevices())
		for _, id := range st.DeviceIDs() {
			t.shardShapes[int(id)] = must.M1(st.Shape(id))
		}
	case *storage.MultiDeviceHost:
		if !st.IsPopulated() {
			return nil, errs.Preconditionf("multi-device host storage has %d of %d buffers", st.NumBuffers(), st.NumShards())
		}
		t.shardShapes = make(map[int]shapes.Shape, st.NumShards())
		for shard := range st.NumShards() {
			t.shardShapes[shard] = must.M1(st.Shape(shard))
		}
	default:
		return nil, storage.Unsupported("tensor creation", st)
	}
	return t, nil
}

// FromFlatData creates a row-major host tensor with a copy of the flat data.
// It returns an ErrShape error if len(data) doesn't match the dimensions.
func FromFlatData[T dtypes.Supported](data []T, dimensions ...int) (*Tensor, error) {
	shape, err := makeShape(dimensions)
	if err != nil {
		return nil, err
	}
	if len(data) != shape.Volume() {
		return nil, errs.Shapef("FromFlatData: %d values given for shape %s (volume %d)", len(data), shape, shape.Volume())
	}
	flat := make([]T, len(data))
	copy(flat, data)
	return newTensor(Spec{DType: dtypes.FromGenericsType[T](), Shape: shape}, storage.NewOwned(storage.NewHostBuffer(flat))), nil
}

// MustFromFlatData is like FromFlatData, but panics on error.
func MustFromFlatData[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	return must.M1(FromFlatData(data, dimensions...))
}

// Borrow creates a row-major host tensor that references data without copying it.
//
// The caller keeps ownership of data: onCreation (if not nil) is called immediately, and onDestruction (if not
// nil) when the tensor is deallocated. The data must not be freed before that, and changes to it are visible
// through the tensor, except for transfers to asynchronous devices, which copy it first.
func Borrow[T dtypes.Supported](data []T, shape shapes.Shape, onCreation, onDestruction func()) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(data) != shape.Volume() {
		return nil, errs.Shapef("Borrow: %d values given for shape %s (volume %d)", len(data), shape, shape.Volume())
	}
	st := storage.NewBorrowed(storage.NewHostBuffer(data), onCreation, onDestruction)
	return newTensor(Spec{DType: dtypes.FromGenericsType[T](), Shape: shape}, st), nil
}

// FromShape creates a row-major host tensor filled with zeros. It panics for packed or invalid dtypes, and
// negative dimensions.
func FromShape(dtype dtypes.DType, dimensions ...int) *Tensor {
	if !dtype.IsValid() || dtype.IsPacked() {
		exceptions.Panicf("tensors.FromShape: dtype %s can't be used in row-major layout", dtype)
	}
	shape := shapes.Make(dimensions...)
	return newTensor(Spec{DType: dtype, Shape: shape}, storage.NewOwned(storage.AllocateHostBuffer(dtype, shape.Volume())))
}

func makeShape(dimensions []int) (shape shapes.Shape, err error) {
	shape = shapes.Shape{Dimensions: append([]int{}, dimensions...)}
	err = shape.Validate()
	return
}

// ID returns the unique id of the tensor, used in logs.
func (t *Tensor) ID() uuid.UUID { return t.id }

// Shape returns the logical shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// PaddedShape returns the physical shape of the tensor.
func (t *Tensor) PaddedShape() shapes.Shape { return t.paddedShape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// DType returns the data type of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Layout returns whether the tensor is row-major or tiled.
func (t *Tensor) Layout() layout.Layout { return t.layout }

// Tile returns the tile geometry used by the tiled layout.
func (t *Tensor) Tile() layout.Tile { return t.tile }

// MemoryConfig returns the memory configuration of the device buffers of the tensor.
func (t *Tensor) MemoryConfig() device.MemoryConfig { return t.memConfig }

// Storage returns the storage of the tensor, or nil if it was deallocated. It must not be modified.
func (t *Tensor) Storage() storage.Storage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storage
}

// StorageKind returns the kind of storage of the tensor.
// It panics if the tensor has been deallocated.
func (t *Tensor) StorageKind() storage.Kind {
	st := t.Storage()
	if st == nil {
		exceptions.Panicf("tensor %s has been deallocated", t.id)
	}
	return st.Kind()
}

// IsHost returns whether the tensor is stored in host memory.
func (t *Tensor) IsHost() bool {
	st := t.Storage()
	return st != nil && st.Kind().IsHost()
}

// IsOnDevice returns whether the tensor is stored in one or more devices.
func (t *Tensor) IsOnDevice() bool {
	st := t.Storage()
	return st != nil && !st.Kind().IsHost()
}

// IsValid returns whether the tensor still holds its storage, that is, Deallocate was not called.
func (t *Tensor) IsValid() bool {
	return t.Storage() != nil
}

// DistributionConfig returns the distribution configuration of a multi-device tensor, or nil.
func (t *Tensor) DistributionConfig() distributed.Config {
	switch st := t.Storage().(type) {
	case *storage.MultiDevice:
		return st.Config()
	case *storage.MultiDeviceHost:
		return st.Config()
	}
	return nil
}

// NumBuffers returns the number of physical buffers: 1 for single buffer storages, the number of shards
// inserted so far for multi-device ones, 0 if deallocated.
func (t *Tensor) NumBuffers() int {
	switch st := t.Storage().(type) {
	case *storage.Owned, *storage.Borrowed, *storage.Device:
		return 1
	case *storage.MultiDevice:
		return st.NumBuffers()
	case *storage.MultiDeviceHost:
		return st.NumBuffers()
	}
	return 0
}

// Devices returns the devices holding the tensor, ordered by device id. It's empty for host tensors.
func (t *Tensor) Devices() []*device.Device {
	switch st := t.Storage().(type) {
	case *storage.Device:
		return []*device.Device{st.Buffer.Device()}
	case *storage.MultiDevice:
		var devices []*device.Device
		for _, id := range st.DeviceIDs() {
			if buffer, err := st.Buffer(id); err == nil {
				devices = append(devices, buffer.Device())
			}
		}
		return devices
	}
	return nil
}

// Deallocate releases the storage of the tensor: device buffer references are released, and borrowed host
// memory is given back to its owner. Further operations on the tensor return an ErrUnsupportedStorage error.
//
// It's safe to call Deallocate more than once.
func (t *Tensor) Deallocate() {
	t.mu.Lock()
	st := t.storage
	t.storage = nil
	t.mu.Unlock()
	switch st := st.(type) {
	case *storage.Borrowed:
		st.Release()
	case *storage.Device:
		st.Release()
	case *storage.MultiDevice:
		st.Release()
	case *storage.Owned, *storage.MultiDeviceHost, nil:
	}
}

// addPending registers device tasks that populate the tensor's storage.
func (t *Tensor) addPending(futures ...*device.Future) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range futures {
		if f != nil {
			t.pending = append(t.pending, f)
		}
	}
}

// Wait for pending device tasks populating the tensor to complete, and returns the first error they
// reported. If ctx is done before, the context error is returned and the tasks keep running.
//
// Tensors created by blocking operations are never pending and Wait returns nil immediately.
func (t *Tensor) Wait(ctx context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.mu.Unlock()
	for len(pending) > 0 {
		err := pending[0].Wait(ctx)
		if err != nil && ctx.Err() != nil {
			return err
		}
		t.mu.Lock()
		if err != nil && t.pendingErr == nil {
			t.pendingErr = errors.WithMessagef(err, "populating tensor %s", t.id)
		}
		if len(t.pending) > 0 && t.pending[0] == pending[0] {
			t.pending = t.pending[1:]
		}
		pending = t.pending
		t.mu.Unlock()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingErr
}

// IsPending returns whether there are device tasks still populating the tensor.
func (t *Tensor) IsPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.pending {
		if !f.IsDone() {
			return true
		}
	}
	return false
}

// readyStorage waits for pending tasks and returns the storage, or an error if it was deallocated or the
// population failed.
func (t *Tensor) readyStorage(operation string) (storage.Storage, error) {
	if err := t.Wait(context.Background()); err != nil {
		return nil, err
	}
	st := t.Storage()
	if st == nil {
		return nil, storage.Unsupported(operation, nil)
	}
	return st, nil
}

// hostFlat returns the physical flat buffer of a single buffer host tensor, waiting for it to be populated.
func (t *Tensor) hostFlat(operation string) (any, error) {
	st, err := t.readyStorage(operation)
	if err != nil {
		return nil, err
	}
	return storage.HostFlat(st)
}

// ConstFlatData calls accessFn with the physical flat data of a single buffer host tensor. The data is owned
// by the tensor (or by the lender, for borrowed tensors) and must not be changed.
//
// It returns an ErrUnsupportedDataType error if T doesn't match the tensor's Go type (uint32 for the packed
// dtypes), and an ErrUnsupportedStorage error for device or multi-device tensors (see CPU and Shards).
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	flat, err := t.hostFlat("flat data access")
	if err != nil {
		return err
	}
	typed, ok := flat.([]T)
	if !ok {
		var v T
		return errs.UnsupportedDataTypef("ConstFlatData[%T] is incompatible with tensor of dtype %s", v, t.dtype)
	}
	accessFn(typed)
	return nil
}

// CopyFlatData returns a copy of the physical flat data of a single buffer host tensor. See ConstFlatData.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var flatCopy []T
	err := ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy, err
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	return must.M1(CopyFlatData[T](t))
}

// alias returns a new tensor with the given metadata sharing the bytes of t's storage: device buffers are
// retained, host buffers referenced. The new tensor inherits the device tasks still populating t.
func (t *Tensor) alias(spec Spec) (*Tensor, error) {
	var aliased storage.Storage
	switch st := t.Storage().(type) {
	case *storage.Owned:
		aliased = storage.NewOwned(st.Buffer)
	case *storage.Borrowed:
		aliased = storage.NewBorrowed(st.Buffer, nil, nil)
	case *storage.Device:
		aliased = storage.NewDevice(st.Buffer.Retain())
	default:
		return nil, storage.Unsupported("aliasing", st)
	}
	result := newTensor(spec, aliased)
	t.mu.Lock()
	defer t.mu.Unlock()
	result.pending = append([]*device.Future(nil), t.pending...)
	result.pendingErr = t.pendingErr
	return result, nil
}

// String implements fmt.Stringer, with a summary of the tensor and its values. See Summary.
func (t *Tensor) String() string {
	return t.Summary(4)
}

// header describes the tensor metadata.
func (t *Tensor) header() string {
	kind := "deallocated"
	if st := t.Storage(); st != nil {
		kind = st.Kind().String()
	}
	padding := ""
	if !t.paddedShape.Equal(t.shape) {
		padding = fmt.Sprintf(" (padded %s)", t.paddedShape)
	}
	return fmt.Sprintf("%s%s%s %s %s", t.dtype, t.shape, padding, t.layout, kind)
}
