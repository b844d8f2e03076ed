package storage

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/tensix/pkg/core/device"
	"github.com/gomlx/tensix/pkg/core/distributed"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/shapes"
)

// MultiDevice holds one buffer and shape per device, for the set of devices declared at creation.
//
// Buffers can be inserted incrementally (e.g. as transfers complete): it's safe for concurrent use.
// The storage holds one reference to each of its buffers.
type MultiDevice struct {
	config distributed.Config

	mu        sync.RWMutex
	deviceIDs []device.ID // Sorted.
	buffers   map[device.ID]*device.Buffer
	shapes    map[device.ID]shapes.Shape
}

// NewMultiDevice creates an empty storage for the given (distinct) devices.
func NewMultiDevice(config distributed.Config, deviceIDs []device.ID) *MultiDevice {
	ids := slices.Clone(deviceIDs)
	slices.Sort(ids)
	if len(slices.Compact(slices.Clone(ids))) != len(ids) {
		exceptions.Panicf("storage.NewMultiDevice: duplicate device ids in %v", deviceIDs)
	}
	return &MultiDevice{
		config:    config,
		deviceIDs: ids,
		buffers:   make(map[device.ID]*device.Buffer, len(ids)),
		shapes:    make(map[device.ID]shapes.Shape, len(ids)),
	}
}

// Kind implements Storage.
func (*MultiDevice) Kind() Kind { return KindMultiDevice }
func (*MultiDevice) isStorage() {}

// Config returns the distribution configuration.
func (m *MultiDevice) Config() distributed.Config { return m.config }

// DeviceIDs returns the declared device ids, in increasing order.
func (m *MultiDevice) DeviceIDs() []device.ID {
	return slices.Clone(m.deviceIDs)
}

// NumDevices returns the number of declared devices.
func (m *MultiDevice) NumDevices() int { return len(m.deviceIDs) }

func (m *MultiDevice) isDeclared(id device.ID) bool {
	_, found := slices.BinarySearch(m.deviceIDs, id)
	return found
}

// Insert the buffer and shape for the device, taking over one reference to the buffer. A buffer previously
// inserted for the device is released.
//
// It panics if the device was not declared at creation: that's a usage error.
func (m *MultiDevice) Insert(id device.ID, buffer *device.Buffer, shape shapes.Shape) {
	if !m.isDeclared(id) {
		exceptions.Panicf("storage.MultiDevice.Insert: device %d is not one of the declared devices %v", id, m.deviceIDs)
	}
	m.mu.Lock()
	previous := m.buffers[id]
	m.buffers[id] = buffer
	m.shapes[id] = shape.Clone()
	m.mu.Unlock()
	if previous != nil && previous != buffer {
		previous.Release()
	}
}

// Buffer returns the buffer of the device. It returns an ErrInvalidArgument error if the device is not
// declared or its buffer not yet inserted.
func (m *MultiDevice) Buffer(id device.ID) (*device.Buffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buffer, found := m.buffers[id]
	if !found {
		return nil, errs.InvalidArgumentf("multi-device storage has no buffer for device %d (devices %v)", id, m.deviceIDs)
	}
	return buffer, nil
}

// Shape returns the shape of the buffer of the device. It returns an ErrInvalidArgument error if the device is
// not declared or its buffer not yet inserted.
func (m *MultiDevice) Shape(id device.ID) (shapes.Shape, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shape, found := m.shapes[id]
	if !found {
		return shapes.Shape{}, errs.InvalidArgumentf("multi-device storage has no shape for device %d (devices %v)", id, m.deviceIDs)
	}
	return shape, nil
}

// NumBuffers returns the number of buffers inserted so far.
func (m *MultiDevice) NumBuffers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buffers)
}

// IsPopulated returns whether all declared devices have a buffer.
func (m *MultiDevice) IsPopulated() bool {
	return m.NumBuffers() == len(m.deviceIDs)
}

// Release the storage's references to all its buffers.
func (m *MultiDevice) Release() {
	m.mu.Lock()
	buffers := m.buffers
	m.buffers = make(map[device.ID]*device.Buffer)
	m.shapes = make(map[device.ID]shapes.Shape)
	m.mu.Unlock()
	for _, id := range m.deviceIDs {
		if buffer := buffers[id]; buffer != nil {
			buffer.Release()
		}
	}
}

// MultiDeviceHost holds one host buffer and shape per shard, for the number of shards declared at creation.
// It's safe for concurrent use.
type MultiDeviceHost struct {
	config distributed.Config

	mu      sync.RWMutex
	buffers []*HostBuffer
	shapes  []shapes.Shape
}

// NewMultiDeviceHost creates an empty storage for numShards shards.
func NewMultiDeviceHost(config distributed.Config, numShards int) *MultiDeviceHost {
	if numShards <= 0 {
		exceptions.Panicf("storage.NewMultiDeviceHost: invalid number of shards %d", numShards)
	}
	return &MultiDeviceHost{
		config:  config,
		buffers: make([]*HostBuffer, numShards),
		shapes:  make([]shapes.Shape, numShards),
	}
}

// Kind implements Storage.
func (*MultiDeviceHost) Kind() Kind { return KindMultiDeviceHost }
func (*MultiDeviceHost) isStorage() {}

// Config returns the distribution configuration.
func (m *MultiDeviceHost) Config() distributed.Config { return m.config }

// NumShards returns the declared number of shards.
func (m *MultiDeviceHost) NumShards() int { return len(m.buffers) }

// Insert the buffer and shape of the shard.
//
// It panics if the shard index is not in [0, NumShards()): that's a usage error.
func (m *MultiDeviceHost) Insert(shard int, buffer HostBuffer, shape shapes.Shape) {
	if shard < 0 || shard >= len(m.buffers) {
		exceptions.Panicf("storage.MultiDeviceHost.Insert: shard %d out of range, storage has %d shards", shard, len(m.buffers))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[shard] = &buffer
	m.shapes[shard] = shape.Clone()
}

// Buffer returns the host buffer of the shard. It returns an ErrInvalidArgument error if the shard is out of
// range or not yet inserted.
func (m *MultiDeviceHost) Buffer(shard int) (HostBuffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if shard < 0 || shard >= len(m.buffers) || m.buffers[shard] == nil {
		return HostBuffer{}, errs.InvalidArgumentf("multi-device host storage has no buffer for shard %d (%d shards)",
			shard, len(m.buffers))
	}
	return *m.buffers[shard], nil
}

// Shape returns the shape of the shard. It returns an ErrInvalidArgument error if the shard is out of
// range or not yet inserted.
func (m *MultiDeviceHost) Shape(shard int) (shapes.Shape, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if shard < 0 || shard >= len(m.buffers) || m.buffers[shard] == nil {
		return shapes.Shape{}, errs.InvalidArgumentf("multi-device host storage has no shape for shard %d (%d shards)",
			shard, len(m.buffers))
	}
	return m.shapes[shard], nil
}

// NumBuffers returns the number of shards inserted so far.
func (m *MultiDeviceHost) NumBuffers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, b := range m.buffers {
		if b != nil {
			count++
		}
	}
	return count
}

// IsPopulated returns whether all shards have been inserted.
func (m *MultiDeviceHost) IsPopulated() bool {
	return m.NumBuffers() == len(m.buffers)
}
