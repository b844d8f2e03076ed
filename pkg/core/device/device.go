// Package device models the accelerator devices seen by the tensor core: their buffer arena, with explicit
// reference counting, and their work queues.
//
// Physical memory is handled by an Allocator, a collaborator registered by name (see RegisterAllocator).
// The simulated in-memory allocator is in package device/sim.
//
// A System is created from a configuration string (see ParseConfig), usually taken from the environment
// variable TENSIX_DEVICE:
//
//	import _ "github.com/gomlx/tensix/pkg/core/device/sim"
//
//	system, err := device.New()  // Uses $TENSIX_DEVICE or DefaultConfig.
//	...
//	defer system.Close()
//	dev := system.Device(0)
package device

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensix/pkg/core/dtypes"
)

// ID of a device in its System.
type ID int

// Device is one accelerator of a System.
type Device struct {
	id        ID
	system    *System
	allocator Allocator
	arena     *Arena
	executor  *Executor
}

// ID of the device.
func (d *Device) ID() ID { return d.id }

// String implements fmt.Stringer.
func (d *Device) String() string { return fmt.Sprintf("device%d", d.id) }

// System returns the system the device belongs to.
func (d *Device) System() *System { return d.system }

// Arena returns the buffer arena of the device.
func (d *Device) Arena() *Arena { return d.arena }

// Executor returns the work queues of the device.
func (d *Device) Executor() *Executor { return d.executor }

// Mode returns the worker mode of the device queues.
func (d *Device) Mode() WorkerMode { return d.executor.mode }

// Allocate a buffer on the device. See Arena.Allocate.
func (d *Device) Allocate(dtype dtypes.DType, numElements int, memConfig MemoryConfig) (*Buffer, error) {
	return d.arena.Allocate(dtype, numElements, memConfig)
}

// EnqueueWrite pushes to the queue a task that writes flat into the buffer.
//
// flat is read when the task executes, not when it is enqueued: the caller must not change it until the
// returned future completes.
func (d *Device) EnqueueWrite(queueID int, buf *Buffer, flat any) *Future {
	return d.executor.Push(queueID, func() error {
		return buf.Write(flat)
	})
}

// EnqueueRead pushes to the queue a task that reads the buffer into flat.
func (d *Device) EnqueueRead(queueID int, buf *Buffer, flat any) *Future {
	return d.executor.Push(queueID, func() error {
		return buf.Read(flat)
	})
}

// System is a set of devices sharing one Allocator.
type System struct {
	config    Config
	allocator Allocator
	devices   []*Device
}

// New returns a new System configured by the environment variable ConfigEnvVar ("TENSIX_DEVICE"), or by
// DefaultConfig if it's not set.
func New() (*System, error) {
	return NewWithConfig(configFromEnv())
}

// NewWithConfig returns a new System for the configuration string. See ParseConfig for its format.
func NewWithConfig(config string) (*System, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg)
}

// NewFromConfig returns a new System for the parsed configuration.
func NewFromConfig(cfg Config) (*System, error) {
	if cfg.NumDevices <= 0 || cfg.NumQueues <= 0 || cfg.QueueDepth <= 0 {
		return nil, errors.Errorf("invalid device configuration %s: devices, queues and depth must be positive", cfg)
	}
	allocator, err := newAllocator(cfg)
	if err != nil {
		return nil, err
	}
	s := &System{config: cfg, allocator: allocator}
	for i := range cfg.NumDevices {
		d := &Device{id: ID(i), system: s, allocator: allocator}
		d.arena = newArena(d)
		d.executor = NewExecutor(d.id, cfg.Mode, cfg.NumQueues, cfg.QueueDepth)
		s.devices = append(s.devices, d)
	}
	klog.V(1).Infof("device system created: %s", cfg)
	return s, nil
}

// Config returns the configuration of the system.
func (s *System) Config() Config { return s.config }

// Allocator returns the allocator shared by the devices.
func (s *System) Allocator() Allocator { return s.allocator }

// NumDevices in the system.
func (s *System) NumDevices() int { return len(s.devices) }

// Device returns the device with the given id. It panics for an invalid id.
func (s *System) Device(id ID) *Device { return s.devices[id] }

// Devices returns all devices, ordered by id.
func (s *System) Devices() []*Device { return s.devices }

// Close drains and closes the work queues of all devices.
// Buffers still alive are not freed: they are owned by the tensors referencing them.
func (s *System) Close() {
	for _, d := range s.devices {
		d.executor.Close()
	}
}
