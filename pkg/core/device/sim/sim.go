// Package sim implements a simulated device Allocator, registered as "sim", that keeps device memory in host
// memory. It accounts for the DRAM and L1 capacities of the configuration, so allocation failures can be
// exercised.
//
// Extra configuration keys:
//
//   - latency: a duration (e.g. "2ms") added to every Write and Read, to simulate slow transfers.
package sim

import (
	"reflect"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/tensix/pkg/core/device"
)

// AllocatorName is the name under which the simulated allocator is registered.
const AllocatorName = "sim"

func init() {
	device.RegisterAllocator(AllocatorName, New)
}

type allocation struct {
	numBytes   uint64
	bufferType device.BufferType
	data       reflect.Value // Flat slice, nil until the first write.
}

type deviceMemory struct {
	used        map[device.BufferType]uint64
	allocations map[device.Address]*allocation
}

// Allocator keeps the device buffers in host memory.
type Allocator struct {
	config   device.Config
	latency  time.Duration
	mu       sync.Mutex
	nextAddr device.Address
	memories map[device.ID]*deviceMemory
}

var _ device.Allocator = (*Allocator)(nil)

// New creates a simulated allocator for the configuration.
func New(config device.Config) (device.Allocator, error) {
	a := &Allocator{
		config:   config,
		nextAddr: 0x1000,
		memories: make(map[device.ID]*deviceMemory),
	}
	if latency, found := config.Extra["latency"]; found {
		var err error
		a.latency, err = time.ParseDuration(latency)
		if err != nil {
			return nil, errors.Wrapf(err, "sim allocator: invalid latency %q", latency)
		}
	}
	return a, nil
}

// Name implements device.Allocator.
func (a *Allocator) Name() string { return AllocatorName }

func (a *Allocator) capacity(bufferType device.BufferType) uint64 {
	if bufferType == device.L1 {
		return a.config.L1Size
	}
	return a.config.DRAMSize
}

func (a *Allocator) lockedMemory(dev device.ID) *deviceMemory {
	m, found := a.memories[dev]
	if !found {
		m = &deviceMemory{
			used:        make(map[device.BufferType]uint64),
			allocations: make(map[device.Address]*allocation),
		}
		a.memories[dev] = m
	}
	return m
}

// Allocate implements device.Allocator.
func (a *Allocator) Allocate(dev device.ID, numBytes uint64, memConfig device.MemoryConfig) (device.Address, error) {
	if int(dev) < 0 || int(dev) >= a.config.NumDevices {
		return 0, errors.Errorf("sim allocator: invalid device %d, system has %d devices", dev, a.config.NumDevices)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.lockedMemory(dev)
	capacity := a.capacity(memConfig.BufferType)
	if m.used[memConfig.BufferType]+numBytes > capacity {
		return 0, errors.Errorf("sim allocator: device %d out of %s memory: requested %s, %s of %s in use",
			dev, memConfig.BufferType, humanize.IBytes(numBytes), humanize.IBytes(m.used[memConfig.BufferType]),
			humanize.IBytes(capacity))
	}
	addr := a.nextAddr
	a.nextAddr += device.Address(max(numBytes, 1)+31) &^ 31
	m.used[memConfig.BufferType] += numBytes
	m.allocations[addr] = &allocation{numBytes: numBytes, bufferType: memConfig.BufferType}
	return addr, nil
}

func (a *Allocator) lockedAllocation(dev device.ID, addr device.Address) (*allocation, error) {
	m, found := a.memories[dev]
	if found {
		if alloc, found := m.allocations[addr]; found {
			return alloc, nil
		}
	}
	return nil, errors.Errorf("sim allocator: device %d has no allocation at address 0x%x", dev, addr)
}

// Free implements device.Allocator.
func (a *Allocator) Free(dev device.ID, addr device.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, err := a.lockedAllocation(dev, addr)
	if err != nil {
		return err
	}
	m := a.memories[dev]
	m.used[alloc.bufferType] -= alloc.numBytes
	delete(m.allocations, addr)
	return nil
}

func checkSize(alloc *allocation, flat reflect.Value) error {
	if flat.Kind() != reflect.Slice {
		return errors.Errorf("sim allocator: flat data must be a slice, got %s", flat.Type())
	}
	if size := uint64(flat.Len()) * uint64(flat.Type().Elem().Size()); size != alloc.numBytes {
		return errors.Errorf("sim allocator: flat data has %d bytes, allocation has %d", size, alloc.numBytes)
	}
	return nil
}

// Write implements device.Allocator.
func (a *Allocator) Write(dev device.ID, addr device.Address, flat any) error {
	if a.latency > 0 {
		time.Sleep(a.latency)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, err := a.lockedAllocation(dev, addr)
	if err != nil {
		return err
	}
	flatV := reflect.ValueOf(flat)
	if err := checkSize(alloc, flatV); err != nil {
		return err
	}
	if !alloc.data.IsValid() || alloc.data.Type() != flatV.Type() {
		alloc.data = reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	}
	reflect.Copy(alloc.data, flatV)
	return nil
}

// Read implements device.Allocator. Reading a buffer never written yields zeros.
func (a *Allocator) Read(dev device.ID, addr device.Address, flat any) error {
	if a.latency > 0 {
		time.Sleep(a.latency)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, err := a.lockedAllocation(dev, addr)
	if err != nil {
		return err
	}
	flatV := reflect.ValueOf(flat)
	if err := checkSize(alloc, flatV); err != nil {
		return err
	}
	if !alloc.data.IsValid() {
		reflect.Copy(flatV, reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len()))
		return nil
	}
	if alloc.data.Type() != flatV.Type() {
		return errors.Errorf("sim allocator: reading %s buffer into %s", alloc.data.Type(), flatV.Type())
	}
	reflect.Copy(flatV, alloc.data)
	return nil
}

// Used returns the number of bytes in use in the given memory of the device.
func (a *Allocator) Used(dev device.ID, bufferType device.BufferType) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lockedMemory(dev).used[bufferType]
}
