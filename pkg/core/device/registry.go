package device

import (
	"github.com/pkg/errors"

	"github.com/gomlx/tensix/pkg/support/xslices"
)

// Address of a buffer in device memory, as returned by an Allocator. The core never interprets it.
type Address uint64

// Allocator is the device memory collaborator: it allocates, frees and moves data in and out of the physical
// memory of the devices.
//
// Flat data is a Go slice of the dtype's Go type (see dtypes.DType.GoType), with numElements entries.
// Implementations must be safe for concurrent use.
type Allocator interface {
	// Name of the allocator, as registered.
	Name() string

	// Allocate device memory for a flat buffer.
	Allocate(dev ID, numBytes uint64, memConfig MemoryConfig) (Address, error)

	// Free device memory previously allocated.
	Free(dev ID, addr Address) error

	// Write copies flat into the device buffer at addr.
	Write(dev ID, addr Address, flat any) error

	// Read copies the device buffer at addr into flat, which must have the size of the buffer.
	Read(dev ID, addr Address, flat any) error
}

// AllocatorConstructor creates a new Allocator for the given configuration.
type AllocatorConstructor func(cfg Config) (Allocator, error)

var (
	registeredAllocators = make(map[string]AllocatorConstructor)
	firstRegistered      string
)

// RegisterAllocator registers an Allocator constructor under the given name.
// To be safe, call RegisterAllocator during initialization of a package.
func RegisterAllocator(name string, constructor AllocatorConstructor) {
	if len(registeredAllocators) == 0 {
		firstRegistered = name
	}
	registeredAllocators[name] = constructor
}

// RegisteredAllocators returns the sorted names of the registered allocators.
func RegisteredAllocators() []string {
	return xslices.SortedKeys(registeredAllocators)
}

func newAllocator(cfg Config) (Allocator, error) {
	if len(registeredAllocators) == 0 {
		return nil, errors.Errorf(`no registered device allocators -- maybe import the simulated one with import _ "github.com/gomlx/tensix/pkg/core/device/sim"?`)
	}
	constructor, found := registeredAllocators[cfg.Allocator]
	if !found {
		return nil, errors.Errorf("can't find device allocator %q (registered: %v)", cfg.Allocator, RegisteredAllocators())
	}
	return constructor(cfg)
}
