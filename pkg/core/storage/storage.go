// Package storage defines where the bytes of a tensor live: a closed set of five mutually exclusive kinds.
//
//   - Owned: a host buffer exclusively owned by the tensor.
//   - Borrowed: a host buffer owned by someone else. It must never be mutated, and it may change under the
//     tensor's feet: it's copied to Owned before being handed to an asynchronous device queue.
//   - Device: a buffer on exactly one device.
//   - MultiDevice: one buffer (and shape) per device, ordered by device id, with a distribution configuration.
//   - MultiDeviceHost: one host buffer (and shape) per shard, with a distribution configuration. Used as a
//     staging area before placing on devices, or after reading back from them.
//
// Consumers dispatch with a type switch over the five concrete types, returning an error of kind
// errs.ErrUnsupportedStorage (see Unsupported) for the kinds they don't handle.
package storage

import (
	"fmt"

	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/errs"
)

// Kind of storage.
type Kind int

const (
	KindOwned Kind = iota
	KindBorrowed
	KindDevice
	KindMultiDevice
	KindMultiDeviceHost
)

var kindNames = []string{"Owned", "Borrowed", "Device", "MultiDevice", "MultiDeviceHost"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsHost returns whether the storage kind is in host memory.
func (k Kind) IsHost() bool {
	return k == KindOwned || k == KindBorrowed || k == KindMultiDeviceHost
}

// IsMultiDevice returns whether the storage kind holds multiple shards.
func (k Kind) IsMultiDevice() bool {
	return k == KindMultiDevice || k == KindMultiDeviceHost
}

// Storage is implemented by *Owned, *Borrowed, *Device, *MultiDevice and *MultiDeviceHost only.
type Storage interface {
	Kind() Kind
	isStorage()
}

// Unsupported returns an errs.ErrUnsupportedStorage error for the operation and storage kind.
func Unsupported(operation string, s Storage) error {
	if s == nil {
		return errs.UnsupportedStoragef("%s: tensor has no storage", operation)
	}
	return errs.UnsupportedStoragef("%s doesn't support %s storage", operation, s.Kind())
}

// HostBuffer is a flat host buffer: a Go slice of one of the dtypes.Supported types.
type HostBuffer struct {
	flat any
}

// NewHostBuffer wraps the flat slice, without copying it.
func NewHostBuffer(flat any) HostBuffer {
	return HostBuffer{flat: flat}
}

// AllocateHostBuffer returns a zero-initialized HostBuffer for numElements of the dtype (uint32 words for
// packed dtypes).
func AllocateHostBuffer(dtype dtypes.DType, numElements int) HostBuffer {
	return HostBuffer{flat: dtypes.MakeFlat(dtype, numElements)}
}

// Flat returns the underlying slice.
func (b HostBuffer) Flat() any { return b.flat }

// Len returns the number of entries in the buffer.
func (b HostBuffer) Len() int {
	if b.flat == nil {
		return 0
	}
	return dtypes.FlatLen(b.flat)
}

// Clone returns a deep copy of the buffer.
func (b HostBuffer) Clone() HostBuffer {
	return HostBuffer{flat: dtypes.CloneFlat(b.flat)}
}

// HostFlat returns the flat buffer of a single-buffer host storage (Owned or Borrowed).
func HostFlat(s Storage) (any, error) {
	switch s := s.(type) {
	case *Owned:
		return s.Buffer.Flat(), nil
	case *Borrowed:
		return s.Buffer.Flat(), nil
	case *Device, *MultiDevice, *MultiDeviceHost:
		return nil, Unsupported("host buffer access", s)
	default:
		return nil, Unsupported("host buffer access", s)
	}
}
