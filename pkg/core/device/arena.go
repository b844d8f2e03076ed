package device

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensix/pkg/core/dtypes"
)

// BufferID identifies a buffer in the Arena of its device.
type BufferID uint64

// Buffer is a handle to a reference counted device buffer, owned by the Arena of its device.
//
// Handles are shared: Retain increments the reference count and returns the same handle, and each Retain
// (as well as the initial allocation) must be matched by one Release. The memory is freed when the count
// reaches zero, and from then on using the handle panics.
type Buffer struct {
	device *Device
	id     BufferID
}

type arenaEntry struct {
	addr        Address
	dtype       dtypes.DType
	numElements int
	memConfig   MemoryConfig
	refCount    int
}

// Arena keeps track of the buffers allocated on a device and their reference counts.
type Arena struct {
	device *Device
	mu     sync.Mutex
	nextID BufferID
	live   map[BufferID]*arenaEntry
	bytes  uint64
}

func newArena(device *Device) *Arena {
	return &Arena{device: device, nextID: 1, live: make(map[BufferID]*arenaEntry)}
}

// numBytes of a flat buffer of the dtype. numElements are words for packed dtypes.
func numBytes(dtype dtypes.DType, numElements int) uint64 {
	return uint64(numElements) * uint64(dtype.GoType().Size())
}

// Allocate a buffer for numElements of dtype (uint32 words for the packed dtypes), with reference count 1.
func (a *Arena) Allocate(dtype dtypes.DType, numElements int, memConfig MemoryConfig) (*Buffer, error) {
	size := numBytes(dtype, numElements)
	addr, err := a.device.allocator.Allocate(a.device.id, size, memConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "device %d: allocating %d x %s (%s)", a.device.id, numElements, dtype, memConfig)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.live[id] = &arenaEntry{addr: addr, dtype: dtype, numElements: numElements, memConfig: memConfig, refCount: 1}
	a.bytes += size
	klog.V(2).Infof("device %d: allocated buffer #%d, %d x %s (%s)", a.device.id, id, numElements, dtype, memConfig)
	return &Buffer{device: a.device, id: id}, nil
}

// entry returns the live entry for the buffer, or panics if it has been freed.
func (a *Arena) entry(id BufferID) *arenaEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lockedEntry(id)
}

func (a *Arena) lockedEntry(id BufferID) *arenaEntry {
	e, found := a.live[id]
	if !found {
		exceptions.Panicf("device %d: buffer #%d used after being freed", a.device.id, id)
	}
	return e
}

// NumLive returns the number of buffers not yet freed.
func (a *Arena) NumLive() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// LiveBytes returns the number of bytes used by buffers not yet freed.
func (a *Arena) LiveBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

// Device returns the device where the buffer lives.
func (b *Buffer) Device() *Device { return b.device }

// ID of the buffer in the device's arena.
func (b *Buffer) ID() BufferID { return b.id }

// DType of the buffer.
func (b *Buffer) DType() dtypes.DType { return b.device.arena.entry(b.id).dtype }

// NumElements returns the length of the buffer: the number of elements, or uint32 words for packed dtypes.
func (b *Buffer) NumElements() int { return b.device.arena.entry(b.id).numElements }

// MemoryConfig of the buffer.
func (b *Buffer) MemoryConfig() MemoryConfig { return b.device.arena.entry(b.id).memConfig }

// NumBytes used by the buffer.
func (b *Buffer) NumBytes() uint64 {
	e := b.device.arena.entry(b.id)
	return numBytes(e.dtype, e.numElements)
}

// RefCount returns the current reference count of the buffer, 0 if it's been freed.
func (b *Buffer) RefCount() int {
	a := b.device.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, found := a.live[b.id]; found {
		return e.refCount
	}
	return 0
}

// IsLive returns whether the buffer hasn't been freed yet.
func (b *Buffer) IsLive() bool {
	return b.RefCount() > 0
}

// Retain increments the reference count of the buffer and returns the same handle.
func (b *Buffer) Retain() *Buffer {
	a := b.device.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockedEntry(b.id).refCount++
	return b
}

// Release decrements the reference count of the buffer, freeing the device memory when it reaches zero.
func (b *Buffer) Release() {
	e, freed := b.device.arena.release(b.id)
	if !freed {
		return
	}
	if err := b.device.allocator.Free(b.device.id, e.addr); err != nil {
		klog.Warningf("device %d: failed to free buffer #%d: %+v", b.device.id, b.id, err)
		return
	}
	klog.V(2).Infof("device %d: freed buffer #%d", b.device.id, b.id)
}

// release decrements the reference count and, when it reaches 0, removes the entry and returns it.
func (a *Arena) release(id BufferID) (e *arenaEntry, freed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e = a.lockedEntry(id)
	e.refCount--
	if e.refCount > 0 {
		return nil, false
	}
	delete(a.live, id)
	a.bytes -= numBytes(e.dtype, e.numElements)
	return e, true
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("device%d/buffer#%d", b.device.id, b.id)
}

// Write flat into the buffer, synchronously. Use Device.EnqueueWrite to write through a device queue.
func (b *Buffer) Write(flat any) error {
	e := b.device.arena.entry(b.id)
	if err := checkFlat(e, flat); err != nil {
		return err
	}
	return errors.WithMessagef(b.device.allocator.Write(b.device.id, e.addr, flat), "writing %s", b)
}

// Read the buffer into flat, synchronously. Use Device.EnqueueRead to read through a device queue.
func (b *Buffer) Read(flat any) error {
	e := b.device.arena.entry(b.id)
	if err := checkFlat(e, flat); err != nil {
		return err
	}
	return errors.WithMessagef(b.device.allocator.Read(b.device.id, e.addr, flat), "reading %s", b)
}

func checkFlat(e *arenaEntry, flat any) error {
	if got := dtypes.FromFlat(flat); got == dtypes.InvalidDType || got.GoType() != e.dtype.GoType() {
		return errors.Errorf("flat buffer of type %T incompatible with device buffer of dtype %s", flat, e.dtype)
	}
	if n := dtypes.FlatLen(flat); n != e.numElements {
		return errors.Errorf("flat buffer has %d elements, device buffer has %d", n, e.numElements)
	}
	return nil
}
