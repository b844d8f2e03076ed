package storage

// Owned is a host buffer exclusively owned by the tensor.
type Owned struct {
	Buffer HostBuffer
}

// NewOwned takes ownership of the buffer.
func NewOwned(buffer HostBuffer) *Owned {
	return &Owned{Buffer: buffer}
}

// Kind implements Storage.
func (*Owned) Kind() Kind { return KindOwned }
func (*Owned) isStorage() {}

// Borrowed is a host buffer owned by someone else.
//
// OnCreation is called when the storage is created, and OnDestruction when it's released: they let the
// owner of the memory keep track of its borrowers.
type Borrowed struct {
	Buffer HostBuffer

	OnCreation, OnDestruction func()
}

// NewBorrowed references the buffer without copying it, and calls onCreation (if not nil).
func NewBorrowed(buffer HostBuffer, onCreation, onDestruction func()) *Borrowed {
	b := &Borrowed{Buffer: buffer, OnCreation: onCreation, OnDestruction: onDestruction}
	if onCreation != nil {
		onCreation()
	}
	return b
}

// Kind implements Storage.
func (*Borrowed) Kind() Kind { return KindBorrowed }
func (*Borrowed) isStorage() {}

// Release the borrowed reference, calling OnDestruction once.
func (b *Borrowed) Release() {
	if b.OnDestruction != nil {
		b.OnDestruction()
		b.OnDestruction = nil
	}
}

// ToOwned returns an Owned storage with a copy of the borrowed buffer.
func (b *Borrowed) ToOwned() *Owned {
	return NewOwned(b.Buffer.Clone())
}
