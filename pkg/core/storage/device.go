package storage

import (
	"github.com/gomlx/tensix/pkg/core/device"
)

// Device is a buffer on exactly one device. The storage holds one reference to the buffer.
type Device struct {
	Buffer *device.Buffer
}

// NewDevice takes over one reference to the buffer.
func NewDevice(buffer *device.Buffer) *Device {
	return &Device{Buffer: buffer}
}

// Kind implements Storage.
func (*Device) Kind() Kind { return KindDevice }
func (*Device) isStorage() {}

// Release the storage's reference to the buffer.
func (d *Device) Release() {
	if d.Buffer != nil {
		d.Buffer.Release()
		d.Buffer = nil
	}
}
