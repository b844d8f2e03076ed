package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensix/pkg/core/device"
)

func TestAllocator(t *testing.T) {
	cfg, err := device.ParseConfig("sim:devices=2,dram=1KB,latency=1us")
	require.NoError(t, err)
	alloc, err := New(cfg)
	require.NoError(t, err)
	a := alloc.(*Allocator)
	assert.Equal(t, "sim", a.Name())

	addr, err := a.Allocate(1, 16, device.DefaultMemoryConfig)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), a.Used(1, device.DRAM))
	assert.Zero(t, a.Used(0, device.DRAM))

	// Unwritten buffers read as zeros.
	got := []uint16{9, 9, 9, 9, 9, 9, 9, 9}
	require.NoError(t, a.Read(1, addr, got))
	assert.Equal(t, make([]uint16, 8), got)

	require.NoError(t, a.Write(1, addr, []uint16{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, a.Read(1, addr, got))
	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6, 7, 8}, got)

	assert.Error(t, a.Write(1, addr, []uint16{1}), "size mismatch")
	assert.Error(t, a.Read(0, addr, got), "wrong device")
	assert.Error(t, a.Read(1, addr, make([]int16, 8)), "type mismatch")

	_, err = a.Allocate(0, 2000, device.DefaultMemoryConfig)
	assert.Error(t, err, "out of memory")
	_, err = a.Allocate(5, 1, device.DefaultMemoryConfig)
	assert.Error(t, err, "invalid device")

	require.NoError(t, a.Free(1, addr))
	assert.Zero(t, a.Used(1, device.DRAM))
	assert.Error(t, a.Free(1, addr), "double free")

	cfg.Extra["latency"] = "soon"
	_, err = New(cfg)
	assert.Error(t, err)
}
