package tensors_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensix/pkg/core/device"
	"github.com/gomlx/tensix/pkg/core/distributed"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/core/storage"
	"github.com/gomlx/tensix/pkg/core/tensors"
	"github.com/gomlx/tensix/pkg/support/xslices"
)

func TestToAndCPU(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{"sync", "async"} {
		t.Run(mode, func(t *testing.T) {
			system := newSystem(t, "sim:devices=2,latency=1ms,mode="+mode)
			dev := system.Device(0)
			data := xslices.Iota(int32(0), 24)
			tensor := tensors.MustFromFlatData(data, 2, 3, 4)

			onDevice, err := tensor.To(ctx, []*device.Device{dev}, device.DefaultMemoryConfig)
			require.NoError(t, err)
			assert.Equal(t, storage.KindDevice, onDevice.StorageKind())
			assert.True(t, onDevice.IsOnDevice())
			assert.Equal(t, []*device.Device{dev}, onDevice.Devices())
			assert.True(t, onDevice.Shape().Equal(tensor.Shape()))
			assert.Equal(t, storage.KindOwned, tensor.StorageKind(), "source tensor must be untouched")

			host, err := onDevice.CPU(ctx, true, 0)
			require.NoError(t, err)
			assert.False(t, host.IsPending())
			assert.Equal(t, data, tensors.MustCopyFlatData[int32](host))

			// Non-blocking read: accessors wait for it.
			host, err = onDevice.CPU(ctx, false, 0)
			require.NoError(t, err)
			assert.Equal(t, data, tensors.MustCopyFlatData[int32](host))
			require.NoError(t, host.Wait(ctx))

			// Device to device goes through the host.
			moved, err := onDevice.To(ctx, []*device.Device{system.Device(1)}, device.DefaultMemoryConfig, tensors.Blocking())
			require.NoError(t, err)
			assert.False(t, moved.IsPending())
			host, err = moved.CPU(ctx, true, 0)
			require.NoError(t, err)
			assert.Equal(t, data, tensors.MustCopyFlatData[int32](host))

			onDevice.Deallocate()
			moved.Deallocate()
			require.NoError(t, dev.Executor().SynchronizeAll(ctx))
			assert.Equal(t, 0, dev.Arena().NumLive())
			assert.Equal(t, 0, system.Device(1).Arena().NumLive())
		})
	}
}

func TestToErrors(t *testing.T) {
	ctx := context.Background()
	system := newSystem(t, "sim:devices=2,mode=sync,dram=1KiB")
	tensor := tensors.MustFromFlatData(xslices.Iota(float32(0), 64), 8, 8)
	_, err := tensor.To(ctx, nil, device.DefaultMemoryConfig)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	_, err = tensor.To(ctx, []*device.Device{system.Device(0), system.Device(0)}, device.DefaultMemoryConfig)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	_, err = tensor.To(ctx, []*device.Device{system.Device(0)}, device.DefaultMemoryConfig, tensors.OnQueue(7))
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	assert.Equal(t, 0, system.Device(0).Arena().NumLive())

	// Height sharding requires full width shards.
	mc := device.MemoryConfig{Layout: device.HeightSharded, BufferType: device.L1, ShardShape: shapes.Size2D{Height: 4, Width: 4}}
	_, err = tensor.To(ctx, []*device.Device{system.Device(0)}, mc)
	assert.True(t, errors.Is(err, errs.ErrPrecondition))
	mc.ShardShape.Width = 8
	sharded, err := tensor.To(ctx, []*device.Device{system.Device(0)}, mc)
	require.NoError(t, err)
	assert.Equal(t, mc, sharded.MemoryConfig())

	// Out of memory.
	big := tensors.MustFromFlatData(make([]float32, 1024), 32, 32)
	_, err = big.To(ctx, system.Devices(), device.DefaultMemoryConfig)
	assert.Error(t, err)
	assert.Equal(t, 0, system.Device(1).Arena().NumLive())
}

func TestMultiDeviceReplicate(t *testing.T) {
	ctx := context.Background()
	system := newSystem(t, "sim:devices=3,mode=async")
	data := xslices.Iota(float32(1), 6)
	tensor := tensors.MustFromFlatData(data, 2, 3)
	replicated, err := tensor.To(ctx, system.Devices(), device.DefaultMemoryConfig, tensors.Blocking())
	require.NoError(t, err)
	assert.Equal(t, storage.KindMultiDevice, replicated.StorageKind())
	assert.Equal(t, 3, replicated.NumBuffers())
	assert.Equal(t, 3, replicated.NumShards())
	assert.Equal(t, distributed.ReplicateTensor{ReplicationFactor: 3}, replicated.DistributionConfig())
	assert.Equal(t, system.Devices(), replicated.Devices())
	assert.Contains(t, replicated.String(), "shard #2")

	host, err := replicated.CPU(ctx, false, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.KindMultiDeviceHost, host.StorageKind())
	shards, err := tensors.Shards(host)
	require.NoError(t, err)
	require.Len(t, shards, 3)
	for _, shard := range shards {
		assert.Equal(t, data, tensors.MustCopyFlatData[float32](shard))
	}
	aggregated, err := tensors.ConcatShards(host)
	require.NoError(t, err)
	assert.Equal(t, data, tensors.MustCopyFlatData[float32](aggregated))

	shard, err := tensors.GetShard(replicated, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.KindDevice, shard.StorageKind())
	assert.Equal(t, []*device.Device{system.Device(1)}, shard.Devices())
	_, err = tensors.GetShard(replicated, 5)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	shard.Deallocate()

	replicated.Deallocate()
	for _, dev := range system.Devices() {
		require.NoError(t, dev.Executor().SynchronizeAll(ctx))
		assert.Equal(t, 0, dev.Arena().NumLive())
	}
}

// TestBorrowedAsyncCopy checks that a borrowed buffer changed by its owner after being queued to an
// asynchronous device is not seen by the device.
func TestBorrowedAsyncCopy(t *testing.T) {
	ctx := context.Background()
	system := newSystem(t, "sim:mode=async,queues=1")
	dev := system.Device(0)

	// Hold the queue until the borrowed memory has been changed.
	release := make(chan struct{})
	blocker := dev.Executor().Push(0, func() error {
		<-release
		return nil
	})

	data := []float32{1, 2, 3, 4}
	var destroyed int
	borrowed, err := tensors.Borrow(data, shapes.Make(2, 2), nil, func() { destroyed++ })
	require.NoError(t, err)
	onDevice, err := borrowed.To(ctx, []*device.Device{dev}, device.DefaultMemoryConfig, tensors.OnQueue(0))
	require.NoError(t, err)
	assert.True(t, onDevice.IsPending())
	for i := range data {
		data[i] = -1
	}
	close(release)
	require.NoError(t, blocker.Wait(ctx))

	host, err := onDevice.CPU(ctx, true, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](host))

	// The borrowed tensor still sees the owner's memory.
	assert.Equal(t, []float32{-1, -1, -1, -1}, tensors.MustCopyFlatData[float32](borrowed))
	borrowed.Deallocate()
	assert.Equal(t, 1, destroyed)
}

func TestCopyBorrowedForAsyncSkipped(t *testing.T) {
	syncSystem := newSystem(t, "sim:mode=sync")
	asyncSystem := newSystem(t, "sim:mode=async")
	borrowed, err := tensors.Borrow([]uint8{1, 2}, shapes.Make(2), nil, nil)
	require.NoError(t, err)
	assert.Same(t, borrowed, tensors.CopyBorrowedForAsync(syncSystem.Device(0), borrowed))

	owned := tensors.MustFromFlatData([]uint8{1, 2}, 2)
	assert.Same(t, owned, tensors.CopyBorrowedForAsync(asyncSystem.Device(0), owned))

	copied := tensors.CopyBorrowedForAsync(asyncSystem.Device(0), borrowed)
	assert.Equal(t, storage.KindOwned, copied.StorageKind())
	assert.Equal(t, []uint8{1, 2}, tensors.MustCopyFlatData[uint8](copied))

	// Multi-shard tensors are never borrowed.
	mesh, err := distributed.NewLineMesh(asyncSystem.Devices())
	require.NoError(t, err)
	multi, err := tensors.DistributeToMesh(borrowed, mesh, distributed.ReplicateTensor{ReplicationFactor: 2})
	require.NoError(t, err)
	assert.Same(t, multi, tensors.CopyBorrowedForAsync(asyncSystem.Device(0), multi))
}

func TestWaitContext(t *testing.T) {
	system := newSystem(t, "sim:mode=async,queues=1")
	dev := system.Device(0)
	release := make(chan struct{})
	defer close(release)
	dev.Executor().Push(0, func() error {
		<-release
		return nil
	})
	tensor := tensors.MustFromFlatData([]float32{1}, 1)
	onDevice, err := tensor.To(context.Background(), []*device.Device{dev}, device.DefaultMemoryConfig)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = onDevice.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, onDevice.IsPending())
}

// holdQueue blocks queue 0 of the device until the returned function is called. release is safe to call from
// other goroutines.
func holdQueue(t *testing.T, dev *device.Device) (release func()) {
	gate := make(chan struct{})
	blocker := dev.Executor().Push(0, func() error {
		<-gate
		return nil
	})
	return func() {
		close(gate)
		assert.NoError(t, blocker.Wait(context.Background()))
	}
}

func TestPendingHostTransitions(t *testing.T) {
	ctx := context.Background()
	system := newSystem(t, "sim:mode=async,queues=1")
	dev := system.Device(0)
	devices := []*device.Device{dev}

	// Reshape of a pending read-back.
	onDevice, err := tensors.MustFromFlatData([]float32{1, 2, 3, 4}, 2, 2).To(ctx, devices, device.DefaultMemoryConfig)
	require.NoError(t, err)
	require.NoError(t, onDevice.Wait(ctx))
	release := holdQueue(t, dev)
	host, err := onDevice.CPU(ctx, false, 0)
	require.NoError(t, err)
	require.True(t, host.IsPending())
	reshaped, err := host.Reshape(4)
	require.NoError(t, err)
	assert.True(t, reshaped.IsPending())
	release()
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](reshaped))
	assert.False(t, reshaped.IsPending())
	onDevice.Deallocate()

	// PadToTile of an aligned pending read-back returns it aliased.
	data := xslices.Iota(float32(0), 32*32)
	onDevice, err = tensors.MustFromFlatData(data, 32, 32).To(ctx, devices, device.DefaultMemoryConfig)
	require.NoError(t, err)
	require.NoError(t, onDevice.Wait(ctx))
	release = holdQueue(t, dev)
	host, err = onDevice.CPU(ctx, false, 0)
	require.NoError(t, err)
	padded, err := host.PadToTile(0)
	require.NoError(t, err)
	assert.True(t, padded.IsPending())
	release()
	assert.Equal(t, data, tensors.MustCopyFlatData[float32](padded))

	// Layout conversions wait for the read to complete.
	release = holdQueue(t, dev)
	host, err = onDevice.CPU(ctx, false, 0)
	require.NoError(t, err)
	require.True(t, host.IsPending())
	time.AfterFunc(10*time.Millisecond, release)
	tiled, err := host.ToLayout(layout.Tiled)
	require.NoError(t, err)
	assert.False(t, tiled.IsPending())
	rowMajor, err := tiled.ToLayout(layout.RowMajor)
	require.NoError(t, err)
	assert.Equal(t, data, tensors.MustCopyFlatData[float32](rowMajor))

	onDevice.Deallocate()
	require.NoError(t, dev.Executor().SynchronizeAll(ctx))
	assert.Equal(t, 0, dev.Arena().NumLive())
}

func TestPendingDeviceTransitions(t *testing.T) {
	ctx := context.Background()
	system := newSystem(t, "sim:mode=async,queues=1")
	dev := system.Device(0)

	release := holdQueue(t, dev)
	onDevice, err := tensors.MustFromFlatData([]int32{1, 2, 3, 4, 5, 6}, 2, 3).To(ctx, []*device.Device{dev},
		device.DefaultMemoryConfig)
	require.NoError(t, err)
	require.True(t, onDevice.IsPending())
	reshaped, err := onDevice.Reshape(3, 2)
	require.NoError(t, err)
	assert.True(t, reshaped.IsPending())
	release()
	require.NoError(t, reshaped.Wait(ctx))
	assert.False(t, reshaped.IsPending())
	host, err := reshaped.CPU(ctx, true, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, host.Shape().Dimensions)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[int32](host))

	onDevice.Deallocate()
	reshaped.Deallocate()
	require.NoError(t, dev.Executor().SynchronizeAll(ctx))
	assert.Equal(t, 0, dev.Arena().NumLive())
}

func TestPendingTransform(t *testing.T) {
	ctx := context.Background()
	system := newSystem(t, "sim:devices=2,mode=async,queues=1")
	devices := system.Devices()
	data := xslices.Iota(int32(0), 32*32)
	onDevices, err := tensors.MustFromFlatData(data, 32, 32).To(ctx, devices, device.DefaultMemoryConfig)
	require.NoError(t, err)
	require.NoError(t, onDevices.Wait(ctx))

	release := holdQueue(t, devices[0])
	host, err := onDevices.CPU(ctx, false, 0)
	require.NoError(t, err)
	require.True(t, host.IsPending())
	padded, err := tensors.Transform(host, func(shard *tensors.Tensor) (*tensors.Tensor, error) {
		return shard.PadToTile(0)
	})
	require.NoError(t, err)
	assert.Equal(t, storage.KindMultiDeviceHost, padded.StorageKind())
	assert.True(t, padded.IsPending())
	release()
	aggregated, err := tensors.ConcatShards(padded)
	require.NoError(t, err)
	assert.Equal(t, data, tensors.MustCopyFlatData[int32](aggregated))

	onDevices.Deallocate()
	for _, dev := range devices {
		require.NoError(t, dev.Executor().SynchronizeAll(ctx))
		assert.Equal(t, 0, dev.Arena().NumLive(), "device %s", dev)
	}
}
