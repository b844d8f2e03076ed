package tensors

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensix/pkg/core/device"
	"github.com/gomlx/tensix/pkg/core/distributed"
	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/core/storage"
)

// TransferOption configures To.
type TransferOption func(*transferOptions)

type transferOptions struct {
	queueID  int
	blocking bool
}

// OnQueue selects the device queue used by the transfer. The default is queue 0.
func OnQueue(queueID int) TransferOption {
	return func(o *transferOptions) { o.queueID = queueID }
}

// Blocking makes To wait for the transfers to complete before returning.
func Blocking() TransferOption {
	return func(o *transferOptions) { o.blocking = true }
}

// To copies the tensor to the devices, returning a new tensor with Device storage (one device) or
// MultiDevice storage (several devices). The receiver is not changed.
//
// Host tensors are replicated to every device, and MultiDeviceHost tensors send shard i to devices[i].
// Device tensors are first read back to the host.
//
// Unless Blocking is given, To returns once the writes are queued (see OnQueue): the returned tensor is
// pending, and operations on the same device queue will see its data. Borrowed host memory is copied before
// being queued to asynchronous devices (see CopyBorrowedForAsync).
func (t *Tensor) To(ctx context.Context, devices []*device.Device, memConfig device.MemoryConfig, opts ...TransferOption) (*Tensor, error) {
	var o transferOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(devices) == 0 {
		return nil, errs.InvalidArgumentf("To: no target devices given for tensor %s", t.id)
	}
	seen := make(map[device.ID]bool, len(devices))
	for _, dev := range devices {
		if seen[dev.ID()] {
			return nil, errs.InvalidArgumentf("To: device %d given more than once", dev.ID())
		}
		seen[dev.ID()] = true
		if o.queueID < 0 || o.queueID >= dev.Executor().NumQueues() {
			return nil, errs.InvalidArgumentf("To: invalid queue %d, %s has %d queues", o.queueID, dev,
				dev.Executor().NumQueues())
		}
	}
	if memConfig.IsSharded() {
		if _, err := memConfig.ShardDivision(t.paddedShape); err != nil {
			return nil, errors.WithMessagef(err, "To(%s)", memConfig)
		}
	}

	switch st := t.Storage().(type) {
	case *storage.Owned, *storage.Borrowed:
		src := CopyBorrowedForAsync(devices[0], t)
		flat, err := storage.HostFlat(src.Storage())
		if err != nil {
			return nil, err
		}
		flats := make([]any, len(devices))
		for i := range flats {
			flats[i] = flat
		}
		klog.V(1).Infof("tensor %s: copying %s to %d device(s), queue %d", t.id, t.paddedShape, len(devices), o.queueID)
		buffers, futures, err := src.writeToDevices(ctx, devices, flats, memConfig, o)
		if err != nil {
			return nil, err
		}
		if len(devices) == 1 {
			result := newTensor(t.spec(), storage.NewDevice(buffers[0]))
			result.memConfig = memConfig
			result.addPending(futures...)
			return result, nil
		}
		shardShapes := make([]shapes.Shape, len(devices))
		for i := range shardShapes {
			shardShapes[i] = t.shape
		}
		physical := make([]shapes.Shape, len(devices))
		for i := range physical {
			physical[i] = t.paddedShape
		}
		result := newMultiDeviceTensor(t.spec(), distributed.ReplicateTensor{ReplicationFactor: len(devices)},
			buffers, shardShapes, physical)
		result.memConfig = memConfig
		result.addPending(futures...)
		return result, nil

	case *storage.MultiDeviceHost:
		if len(devices) != st.NumShards() {
			return nil, errs.InvalidArgumentf("To: tensor %s has %d shards, but %d devices were given",
				t.id, st.NumShards(), len(devices))
		}
		if err := t.Wait(ctx); err != nil {
			return nil, err
		}
		flats := make([]any, len(devices))
		logical := make([]shapes.Shape, len(devices))
		physical := make([]shapes.Shape, len(devices))
		for shard := range flats {
			buffer, err := st.Buffer(shard)
			if err != nil {
				return nil, err
			}
			flats[shard] = buffer.Flat()
			physical[shard], _ = st.Shape(shard)
			logical[shard] = t.shardShape(shard, physical[shard])
		}
		klog.V(1).Infof("tensor %s: copying %d shards to devices, queue %d", t.id, len(devices), o.queueID)
		buffers, futures, err := t.writeToDevices(ctx, devices, flats, memConfig, o)
		if err != nil {
			return nil, err
		}
		result := newMultiDeviceTensor(t.spec(), st.Config(), buffers, logical, physical)
		result.memConfig = memConfig
		result.addPending(futures...)
		return result, nil

	case *storage.Device, *storage.MultiDevice:
		host, err := t.CPU(ctx, true, o.queueID)
		if err != nil {
			return nil, errors.WithMessagef(err, "To: reading back tensor %s", t.id)
		}
		return host.To(ctx, devices, memConfig, opts...)

	default:
		return nil, storage.Unsupported("To", st)
	}
}

// newMultiDeviceTensor wraps buffers (taken over) in a MultiDevice storage, keyed by their devices.
func newMultiDeviceTensor(spec Spec, config distributed.Config, buffers []*device.Buffer, logical, physical []shapes.Shape) *Tensor {
	ids := make([]device.ID, len(buffers))
	for i, buffer := range buffers {
		ids[i] = buffer.Device().ID()
	}
	st := storage.NewMultiDevice(config, ids)
	result := newTensor(spec, st)
	result.shardShapes = make(map[int]shapes.Shape, len(buffers))
	for i, buffer := range buffers {
		st.Insert(ids[i], buffer, physical[i])
		result.shardShapes[int(ids[i])] = logical[i].Clone()
	}
	return result
}

// writeToDevices allocates one buffer on each device and queues the write of flats[i] to devices[i]. The
// writes first wait for t to be populated.
func (t *Tensor) writeToDevices(ctx context.Context, devices []*device.Device, flats []any,
	memConfig device.MemoryConfig, o transferOptions) ([]*device.Buffer, []*device.Future, error) {
	buffers := make([]*device.Buffer, len(devices))
	futures := make([]*device.Future, len(devices))
	g, gCtx := errgroup.WithContext(ctx)
	for i, dev := range devices {
		g.Go(func() error {
			buffer, err := dev.Allocate(t.dtype, dtypes.FlatLen(flats[i]), memConfig)
			if err != nil {
				return err
			}
			buffers[i] = buffer
			flat := flats[i]
			futures[i] = pushWithBuffer(buffer, o.queueID, func() error {
				if err := t.Wait(context.Background()); err != nil {
					return err
				}
				return buffer.Write(flat)
			})
			if o.blocking {
				return futures[i].Wait(gCtx)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, buffer := range buffers {
			if buffer != nil {
				buffer.Release()
			}
		}
		return nil, nil, errors.WithMessagef(err, "transferring tensor %s to devices", t.id)
	}
	return buffers, futures, nil
}

// CPU reads the tensor back to the host, returning a new tensor with Owned storage (single device) or
// MultiDeviceHost storage (multi-device, one shard per device ordered by device id). Host tensors are copied.
//
// The reads are queued on queueID of each device. If blocking, CPU waits for them to complete. Otherwise
// the returned tensor is pending: its accessors wait for the reads to complete, and operations queued after
// them on the same device queue are ordered after them.
func (t *Tensor) CPU(ctx context.Context, blocking bool, queueID int) (*Tensor, error) {
	switch st := t.Storage().(type) {
	case *storage.Owned, *storage.Borrowed:
		flat, err := t.hostFlat("CPU")
		if err != nil {
			return nil, err
		}
		return newTensor(t.spec(), storage.NewOwned(storage.NewHostBuffer(dtypes.CloneFlat(flat)))), nil

	case *storage.MultiDeviceHost:
		if err := t.Wait(ctx); err != nil {
			return nil, err
		}
		result := storage.NewMultiDeviceHost(st.Config(), st.NumShards())
		for shard := range st.NumShards() {
			buffer, err := st.Buffer(shard)
			if err != nil {
				return nil, err
			}
			shape, _ := st.Shape(shard)
			result.Insert(shard, buffer.Clone(), shape)
		}
		return t.withShards(result, t.copyShardShapes()), nil

	case *storage.Device:
		flat, future := t.enqueueRead(st.Buffer, queueID)
		result := newTensor(t.spec(), storage.NewOwned(storage.NewHostBuffer(flat)))
		if blocking {
			if err := future.Wait(ctx); err != nil {
				return nil, errors.WithMessagef(err, "reading back tensor %s", t.id)
			}
		} else {
			result.addPending(future)
		}
		return result, nil

	case *storage.MultiDevice:
		ids := st.DeviceIDs()
		result := storage.NewMultiDeviceHost(st.Config(), len(ids))
		futures := make([]*device.Future, len(ids))
		shardShapes := make(map[int]shapes.Shape, len(ids))
		buffers := make([]*device.Buffer, len(ids))
		physical := make([]shapes.Shape, len(ids))
		for shard, id := range ids {
			var err error
			if buffers[shard], err = st.Buffer(id); err != nil {
				return nil, err
			}
			physical[shard], _ = st.Shape(id)
			shardShapes[shard] = t.shardShape(int(id), physical[shard])
		}
		g, gCtx := errgroup.WithContext(ctx)
		for shard, buffer := range buffers {
			g.Go(func() error {
				var flat any
				flat, futures[shard] = t.enqueueRead(buffer, queueID)
				result.Insert(shard, storage.NewHostBuffer(flat), physical[shard])
				if blocking {
					return futures[shard].Wait(gCtx)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, errors.WithMessagef(err, "reading back tensor %s", t.id)
		}
		host := t.withShards(result, shardShapes)
		if !blocking {
			host.addPending(futures...)
		}
		return host, nil

	default:
		return nil, storage.Unsupported("CPU", st)
	}
}

// enqueueRead allocates a host buffer and queues on the buffer's device the read of buffer into it, after
// the tensor is populated.
func (t *Tensor) enqueueRead(buffer *device.Buffer, queueID int) (any, *device.Future) {
	flat := dtypes.MakeFlat(t.dtype, buffer.NumElements())
	klog.V(2).Infof("tensor %s: reading back %s, queue %d", t.id, buffer, queueID)
	future := pushWithBuffer(buffer, queueID, func() error {
		if err := t.Wait(context.Background()); err != nil {
			return err
		}
		return buffer.Read(flat)
	})
	return flat, future
}

// pushWithBuffer queues the task on the buffer's device, holding a reference to the buffer until the task
// has executed or was rejected.
func pushWithBuffer(buffer *device.Buffer, queueID int, task device.Task) *device.Future {
	buffer.Retain()
	var once sync.Once
	release := func() { once.Do(buffer.Release) }
	future := buffer.Device().Executor().Push(queueID, func() error {
		defer release()
		return task()
	})
	if future.IsDone() {
		release()
	}
	return future
}

// withShards returns a new tensor with the metadata of t and the given multi-device storage and logical
// shard shapes.
func (t *Tensor) withShards(st storage.Storage, shardShapes map[int]shapes.Shape) *Tensor {
	result := newTensor(t.spec(), st)
	result.shardShapes = make(map[int]shapes.Shape, len(shardShapes))
	for key, shape := range shardShapes {
		result.shardShapes[key] = shape.Clone()
	}
	return result
}

// CopyBorrowedForAsync returns a tensor safe to be handed to the queues of dev.
//
// A Borrowed tensor is copied to a new Owned tensor when dev runs asynchronously: the lender could change or
// free the memory before the queued operation executes. Otherwise t itself is returned: synchronous devices
// execute operations before returning, and multi-shard tensors already own their shards.
func CopyBorrowedForAsync(dev *device.Device, t *Tensor) *Tensor {
	borrowed, ok := t.Storage().(*storage.Borrowed)
	if !ok || dev.Mode() == device.Synchronous {
		return t
	}
	klog.V(2).Infof("tensor %s: copying borrowed buffer before queuing it to %s", t.id, dev)
	return newTensor(t.spec(), borrowed.ToOwned())
}
