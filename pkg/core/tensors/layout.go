package tensors

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensix/pkg/core/device"
	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/storage"
)

// LayoutOption configures ToLayout.
type LayoutOption func(*layoutOptions)

type layoutOptions struct {
	worker   *device.Device
	queueID  int
	outDType dtypes.DType
	tile     *layout.Tile
}

// OnWorker runs the conversion as a task of the device queue, and waits for it.
func OnWorker(dev *device.Device, queueID int) LayoutOption {
	return func(o *layoutOptions) {
		o.worker = dev
		o.queueID = queueID
	}
}

// OutputDType sets the dtype of the converted tensor. Only the packed block-float dtypes (BFloat8B, BFloat4B)
// differ from the input dtype: they are created from Float32 tensors when converting to tiled layout.
//
// By default, the dtype is kept, except packed dtypes converted to row-major, which become Float32.
func OutputDType(dtype dtypes.DType) LayoutOption {
	return func(o *layoutOptions) { o.outDType = dtype }
}

// WithTile sets the tile geometry used when converting to tiled layout. By default, the tensor's tile.
func WithTile(tile layout.Tile) LayoutOption {
	return func(o *layoutOptions) { o.tile = &tile }
}

// ToLayout returns a new host tensor converted to the target layout. The physical shape must be tile aligned
// (see PadToTile), otherwise an ErrPrecondition error is returned.
//
// If the tensor is already in the target layout and dtype, the result aliases the receiver's data.
// MultiDeviceHost tensors are converted shard by shard, and device tensors return an ErrUnsupportedStorage
// error: read them back first with CPU.
func (t *Tensor) ToLayout(target layout.Layout, opts ...LayoutOption) (*Tensor, error) {
	var o layoutOptions
	for _, opt := range opts {
		opt(&o)
	}
	switch st := t.Storage().(type) {
	case *storage.Owned, *storage.Borrowed:
		if o.worker == nil {
			return t.convertLayout(target, o)
		}
		src := CopyBorrowedForAsync(o.worker, t)
		var result *Tensor
		future := o.worker.Executor().Push(o.queueID, func() error {
			var err error
			result, err = src.convertLayout(target, o)
			return err
		})
		if err := future.Wait(context.Background()); err != nil {
			return nil, errors.WithMessagef(err, "converting tensor %s on %s", t.id, o.worker)
		}
		return result, nil

	case *storage.MultiDeviceHost:
		return Transform(t, func(shard *Tensor) (*Tensor, error) {
			return shard.ToLayout(target, opts...)
		})

	case *storage.Device, *storage.MultiDevice:
		return nil, storage.Unsupported("layout conversion", st)

	default:
		return nil, storage.Unsupported("layout conversion", st)
	}
}

// convertLayout implements ToLayout for single buffer host tensors.
func (t *Tensor) convertLayout(target layout.Layout, o layoutOptions) (*Tensor, error) {
	flat, err := t.hostFlat("layout conversion")
	if err != nil {
		return nil, err
	}
	tile := t.tile
	if o.tile != nil {
		tile = *o.tile
		if err := tile.Validate(); err != nil {
			return nil, err
		}
	}
	outDType := o.outDType
	if outDType == dtypes.InvalidDType {
		outDType = t.dtype
		if target == layout.RowMajor && t.dtype.IsPacked() {
			outDType = dtypes.Float32
		}
	}
	if target == t.layout && outDType == t.dtype && tile == t.tile {
		return t.alias(t.spec())
	}
	klog.V(2).Infof("tensor %s: converting %s %s to %s %s", t.id, t.layout, t.dtype, target, outDType)

	// Tiled inputs are first brought back to row-major.
	dtype := t.dtype
	if t.layout == layout.Tiled {
		flat, dtype, err = layout.ToRowMajor(flat, t.dtype, t.paddedShape, t.tile)
		if err != nil {
			return nil, errors.WithMessagef(err, "converting tensor %s to row-major", t.id)
		}
	}

	spec := t.spec()
	spec.Layout = target
	spec.Tile = tile
	spec.DType = outDType
	switch target {
	case layout.RowMajor:
		if outDType != dtype {
			return nil, errs.UnsupportedDataTypef("row-major conversion of %s tensor yields %s, can't output %s",
				t.dtype, dtype, outDType)
		}
	case layout.Tiled:
		flat, err = layout.ToTiled(flat, dtype, t.paddedShape, tile, outDType)
		if err != nil {
			return nil, errors.WithMessagef(err, "converting tensor %s to tiled", t.id)
		}
	default:
		return nil, errs.InvalidArgumentf("unknown layout %s", target)
	}
	return newTensor(spec, storage.NewOwned(storage.NewHostBuffer(flat))), nil
}
