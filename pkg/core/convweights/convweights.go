// Package convweights converts convolution weights and biases to the matrix layouts consumed by the
// convolution kernels.
//
// Weights are host tensors of shape [outChannels, inChannels, kernelHeight, kernelWidth] in row-major layout.
// The conversions only remap element positions: each one plans an index mapping from the input to a new,
// zero-initialized, buffer, which is then gathered for the tensor's dtype.
//
// MultiDeviceHost weights are converted shard by shard.
package convweights

import (
	"context"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/core/storage"
	"github.com/gomlx/tensix/pkg/core/tensors"
	"github.com/gomlx/tensix/pkg/support/xslices"
)

var (
	// tiledDTypes are the input dtypes accepted by the conversions to tiled matrices.
	tiledDTypes = []dtypes.DType{dtypes.Float32, dtypes.BFloat16, dtypes.Uint32}

	// rowMajorDTypes are the input dtypes accepted by the grouped and depthwise expansions.
	rowMajorDTypes = []dtypes.DType{dtypes.Int32, dtypes.Float32, dtypes.BFloat16, dtypes.Uint16, dtypes.Uint32}
)

// weightShape is the 4D shape of convolution weights.
type weightShape struct {
	outChannels, inChannels, kernelHeight, kernelWidth int
}

func newWeightShape(shape shapes.Shape) (weightShape, error) {
	if shape.Rank() != 4 {
		return weightShape{}, errs.Shapef("convolution weights must have rank 4 [out, in, kh, kw], got shape %s", shape)
	}
	d := shape.Dimensions
	return weightShape{outChannels: d[0], inChannels: d[1], kernelHeight: d[2], kernelWidth: d[3]}, nil
}

// index returns the flat index of the element in the row-major weights.
func (w weightShape) index(outChannel, inChannel, kernelRow, kernelCol int) int {
	return ((outChannel*w.inChannels+inChannel)*w.kernelHeight+kernelRow)*w.kernelWidth + kernelCol
}

// plan returns the shape of the output and, for each of its elements, the index of the input element it
// takes or -1 for zeros.
type plan func(shape shapes.Shape, tile layout.Tile) (outShape shapes.Shape, mapping []int, err error)

// newMapping returns a mapping of the given size with all elements set to zero (-1).
func newMapping(size int) []int {
	mapping := make([]int, size)
	xslices.FillSlice(mapping, -1)
	return mapping
}

// conversion describes one of the conversions of this package.
type conversion struct {
	name      string
	supported []dtypes.DType

	// tiled outputs are converted to the tiled layout, and may be packed.
	tiled bool
	plan  plan
}

// convert runs the conversion on w.
func (c conversion) convert(w *tensors.Tensor, outDType dtypes.DType) (*tensors.Tensor, error) {
	st := w.Storage()
	if st == nil {
		return nil, storage.Unsupported(c.name, nil)
	}
	if st.Kind().IsMultiDevice() {
		return tensors.Transform(w, func(shard *tensors.Tensor) (*tensors.Tensor, error) {
			return c.convert(shard, outDType)
		})
	}
	if w.Layout() != layout.RowMajor {
		return nil, errs.Preconditionf("%s requires weights in row-major layout, got %s %s", c.name, w.Layout(), w.DType())
	}

	dtype := w.DType()
	if outDType == dtypes.InvalidDType {
		outDType = dtype
	}
	if outDType.IsPacked() {
		if dtype != dtypes.Float32 {
			return nil, errs.Preconditionf("%s: packed output %s requires %s weights, got %s", c.name, outDType,
				dtypes.Float32, dtype)
		}
		if !c.tiled {
			// Row-major outputs can't be packed: they are kept in float32 for a later tiled conversion.
			outDType = dtypes.Float32
		}
	} else if outDType != dtype {
		return nil, errs.UnsupportedDataTypef("%s can't convert %s weights to %s", c.name, dtype, outDType)
	}
	if !isSupported(dtype, c.supported) {
		return nil, errs.UnsupportedDataTypef("%s doesn't support weights of dtype %s (supported: %v)", c.name, dtype,
			c.supported)
	}

	if !w.PaddedShape().Equal(w.Shape()) {
		unpadded, err := w.UnpadFromTile(w.Shape())
		if err != nil {
			return nil, err
		}
		w = unpadded
	}
	if err := w.Wait(context.Background()); err != nil {
		return nil, err
	}
	flat, err := storage.HostFlat(w.Storage())
	if err != nil {
		return nil, err
	}
	outShape, mapping, err := c.plan(w.Shape(), w.Tile())
	if err != nil {
		return nil, errors.WithMessagef(err, "%s of weights %s", c.name, w.Shape())
	}
	klog.V(1).Infof("%s: %s %s -> %s %s", c.name, dtype, w.Shape(), outDType, outShape)
	outFlat, err := gatherFlat(flat, mapping)
	if err != nil {
		return nil, err
	}
	result, err := tensors.FromStorage(tensors.Spec{
		DType:  dtype,
		Shape:  outShape,
		Layout: layout.RowMajor,
		Tile:   w.Tile(),
	}, storage.NewOwned(storage.NewHostBuffer(outFlat)))
	if err != nil {
		return nil, err
	}
	if !c.tiled {
		return result, nil
	}
	return result.ToLayout(layout.Tiled, tensors.OutputDType(outDType))
}

func isSupported(dtype dtypes.DType, supported []dtypes.DType) bool {
	for _, s := range supported {
		if s == dtype {
			return true
		}
	}
	return false
}

// gatherFlat dispatches gather on the type of the flat buffer.
func gatherFlat(flat any, mapping []int) (any, error) {
	switch src := flat.(type) {
	case []float32:
		return gather(src, mapping), nil
	case []bfloat16.BFloat16:
		return gather(src, mapping), nil
	case []float16.Float16:
		return gather(src, mapping), nil
	case []uint32:
		return gather(src, mapping), nil
	case []int32:
		return gather(src, mapping), nil
	case []uint16:
		return gather(src, mapping), nil
	case []uint8:
		return gather(src, mapping), nil
	}
	return nil, errs.UnsupportedDataTypef("can't convert flat buffer of type %T", flat)
}

// gather returns dst[i] = src[mapping[i]], or zero where mapping[i] is -1.
func gather[T dtypes.Supported](src []T, mapping []int) []T {
	dst := make([]T, len(mapping))
	for i, from := range mapping {
		if from >= 0 {
			dst[i] = src[from]
		}
	}
	return dst
}

func checkPositive(name string, values ...int) error {
	for _, v := range values {
		if v <= 0 {
			return errs.InvalidArgumentf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

// ToTiledLayout converts weights to a tiled matrix of shape [1, 1, rows, cols]: row
// kernelRow*kw*in + kernelCol*in + inChannel, column outChannel. Rows are padded to a multiple of in1BlockH
// tiles and columns to a multiple of in1BlockW tiles.
//
// outDType defaults to the weights dtype (pass dtypes.InvalidDType). The packed dtypes require float32 weights.
func ToTiledLayout(w *tensors.Tensor, in1BlockH, in1BlockW int, outDType dtypes.DType) (*tensors.Tensor, error) {
	if err := checkPositive("block size", in1BlockH, in1BlockW); err != nil {
		return nil, err
	}
	c := conversion{
		name:      "weights tiled layout",
		supported: tiledDTypes,
		tiled:     true,
		plan: func(shape shapes.Shape, tile layout.Tile) (shapes.Shape, []int, error) {
			ws, err := newWeightShape(shape)
			if err != nil {
				return shapes.Shape{}, nil, err
			}
			cols := shapes.PadToMultiple(ws.outChannels, in1BlockW*tile.Width)
			rows := shapes.PadToMultiple(ws.inChannels*ws.kernelHeight*ws.kernelWidth, in1BlockH*tile.Height)
			mapping := newMapping(rows * cols)
			for r := range ws.kernelHeight {
				for s := range ws.kernelWidth {
					for c := range ws.inChannels {
						row := (r*ws.kernelWidth+s)*ws.inChannels + c
						for k := range ws.outChannels {
							mapping[row*cols+k] = ws.index(k, c, r, s)
						}
					}
				}
			}
			return shapes.Make(1, 1, rows, cols), mapping, nil
		},
	}
	return c.convert(w, outDType)
}

// ToSpecialPaddingTiledLayout is like ToTiledLayout, but each kernel row is padded separately to a block of
// in1BlockH tiles: row kernelRow*blockHeight + kernelCol*in + inChannel.
//
// It returns an ErrPrecondition error if in*kw doesn't fit in the block height.
func ToSpecialPaddingTiledLayout(w *tensors.Tensor, in1BlockH, in1BlockW int, outDType dtypes.DType) (*tensors.Tensor, error) {
	if err := checkPositive("block size", in1BlockH, in1BlockW); err != nil {
		return nil, err
	}
	c := conversion{
		name:      "weights special padding tiled layout",
		supported: tiledDTypes,
		tiled:     true,
		plan: func(shape shapes.Shape, tile layout.Tile) (shapes.Shape, []int, error) {
			ws, err := newWeightShape(shape)
			if err != nil {
				return shapes.Shape{}, nil, err
			}
			blockHeight := in1BlockH * tile.Height
			if ws.inChannels*ws.kernelWidth > blockHeight {
				return shapes.Shape{}, nil, errs.Preconditionf(
					"in channels x kernel width (%d x %d) must fit in the block height of %d tiles (%d rows)",
					ws.inChannels, ws.kernelWidth, in1BlockH, blockHeight)
			}
			cols := shapes.PadToMultiple(ws.outChannels, in1BlockW*tile.Width)
			rows := blockHeight * ws.kernelHeight
			mapping := newMapping(rows * cols)
			for r := range ws.kernelHeight {
				for s := range ws.kernelWidth {
					for c := range ws.inChannels {
						row := r*blockHeight + s*ws.inChannels + c
						for k := range ws.outChannels {
							mapping[row*cols+k] = ws.index(k, c, r, s)
						}
					}
				}
			}
			return shapes.Make(1, 1, rows, cols), mapping, nil
		},
	}
	return c.convert(w, outDType)
}

// ToTiledLayoutBlockSharded converts weights to a tiled matrix for block sharded convolutions: both the
// input and the output channels are split in numChannelShards contiguous groups, and each group is padded
// to a tile multiple, so no tile is split across shards.
//
// It returns an ErrPrecondition error if the channels are not divisible by numChannelShards.
func ToTiledLayoutBlockSharded(w *tensors.Tensor, numChannelShards int, outDType dtypes.DType) (*tensors.Tensor, error) {
	if err := checkPositive("number of channel shards", numChannelShards); err != nil {
		return nil, err
	}
	n := numChannelShards
	c := conversion{
		name:      "weights block sharded tiled layout",
		supported: tiledDTypes,
		tiled:     true,
		plan: func(shape shapes.Shape, tile layout.Tile) (shapes.Shape, []int, error) {
			ws, err := newWeightShape(shape)
			if err != nil {
				return shapes.Shape{}, nil, err
			}
			if ws.outChannels%n != 0 || ws.inChannels%n != 0 {
				return shapes.Shape{}, nil, errs.Preconditionf(
					"out channels (%d) and in channels (%d) must be divisible by the number of channel shards (%d)",
					ws.outChannels, ws.inChannels, n)
			}
			outShardWidth := ws.outChannels / n
			outShardWidthPadded := shapes.PadToMultiple(outShardWidth, tile.Width)
			inShardWidth := ws.inChannels / n
			blockHeight := inShardWidth * ws.kernelHeight * ws.kernelWidth
			blockHeightPadded := shapes.PadToMultiple(blockHeight, tile.Height)
			rows, cols := blockHeightPadded*n, outShardWidthPadded*n
			mapping := newMapping(rows * cols)
			for inShard := range n {
				for r := range ws.kernelHeight {
					for s := range ws.kernelWidth {
						for cs := range inShardWidth {
							row := inShard*blockHeightPadded + (r*ws.kernelWidth+s)*inShardWidth + cs
							for outShard := range n {
								for ks := range outShardWidth {
									col := outShard*outShardWidthPadded + ks
									mapping[row*cols+col] = ws.index(outShard*outShardWidth+ks, inShard*inShardWidth+cs, r, s)
								}
							}
						}
					}
				}
			}
			return shapes.Make(1, 1, rows, cols), mapping, nil
		},
	}
	return c.convert(w, outDType)
}

// BiasToTiledLayoutBlockSharded converts a [1, 1, 1, channels] bias to a tiled matrix of one tile row, with
// the channels split in numChannelShards groups each padded to a tile multiple. Only the first row holds
// values.
//
// It returns an ErrPrecondition error if the shape is not [1, 1, 1, channels] or the channels are not
// divisible by numChannelShards.
func BiasToTiledLayoutBlockSharded(b *tensors.Tensor, numChannelShards int, outDType dtypes.DType) (*tensors.Tensor, error) {
	if err := checkPositive("number of channel shards", numChannelShards); err != nil {
		return nil, err
	}
	n := numChannelShards
	c := conversion{
		name:      "bias block sharded tiled layout",
		supported: tiledDTypes,
		tiled:     true,
		plan: func(shape shapes.Shape, tile layout.Tile) (shapes.Shape, []int, error) {
			if shape.Rank() != 4 || shape.Volume() != shape.Dim(-1) {
				return shapes.Shape{}, nil, errs.Preconditionf("bias must have shape [1, 1, 1, channels], got %s", shape)
			}
			channels := shape.Dim(-1)
			if channels%n != 0 {
				return shapes.Shape{}, nil, errs.Preconditionf(
					"bias channels (%d) must be divisible by the number of channel shards (%d)", channels, n)
			}
			shardWidth := channels / n
			shardWidthPadded := shapes.PadToMultiple(shardWidth, tile.Width)
			rows, cols := tile.Height, shardWidthPadded*n
			mapping := newMapping(rows * cols)
			for shard := range n {
				for ks := range shardWidth {
					mapping[shard*shardWidthPadded+ks] = shard*shardWidth + ks
				}
			}
			return shapes.Make(1, 1, rows, cols), mapping, nil
		},
	}
	return c.convert(b, outDType)
}

// ToGroupedLayout expands grouped convolution weights [out, in/groups, kh, kw] to [out, in, kh, kw]: each
// output channel keeps its input channels at the offset of its group, and the other input channels are zero.
//
// The group of output channel k is min(k/(out/groups), groups-1), so the last group takes the remainder when
// out is not divisible by groups. It returns an ErrPrecondition error if out < groups.
//
// The result is row-major. Packed output dtypes yield float32 weights, to be packed when tiled.
func ToGroupedLayout(w *tensors.Tensor, numGroups int, outDType dtypes.DType) (*tensors.Tensor, error) {
	if err := checkPositive("number of groups", numGroups); err != nil {
		return nil, err
	}
	c := conversion{
		name:      "weights grouped layout",
		supported: rowMajorDTypes,
		plan: func(shape shapes.Shape, _ layout.Tile) (shapes.Shape, []int, error) {
			ws, err := newWeightShape(shape)
			if err != nil {
				return shapes.Shape{}, nil, err
			}
			if ws.outChannels < numGroups {
				return shapes.Shape{}, nil, errs.Preconditionf(
					"out channels (%d) must be at least the number of groups (%d)", ws.outChannels, numGroups)
			}
			out := ws
			out.inChannels = ws.inChannels * numGroups
			outShape := shapes.Make(out.outChannels, out.inChannels, out.kernelHeight, out.kernelWidth)
			mapping := newMapping(outShape.Volume())
			groupSize := ws.outChannels / numGroups
			for k := range ws.outChannels {
				groupID := min(k/groupSize, numGroups-1)
				for c := range ws.inChannels {
					for r := range ws.kernelHeight {
						for s := range ws.kernelWidth {
							mapping[out.index(k, groupID*ws.inChannels+c, r, s)] = ws.index(k, c, r, s)
						}
					}
				}
			}
			return outShape, mapping, nil
		},
	}
	return c.convert(w, outDType)
}

// ToDepthwiseLayout broadcasts depthwise convolution weights [out, 1, kh, kw] to
// [out, actBlockHTiles*tileHeight, kh, kw], repeating the single input channel.
//
// The result is row-major. Packed output dtypes yield float32 weights, to be packed when tiled.
func ToDepthwiseLayout(w *tensors.Tensor, actBlockHTiles int, outDType dtypes.DType) (*tensors.Tensor, error) {
	if err := checkPositive("activation block height", actBlockHTiles); err != nil {
		return nil, err
	}
	c := conversion{
		name:      "weights depthwise layout",
		supported: rowMajorDTypes,
		plan: func(shape shapes.Shape, tile layout.Tile) (shapes.Shape, []int, error) {
			ws, err := newWeightShape(shape)
			if err != nil {
				return shapes.Shape{}, nil, err
			}
			if ws.inChannels != 1 {
				return shapes.Shape{}, nil, errs.Preconditionf("depthwise weights must have 1 input channel, got shape %s", shape)
			}
			out := ws
			out.inChannels = actBlockHTiles * tile.Height
			outShape := shapes.Make(out.outChannels, out.inChannels, out.kernelHeight, out.kernelWidth)
			mapping := newMapping(outShape.Volume())
			for k := range out.outChannels {
				for c := range out.inChannels {
					for r := range out.kernelHeight {
						for s := range out.kernelWidth {
							mapping[out.index(k, c, r, s)] = ws.index(k, 0, r, s)
						}
					}
				}
			}
			return outShape, mapping, nil
		},
	}
	return c.convert(w, outDType)
}
