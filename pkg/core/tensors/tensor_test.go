/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package tensors_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensix/pkg/core/device"
	_ "github.com/gomlx/tensix/pkg/core/device/sim"
	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/core/storage"
	"github.com/gomlx/tensix/pkg/core/tensors"
	"github.com/gomlx/tensix/pkg/support/xslices"
)

func newSystem(t *testing.T, config string) *device.System {
	system, err := device.NewWithConfig(config)
	require.NoError(t, err)
	t.Cleanup(system.Close)
	return system
}

func TestFromFlatData(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	tensor, err := tensors.FromFlatData(data, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
	assert.True(t, tensor.PaddedShape().Equal(tensor.Shape()))
	assert.Equal(t, layout.RowMajor, tensor.Layout())
	assert.Equal(t, storage.KindOwned, tensor.StorageKind())
	assert.True(t, tensor.IsHost())
	assert.False(t, tensor.IsOnDevice())
	assert.Equal(t, 1, tensor.NumBuffers())
	assert.Equal(t, 1, tensor.NumShards())
	assert.Nil(t, tensor.DistributionConfig())

	// Data was copied.
	data[0] = 100
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](tensor))

	_, err = tensors.CopyFlatData[int32](tensor)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedDataType))

	_, err = tensors.FromFlatData([]int32{1, 2, 3}, 2, 2)
	assert.True(t, errors.Is(err, errs.ErrShape))

	zeros := tensors.FromShape(dtypes.BFloat16, 2, 2)
	assert.Equal(t, make([]bfloat16.BFloat16, 4), tensors.MustCopyFlatData[bfloat16.BFloat16](zeros))
	assert.Panics(t, func() { tensors.FromShape(dtypes.BFloat8B, 32, 32) })

	summary := tensor.String()
	assert.Contains(t, summary, "Float32[2 3] RowMajor Owned")
	assert.Contains(t, summary, "{1, 2, 3}")
	assert.Contains(t, summary, "{4, 5, 6}")
}

func TestDeallocate(t *testing.T) {
	var created, destroyed int
	tensor, err := tensors.Borrow([]uint16{1, 2, 3}, shapes.Make(3),
		func() { created++ }, func() { destroyed++ })
	require.NoError(t, err)
	assert.Equal(t, storage.KindBorrowed, tensor.StorageKind())
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, destroyed)

	tensor.Deallocate()
	tensor.Deallocate()
	assert.Equal(t, 1, destroyed)
	assert.False(t, tensor.IsValid())
	assert.Equal(t, 0, tensor.NumBuffers())
	_, err = tensors.CopyFlatData[uint16](tensor)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedStorage))
	_, err = tensor.Reshape(-1)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedStorage))
	assert.Contains(t, tensor.String(), "deallocated")
}

func TestPadUnpad(t *testing.T) {
	tensor := tensors.MustFromFlatData([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	padded, err := tensor.Pad(shapes.Make(3, 5), []int{1, 1}, 7)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, padded.Shape().Dimensions)
	assert.Equal(t, []int32{
		7, 7, 7, 7, 7,
		7, 1, 2, 3, 7,
		7, 4, 5, 6, 7,
	}, tensors.MustCopyFlatData[int32](padded))

	unpadded, err := padded.Unpad([]int{1, 1}, []int{3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, unpadded.Shape().Dimensions)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[int32](unpadded))

	// Empty region.
	empty, err := padded.Unpad([]int{1, 1}, []int{1, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, empty.Shape().Dimensions)

	// Out of bounds.
	_, err = tensor.Pad(shapes.Make(3, 3), []int{1, 1}, 0)
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, err = tensor.Pad(shapes.Make(3), nil, 0)
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, err = padded.Unpad([]int{0, 0}, []int{4, 5})
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, err = padded.Unpad([]int{2, 0}, []int{1, 5})
	assert.True(t, errors.Is(err, errs.ErrShape))

	// Scalars.
	scalar := tensors.MustFromFlatData([]float32{3})
	padded, err = scalar.Pad(shapes.Make(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, tensors.MustCopyFlatData[float32](padded))
}

func TestPadToTile(t *testing.T) {
	data := xslices.Iota(float32(1), 3*5)
	tensor := tensors.MustFromFlatData(data, 3, 5)
	padded, err := tensor.PadToTile(0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, padded.Shape().Dimensions)
	assert.Equal(t, []int{32, 32}, padded.PaddedShape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](padded)
	assert.Len(t, flat, 32*32)
	assert.Equal(t, data[:5], flat[:5])
	assert.Equal(t, float32(0), flat[5])
	assert.Equal(t, data[5:10], flat[32:37])
	assert.Contains(t, padded.String(), "(padded [32 32])")

	tiled, err := padded.ToLayout(layout.Tiled)
	require.NoError(t, err)
	again, err := tiled.PadToTile(1)
	require.NoError(t, err)
	assert.True(t, again.PaddedShape().Equal(tiled.PaddedShape()))

	rowMajor, err := tiled.ToLayout(layout.RowMajor)
	require.NoError(t, err)
	unpadded, err := rowMajor.UnpadFromTile(tensor.Shape())
	require.NoError(t, err)
	assert.Equal(t, data, tensors.MustCopyFlatData[float32](unpadded))

	// Not aligned: can't be tiled.
	_, err = tensor.ToLayout(layout.Tiled)
	assert.True(t, errors.Is(err, errs.ErrPrecondition))
	_, err = tiled.Pad(shapes.Make(64, 64), nil, 0)
	assert.True(t, errors.Is(err, errs.ErrPrecondition))
}

func testTileRoundTrip[T dtypes.Supported](t *testing.T) {
	dims := []int{2, 64, 32}
	data := xslices.Map(xslices.Iota(0, 2*64*32), func(v int) T { return dtypes.FromFloat64[T](float64(v % 200)) })
	tensor := tensors.MustFromFlatData(data, dims...)
	tiled, err := tensor.ToLayout(layout.Tiled)
	require.NoError(t, err)
	assert.Equal(t, layout.Tiled, tiled.Layout())
	assert.Equal(t, tensor.DType(), tiled.DType())
	tiledFlat := tensors.MustCopyFlatData[T](tiled)
	// Position 16 of the first face is (row 1, col 0).
	assert.Equal(t, data[32], tiledFlat[16])

	rowMajor, err := tiled.ToLayout(layout.RowMajor)
	require.NoError(t, err)
	assert.Equal(t, data, tensors.MustCopyFlatData[T](rowMajor))
}

func TestTileRoundTrip(t *testing.T) {
	t.Run("Float32", testTileRoundTrip[float32])
	t.Run("BFloat16", testTileRoundTrip[bfloat16.BFloat16])
	t.Run("Uint32", testTileRoundTrip[uint32])
	t.Run("Int32", testTileRoundTrip[int32])
	t.Run("Uint16", testTileRoundTrip[uint16])
	t.Run("Uint8", testTileRoundTrip[uint8])
}

func TestBlockFloatLayout(t *testing.T) {
	data := xslices.Map(xslices.Iota(0, 32*64), func(v int) float32 { return float32(v%16) / 4 })
	tensor := tensors.MustFromFlatData(data, 32, 64)
	for _, dtype := range []dtypes.DType{dtypes.BFloat8B, dtypes.BFloat4B} {
		packed, err := tensor.ToLayout(layout.Tiled, tensors.OutputDType(dtype))
		require.NoError(t, err)
		assert.Equal(t, dtype, packed.DType())
		words := tensors.MustCopyFlatData[uint32](packed)
		assert.Len(t, words, 2*layout.PackedTileWords(layout.DefaultTile, dtype))

		unpacked, err := packed.ToLayout(layout.RowMajor)
		require.NoError(t, err)
		assert.Equal(t, dtypes.Float32, unpacked.DType())
		got := tensors.MustCopyFlatData[float32](unpacked)
		delta := 0.0
		if dtype == dtypes.BFloat4B {
			delta = 0.5
		}
		assert.InDeltaSlice(t, data, got, delta)

		_, err = packed.ToLayout(layout.RowMajor, tensors.OutputDType(dtype))
		assert.True(t, errors.Is(err, errs.ErrUnsupportedDataType))
	}

	// Packing requires Float32 inputs.
	ints := tensors.FromShape(dtypes.Int32, 32, 32)
	_, err := ints.ToLayout(layout.Tiled, tensors.OutputDType(dtypes.BFloat8B))
	assert.True(t, errors.Is(err, errs.ErrUnsupportedDataType))
}

func TestReshape(t *testing.T) {
	data := xslices.Iota(int32(0), 12)
	tensor := tensors.MustFromFlatData(data, 2, 6)
	reshaped, err := tensor.Reshape(3, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, reshaped.Shape().Dimensions)
	assert.Equal(t, data, tensors.MustCopyFlatData[int32](reshaped))

	// Row-major reshape aliases the data.
	var p0, p1 *int32
	require.NoError(t, tensors.ConstFlatData(tensor, func(flat []int32) { p0 = &flat[0] }))
	require.NoError(t, tensors.ConstFlatData(reshaped, func(flat []int32) { p1 = &flat[0] }))
	assert.Same(t, p0, p1)

	back, err := reshaped.Reshape(2, 6)
	require.NoError(t, err)
	assert.True(t, back.Shape().Equal(tensor.Shape()))
	assert.Equal(t, data, tensors.MustCopyFlatData[int32](back))

	_, err = tensor.Reshape(-1, -1)
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, err = tensor.Reshape(5, 3)
	assert.True(t, errors.Is(err, errs.ErrShape))
	zeroSize := tensors.FromShape(dtypes.Float32, 0, 4)
	_, err = zeroSize.Reshape(-1, 0)
	assert.True(t, errors.Is(err, errs.ErrShape))
	reshapedZero, err := zeroSize.Reshape(4, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 0, 2}, reshapedZero.Shape().Dimensions)

	r4, err := tensor.Reshape4D(1, 2, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 2}, r4.Shape().Dimensions)
}

func TestReshapeTiled(t *testing.T) {
	data := xslices.Iota(float32(0), 2*32*32)
	tensor := tensors.MustFromFlatData(data, 2, 32, 32)
	tiled, err := tensor.ToLayout(layout.Tiled)
	require.NoError(t, err)

	// Innermost dimensions unchanged: aliased.
	aliased, err := tiled.Reshape(1, 2, 32, 32)
	require.NoError(t, err)
	assert.Equal(t, layout.Tiled, aliased.Layout())
	assert.Equal(t, []int{1, 2, 32, 32}, aliased.PaddedShape().Dimensions)
	var p0, p1 *float32
	require.NoError(t, tensors.ConstFlatData(tiled, func(flat []float32) { p0 = &flat[0] }))
	require.NoError(t, tensors.ConstFlatData(aliased, func(flat []float32) { p1 = &flat[0] }))
	assert.Same(t, p0, p1)

	// Innermost dimensions changed: repacked.
	repacked, err := tiled.Reshape(32, 64)
	require.NoError(t, err)
	assert.Equal(t, layout.Tiled, repacked.Layout())
	assert.Equal(t, []int{32, 64}, repacked.Shape().Dimensions)
	rowMajor, err := repacked.ToLayout(layout.RowMajor)
	require.NoError(t, err)
	assert.Equal(t, data, tensors.MustCopyFlatData[float32](rowMajor))

	// Round trip.
	back, err := repacked.Reshape(2, 32, 32)
	require.NoError(t, err)
	rowMajor, err = back.ToLayout(layout.RowMajor)
	require.NoError(t, err)
	assert.Equal(t, data, tensors.MustCopyFlatData[float32](rowMajor))

	// Padded logical shape.
	small := xslices.Iota(float32(1), 15)
	padded, err := tensors.MustFromFlatData(small, 3, 5).PadToTile(0)
	require.NoError(t, err)
	tiled, err = padded.ToLayout(layout.Tiled)
	require.NoError(t, err)
	reshaped, err := tiled.Reshape(5, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 3}, reshaped.Shape().Dimensions)
	assert.Equal(t, []int{32, 32}, reshaped.PaddedShape().Dimensions)
	rowMajor, err = reshaped.ToLayout(layout.RowMajor)
	require.NoError(t, err)
	unpadded, err := rowMajor.UnpadFromTile(reshaped.Shape())
	require.NoError(t, err)
	assert.Equal(t, small, tensors.MustCopyFlatData[float32](unpadded))

	// Padded row-major reshape goes through the unpadded data.
	reshaped, err = padded.Reshape(15)
	require.NoError(t, err)
	assert.Equal(t, small, tensors.MustCopyFlatData[float32](reshaped))
}

func TestFromStorage(t *testing.T) {
	spec := tensors.Spec{DType: dtypes.Float32, Shape: shapes.Make(2, 2)}
	_, err := tensors.FromStorage(spec, storage.NewOwned(storage.NewHostBuffer(make([]float32, 3))))
	assert.True(t, errors.Is(err, errs.ErrShape))
	_, err = tensors.FromStorage(spec, storage.NewOwned(storage.NewHostBuffer(make([]int32, 4))))
	assert.True(t, errors.Is(err, errs.ErrUnsupportedDataType))

	spec = tensors.Spec{DType: dtypes.BFloat8B, Shape: shapes.Make(32, 32), Layout: layout.Tiled}
	packed, err := tensors.FromStorage(spec, storage.NewOwned(storage.AllocateHostBuffer(dtypes.BFloat8B,
		layout.PackedTileWords(layout.DefaultTile, dtypes.BFloat8B))))
	require.NoError(t, err)
	assert.Equal(t, layout.DefaultTile, packed.Tile())
	spec.Layout = layout.RowMajor
	_, err = tensors.FromStorage(spec, storage.NewOwned(storage.AllocateHostBuffer(dtypes.BFloat8B, 1)))
	assert.True(t, errors.Is(err, errs.ErrPrecondition))

	spec = tensors.Spec{DType: dtypes.Float32, Shape: shapes.Make(4, 4), PaddedShape: shapes.Make(4, 2)}
	_, err = tensors.FromStorage(spec, storage.NewOwned(storage.NewHostBuffer(make([]float32, 8))))
	assert.True(t, errors.Is(err, errs.ErrShape))
}

func TestToLayoutOnWorker(t *testing.T) {
	system := newSystem(t, "sim:mode=async,queues=2")
	dev := system.Device(0)
	data := xslices.Iota(uint16(0), 32*32)
	tensor, err := tensors.Borrow(data, shapes.Make(32, 32), nil, nil)
	require.NoError(t, err)
	tiled, err := tensor.ToLayout(layout.Tiled, tensors.OnWorker(dev, 1))
	require.NoError(t, err)
	assert.Equal(t, storage.KindOwned, tiled.StorageKind())
	rowMajor, err := tiled.ToLayout(layout.RowMajor, tensors.OnWorker(dev, 0))
	require.NoError(t, err)
	assert.Equal(t, data, tensors.MustCopyFlatData[uint16](rowMajor))

	_, err = tensor.ToLayout(layout.Tiled, tensors.OnWorker(dev, 5))
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestDeviceUnsupported(t *testing.T) {
	ctx := context.Background()
	system := newSystem(t, "sim:mode=sync")
	dev := system.Device(0)
	tensor := tensors.MustFromFlatData(xslices.Iota(float32(0), 32*32), 32, 32)
	onDevice, err := tensor.To(ctx, []*device.Device{dev}, device.DefaultMemoryConfig)
	require.NoError(t, err)
	assert.Contains(t, onDevice.String(), "on ")

	_, err = onDevice.ToLayout(layout.Tiled)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedStorage))
	_, err = onDevice.Pad(shapes.Make(64, 64), nil, 0)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedStorage))
	_, err = tensors.CopyFlatData[float32](onDevice)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedStorage))
	_, err = tensors.GetShard(onDevice, 0)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedStorage))
	_, err = tensors.ConcatShards(onDevice)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedStorage))

	// Row-major device reshape shares the buffer.
	reshaped, err := onDevice.Reshape(1, 32, 32)
	require.NoError(t, err)
	buffer := onDevice.Storage().(*storage.Device).Buffer
	assert.Equal(t, 2, buffer.RefCount())
	assert.Same(t, buffer, reshaped.Storage().(*storage.Device).Buffer)
	onDevice.Deallocate()
	assert.Equal(t, 1, dev.Arena().NumLive())
	host, err := reshaped.CPU(ctx, true, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 32, 32}, host.Shape().Dimensions)
	reshaped.Deallocate()
	assert.Equal(t, 0, dev.Arena().NumLive())

	// Tiled device tensors can't change their innermost dimensions.
	tiled, err := tensor.ToLayout(layout.Tiled)
	require.NoError(t, err)
	tiledOnDevice, err := tiled.To(ctx, []*device.Device{dev}, device.DefaultMemoryConfig)
	require.NoError(t, err)
	_, err = tiledOnDevice.Reshape(16, 64)
	assert.True(t, errors.Is(err, errs.ErrPrecondition))
	tiledOnDevice.Deallocate()
}
