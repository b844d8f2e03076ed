package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/tensix/pkg/core/device"
	"github.com/gomlx/tensix/pkg/core/distributed"
	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/core/storage"
	"github.com/gomlx/tensix/pkg/core/tensors"
)

// layoutPlan is the result of padding a row-major tensor to the tile and converting it to the tiled layout.
type layoutPlan struct {
	shape, padded    shapes.Shape
	dtype, outDType  dtypes.DType
	tile             layout.Tile
	rowMajor         *tensors.Tensor
	tiledBytes       uint64
	tiledBufferWords int
}

// newLayoutPlan converts a zero tensor of the given shape, so the plan reports the actual buffers.
func newLayoutPlan(shape shapes.Shape, dtype, outDType dtypes.DType, tile layout.Tile) (*layoutPlan, error) {
	if dtype.IsPacked() {
		return nil, errs.Preconditionf("%s only exists in tiled layout, use it as -out_dtype", dtype)
	}
	if shape.Rank() < 2 {
		return nil, errs.Shapef("tiled layout requires rank >= 2, got shape %s", shape)
	}
	rowMajor, err := tensors.FromStorage(tensors.Spec{DType: dtype, Shape: shape, Layout: layout.RowMajor, Tile: tile},
		storage.NewOwned(storage.AllocateHostBuffer(dtype, shape.Volume())))
	if err != nil {
		return nil, err
	}
	padded, err := rowMajor.PadToTile(0)
	if err != nil {
		return nil, err
	}
	tiled, err := padded.ToLayout(layout.Tiled, tensors.OutputDType(outDType))
	if err != nil {
		return nil, err
	}
	p := &layoutPlan{
		shape:    shape,
		padded:   tiled.PaddedShape(),
		dtype:    dtype,
		outDType: outDType,
		tile:     tile,
		rowMajor: rowMajor,
	}
	flat, err := storage.HostFlat(tiled.Storage())
	if err != nil {
		return nil, err
	}
	p.tiledBufferWords = dtypes.FlatLen(flat)
	p.tiledBytes = uint64(p.tiledBufferWords) * uint64(outDType.GoType().Size())
	return p, nil
}

func (p *layoutPlan) rowMajorBytes() uint64 {
	return uint64(p.shape.Volume()) * uint64(p.dtype.Bits()/8)
}

func (p *layoutPlan) numTiles() int {
	m := p.padded.To2D()
	return (m.Height / p.tile.Height) * (m.Width / p.tile.Width)
}

func (p *layoutPlan) rows() [][]string {
	overhead := 0.0
	if p.shape.Volume() > 0 {
		overhead = 100 * float64(p.padded.Volume()-p.shape.Volume()) / float64(p.shape.Volume())
	}
	return [][]string{
		{"shape", p.shape.String()},
		{"dtype", p.dtype.String()},
		{"row-major bytes", humanize.IBytes(p.rowMajorBytes())},
		{"tile", p.tile.String()},
		{"padded shape", p.padded.String()},
		{"padding overhead", fmt.Sprintf("%.1f%%", overhead)},
		{"# tiles", humanize.Comma(int64(p.numTiles()))},
		{"tiled dtype", p.outDType.String()},
		{"tiled buffer", fmt.Sprintf("%s x %s", humanize.Comma(int64(p.tiledBufferWords)), p.outDType.GoType())},
		{"tiled bytes", humanize.IBytes(p.tiledBytes)},
	}
}

// shardingRows describes how the padded tensor is divided by a sharded memory configuration.
func shardingRows(padded shapes.Shape, memConfig device.MemoryConfig) ([][]string, error) {
	spec, err := memConfig.ShardDivision(padded)
	if err != nil {
		return nil, err
	}
	m := padded.To2D()
	return [][]string{
		{"memory config", memConfig.String()},
		{"2D shape", m.String()},
		{"shard shape", memConfig.ShardShape.String()},
		{"# shards", fmt.Sprintf("%d (%d x %d)", spec.NumShards(), spec.NumShardsHeight, spec.NumShardsWidth)},
		{"last shard", shapes.Size2D{Height: spec.LastShardHeight, Width: spec.LastShardWidth}.String()},
	}, nil
}

// distributionRows lists the shards of the row-major tensor distributed over the mesh.
func distributionRows(p *layoutPlan, mesh *distributed.DeviceMesh, config distributed.Config) ([][]string, error) {
	distributedTensor, err := tensors.DistributeToMesh(p.rowMajor, mesh, config)
	if err != nil {
		return nil, err
	}
	shards, err := tensors.Shards(distributedTensor)
	if err != nil {
		return nil, err
	}
	rows := [][]string{{"Shard", "Device", "Shape", "Bytes"}}
	devices := mesh.Devices()
	for i, shard := range shards {
		deviceName := "-"
		if i < len(devices) {
			deviceName = devices[i].String()
		}
		rows = append(rows, []string{
			strconv.Itoa(i), deviceName, shard.Shape().String(),
			humanize.IBytes(uint64(shard.Shape().Volume()) * uint64(p.dtype.Bits()/8)),
		})
	}
	rows = append(rows, []string{"", "", config.String(), ""})
	return rows, nil
}

type transferReport struct {
	roundTrips   int
	bytesPerTrip uint64
	elapsed      time.Duration
	devices      []*device.Device
}

// measureTransfers copies the row-major tensor (distributed with config, if not nil) to the devices of the
// mesh and back, n times, checking that the data survives the round trip.
func measureTransfers(ctx context.Context, p *layoutPlan, mesh *distributed.DeviceMesh, config distributed.Config,
	n int) (*transferReport, error) {
	src := p.rowMajor
	devices := mesh.Devices()
	if config != nil {
		var err error
		src, err = tensors.DistributeToMesh(p.rowMajor, mesh, config)
		if err != nil {
			return nil, err
		}
		if src.NumShards() > len(devices) {
			return nil, errs.Preconditionf("%d shards don't fit in the %d devices of the mesh", src.NumShards(), len(devices))
		}
		devices = devices[:src.NumShards()]
	}
	want, err := storage.HostFlat(p.rowMajor.Storage())
	if err != nil {
		return nil, err
	}

	report := &transferReport{roundTrips: n, devices: devices}
	report.bytesPerTrip = 2 * uint64(len(devices)) * p.rowMajorBytes()
	if config != nil {
		shards, err := tensors.Shards(src)
		if err != nil {
			return nil, err
		}
		report.bytesPerTrip = 0
		for _, shard := range shards {
			report.bytesPerTrip += 2 * uint64(shard.Shape().Volume()) * uint64(p.dtype.Bits()/8)
		}
	}
	bar := progressbar.NewOptions(n,
		progressbar.OptionSetDescription("round trips"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("trips"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)
	start := time.Now()
	for trip := range n {
		onDevices, err := src.To(ctx, devices, device.DefaultMemoryConfig)
		if err != nil {
			return nil, errors.WithMessagef(err, "round trip #%d", trip)
		}
		back, err := onDevices.CPU(ctx, true, 0)
		onDevices.Deallocate()
		if err != nil {
			return nil, errors.WithMessagef(err, "round trip #%d", trip)
		}
		if config != nil {
			back, err = tensors.ConcatShards(back)
		} else if len(devices) > 1 {
			back, err = tensors.GetShard(back, 0)
		}
		if err != nil {
			return nil, err
		}
		got, err := storage.HostFlat(back.Storage())
		if err != nil {
			return nil, err
		}
		if dtypes.FlatLen(got) != dtypes.FlatLen(want) {
			return nil, errors.Errorf("round trip #%d returned %d elements, wanted %d", trip, dtypes.FlatLen(got),
				dtypes.FlatLen(want))
		}
		_ = bar.Add(1)
	}
	report.elapsed = time.Since(start)
	_ = bar.Finish()
	for _, dev := range devices {
		if err := dev.Executor().SynchronizeAll(ctx); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (r *transferReport) rows() [][]string {
	throughput := "-"
	if seconds := r.elapsed.Seconds(); seconds > 0 {
		throughput = humanize.IBytes(uint64(float64(r.bytesPerTrip)*float64(r.roundTrips)/seconds)) + "/s"
	}
	var live int
	for _, dev := range r.devices {
		live += dev.Arena().NumLive()
	}
	return [][]string{
		{"round trips", humanize.Comma(int64(r.roundTrips))},
		{"devices", strconv.Itoa(len(r.devices))},
		{"bytes per trip", humanize.IBytes(r.bytesPerTrip)},
		{"elapsed", r.elapsed.Round(time.Microsecond).String()},
		{"throughput", throughput},
		{"live buffers after", strconv.Itoa(live)},
	}
}
