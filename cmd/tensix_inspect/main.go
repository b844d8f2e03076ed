// tensix_inspect plans and inspects the layout conversion, padding, sharding and distribution of a tensor,
// and optionally measures host/device transfers on a (simulated) device system.
//
// Example:
//
//	tensix_inspect -shape=2,100,70 -dtype=bf16 -out_dtype=bfp8 -shard=64x96 -shard_layout=height \
//	    -distribute=shard:1 -device="sim:devices=4" -transfers=20
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensix/pkg/core/device"
	_ "github.com/gomlx/tensix/pkg/core/device/sim"
	"github.com/gomlx/tensix/pkg/core/distributed"
	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/support/xslices"
)

var (
	flagShape = xslices.Flag("shape", []int{2, 64, 64}, "Comma-separated dimensions of the tensor to inspect.",
		strconv.Atoi)
	flagDType    = flag.String("dtype", "Float32", "DType of the tensor.")
	flagOutDType = flag.String("out_dtype", "", "DType of the tiled tensor, if different: e.g. \"bfp8\" or \"bfp4\".")
	flagTile     = flag.String("tile", "32x32", "Tile geometry, <height>x<width>.")

	flagShard       = flag.String("shard", "", "Shard shape <height>x<width> of a sharded memory configuration.")
	flagShardLayout = flag.String("shard_layout", "block", "Sharded memory layout: \"height\", \"width\" or \"block\".")

	flagDistribute = flag.String("distribute", "",
		"Distribution over the devices: \"replicate[:<factor>]\", \"shard:<dim>\", \"shard_2d:<rows>x<cols>\" or \"all_gather\".")
	flagDevice = flag.String("device", "",
		fmt.Sprintf("Device system configuration. If empty, $%s or %q is used.", device.ConfigEnvVar, device.DefaultConfig))
	flagTransfers = flag.Int("transfers", 0, "Number of host->device->host round trips to measure.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// printTable renders rows, the first one being the header if withHeader.
func printTable(title string, withHeader bool, rows [][]string) {
	fmt.Println(titleStyle.Render(title))
	table := newPlainTable(withHeader)
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'tensix_inspect -help'.", flag.Args())
		os.Exit(1)
	}

	shape := shapes.Make(*flagShape...)
	must.M(shape.Validate())
	dtype := must.M1(dtypes.Parse(*flagDType))
	outDType := dtype
	if *flagOutDType != "" {
		outDType = must.M1(dtypes.Parse(*flagOutDType))
	}
	tile := must.M1(parseTile(*flagTile))

	plan := must.M1(newLayoutPlan(shape, dtype, outDType, tile))
	printTable("Layout", false, plan.rows())

	if *flagShard != "" {
		shard := must.M1(parseSize2D(*flagShard))
		memConfig := must.M1(shardedMemoryConfig(*flagShardLayout, shard))
		printTable("Sharding", false, must.M1(shardingRows(plan.padded, memConfig)))
	}

	if *flagDistribute == "" && *flagTransfers == 0 {
		return
	}
	system := must.M1(newSystem(*flagDevice))
	defer system.Close()
	mesh := must.M1(distributed.NewLineMesh(system.Devices()))
	var config distributed.Config
	if *flagDistribute != "" {
		config = must.M1(parseDistribution(*flagDistribute))
		printTable("Distribution over "+mesh.String(), true, must.M1(distributionRows(plan, mesh, config)))
	}
	if *flagTransfers > 0 {
		report := must.M1(measureTransfers(context.Background(), plan, mesh, config, *flagTransfers))
		printTable("Transfers", false, report.rows())
	}
}

func newSystem(config string) (*device.System, error) {
	if config == "" {
		return device.New()
	}
	return device.NewWithConfig(config)
}

// parseSize2D parses "<height>x<width>".
func parseSize2D(value string) (shapes.Size2D, error) {
	h, w, found := strings.Cut(value, "x")
	if !found {
		return shapes.Size2D{}, errors.Errorf("invalid 2D size %q, expected <height>x<width>", value)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return shapes.Size2D{}, errors.Wrapf(err, "invalid height in %q", value)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return shapes.Size2D{}, errors.Wrapf(err, "invalid width in %q", value)
	}
	return shapes.Size2D{Height: height, Width: width}, nil
}

func parseTile(value string) (layout.Tile, error) {
	size, err := parseSize2D(value)
	if err != nil {
		return layout.Tile{}, err
	}
	return layout.NewTile(size.Height, size.Width)
}

func shardedMemoryConfig(name string, shard shapes.Size2D) (device.MemoryConfig, error) {
	mc := device.MemoryConfig{BufferType: device.L1, ShardShape: shard}
	switch strings.ToLower(name) {
	case "height":
		mc.Layout = device.HeightSharded
	case "width":
		mc.Layout = device.WidthSharded
	case "block":
		mc.Layout = device.BlockSharded
	default:
		return mc, errors.Errorf("unknown shard layout %q, expected \"height\", \"width\" or \"block\"", name)
	}
	return mc, nil
}

// parseDistribution parses the -distribute flag into a distribution configuration.
func parseDistribution(value string) (distributed.Config, error) {
	strategy, arg, _ := strings.Cut(value, ":")
	metadata := map[string]string{"strategy": strategy}
	switch strategy {
	case "replicate":
		if arg == "" {
			arg = "0"
		}
		metadata["replication_factor"] = arg
	case "shard":
		metadata["shard_dim"] = arg
	case "shard_2d":
		mesh, err := parseSize2D(arg)
		if err != nil {
			return nil, errors.WithMessagef(err, "distribution %q", value)
		}
		metadata["mesh_shape_y"] = strconv.Itoa(mesh.Height)
		metadata["mesh_shape_x"] = strconv.Itoa(mesh.Width)
	}
	return distributed.ConfigFromMap(metadata)
}
