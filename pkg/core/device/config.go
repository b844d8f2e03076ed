package device

import (
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/tensix/pkg/support/xslices"
)

// ConfigEnvVar is the environment variable with the default device configuration to use.
// The format of config is "<allocator_name>:<key>=<value>,<key>=<value>,...". See ParseConfig.
const ConfigEnvVar = "TENSIX_DEVICE"

// DefaultConfig is the configuration used by New if ConfigEnvVar is not set.
var DefaultConfig = "sim"

// Config of the devices of a System.
type Config struct {
	// Allocator is the name of the registered Allocator, e.g. "sim".
	Allocator string

	// Mode of the per-device work queues.
	Mode WorkerMode

	// NumDevices in the system.
	NumDevices int

	// NumQueues per device. Operations pushed to the same queue execute in submission order.
	NumQueues int

	// QueueDepth is the number of pending tasks a queue holds before Push blocks.
	QueueDepth int

	// DRAMSize and L1Size are the capacities, in bytes, of the memories of each device.
	DRAMSize, L1Size uint64

	// Extra holds the keys not known by the core, passed along to the allocator.
	Extra map[string]string
}

// ParseConfig parses a configuration formatted as "<allocator_name>:<key>=<value>,...".
// The allocator name may be omitted (e.g. ":mode=async"), in which case the first registered allocator is used.
//
// Known keys:
//
//   - mode: "sync" or "async" (default).
//   - devices: number of devices (default 1).
//   - queues: number of queues per device (default 2).
//   - depth: queue depth (default 64).
//   - dram, l1: memory sizes, accepting human-readable sizes like "1GiB" or "512KB".
//
// Other keys are kept in Config.Extra.
func ParseConfig(config string) (Config, error) {
	cfg := Config{
		Mode:       Asynchronous,
		NumDevices: 1,
		NumQueues:  2,
		QueueDepth: 64,
		DRAMSize:   1 << 30,
		L1Size:     1 << 20,
		Extra:      make(map[string]string),
	}
	name, options, _ := strings.Cut(config, ":")
	cfg.Allocator = strings.TrimSpace(name)
	if cfg.Allocator == "" {
		cfg.Allocator = firstRegistered
	}
	if strings.TrimSpace(options) == "" {
		return cfg, nil
	}
	for _, part := range strings.Split(options, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return cfg, errors.Errorf("device config %q: option %q is not in the format <key>=<value>", config, part)
		}
		var err error
		switch key {
		case "mode":
			cfg.Mode, err = ParseWorkerMode(value)
		case "devices":
			cfg.NumDevices, err = parsePositive(value)
		case "queues":
			cfg.NumQueues, err = parsePositive(value)
		case "depth":
			cfg.QueueDepth, err = parsePositive(value)
		case "dram":
			cfg.DRAMSize, err = humanize.ParseBytes(value)
		case "l1":
			cfg.L1Size, err = humanize.ParseBytes(value)
		default:
			cfg.Extra[key] = value
		}
		if err != nil {
			return cfg, errors.WithMessagef(err, "device config %q: invalid value for %q", config, key)
		}
	}
	return cfg, nil
}

func parsePositive(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %q", value)
	}
	if n <= 0 {
		return 0, errors.Errorf("value %d must be positive", n)
	}
	return n, nil
}

// String returns the configuration in the format accepted by ParseConfig.
func (cfg Config) String() string {
	var sb strings.Builder
	sb.WriteString(cfg.Allocator)
	sb.WriteString(":mode=")
	sb.WriteString(cfg.Mode.String())
	sb.WriteString(",devices=" + strconv.Itoa(cfg.NumDevices))
	sb.WriteString(",queues=" + strconv.Itoa(cfg.NumQueues))
	sb.WriteString(",depth=" + strconv.Itoa(cfg.QueueDepth))
	sb.WriteString(",dram=" + strings.ReplaceAll(humanize.IBytes(cfg.DRAMSize), " ", ""))
	sb.WriteString(",l1=" + strings.ReplaceAll(humanize.IBytes(cfg.L1Size), " ", ""))
	for _, key := range xslices.SortedKeys(cfg.Extra) {
		sb.WriteString("," + key + "=" + cfg.Extra[key])
	}
	return sb.String()
}

// configFromEnv returns the configuration from ConfigEnvVar if set, or DefaultConfig otherwise.
func configFromEnv() string {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return config
	}
	return DefaultConfig
}
