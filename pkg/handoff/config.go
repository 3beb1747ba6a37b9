package handoff

import (
	"bytes"
	"fmt"

	"github.com/spf13/afero"
	"github.com/xyproto/env/v2"

	"github.com/gpuinst/gpupatch/pkg/fsutil"
)

// Environment variables naming the handoff files.
const (
	KernargTableEnv = "GPUPATCH_KERNARG_TABLE"
	CounterTableEnv = "GPUPATCH_COUNTER_TABLE"
)

// Config is the interceptor's view of the handoff tables. It is built once at
// startup and never modified, so it can be shared by concurrent launches.
type Config struct {
	kernels  map[string]KernelEntry
	counters CounterTable
}

// NewConfig indexes the tables. A kernel listed twice is an error.
func NewConfig(kernels KernargTable, counters CounterTable) (*Config, error) {
	c := &Config{
		kernels:  make(map[string]KernelEntry, len(kernels)),
		counters: append(CounterTable(nil), counters...),
	}
	for _, k := range kernels {
		if _, ok := c.kernels[k.Name]; ok {
			return nil, fmt.Errorf("kernel %q is listed more than once", k.Name)
		}
		c.kernels[k.Name] = k
	}
	return c, nil
}

// LoadConfig reads the tables named by GPUPATCH_KERNARG_TABLE and
// GPUPATCH_COUNTER_TABLE. The kernarg table is required. Without a counter
// table the configuration has no counters.
func LoadConfig(fs afero.Fs) (*Config, error) {
	kernargPath := env.Str(KernargTableEnv)
	if kernargPath == "" {
		return nil, fmt.Errorf("%s is not set", KernargTableEnv)
	}
	return ReadConfig(fs, kernargPath, env.Str(CounterTableEnv))
}

// ReadConfig builds a configuration from table files. An empty counterPath
// means no counters.
func ReadConfig(fs afero.Fs, kernargPath, counterPath string) (*Config, error) {
	data, err := fsutil.ReadFile(fs, kernargPath)
	if err != nil {
		return nil, err
	}
	kernels, err := ParseKernargTable(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kernargPath, err)
	}

	var counters CounterTable
	if counterPath != "" {
		data, err := fsutil.ReadFile(fs, counterPath)
		if err != nil {
			return nil, err
		}
		if counters, err = ParseCounterTable(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%s: %w", counterPath, err)
		}
	}
	return NewConfig(kernels, counters)
}

func (c *Config) Kernel(name string) (KernelEntry, bool) {
	k, ok := c.kernels[name]
	return k, ok
}

// Counters returns a copy of the counter table.
func (c *Config) Counters() CounterTable {
	return append(CounterTable(nil), c.counters...)
}

// CounterOffset returns the byte offset of the named counter.
func (c *Config) CounterOffset(name string) (uint64, bool) {
	for _, ctr := range c.counters {
		if ctr.Name == name {
			return ctr.Offset, true
		}
	}
	return 0, false
}

// ExpandArgs returns the launch argument list of kernel with inst inserted at
// the kernel's insertion index. Kernels missing from the table are launched
// unchanged, which ExpandArgs reports by returning args and false. The input
// slice is never modified.
func ExpandArgs[T any](c *Config, kernel string, args []T, inst T) ([]T, bool, error) {
	k, ok := c.Kernel(kernel)
	if !ok {
		return args, false, nil
	}
	if k.InsertionIndex > len(args) {
		return nil, false, fmt.Errorf("kernel %q: insertion index %d is past its %d launch arguments", kernel, k.InsertionIndex, len(args))
	}
	out := make([]T, 0, len(args)+1)
	out = append(out, args[:k.InsertionIndex]...)
	out = append(out, inst)
	out = append(out, args[k.InsertionIndex:]...)
	return out, true, nil
}
