package codeobject

import (
	"context"
	"fmt"
	"runtime"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/gpuinst/gpupatch/pkg/fault"
	"github.com/gpuinst/gpupatch/pkg/gpucontext"
	"github.com/gpuinst/gpupatch/pkg/handoff"
	"github.com/gpuinst/gpupatch/pkg/notemeta"
)

// KernelInfo is what the launch interceptor needs to know about a kernel.
type KernelInfo struct {
	Name string
	// KernargSize is the metadata's .kernarg_segment_size.
	KernargSize uint64
	// InsertionIndex is the launch argument index of the instrumentation
	// pointer.
	InsertionIndex int
	// KernargPointerRegister is the first SGPR of the kernarg segment
	// pointer.
	KernargPointerRegister uint32
	Instrumented           bool
}

// KernelInfo returns a row for every kernel descriptor of the object.
func (f *File) KernelInfo() ([]KernelInfo, error) {
	kds, err := f.Descriptors()
	if err != nil {
		return nil, err
	}
	doc, err := f.Metadata()
	if err != nil {
		return nil, err
	}
	rows := make([]KernelInfo, 0, len(kds))
	for _, kd := range kds {
		k, ok := doc.Kernel(kd.Kernel)
		if !ok {
			return nil, fault.Violationf("kernel %s has a descriptor but no metadata", kd.Kernel)
		}
		size, err := k.KernargSegmentSize()
		if err != nil {
			return nil, fault.Violationf("kernel %s: %v", kd.Kernel, err)
		}
		index, err := notemeta.InsertionIndex(k)
		if err != nil {
			return nil, err
		}
		rows = append(rows, KernelInfo{
			Name:                   kd.Kernel,
			KernargSize:            size,
			InsertionIndex:         index,
			KernargPointerRegister: kd.Descriptor.KernargPointerRegister(),
			Instrumented:           k.ArgIndex(notemeta.InstrumentationArgName) >= 0,
		})
	}
	return rows, nil
}

// ReadKernelInfo loads every code object concurrently. The result has one
// entry per path, in the order of paths.
func ReadKernelInfo(ctx context.Context, paths []string) ([][]KernelInfo, error) {
	fs := gpucontext.Fs(ctx)
	logger := gpucontext.Logger(ctx)

	res := make([][]KernelInfo, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := Load(fs, path)
			if err != nil {
				return err
			}
			rows, err := f.KernelInfo()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			level.Debug(logger).Log("msg", "read kernel info", "path", path, "kernels", len(rows))
			res[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// KernargTable flattens rows into the kernarg handoff table.
func KernargTable(rows ...[]KernelInfo) handoff.KernargTable {
	var t handoff.KernargTable
	for _, r := range rows {
		for _, k := range r {
			t = append(t, handoff.KernelEntry{Name: k.Name, KernargSize: k.KernargSize, InsertionIndex: k.InsertionIndex})
		}
	}
	return t
}
