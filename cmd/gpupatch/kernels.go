package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"

	"github.com/gpuinst/gpupatch/pkg/codeobject"
	"github.com/gpuinst/gpupatch/pkg/fsutil"
	"github.com/gpuinst/gpupatch/pkg/gpucontext"
	"github.com/gpuinst/gpupatch/pkg/handoff"
	"github.com/gpuinst/gpupatch/pkg/kerneldesc"
	"github.com/gpuinst/gpupatch/pkg/notemeta"
)

// kernelEditParams is shared by the commands that edit named kernels.
type kernelEditParams struct {
	names, in, out string
}

func addKernelEditParams(cmd commander, in string) *kernelEditParams {
	params := &kernelEditParams{}
	cmd.Arg("kernel-names", "File listing the kernels to instrument, separated by whitespace.").Required().StringVar(&params.names)
	cmd.Arg("in", in).Required().StringVar(&params.in)
	cmd.Arg("out", "Where to write the result.").Required().StringVar(&params.out)
	return params
}

func addExpandArgsParams(cmd commander) *kernelEditParams {
	return addKernelEditParams(cmd, "Extracted AMDGPU metadata note.")
}

func addPatchNoteParams(cmd commander) *kernelEditParams {
	return addKernelEditParams(cmd, "Code object.")
}

func addUpdateKDParams(cmd commander) *kernelEditParams {
	return addKernelEditParams(cmd, "Code object.")
}

func expandArgs(ctx context.Context, params *kernelEditParams) error {
	fs := gpucontext.Fs(ctx)
	names, err := fsutil.ReadFields(fs, params.names)
	if err != nil {
		return err
	}
	note, err := fsutil.ReadFile(fs, params.in)
	if err != nil {
		return err
	}
	out, changed, missing, err := notemeta.PatchNote(note, names)
	if err != nil {
		return fmt.Errorf("%s: %w", params.in, err)
	}
	countKernels(ctx, changed, missing, len(names))
	return writeOutput(ctx, params.out, out, 0o644)
}

func loadCodeObject(ctx context.Context, path string) (*codeobject.File, error) {
	return codeobject.Load(gpucontext.Fs(ctx), path)
}

func patchNote(ctx context.Context, params *kernelEditParams) error {
	names, err := fsutil.ReadFields(gpucontext.Fs(ctx), params.names)
	if err != nil {
		return err
	}
	f, err := loadCodeObject(ctx, params.in)
	if err != nil {
		return err
	}
	changed, missing, err := f.PatchNote(names)
	if err != nil {
		return fmt.Errorf("%s: %w", params.in, err)
	}
	countKernels(ctx, changed, missing, len(names))
	return writeOutput(ctx, params.out, f.Raw, fsutil.Mode(gpucontext.Fs(ctx), params.in, 0o644))
}

func updateKD(ctx context.Context, params *kernelEditParams) error {
	names, err := fsutil.ReadFields(gpucontext.Fs(ctx), params.names)
	if err != nil {
		return err
	}
	f, err := loadCodeObject(ctx, params.in)
	if err != nil {
		return err
	}
	updated, missing, err := f.UpdateKernelDescriptors(names)
	if err != nil {
		return fmt.Errorf("%s: %w", params.in, err)
	}
	countKernels(ctx, updated, missing, len(names))
	return writeOutput(ctx, params.out, f.Raw, fsutil.Mode(gpucontext.Fs(ctx), params.in, 0o644))
}

type kernelInfoParams struct {
	paths  []string
	output string
}

func addKernelInfoParams(cmd commander) *kernelInfoParams {
	params := &kernelInfoParams{}
	cmd.Arg("code-object", "Code objects to inspect.").Required().StringsVar(&params.paths)
	cmd.Flag("output", "Also write the kernarg table for the launch interceptor to this file.").StringVar(&params.output)
	return params
}

func kernelInfo(ctx context.Context, params *kernelInfoParams) error {
	res, err := codeobject.ReadKernelInfo(ctx, params.paths)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Code object", "Kernel", "Kernarg size", "Insert at", "Kernarg SGPR", "Instrumented"})
	for i, rows := range res {
		for _, k := range rows {
			table.Append([]string{
				params.paths[i],
				k.Name,
				strconv.FormatUint(k.KernargSize, 10),
				strconv.Itoa(k.InsertionIndex),
				fmt.Sprintf("s%d", k.KernargPointerRegister),
				strconv.FormatBool(k.Instrumented),
			})
		}
	}
	table.Render()

	if params.output == "" {
		return nil
	}
	var b bytes.Buffer
	if _, err := codeobject.KernargTable(res...).WriteTo(&b); err != nil {
		return err
	}
	return writeOutput(ctx, params.output, b.Bytes(), 0o644)
}

type kdParams struct {
	path   string
	target string
}

func addKDParams(cmd commander) *kdParams {
	params := &kdParams{}
	cmd.Arg("code-object", "Code object.").Required().StringVar(&params.path)
	cmd.Flag("target", "Validate descriptors for this target instead of the one in the ELF header, e.g. gfx90a.").StringVar(&params.target)
	return params
}

func kd(ctx context.Context, params *kdParams) error {
	f, err := loadCodeObject(ctx, params.path)
	if err != nil {
		return err
	}
	target := params.target
	if target == "" {
		var ok bool
		if target, ok = f.Target(); !ok {
			return fmt.Errorf("%s: unknown target in e_flags %#x, use --target", params.path, f.Object.Header.Flags)
		}
	}
	family, err := kerneldesc.ParseTarget(target)
	if err != nil {
		return err
	}
	kds, err := f.Descriptors()
	if err != nil {
		return fmt.Errorf("%s: %w", params.path, err)
	}

	var errs *multierror.Error
	out := output(ctx)
	for _, kd := range kds {
		fmt.Fprintf(out, "%s (%s, %s)\n", kd.Kernel, target, family)
		writeDescriptor(out, kd.Descriptor, kerneldesc.LayoutFor(family))
		if err := kd.Descriptor.Validate(family); err != nil {
			level.Warn(gpucontext.Logger(ctx)).Log("msg", "invalid kernel descriptor", "kernel", kd.Kernel, "err", err)
			errs = multierror.Append(errs, fmt.Errorf("kernel %s: %w", kd.Kernel, err))
		}
	}
	return errs.ErrorOrNil()
}

func writeDescriptor(out io.Writer, d *kerneldesc.Descriptor, layout kerneldesc.Layout) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"GROUP_SEGMENT_FIXED_SIZE", humanize.IBytes(uint64(d.GroupSegmentFixedSize))})
	table.Append([]string{"PRIVATE_SEGMENT_FIXED_SIZE", humanize.IBytes(uint64(d.PrivateSegmentFixedSize))})
	table.Append([]string{"KERNARG_SIZE", strconv.FormatUint(uint64(d.KernargSize), 10)})
	table.Append([]string{"KERNEL_CODE_ENTRY_BYTE_OFFSET", fmt.Sprintf("%#x", d.KernelCodeEntryByteOffset)})
	for _, f := range layout.Fields() {
		table.Append([]string{f.Name, strconv.FormatUint(uint64(d.Get(f)), 10)})
	}
	table.Append([]string{"KERNARG_SEGMENT_PTR_SGPR", fmt.Sprintf("s%d", d.KernargPointerRegister())})
	table.Render()
}

type countersParams struct {
	layout, out string
}

func addCountersParams(cmd commander) *countersParams {
	params := &countersParams{}
	cmd.Arg("layout", "File of '<variableName> <sizeBytes>' lines.").Required().StringVar(&params.layout)
	cmd.Arg("out", "Where to write the counter table.").Required().StringVar(&params.out)
	return params
}

func counters(ctx context.Context, params *countersParams) error {
	data, err := fsutil.ReadFile(gpucontext.Fs(ctx), params.layout)
	if err != nil {
		return err
	}
	decls, err := handoff.ParseCounterLayout(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", params.layout, err)
	}
	table, size, err := handoff.LayoutCounters(decls)
	if err != nil {
		return fmt.Errorf("%s: %w", params.layout, err)
	}
	level.Info(gpucontext.Logger(ctx)).Log("msg", "laid out counters", "counters", len(table), "buffer", humanize.IBytes(size))

	var b bytes.Buffer
	if _, err := table.WriteTo(&b); err != nil {
		return err
	}
	return writeOutput(ctx, params.out, b.Bytes(), 0o644)
}
