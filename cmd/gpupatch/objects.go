package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/gpuinst/gpupatch/pkg/codeobject"
	"github.com/gpuinst/gpupatch/pkg/elfobj"
	"github.com/gpuinst/gpupatch/pkg/execpatch"
	"github.com/gpuinst/gpupatch/pkg/fault"
	"github.com/gpuinst/gpupatch/pkg/fsutil"
	"github.com/gpuinst/gpupatch/pkg/gpucontext"
	"github.com/gpuinst/gpupatch/pkg/offload"
)

func parseObject(ctx context.Context, path string) (*elfobj.Object, error) {
	raw, err := fsutil.ReadFile(gpucontext.Fs(ctx), path)
	if err != nil {
		return nil, err
	}
	o, err := elfobj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

func writeObject(ctx context.Context, o *elfobj.Object, src, dst string) error {
	out, err := o.Bytes()
	if err != nil {
		return fmt.Errorf("%s: %w", dst, err)
	}
	return writeOutput(ctx, dst, out, fsutil.Mode(gpucontext.Fs(ctx), src, 0o644))
}

type cloneParams struct {
	in, out string
}

func addCloneParams(cmd commander) *cloneParams {
	params := &cloneParams{}
	cmd.Arg("in", "Relocatable object to clone.").Required().StringVar(&params.in)
	cmd.Arg("out", "Where to write the clone.").Required().StringVar(&params.out)
	return params
}

func clone(ctx context.Context, params *cloneParams) error {
	src, err := parseObject(ctx, params.in)
	if err != nil {
		return err
	}
	dst, err := elfobj.CloneRelocatable(src)
	if err != nil {
		return fmt.Errorf("%s: %w", params.in, err)
	}
	return writeObject(ctx, dst, params.in, params.out)
}

type replaceSectionParams struct {
	in, section, contents, out string
	symbol                     string
}

func addReplaceSectionParams(cmd commander) *replaceSectionParams {
	params := &replaceSectionParams{}
	cmd.Arg("in", "Relocatable object.").Required().StringVar(&params.in)
	cmd.Arg("section", "Name of the section to replace.").Required().StringVar(&params.section)
	cmd.Arg("contents", "File holding the new section contents.").Required().StringVar(&params.contents)
	cmd.Arg("out", "Where to write the result.").Required().StringVar(&params.out)
	cmd.Flag("symbol", "Also resize the symbol of this name to the new section size.").StringVar(&params.symbol)
	return params
}

func replaceSection(ctx context.Context, params *replaceSectionParams) error {
	src, err := parseObject(ctx, params.in)
	if err != nil {
		return err
	}
	contents, err := fsutil.ReadFile(gpucontext.Fs(ctx), params.contents)
	if err != nil {
		return err
	}
	dst, err := elfobj.CloneRelocatable(src)
	if err != nil {
		return fmt.Errorf("%s: %w", params.in, err)
	}
	if !dst.ReplaceSectionContents(params.section, contents) {
		return fault.Violationf("%s: no section %s", params.in, params.section)
	}
	if params.symbol != "" {
		sym, ok := dst.SymbolByName(params.symbol)
		if !ok {
			return fault.Violationf("%s: no symbol %s", params.in, params.symbol)
		}
		sym.Size = uint64(len(contents))
		if !dst.UpdateSymbol(sym) {
			return fault.Violationf("%s: could not update symbol %s", params.in, params.symbol)
		}
	}
	level.Debug(gpucontext.Logger(ctx)).Log("msg", "replaced section", "section", params.section, "size", len(contents))
	return writeObject(ctx, dst, params.in, params.out)
}

type updateExecParams struct {
	exec, bundle, out string
}

func addUpdateExecParams(cmd commander) *updateExecParams {
	params := &updateExecParams{}
	cmd.Arg("exec", "HIP executable.").Required().StringVar(&params.exec)
	cmd.Arg("bundle", "Offload bundle to embed.").Required().StringVar(&params.bundle)
	cmd.Arg("out", "Where to write the patched executable.").Required().StringVar(&params.out)
	return params
}

func updateExec(ctx context.Context, params *updateExecParams) error {
	container, err := fsutil.ReadFile(gpucontext.Fs(ctx), params.bundle)
	if err != nil {
		return err
	}
	if _, err := offload.Load(container); err != nil {
		return fmt.Errorf("%s: %w", params.bundle, err)
	}
	if err := execpatch.Patch(ctx, params.exec, container, params.out); err != nil {
		return err
	}
	fi, err := gpucontext.Fs(ctx).Stat(params.out)
	if err != nil {
		return err
	}
	recordOutput(ctx, params.out, int(fi.Size()))
	return nil
}

type updateNotePhdrParams struct {
	in, out string
}

func addUpdateNotePhdrParams(cmd commander) *updateNotePhdrParams {
	params := &updateNotePhdrParams{}
	cmd.Arg("in", "Code object.").Required().StringVar(&params.in)
	cmd.Arg("out", "Where to write the result.").Required().StringVar(&params.out)
	return params
}

func updateNotePhdr(ctx context.Context, params *updateNotePhdrParams) error {
	o, err := parseObject(ctx, params.in)
	if err != nil {
		return err
	}
	if err := codeobject.UpdateNotePhdr(o); err != nil {
		return fmt.Errorf("%s: %w", params.in, err)
	}
	return writeObject(ctx, o, params.in, params.out)
}
