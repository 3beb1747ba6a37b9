package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"

	"github.com/gpuinst/gpupatch/pkg/execpatch"
	"github.com/gpuinst/gpupatch/pkg/fault"
	"github.com/gpuinst/gpupatch/pkg/fsutil"
	"github.com/gpuinst/gpupatch/pkg/gpucontext"
	"github.com/gpuinst/gpupatch/pkg/offload"
)

func loadBundle(ctx context.Context, path string) (*offload.Bundle, error) {
	raw, err := fsutil.ReadFile(gpucontext.Fs(ctx), path)
	if err != nil {
		return nil, err
	}
	if offload.IsCompressed(raw) {
		if h, _, err := offload.ParseCompressedHeader(raw); err == nil {
			level.Debug(gpucontext.Logger(ctx)).Log("msg", "decompressing bundle", "path", path, "version", h.Version, "method", h.Method, "size", humanize.IBytes(h.UncompressedSize))
		}
	}
	b, err := offload.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

type extractBundleParams struct {
	exec, out string
	section   string
}

func addExtractBundleParams(cmd commander) *extractBundleParams {
	params := &extractBundleParams{}
	cmd.Arg("exec", "HIP executable.").Required().StringVar(&params.exec)
	cmd.Arg("out", "Where to write the offload bundle.").Required().StringVar(&params.out)
	cmd.Flag("section", "Section holding the bundle.").Default(execpatch.FatbinSection).StringVar(&params.section)
	return params
}

func extractBundle(ctx context.Context, params *extractBundleParams) error {
	o, err := parseObject(ctx, params.exec)
	if err != nil {
		return err
	}
	s := o.Section(params.section)
	if s == nil {
		return fault.Violationf("%s: no section %s", params.exec, params.section)
	}
	return writeOutput(ctx, params.out, s.Data, 0o644)
}

type extractObjectParams struct {
	arch, bundle, out string
}

func addExtractObjectParams(cmd commander) *extractObjectParams {
	params := &extractObjectParams{}
	cmd.Arg("arch", "Architecture suffix of the entry, e.g. gfx908.").Required().StringVar(&params.arch)
	cmd.Arg("bundle", "Offload bundle, compressed or not.").Required().StringVar(&params.bundle)
	cmd.Arg("out", "Where to write the code object.").Required().StringVar(&params.out)
	return params
}

func extractObject(ctx context.Context, params *extractObjectParams) error {
	b, err := loadBundle(ctx, params.bundle)
	if err != nil {
		return err
	}
	i := b.FindByArchSuffix(params.arch)
	if i < 0 {
		return fault.Violationf("%s: no %s entry", params.bundle, params.arch)
	}
	return writeOutput(ctx, params.out, b.Entries[i].Payload(), 0o644)
}

type bundleListParams struct {
	bundle string
}

func addBundleListParams(cmd commander) *bundleListParams {
	params := &bundleListParams{}
	cmd.Arg("bundle", "Offload bundle, compressed or not.").Required().StringVar(&params.bundle)
	return params
}

func bundleList(ctx context.Context, params *bundleListParams) error {
	b, err := loadBundle(ctx, params.bundle)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"#", "ID", "Offset", "Size"})
	for i, e := range b.Entries {
		table.Append([]string{
			strconv.Itoa(i),
			e.ID,
			fmt.Sprintf("%#x", e.Offset),
			humanize.IBytes(e.Size),
		})
	}
	table.Render()
	return b.Validate()
}

type updateBundleParams struct {
	arch, object, bundle, out string
}

func addUpdateBundleParams(cmd commander) *updateBundleParams {
	params := &updateBundleParams{}
	cmd.Arg("arch", "Architecture suffix of the entry to replace, e.g. gfx908.").Required().StringVar(&params.arch)
	cmd.Arg("object", "Replacement code object.").Required().StringVar(&params.object)
	cmd.Arg("bundle", "Offload bundle, compressed or not.").Required().StringVar(&params.bundle)
	cmd.Arg("out", "Where to write the uncompressed result.").Required().StringVar(&params.out)
	return params
}

func updateBundle(ctx context.Context, params *updateBundleParams) error {
	object, err := fsutil.ReadFile(gpucontext.Fs(ctx), params.object)
	if err != nil {
		return err
	}
	b, err := loadBundle(ctx, params.bundle)
	if err != nil {
		return err
	}
	i, err := b.Replace(params.arch, object)
	if err != nil {
		return fmt.Errorf("%s: %w", params.bundle, err)
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%s: %w", params.bundle, err)
	}
	level.Debug(gpucontext.Logger(ctx)).Log("msg", "replaced bundle entry", "entry", b.Entries[i].String())
	out, err := b.Bytes()
	if err != nil {
		return fmt.Errorf("%s: %w", params.out, err)
	}
	return writeOutput(ctx, params.out, out, 0o644)
}
