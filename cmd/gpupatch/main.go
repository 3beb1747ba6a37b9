package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/gpuinst/gpupatch/pkg/fault"
	"github.com/gpuinst/gpupatch/pkg/gpucontext"
)

var cfg struct {
	verbose         bool
	metricsTextfile string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Rewrites AMDGPU code objects, offload bundles and HIP executables to pass an instrumentation buffer to kernels.").UsageWriter(os.Stdout)
	app.Version(version.Print("gpupatch"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("metrics.textfile", "Write tool metrics to this file in the Prometheus text format.").StringVar(&cfg.metricsTextfile)

	cloneCmd := app.Command("clone", "Clone a relocatable object.")
	cloneParams := addCloneParams(cloneCmd)
	replaceSectionCmd := app.Command("replace-section", "Replace the contents of a section of a relocatable object.")
	replaceSectionParams := addReplaceSectionParams(replaceSectionCmd)
	updateExecCmd := app.Command("update-exec", "Embed a new offload bundle in a HIP executable.")
	updateExecParams := addUpdateExecParams(updateExecCmd)
	updateNotePhdrCmd := app.Command("update-note-phdr", "Fit the PT_NOTE segment of a code object to its .note section.")
	updateNotePhdrParams := addUpdateNotePhdrParams(updateNotePhdrCmd)

	extractBundleCmd := app.Command("extract-bundle", "Extract the offload bundle of a HIP executable.")
	extractBundleParams := addExtractBundleParams(extractBundleCmd)
	extractObjectCmd := app.Command("extract-object", "Extract the code object of one architecture from an offload bundle.")
	extractObjectParams := addExtractObjectParams(extractObjectCmd)
	bundleCmd := app.Command("bundle", "Operate on offload bundles.")
	bundleListCmd := bundleCmd.Command("list", "List the entries of an offload bundle.")
	bundleListParams := addBundleListParams(bundleListCmd)
	updateBundleCmd := app.Command("update-bundle", "Replace the code object of one architecture in an offload bundle.")
	updateBundleParams := addUpdateBundleParams(updateBundleCmd)

	expandArgsCmd := app.Command("expand-args", "Add the instrumentation argument to kernels of an extracted metadata note.")
	expandArgsParams := addExpandArgsParams(expandArgsCmd)
	patchNoteCmd := app.Command("patch-note", "Add the instrumentation argument to kernels of a code object's metadata note in place.")
	patchNoteParams := addPatchNoteParams(patchNoteCmd)
	updateKDCmd := app.Command("update-kd", "Update the kernel descriptors of instrumented kernels.")
	updateKDParams := addUpdateKDParams(updateKDCmd)
	kernelInfoCmd := app.Command("kernel-info", "Print the kernarg layout of every kernel of code objects.")
	kernelInfoParams := addKernelInfoParams(kernelInfoCmd)
	kdCmd := app.Command("kd", "Dump the kernel descriptors of a code object.")
	kdParams := addKDParams(kdCmd)
	countersCmd := app.Command("counters", "Lay out instrumentation counters and write the counter table.")
	countersParams := addCountersParams(countersCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	reg := prometheus.NewRegistry()
	ctx := gpucontext.WithLogger(context.Background(), logger)
	ctx = gpucontext.WithRegistry(ctx, reg)
	ctx = withOutput(ctx, os.Stdout)
	ctx = gpucontext.WrapCommand(ctx, parsedCmd)
	ctx = withMetrics(ctx, newMetrics(gpucontext.Registry(ctx)))

	var err error
	switch parsedCmd {
	case cloneCmd.FullCommand():
		err = clone(ctx, cloneParams)
	case replaceSectionCmd.FullCommand():
		err = replaceSection(ctx, replaceSectionParams)
	case updateExecCmd.FullCommand():
		err = updateExec(ctx, updateExecParams)
	case updateNotePhdrCmd.FullCommand():
		err = updateNotePhdr(ctx, updateNotePhdrParams)
	case extractBundleCmd.FullCommand():
		err = extractBundle(ctx, extractBundleParams)
	case extractObjectCmd.FullCommand():
		err = extractObject(ctx, extractObjectParams)
	case bundleListCmd.FullCommand():
		err = bundleList(ctx, bundleListParams)
	case updateBundleCmd.FullCommand():
		err = updateBundle(ctx, updateBundleParams)
	case expandArgsCmd.FullCommand():
		err = expandArgs(ctx, expandArgsParams)
	case patchNoteCmd.FullCommand():
		err = patchNote(ctx, patchNoteParams)
	case updateKDCmd.FullCommand():
		err = updateKD(ctx, updateKDParams)
	case kernelInfoCmd.FullCommand():
		err = kernelInfo(ctx, kernelInfoParams)
	case kdCmd.FullCommand():
		err = kd(ctx, kdParams)
	case countersCmd.FullCommand():
		err = counters(ctx, countersParams)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}

	if fault.IsViolation(err) {
		getMetrics(ctx).violations.Inc()
	}
	if cfg.metricsTextfile != "" {
		if werr := prometheus.WriteToTextfile(cfg.metricsTextfile, reg); werr != nil {
			level.Warn(logger).Log("msg", "failed to write metrics", "path", cfg.metricsTextfile, "err", werr)
		}
	}
	os.Exit(checkError(err))
}

// checkError prints err and maps it to the exit code: 2 for format
// violations, 1 for everything else.
func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if fault.IsViolation(err) {
		return 2
	}
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
	contextKeyMetrics
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}
