package main

import (
	"context"
	"os"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gpuinst/gpupatch/pkg/fsutil"
	"github.com/gpuinst/gpupatch/pkg/gpucontext"
)

type metrics struct {
	filesWritten prometheus.Counter
	bytesWritten prometheus.Counter
	kernels      *prometheus.CounterVec
	violations   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		filesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gpupatch_files_written_total",
			Help: "Total number of output files written.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gpupatch_bytes_written_total",
			Help: "Total number of bytes written to output files.",
		}),
		kernels: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gpupatch_kernels_total",
			Help: "Kernels named on the command line, by outcome.",
		}, []string{"result"}),
		violations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gpupatch_format_violations_total",
			Help: "Total number of runs aborted on a format violation.",
		}),
	}
}

func withMetrics(ctx context.Context, m *metrics) context.Context {
	return context.WithValue(ctx, contextKeyMetrics, m)
}

func getMetrics(ctx context.Context) *metrics {
	if m, ok := ctx.Value(contextKeyMetrics).(*metrics); ok {
		return m
	}
	return newMetrics(prometheus.NewRegistry())
}

// countKernels records the outcome of a kernel edit.
func countKernels(ctx context.Context, changed, missing []string, total int) {
	m := getMetrics(ctx)
	m.kernels.WithLabelValues("changed").Add(float64(len(changed)))
	m.kernels.WithLabelValues("missing").Add(float64(len(missing)))
	m.kernels.WithLabelValues("unchanged").Add(float64(total - len(changed) - len(missing)))
	if len(missing) > 0 {
		level.Warn(gpucontext.Logger(ctx)).Log("msg", "kernels not found", "kernels", len(missing), "names", strings.Join(missing, ","))
	}
}

// writeOutput atomically writes data to path.
func writeOutput(ctx context.Context, path string, data []byte, perm os.FileMode, finalize ...fsutil.Finalizer) error {
	if err := fsutil.WriteFile(gpucontext.Fs(ctx), path, data, perm, finalize...); err != nil {
		return err
	}
	recordOutput(ctx, path, len(data))
	return nil
}

func recordOutput(ctx context.Context, path string, size int) {
	m := getMetrics(ctx)
	m.filesWritten.Inc()
	m.bytesWritten.Add(float64(size))
	level.Info(gpucontext.Logger(ctx)).Log("msg", "wrote output", "path", path, "size", size)
}
