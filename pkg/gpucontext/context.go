// Package gpucontext carries the process-wide logger, metrics registry and
// filesystem through a context.Context.
package gpucontext

import (
	"context"
	"os"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
)

type contextKey int

const (
	loggerKey contextKey = iota
	registryKey
	filesystemKey
)

var (
	defaultLogger = log.NewLogfmtLogger(os.Stderr)
)

func WithLogger(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func Logger(ctx context.Context) log.Logger {
	if logger, ok := ctx.Value(loggerKey).(log.Logger); ok {
		return logger
	}
	return defaultLogger
}

func WithRegistry(ctx context.Context, registry prometheus.Registerer) context.Context {
	return context.WithValue(ctx, registryKey, registry)
}

func Registry(ctx context.Context) prometheus.Registerer {
	if registry, ok := ctx.Value(registryKey).(prometheus.Registerer); ok {
		return registry
	}
	return prometheus.NewRegistry()
}

func WithFs(ctx context.Context, fs afero.Fs) context.Context {
	return context.WithValue(ctx, filesystemKey, fs)
}

// Fs returns the filesystem tools read and write through, the OS
// filesystem unless one was set.
func Fs(ctx context.Context) afero.Fs {
	if fs, ok := ctx.Value(filesystemKey).(afero.Fs); ok {
		return fs
	}
	return afero.NewOsFs()
}

// WrapCommand scopes a run to one sub-command. Metrics registered through
// the returned context carry a constant command label, and every log line
// gets a command field.
func WrapCommand(ctx context.Context, command string) context.Context {
	labels := prometheus.Labels{"command": command}
	ctx = WithRegistry(ctx, prometheus.WrapRegistererWith(labels, Registry(ctx)))
	return WithLogger(ctx, log.With(Logger(ctx), "command", command))
}
