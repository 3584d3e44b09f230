// Package log is the service-wide structured logging facade. It wraps
// log/slog with trace-context and stacktrace enrichment so callers only
// see the small Logger interface.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	// Service is stamped on every record as the "service" attribute.
	Service string
	Version string

	Level slog.Level

	// StacktraceLevel is the minimum level at which records get a stack
	// attribute. Zero means error-and-above.
	StacktraceLevel slog.Level

	// JSONFormat selects JSON output; the default is logfmt-style text.
	JSONFormat bool

	// Writer defaults to stdout.
	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (debug|info|warn|error)", s)
}
