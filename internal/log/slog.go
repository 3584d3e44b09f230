package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strings"
	"time"
)

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}

	var h slog.Handler
	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	if opts.JSONFormat {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}

	// enrichment wrappers run innermost-last: trace ids, then stacks
	h = traceHandler{next: h}
	h = stackHandler{next: h, level: opts.StacktraceLevel}

	attrs := []slog.Attr{slog.String("service", opts.Service)}
	if opts.Version != "" {
		attrs = append(attrs, slog.String("version", opts.Version))
	}

	return &slogLogger{h: h, attrs: attrs}, nil
}

// attrsFromKV converts alternating key/value pairs to attrs. Pairs whose
// key is not a string are dropped, as is a trailing dangling key.
func attrsFromKV(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

// With returns a child logger carrying the extra key/value pairs. The
// receiver's attribute slice is never mutated, so loggers are safe to
// share across goroutines.
func (s *slogLogger) With(kv ...any) Logger {
	add := attrsFromKV(kv)
	next := make([]slog.Attr, 0, len(s.attrs)+len(add))
	next = append(next, s.attrs...)
	next = append(next, add...)
	return &slogLogger{h: s.h, attrs: next}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv...)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv...)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv...)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		surface, root := errTypes(err)
		kv = append(kv,
			"err", err,
			"error_type", surface,
			"cause_type", root,
		)
		if chain := errChain(err); len(chain) > 1 {
			kv = append(kv, "error_chain", chain)
		}
	}
	s.emit(ctx, slog.LevelError, msg, kv...)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv ...any) {
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// skip runtime.Callers, callerPC, emit, and the level method
	pc := callerPC(4)
	r := slog.NewRecord(time.Now(), lvl, msg, pc)
	r.AddAttrs(s.attrs...)
	r.AddAttrs(attrsFromKV(kv)...)
	_ = s.h.Handle(ctx, r)
}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// errChain flattens the unwrap chain into messages, dropping consecutive
// duplicates so wrappers that add no text don't repeat.
func errChain(err error) []string {
	var out []string
	var prev string
	push := func(msg string) {
		if msg != prev {
			out = append(out, msg)
			prev = msg
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		push(e.Error())
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			push(e.Error())
		}
	}
	return out
}

// wrapperType reports whether t is one of our error wrappers or
// fmt.Errorf's, which carry no information worth grouping on.
func wrapperType(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if strings.Contains(t.PkgPath(), "/internal/xerrors") {
		return true
	}
	return t.PkgPath() == "fmt" && t.Name() == "wrapError"
}

// errTypes reports the first non-wrapper type in the chain and the
// innermost type, so dashboards can group on something stabler than
// message text.
func errTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface == "" {
			if t := reflect.TypeOf(e); t != nil && !wrapperType(t) {
				surface = t.String()
			}
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
