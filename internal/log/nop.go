package log

import "context"

type nopLogger struct{}

func (n nopLogger) With(kv ...any) Logger                                { return n }
func (nopLogger) Debug(ctx context.Context, msg string, kv ...any)       {}
func (nopLogger) Info(ctx context.Context, msg string, kv ...any)        {}
func (nopLogger) Warn(ctx context.Context, msg string, kv ...any)        {}
func (nopLogger) Error(ctx context.Context, _ error, _ string, _ ...any) {}
func (nopLogger) Sync() error                                            { return nil }

// Nop returns a Logger that discards everything. Components default to
// it when no logger is injected.
func Nop() Logger { return nopLogger{} }
