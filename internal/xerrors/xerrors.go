// Package xerrors builds errors that carry program counters, so the log
// layer can render stacks without every call site formatting one.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries a full stack captured where the error originated.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// annotated carries a message prefix plus the single PC of the wrap site.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error { return a.err }
func (a *annotated) PC() uintptr   { return a.pc }

func capturePCs(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// 2 skips runtime.Callers and capturePCs themselves
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func sitePC(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(2+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func stackedSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: capturePCs(skip)}
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return stackedSkip(errors.New(msg), 2) }

// Newf is New with fmt.Errorf formatting, %w included.
func Newf(format string, args ...any) error {
	return stackedSkip(fmt.Errorf(format, args...), 2)
}

// Wrap prefixes err with msg and records the wrap site. Returns nil for
// nil err so it can sit on the return path unconditionally.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: sitePC(1)}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: sitePC(1)}
}

// WithStack attaches the caller's stack without changing the message.
func WithStack(err error) error { return stackedSkip(err, 2) }

// EnsureTrace attaches a stack only when no error in the chain already
// carries one. Useful at boundaries that receive third-party errors.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return stackedSkip(err, 2)
}
