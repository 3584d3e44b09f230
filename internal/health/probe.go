package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/lms-bundles/internal/xerrors"
)

// Probe reports whether one aspect of the service is usable. Check runs
// at request time: nil means healthy, an error carries the reason handed
// back to the caller.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a plain function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe with a constant verdict. A failing probe reports
// reason, or "unhealthy" when reason is empty.
func Fixed(ok bool, reason string) CheckFunc {
	var err error
	if !ok {
		if reason == "" {
			reason = "unhealthy"
		}
		err = xerrors.New(reason)
	}
	return func(context.Context) error { return err }
}

// All composes probes as an AND. Evaluation stops at the first failure,
// whose error becomes the verdict. Nil probes are skipped; an empty list
// passes.
func All(probes ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range probes {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any composes probes as an OR. Evaluation stops at the first pass. When
// every probe fails the last failure becomes the verdict, so the reported
// reason tracks the final fallback tried. Nil probes are skipped; an
// empty list fails.
func Any(probes ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var lastErr error
		for _, p := range probes {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = xerrors.New("no healthy probes")
		}
		return lastErr
	}
}

// ShutdownGate fails readiness once a drain begins, so load balancers
// pull the instance before in-flight requests are cut off. The zero
// value is an open gate.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate. The reason, "draining" when empty, shows up in
// readiness responses until Clear.
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() {
	g.reason.Store(nil)
}

// Probe returns a readiness probe tracking the gate's current state.
func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
