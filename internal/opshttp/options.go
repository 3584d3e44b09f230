package opshttp

import (
	"net/http"

	"github.com/keithlinneman/lms-bundles/internal/health"
)

// Options configures the ops listener. Every field is optional: the zero
// value serves liveness, readiness, and version on the default port with
// pprof shadowed and no metrics endpoint.
type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// UseRecoverMW converts handler panics into 500 responses. OnPanic,
	// when set, runs once per recovered panic before the response is
	// written, e.g. to bump a counter.
	UseRecoverMW bool
	OnPanic      func()
}
