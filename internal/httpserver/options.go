package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/lms-bundles/internal/health"
	"github.com/keithlinneman/lms-bundles/internal/httpmw"
	"github.com/keithlinneman/lms-bundles/internal/log"
)

type Options struct {
	Logger log.Logger

	// Port the public server listens on. 0 means 8080.
	Port int

	// MaxBodyBytes caps request bodies. Must be large enough for archive
	// uploads. 0 means 256 MiB.
	MaxBodyBytes int64

	UseRecoverMW bool

	// OnPanic is invoked by the recover middleware after logging, before the
	// 500 response. Used to bump the panic counter.
	OnPanic func()

	MetricsMW   func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the bundle management API on the router.
	APIRoutes func(chi.Router)

	// SiteHandler serves anything no explicit route claims, including
	// NotFound and MethodNotAllowed.
	SiteHandler http.Handler

	ClientIPOpts httpmw.ClientIPOptions
}
