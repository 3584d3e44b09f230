package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnnotateHTTPRoute renames the active span after routing so traces group
// by pattern ("POST /bundles/{id}/activate") instead of by raw asset URL.
// chi only knows the matched pattern once the handler ran, hence the
// annotation happens on the way out.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if span == nil || !span.IsRecording() {
			return
		}
		pattern := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			pattern = rc.RoutePattern()
		}
		if pattern == "" {
			pattern = r.URL.Path
		}
		span.SetAttributes(attribute.String("http.route", pattern))
		span.SetName(r.Method + " " + pattern)
	})
}
