package httpmw

import (
	"cmp"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceResponseHeaders exposes the active trace and span ids on the
// response so a user-reported upload failure can be matched to its
// trace. Does nothing when the request carries no valid span context.
func TraceResponseHeaders(traceHeader, spanHeader string) func(http.Handler) http.Handler {
	traceHeader = cmp.Or(traceHeader, "X-Trace-Id")
	spanHeader = cmp.Or(spanHeader, "X-Span-Id")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				w.Header().Set(traceHeader, sc.TraceID().String())
				w.Header().Set(spanHeader, sc.SpanID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
