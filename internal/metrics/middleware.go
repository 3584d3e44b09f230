package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

type countingWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *countingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// routeLabel returns the chi pattern matched for this request, or
// "unmatched" when routing never assigned one. Raw paths stay out of
// label values.
func routeLabel(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// exemplarLabels returns a trace_id exemplar when the request runs under a
// sampled trace, nil otherwise.
func exemplarLabels(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}

func observeWithTrace(ctx context.Context, obs prometheus.Observer, v float64) {
	if eo, ok := obs.(prometheus.ExemplarObserver); ok {
		if ex := exemplarLabels(ctx); ex != nil {
			eo.ObserveWithExemplar(v, ex)
			return
		}
	}
	obs.Observe(v)
}

// Middleware records in-flight count, request totals, latency, and response
// size for every request passing through it.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// chi reuses a RouteContext it finds in the request context, so
		// seeding one here lets the router downstream fill in the matched
		// pattern where this middleware can read it after the handler
		// returns.
		if chi.RouteContext(r.Context()) == nil {
			rctx := chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		ctx := r.Context()
		method := r.Method
		route := routeLabel(ctx)
		status := cw.status
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		if status >= 500 {
			m.serverErrors.WithLabelValues(method, route).Inc()
		}
		observeWithTrace(ctx, m.httpDuration.WithLabelValues(method, route), time.Since(start).Seconds())
		m.httpResponseBytes.WithLabelValues(method, route).Observe(float64(cw.bytes))
	})
}
