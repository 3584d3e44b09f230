package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/trace"
)

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, http.NoBody))
	return w
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func hasFamily(reg *prometheus.Registry, name string) bool {
	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == name {
			return true
		}
	}
	return false
}

func TestCountingWriter(t *testing.T) {
	t.Run("explicit status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		cw := &countingWriter{ResponseWriter: rec}

		cw.WriteHeader(http.StatusConflict)

		if cw.status != http.StatusConflict {
			t.Fatalf("status = %d, want 409", cw.status)
		}
		if rec.Code != http.StatusConflict {
			t.Fatalf("recorder code = %d, want 409", rec.Code)
		}
	})

	t.Run("write implies 200", func(t *testing.T) {
		cw := &countingWriter{ResponseWriter: httptest.NewRecorder()}

		n, err := cw.Write([]byte("ready"))

		if err != nil || n != 5 {
			t.Fatalf("Write = %d, %v", n, err)
		}
		if cw.status != http.StatusOK {
			t.Fatalf("status = %d, want implicit 200", cw.status)
		}
		if cw.bytes != 5 {
			t.Fatalf("bytes = %d, want 5", cw.bytes)
		}
	})

	t.Run("writes accumulate", func(t *testing.T) {
		cw := &countingWriter{ResponseWriter: httptest.NewRecorder()}

		cw.Write([]byte("aaa"))
		cw.Write([]byte("bbbbb"))

		if cw.bytes != 8 {
			t.Fatalf("bytes = %d, want 8", cw.bytes)
		}
	})

	t.Run("header then body", func(t *testing.T) {
		cw := &countingWriter{ResponseWriter: httptest.NewRecorder()}

		cw.WriteHeader(http.StatusCreated)
		cw.Write([]byte("body"))

		if cw.status != http.StatusCreated {
			t.Fatalf("status = %d, want 201 preserved across Write", cw.status)
		}
	})
}

func TestMiddleware_CountsRequests(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"b1"}`))
	}))

	serve(h, http.MethodPost, "/bundles")

	f := metricFamily(t, m.reg, "http_requests_total")
	if len(f.GetMetric()) != 1 {
		t.Fatalf("series = %d, want 1", len(f.GetMetric()))
	}
	sample := f.GetMetric()[0]
	if got := sample.GetCounter().GetValue(); got != 1 {
		t.Fatalf("count = %v, want 1", got)
	}

	labels := labelMap(sample)
	if labels["method"] != http.MethodPost {
		t.Errorf("method label = %q, want POST", labels["method"])
	}
	if labels["status"] != "201" {
		t.Errorf("status label = %q, want 201", labels["status"])
	}
	if labels["route"] != "unmatched" {
		t.Errorf("route label = %q, want unmatched outside a router", labels["route"])
	}
}

func TestMiddleware_SilentHandlerCountsAs200(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	serve(h, http.MethodGet, "/content-units/7de1/bundles")

	labels := labelMap(metricFamily(t, m.reg, "http_requests_total").GetMetric()[0])
	if labels["status"] != "200" {
		t.Fatalf("status label = %q, want 200 for a handler that wrote nothing", labels["status"])
	}
}

func TestMiddleware_TracksInFlight(t *testing.T) {
	m := New()

	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = gaugeValue(t, m.reg, "http_inflight_requests")
		w.WriteHeader(http.StatusOK)
	}))

	serve(h, http.MethodGet, "/bundles/b1")

	if during != 1 {
		t.Fatalf("in-flight during request = %v, want 1", during)
	}
	if after := gaugeValue(t, m.reg, "http_inflight_requests"); after != 0 {
		t.Fatalf("in-flight after request = %v, want 0", after)
	}
}

func TestMiddleware_ObservesDurationAndSize(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bundle list"))
	}))

	serve(h, http.MethodGet, "/bundles")

	if got := histogramCount(t, m.reg, "http_request_duration_seconds"); got != 1 {
		t.Fatalf("duration samples = %d, want 1", got)
	}

	hist := metricFamily(t, m.reg, "http_response_size_bytes").GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 1 {
		t.Fatalf("size samples = %d, want 1", hist.GetSampleCount())
	}
	if hist.GetSampleSum() != 11 {
		t.Fatalf("size sum = %v, want the 11 bytes written", hist.GetSampleSum())
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/content-units/{unitID}/bundles", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serve(r, http.MethodGet, "/content-units/7de1/bundles")

	labels := labelMap(metricFamily(t, m.reg, "http_requests_total").GetMetric()[0])
	if labels["route"] != "/content-units/{unitID}/bundles" {
		t.Fatalf("route label = %q, want the chi pattern", labels["route"])
	}
}

func TestMiddleware_AccumulatesAcrossRequests(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	for i := 0; i < 10; i++ {
		serve(h, http.MethodGet, "/bundles")
	}

	var total float64
	for _, sample := range metricFamily(t, m.reg, "http_requests_total").GetMetric() {
		total += sample.GetCounter().GetValue()
	}
	if total != 10 {
		t.Fatalf("requests counted = %v, want 10", total)
	}
	if got := histogramCount(t, m.reg, "http_request_duration_seconds"); got != 10 {
		t.Fatalf("duration samples = %d, want 10", got)
	}
}

func TestMiddleware_SeriesSplitByLabels(t *testing.T) {
	t.Run("method", func(t *testing.T) {
		m := New()
		h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			serve(h, method, "/bundles")
		}

		if got := len(metricFamily(t, m.reg, "http_requests_total").GetMetric()); got != 3 {
			t.Fatalf("series = %d, want one per method", got)
		}
	})

	t.Run("status", func(t *testing.T) {
		m := New()
		codes := []int{200, 201, 204, 404, 409, 500}
		for _, code := range codes {
			code := code
			h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
			}))
			serve(h, http.MethodGet, "/bundles")
		}

		if got := len(metricFamily(t, m.reg, "http_requests_total").GetMetric()); got != len(codes) {
			t.Fatalf("series = %d, want one per status", got)
		}
	})
}

func TestMiddleware_SeedsRouteContext(t *testing.T) {
	m := New()

	var sawRouteCtx bool
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRouteCtx = chi.RouteContext(r.Context()) != nil
		w.WriteHeader(http.StatusOK)
	}))

	serve(h, http.MethodGet, "/bundles")

	if !sawRouteCtx {
		t.Fatal("handler ran without a seeded chi route context")
	}
}

func TestMiddleware_ResponseUntouched(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/bundles/3f8e")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"3f8e","version":4}`))
	}))

	w := serve(h, http.MethodPost, "/bundles")

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if got := w.Header().Get("Location"); got != "/bundles/3f8e" {
		t.Fatalf("Location = %q", got)
	}
	if !strings.Contains(w.Body.String(), `"version":4`) {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestMiddleware_ErrorCounter(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		counted bool
	}{
		{"500 counted", http.StatusInternalServerError, true},
		{"502 counted", http.StatusBadGateway, true},
		{"404 not counted", http.StatusNotFound, false},
		{"409 not counted", http.StatusConflict, false},
		{"200 not counted", http.StatusOK, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))

			serve(h, http.MethodGet, "/bundles")

			if !tt.counted {
				if hasFamily(m.reg, "http_errors_total") {
					t.Fatal("http_errors_total gathered for a non-5xx response")
				}
				return
			}
			if got := counterValue(t, m.reg, "http_errors_total"); got != 1 {
				t.Fatalf("http_errors_total = %v, want 1", got)
			}
		})
	}
}

func TestExemplarLabels(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")

	tests := []struct {
		name   string
		ctx    context.Context
		wantID string
	}{
		{
			"sampled trace",
			trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
			})),
			"4bf92f3577b34da6a3ce929d0e0e4736",
		},
		{
			"unsampled trace",
			trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: traceID, SpanID: spanID,
			})),
			"",
		},
		{"no trace", context.Background(), ""},
		{"invalid span context", trace.ContextWithSpanContext(context.Background(), trace.SpanContext{}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := exemplarLabels(tt.ctx)
			if tt.wantID == "" {
				if labels != nil {
					t.Fatalf("labels = %v, want nil", labels)
				}
				return
			}
			if labels == nil || labels["trace_id"] != tt.wantID {
				t.Fatalf("labels = %v, want trace_id %s", labels, tt.wantID)
			}
		})
	}
}
