package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// routeSpan runs target through a chi router wrapped in AnnotateHTTPRoute
// under a recording tracer and returns the ended span.
func routeSpan(t *testing.T, register func(r chi.Router), method, target string) tracetest.SpanStub {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("annotate-test").Start(context.Background(), "seed")

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	register(r)

	req := httptest.NewRequest(method, target, http.NoBody).WithContext(ctx)
	r.ServeHTTP(httptest.NewRecorder(), req)
	span.End()

	ended := sr.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	return tracetest.SpanStubFromReadOnlySpan(ended[0])
}

func TestAnnotateHTTPRoute_SpanNamedByPattern(t *testing.T) {
	stub := routeSpan(t, func(r chi.Router) {
		r.Post("/bundles/{id}/activate", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}, http.MethodPost, "/bundles/3f8e/activate")

	if stub.Name != "POST /bundles/{id}/activate" {
		t.Fatalf("span name = %q, want %q", stub.Name, "POST /bundles/{id}/activate")
	}

	var route string
	for _, a := range stub.Attributes {
		if string(a.Key) == "http.route" {
			route = a.Value.AsString()
		}
	}
	if route != "/bundles/{id}/activate" {
		t.Fatalf("http.route = %q, want %q", route, "/bundles/{id}/activate")
	}
}

func TestAnnotateHTTPRoute_WildcardPattern(t *testing.T) {
	stub := routeSpan(t, func(r chi.Router) {
		r.Get("/assets/*", func(w http.ResponseWriter, r *http.Request) {})
	}, http.MethodGet, "/assets/lessons/u1/v3/app.css")

	if stub.Name != "GET /assets/*" {
		t.Fatalf("span name = %q, want %q", stub.Name, "GET /assets/*")
	}
}

func TestAnnotateHTTPRoute_NoSpanNoPanic(t *testing.T) {
	var reached bool
	h := AnnotateHTTPRoute(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bundles/b1", http.NoBody))

	if !reached {
		t.Fatal("handler not reached without a span")
	}
}

func TestAnnotateHTTPRoute_NonRecordingSpanUntouched(t *testing.T) {
	// a bare span context (remote, non-recording) must not be renamed
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid,
		SpanID:  sid,
	}))

	var reached bool
	h := AnnotateHTTPRoute(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx))

	if !reached {
		t.Fatal("handler not reached")
	}
}
