package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/lms-bundles/internal/log"
)

// statusWriter wraps http.ResponseWriter to record the status code and body
// size, and times how long the handler sat blocked writing to the client. The
// write phase is reported as a response.write child span so a slow archive
// download is distinguishable from a slow handler.
type statusWriter struct {
	http.ResponseWriter

	status  int
	written int64

	ctx     context.Context
	started time.Time

	span      trace.Span
	spanBegan bool
	ttfb      time.Duration
	blocked   time.Duration
	firstErr  error
}

// beginWrite runs once, on the first WriteHeader or Write.
func (sw *statusWriter) beginWrite() {
	if sw.spanBegan {
		return
	}
	sw.spanBegan = true
	sw.ttfb = time.Since(sw.started)

	parent := trace.SpanFromContext(sw.ctx)
	if parent == nil || !parent.IsRecording() {
		return
	}
	sw.ctx, sw.span = otel.Tracer("lms-bundles/httpmw").Start(sw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", sw.ttfb.Seconds())))
}

func (sw *statusWriter) endWrite() {
	if sw.span == nil {
		return
	}
	sw.span.SetAttributes(
		attribute.Int("http.response.status_code", sw.statusOr200()),
		attribute.Int64("http.response.body.size", sw.written),
		attribute.Float64("http.server.write.block_seconds", sw.blocked.Seconds()),
	)
	if sw.firstErr != nil {
		sw.span.RecordError(sw.firstErr)
		sw.span.SetStatus(codes.Error, sw.firstErr.Error())
	}
	sw.span.End()
}

func (sw *statusWriter) statusOr200() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.beginWrite()
	sw.status = code
	t := time.Now()
	sw.ResponseWriter.WriteHeader(code)
	sw.blocked += time.Since(t)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.beginWrite()
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	t := time.Now()
	n, err := sw.ResponseWriter.Write(b)
	sw.blocked += time.Since(t)
	sw.written += int64(n)
	if err != nil && sw.firstErr == nil {
		sw.firstErr = err
	}
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

// WithLogger derives a request-scoped logger carrying the request identity
// and stores it in the context for everything further in. The same identity
// is mirrored onto the active span so a log line and its trace agree on who
// the client was.
//
// Log fields stay free of client-controlled strings beyond the path: the Host
// header and query string go only to the span, where cardinality is cheap and
// query parameters do not end up grep-able in shipped logs.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}

			// ClientIP runs further out, so by now the context holds the
			// proxy-aware client address and untrusted forward headers
			// are already gone.
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}

			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span != nil {
				if sc := span.SpanContext(); sc.IsValid() {
					span.SetAttributes(
						attribute.String("request_id", reqID),
						attribute.String("server.address", r.Host),
						attribute.String("client.address", client),
						attribute.String("network.peer.address", peer),
						attribute.String("url.scheme", scheme),
					)
					if q := r.URL.RawQuery; q != "" {
						span.SetAttributes(attribute.String("url.query", q))
					}
				}
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLog emits one structured line per request after the handler returns.
// Asset and probe traffic is deliberately absent: a single lesson page can
// pull dozens of files out of the bundle store, and logging each one would
// drown the API log.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, ctx: r.Context(), started: start}

			next.ServeHTTP(sw, r)
			sw.endWrite()

			if skipAccessLog(r.URL.Path) {
				return
			}

			ctx := r.Context()
			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}

			var reqBody int64
			if r.ContentLength > 0 {
				reqBody = r.ContentLength
			}

			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", sw.statusOr200(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sw.written,
				"http.request.body.size", reqBody,
				"http.route", route,
			)
		})
	}
}

var quietExts = map[string]struct{}{
	".css": {}, ".js": {}, ".map": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".webp": {}, ".svg": {}, ".ico": {},
	".woff": {}, ".woff2": {},
}

func skipAccessLog(p string) bool {
	if p == "/-/ready" || p == "/-/healthy" {
		return true
	}
	_, quiet := quietExts[strings.ToLower(path.Ext(p))]
	return quiet
}

var knownSchemes = map[string]struct{}{"http": {}, "https": {}}

// schemeFromRequest reports the scheme the client used. X-Forwarded-Proto is
// believable here because ClientIP strips it on untrusted paths, and the value
// is allowlisted anyway so header junk can never reach logs or spans.
func schemeFromRequest(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		first, _, _ := strings.Cut(proto, ",")
		s := strings.ToLower(strings.TrimSpace(first))
		if _, ok := knownSchemes[s]; ok {
			return s
		}
	}
	if r.URL != nil {
		s := strings.ToLower(r.URL.Scheme)
		if _, ok := knownSchemes[s]; ok {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the subsystem handling the
// request, e.g. "bundle_api" or "assets". Mounted once per route group.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))

			if span := trace.SpanFromContext(ctx); span != nil && span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
