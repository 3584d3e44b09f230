package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type ctxKeyClientIP struct{}

// ClientIPOptions configures how the client address is resolved.
type ClientIPOptions struct {
	// TrustedHops is how many reverse proxies sit between the client and
	// this process. With 0 every forwarded header is ignored and the TCP
	// peer wins. With 1 the rightmost X-Forwarded-For entry is the client
	// (single load balancer), with 2 the entry left of it (CDN in front
	// of the balancer), and so on.
	TrustedHops int
}

// ClientIP stores the resolved client address in the request context using
// default options, meaning no proxies are trusted.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions returns middleware that resolves the client address
// once per request and makes it available via ClientIPFromContext.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientIP picks the client address for a request. X-Forwarded-For is
// consulted only when the TCP peer is a private address and at least one
// trusted hop is configured; in every other case the forwarded headers are
// stripped so nothing downstream can read them by mistake.
func resolveClientIP(r *http.Request, hops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return "0.0.0.0"
	}

	// A public peer talked to us directly. With zero hops configured there
	// is no proxy whose headers we could believe either way.
	if !peer.IsPrivate() || hops <= 0 {
		dropForwardHeaders(r)
		return host
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}

	entries := strings.Split(xff, ",")
	idx := len(entries) - hops
	if idx < 0 {
		// Shorter chain than the configured proxy count: either a
		// misconfiguration or a forged header. Fail closed.
		dropForwardHeaders(r)
		return host
	}
	if c := strings.TrimSpace(entries[idx]); net.ParseIP(c) != nil {
		return c
	}
	return host
}

func dropForwardHeaders(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the address stored by ClientIP, or "" when the
// middleware did not run.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKeyClientIP{}).(string)
	return ip
}

// WithClientIP returns a context carrying the given client address. Empty
// addresses are not stored.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyClientIP{}, ip)
}
