package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/lms-bundles/internal/httpmw"
)

// bucket is one client's token bucket plus the bookkeeping for eviction and
// one-time deny logging.
type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time

	// denied marks that the first-denial hook already fired for this
	// client. Eviction resets it, so a client that comes back after the
	// TTL gets logged again.
	denied bool
}

// IPLimiter keeps a token bucket per client address and evicts idle entries
// in the background.
type IPLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	capWarned bool

	perSecond rate.Limit
	burst     int

	// maxClients caps the bucket map. A flood from many addresses would
	// otherwise grow it without bound; at the cap, unknown clients are
	// rejected until eviction frees room. Zero disables the cap.
	maxClients int

	// ttl is how long an idle client keeps its bucket before eviction.
	ttl time.Duration

	// OnFirstDenied fires once per client on their first rejected request,
	// with the bare address. Meant for logging: one line per offender
	// instead of one per rejected upload.
	OnFirstDenied func(ip string)

	// OnDenied fires on every rejected request. Meant for counters.
	OnDenied func(ip string)

	// OnCapacity fires once when the client table first fills, then again
	// only after eviction brings it back under the cap.
	OnCapacity func()
}

type Option func(*IPLimiter)

// WithRate sets the refill rate and bucket capacity. WithRate(10, 50) lets a
// client burst 50 requests and then sustain 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle client stays in the map.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) {
		l.ttl = d
	}
}

// WithOnFirstDenied sets the once-per-client denial hook.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets the every-denial hook.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnDenied = fn
	}
}

// WithMaxClients caps how many client buckets are held at once. Zero means
// no cap.
func WithMaxClients(n int) Option {
	return func(l *IPLimiter) {
		l.maxClients = n
	}
}

// WithOnCapacity sets the hook fired when the client table fills.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) {
		l.OnCapacity = fn
	}
}

// New builds an IPLimiter and starts its eviction goroutine, which stops when
// ctx is cancelled at shutdown.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		buckets:    make(map[string]*bucket),
		perSecond:  10,
		burst:      30,
		maxClients: 100000,
		ttl:        5 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// allow reports whether ip may proceed, creating its bucket on first sight.
// Hooks run after the lock is released; they may log or touch metrics and
// must not serialize other requests.
func (l *IPLimiter) allow(ip string) bool {
	l.mu.Lock()
	b := l.buckets[ip]
	if b == nil {
		if l.maxClients > 0 && len(l.buckets) >= l.maxClients {
			capHook := !l.capWarned
			l.capWarned = true
			l.mu.Unlock()
			if capHook && l.OnCapacity != nil {
				l.OnCapacity()
			}
			if l.OnDenied != nil {
				l.OnDenied(ip)
			}
			return false
		}
		b = &bucket{lim: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	allowed := b.lim.Allow()

	first := false
	if !allowed && !b.denied {
		b.denied = true
		first = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
	return false
}

// evictLoop drops clients idle longer than the TTL. It wakes at ttl/2 so a
// stale entry lives at most 1.5 TTLs.
func (l *IPLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, b := range l.buckets {
				if now.Sub(b.lastSeen) > l.ttl {
					delete(l.buckets, ip)
				}
			}
			if l.maxClients <= 0 || len(l.buckets) < l.maxClients {
				l.capWarned = false
			}
			l.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the client's rate with 429. The client
// address comes from the httpmw.ClientIP middleware further out, so proxy
// headers have already been resolved or discarded by the time we key on it.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())

		if !l.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// The body never discloses the limiter's configuration.
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
