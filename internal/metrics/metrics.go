package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/lms-bundles/internal/version"
)

// Bucket layouts. Latency tops out at the slowest acceptable extract, sizes
// at the archive and response caps the API enforces.
var (
	latencyBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	responseBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800}
	archiveBuckets  = []float64{4096, 65536, 1048576, 4194304, 16777216, 67108864, 268435456}
	extractBuckets  = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// ServerMetrics owns the process registry and every instrument the server
// records into. Label sets stay low-cardinality: method, chi route pattern,
// status code, content unit kind, failure reason. Raw paths and unit IDs
// never become label values.
type ServerMetrics struct {
	reg    *prometheus.Registry
	scrape http.Handler

	httpInFlight      prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpResponseBytes *prometheus.HistogramVec
	serverErrors      *prometheus.CounterVec
	panicsRecovered   prometheus.Counter
	rateLimited       prometheus.Counter
	buildInfo         *prometheus.GaugeVec
	profilingOn       prometheus.Gauge

	createOutcomes  *prometheus.CounterVec
	activations     *prometheus.CounterVec
	deletions       prometheus.Counter
	extractFailures *prometheus.CounterVec
	archiveBytes    prometheus.Histogram
	extractSeconds  prometheus.Histogram
	workerSlots     prometheus.Gauge
}

// New builds a registry carrying the Go and process collectors plus the
// server's own instruments.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	auto := promauto.With(reg)

	m := &ServerMetrics{
		reg: reg,

		httpInFlight: auto.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "HTTP requests currently being served",
		}),
		httpRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Completed HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		httpDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Seconds spent serving a request, by method and route",
			Buckets: latencyBuckets,
		}, []string{"method", "route"}),
		httpResponseBytes: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Bytes written per response, by method and route",
			Buckets: responseBuckets,
		}, []string{"method", "route"}),
		serverErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Responses with a 5xx status, by method and route",
		}, []string{"method", "route"}),
		panicsRecovered: auto.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Panics recovered by the HTTP middleware",
		}),
		rateLimited: auto.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests rejected with 429 by the per-client rate limiter",
		}),
		buildInfo: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, value fixed at 1",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingOn: auto.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "1 while continuous profiling is running, 0 otherwise",
		}),

		createOutcomes: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_create_total",
			Help: "Bundle create attempts by content unit kind and outcome",
		}, []string{"kind", "outcome"}),
		activations: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_activate_total",
			Help: "Bundle activations by content unit kind",
		}, []string{"kind"}),
		deletions: auto.NewCounter(prometheus.CounterOpts{
			Name: "bundle_delete_total",
			Help: "Bundles deleted",
		}),
		extractFailures: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_extract_failures_total",
			Help: "Archive extractions rejected or failed, by reason",
		}, []string{"reason"}),
		archiveBytes: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bundle_archive_size_bytes",
			Help:    "Size of uploaded archives",
			Buckets: archiveBuckets,
		}),
		extractSeconds: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bundle_extract_duration_seconds",
			Help:    "Seconds to extract and store an uploaded archive",
			Buckets: extractBuckets,
		}),
		workerSlots: auto.NewGauge(prometheus.GaugeOpts{
			Name: "bundle_create_workers_in_use",
			Help: "Create requests currently holding a worker slot",
		}),
	}

	m.scrape = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return m
}

// Handler serves the scrape endpoint for this registry.
func (m *ServerMetrics) Handler() http.Handler {
	return m.scrape
}

func (m *ServerMetrics) IncHttpPanic() {
	m.panicsRecovered.Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.rateLimited.Inc()
}

// SetBuildInfoFromVersion publishes build metadata once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingOn.Set(v)
}

func (m *ServerMetrics) IncBundleCreate(kind, outcome string) {
	m.createOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *ServerMetrics) IncActivation(kind string) {
	m.activations.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) IncDelete() {
	m.deletions.Inc()
}

func (m *ServerMetrics) IncExtractFailure(reason string) {
	m.extractFailures.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) ObserveArchiveBytes(n float64) {
	m.archiveBytes.Observe(n)
}

func (m *ServerMetrics) ObserveExtractSeconds(seconds float64) {
	m.extractSeconds.Observe(seconds)
}

func (m *ServerMetrics) SetWorkersInUse(n float64) {
	m.workerSlots.Set(n)
}
