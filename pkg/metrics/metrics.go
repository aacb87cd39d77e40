// Package metrics provides Prometheus instrumentation for the gateway.
//
// It pre-defines the HTTP and provider-operation metrics the service needs
// and exposes helpers to register custom collectors.
//
// Wire it up once in the server:
//
//	r.Use(metrics.Middleware())
//	r.Get("/metrics", metrics.Handler())
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestDuration tracks how long each HTTP request takes, broken down
	// by method, route pattern, and status code.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "waterbutler",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RequestTotal counts all HTTP requests.
	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterbutler",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// RequestInFlight tracks how many requests are currently being served.
	RequestInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "waterbutler",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being served.",
	})

	// ProviderOpDuration tracks backend adapter operation latency.
	ProviderOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "waterbutler",
			Subsystem: "provider",
			Name:      "operation_duration_seconds",
			Help:      "Duration of storage provider operations in seconds.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30, 120},
		},
		[]string{"provider", "operation"}, // metadata | download | upload | delete | ...
	)

	// ProviderOpErrors counts failed adapter operations.
	ProviderOpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterbutler",
			Subsystem: "provider",
			Name:      "operation_errors_total",
			Help:      "Total failed storage provider operations.",
		},
		[]string{"provider", "operation", "code"},
	)

	// TransferBytes counts body bytes moved through uploads, downloads and
	// cross-provider transfers.
	TransferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterbutler",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Total bytes streamed through the gateway.",
		},
		[]string{"direction"}, // upload | download | copy
	)

	// RateLimitRejections counts requests denied by the limiter.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterbutler",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Total requests rejected by the rate limiter.",
		},
		[]string{"class"}, // token | basic | none
	)

	// EventsPublished counts notification events by action.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waterbutler",
			Subsystem: "notify",
			Name:      "events_published_total",
			Help:      "Total notification events published.",
		},
		[]string{"action"},
	)
)

// DefaultRegistry is the Prometheus registry used by the gateway.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(collectors.NewGoCollector())
	DefaultRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	DefaultRegistry.MustRegister(
		RequestDuration,
		RequestTotal,
		RequestInFlight,
		ProviderOpDuration,
		ProviderOpErrors,
		TransferBytes,
		RateLimitRejections,
		EventsPublished,
	)
}

// Register adds a collector to the gateway registry.
func Register(c prometheus.Collector) error {
	return DefaultRegistry.Register(c)
}

// MustRegister panics if registration fails.
func MustRegister(c ...prometheus.Collector) {
	DefaultRegistry.MustRegister(c...)
}

// ObserveProviderOp records one adapter call:
//
//	defer metrics.ObserveProviderOp("s3", "upload", time.Now())
func ObserveProviderOp(provider, operation string, start time.Time) {
	ProviderOpDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

// responseRecorder wraps http.ResponseWriter to capture the status code.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records per-request metrics. The path label uses the chi route
// pattern when available; raw v1 paths would blow up cardinality.
func Middleware(pattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			RequestInFlight.Inc()
			defer RequestInFlight.Dec()

			rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rr, r)

			path := r.URL.Path
			if pattern != nil {
				if p := pattern(r); p != "" {
					path = p
				}
			}
			status := strconv.Itoa(rr.status)
			RequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
			RequestTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

// Handler exposes the Prometheus metrics page. Mount on GET /metrics.
func Handler() http.HandlerFunc {
	h := promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return h.ServeHTTP
}
