// Package metrics provides Prometheus metrics for the image server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgserver_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgserver_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Variant metrics
	variantResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgserver_variant_results_total",
			Help: "Variant requests by outcome (ok, not_modified, not_found, bad_request, internal)",
		},
		[]string{"outcome"},
	)

	transformDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgserver_transform_duration_seconds",
			Help:    "Time spent decoding, resizing and encoding a variant",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"format"},
	)

	transformInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imgserver_transform_inflight",
			Help: "Transforms currently running",
		},
	)

	transformShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imgserver_transform_shared_total",
			Help: "Variant requests answered by a transform started for another request",
		},
	)

	// Listing metrics
	listingEntries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imgserver_listing_entries",
			Help:    "Number of entries returned per listing",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imgserver_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordVariantResult counts one finished variant request.
func RecordVariantResult(outcome string) {
	variantResultsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransform records how long a transform to format took.
func RecordTransform(format string, duration time.Duration) {
	transformDuration.WithLabelValues(format).Observe(duration.Seconds())
}

// TransformStarted and TransformFinished bracket a running transform.
func TransformStarted()  { transformInflight.Inc() }
func TransformFinished() { transformInflight.Dec() }

// RecordSharedTransform counts a request that reused a concurrent transform.
func RecordSharedTransform() {
	transformShared.Inc()
}

// RecordListing records the size of a listing response.
func RecordListing(entries int) {
	listingEntries.Observe(float64(entries))
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// Route collapses a request path to a bounded label value.
func Route(path string) string {
	switch {
	case strings.HasPrefix(path, "/.be/images/"):
		return "/.be/images"
	case path == "/.be/api/list-files":
		return path
	case path == "/.be/metrics", path == "/healthz":
		return path
	case strings.HasPrefix(path, "/dav/"):
		return "/dav"
	default:
		return "other"
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, Route(r.URL.Path), rw.statusCode, time.Since(start))
	})
}
