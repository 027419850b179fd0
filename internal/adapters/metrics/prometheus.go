// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	jobsStarted         prometheus.Counter
	jobsFinished        *prometheus.CounterVec
	jobsInFlight        prometheus.Gauge
	phaseDuration       *prometheus.HistogramVec
	cacheRequests       *prometheus.CounterVec
	cachedTiles         prometheus.Gauge
	cachedBytes         prometheus.Gauge
	originDownloads     *prometheus.CounterVec
	originDuration      prometheus.Histogram
	toolRuns            *prometheus.CounterVec
	coverageQueries     *prometheus.CounterVec
	entitiesPublished   *prometheus.CounterVec
	recordsSeeded       *prometheus.CounterVec
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "canopy"
	}

	// Pipeline phases run for minutes, not milliseconds
	longBuckets := prometheus.ExponentialBuckets(0.5, 2, 12)

	return &Collector{
		jobsStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of processing jobs started",
			},
		),

		jobsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Total number of processing jobs finished",
			},
			[]string{"status"},
		),

		jobsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Number of jobs currently being processed",
			},
		),

		phaseDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Pipeline phase duration in seconds",
				Buckets:   longBuckets,
			},
			[]string{"phase"},
		),

		cacheRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Total number of tile cache requests",
			},
			[]string{"outcome"},
		),

		cachedTiles: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cached_tiles",
				Help:      "Number of tiles in the cache",
			},
		),

		cachedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cached_bytes",
				Help:      "Total size of cached tiles in bytes",
			},
		),

		originDownloads: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "origin_downloads_total",
				Help:      "Total number of downloads from origin servers",
			},
			[]string{"status"},
		),

		originDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "origin_download_duration_seconds",
				Help:      "Origin download duration in seconds",
				Buckets:   longBuckets,
			},
		),

		toolRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_runs_total",
				Help:      "Total number of external tool invocations",
			},
			[]string{"tool", "status"},
		),

		coverageQueries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coverage_queries_total",
				Help:      "Total number of coverage index queries",
			},
			[]string{"status"},
		),

		entitiesPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_published_total",
				Help:      "Total number of NGSI-LD entities published",
			},
			[]string{"type"},
		),

		recordsSeeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_seeded_total",
				Help:      "Total number of coverage records seeded",
			},
			[]string{"source"},
		),

		storageOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// IncJobsStarted increments the started-jobs counter.
func (c *Collector) IncJobsStarted() {
	c.jobsStarted.Inc()
}

// IncJobsFinished increments the finished-jobs counter per final status.
func (c *Collector) IncJobsFinished(status string) {
	c.jobsFinished.WithLabelValues(status).Inc()
}

// SetJobsInFlight sets the number of jobs currently being processed.
func (c *Collector) SetJobsInFlight(count int) {
	c.jobsInFlight.Set(float64(count))
}

// ObservePhaseDuration records how long a pipeline phase took.
func (c *Collector) ObservePhaseDuration(phase string, duration time.Duration) {
	c.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// IncCacheRequests increments the cache request counter per outcome.
func (c *Collector) IncCacheRequests(outcome string) {
	c.cacheRequests.WithLabelValues(outcome).Inc()
}

// SetCachedTiles sets the number of tiles in the cache.
func (c *Collector) SetCachedTiles(count int) {
	c.cachedTiles.Set(float64(count))
}

// SetCachedBytes sets the total size of the cache in bytes.
func (c *Collector) SetCachedBytes(bytes int64) {
	c.cachedBytes.Set(float64(bytes))
}

// ObserveOriginDownload records an origin download and its duration.
func (c *Collector) ObserveOriginDownload(success bool, duration time.Duration) {
	c.originDownloads.WithLabelValues(boolToStatus(success)).Inc()
	if success {
		c.originDuration.Observe(duration.Seconds())
	}
}

// IncToolRuns increments the external-tool run counter.
func (c *Collector) IncToolRuns(tool string, success bool) {
	c.toolRuns.WithLabelValues(tool, boolToStatus(success)).Inc()
}

// IncCoverageQueries increments the coverage query counter.
func (c *Collector) IncCoverageQueries(success bool) {
	c.coverageQueries.WithLabelValues(boolToStatus(success)).Inc()
}

// IncEntitiesPublished adds to the published-entities counter.
func (c *Collector) IncEntitiesPublished(entityType string, count int) {
	c.entitiesPublished.WithLabelValues(entityType).Add(float64(count))
}

// IncRecordsSeeded adds to the seeded-records counter per source.
func (c *Collector) IncRecordsSeeded(source string, count int) {
	c.recordsSeeded.WithLabelValues(source).Add(float64(count))
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	c.storageOperations.WithLabelValues(operation, boolToStatus(success)).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// boolToStatus converts a success flag to a label value.
func boolToStatus(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		path := normalizePath(r.URL.Path)
		status := statusToString(wrapped.statusCode)

		c.IncHTTPRequests(r.Method, path, status)
		c.ObserveHTTPDuration(r.Method, path, duration)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes the URL path for metrics.
func normalizePath(path string) string {
	// Replace dynamic segments with placeholders
	// This prevents high cardinality metrics
	switch {
	case len(path) > 20:
		return path[:20] + "..."
	default:
		return path
	}
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
