package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftwatch",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// Detection metrics
	detectionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftwatch",
			Subsystem: "detector",
			Name:      "runs_total",
			Help:      "Total number of detection runs by outcome",
		},
		[]string{"outcome"},
	)

	detectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Subsystem: "detector",
			Name:      "run_duration_seconds",
			Help:      "Duration of a single detection run in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
	)

	scanWarningsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "driftwatch",
			Subsystem: "scanner",
			Name:      "skipped_entries_total",
			Help:      "Entries skipped because they could not be read",
		},
	)

	driftEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftwatch",
			Subsystem: "detector",
			Name:      "drift_entries_total",
			Help:      "File changes detected, by status and handling mode",
		},
		[]string{"status", "mode"},
	)

	// Schedule queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "driftwatch",
			Subsystem: "schedule",
			Name:      "queue_depth",
			Help:      "Number of schedules waiting in the queue",
		},
	)

	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "driftwatch",
			Subsystem: "schedule",
			Name:      "in_flight",
			Help:      "Number of detections currently running",
		},
	)

	// Change-set store metrics
	changeSetsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftwatch",
			Subsystem: "store",
			Name:      "changesets_written_total",
			Help:      "Total number of change-sets written",
		},
		[]string{"category"},
	)

	changeSetWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Subsystem: "store",
			Name:      "write_duration_seconds",
			Help:      "Change-set write duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	changeSetEntries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Subsystem: "store",
			Name:      "changeset_entries",
			Help:      "Number of entries per written change-set",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Sync metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftwatch",
			Subsystem: "sync",
			Name:      "uploads_total",
			Help:      "Total number of uploads to the collector",
		},
		[]string{"kind", "status"},
	)

	uploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Subsystem: "sync",
			Name:      "upload_duration_seconds",
			Help:      "Duration of uploads to the collector in seconds",
			Buckets:   []float64{.05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	uploadsDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "driftwatch",
			Subsystem: "sync",
			Name:      "uploads_deferred_total",
			Help:      "Uploads deferred because the upload queue was full",
		},
	)

	// Deployment metrics
	deploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "driftwatch",
			Subsystem: "deployer",
			Name:      "deployments_total",
			Help:      "Total number of managed directory deployments",
		},
		[]string{"status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns a middleware that records Prometheus metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}

		status := strconv.Itoa(wrapped.statusCode)

		httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration)
	})
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDetection records the outcome and duration of a detection run
func RecordDetection(outcome string, duration time.Duration) {
	detectionRunsTotal.WithLabelValues(outcome).Inc()
	detectionDuration.Observe(duration.Seconds())
}

// RecordDriftEntry counts one detected file change
func RecordDriftEntry(status, mode string) {
	driftEntriesTotal.WithLabelValues(status, mode).Inc()
}

// RecordScanWarning counts an entry the scanner had to skip
func RecordScanWarning() {
	scanWarningsTotal.Inc()
}

// SetQueueDepth sets the number of queued schedules
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetInFlight sets the number of running detections
func SetInFlight(n int) {
	inFlight.Set(float64(n))
}

// RecordChangeSetWrite records a persisted change-set
func RecordChangeSetWrite(category string, entries int, duration time.Duration) {
	changeSetsWritten.WithLabelValues(category).Inc()
	changeSetEntries.Observe(float64(entries))
	changeSetWriteDuration.Observe(duration.Seconds())
}

// RecordUpload records an upload attempt to the collector
func RecordUpload(kind, status string, duration time.Duration) {
	uploadsTotal.WithLabelValues(kind, status).Inc()
	uploadDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordUploadDeferred counts an upload rejected by a full queue
func RecordUploadDeferred() {
	uploadsDeferred.Inc()
}

// RecordDeployment records a deployment attempt
func RecordDeployment(status string) {
	deploymentsTotal.WithLabelValues(status).Inc()
}
