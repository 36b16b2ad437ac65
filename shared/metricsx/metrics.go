package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	snapshotFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_fetches_total",
			Help: "Total snapshot fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)
	snapshotFetchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapshot_fetch_duration_seconds",
			Help:    "Snapshot fetch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	vlmCallFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vlm_call_failures_total",
			Help: "Total vision-model call failures.",
		},
	)
	vlmCallSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vlm_call_success_total",
			Help: "Total vision-model call successes.",
		},
	)
	vlmCallLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vlm_call_latency_seconds",
			Help:    "Vision-model call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	cameraSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camera_skips_total",
			Help: "Cameras skipped per tick by reason.",
		},
		[]string{"reason"},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_tick_duration_seconds",
			Help:    "Full pipeline tick duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	archiveWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_write_failures_total",
			Help: "Archive fan-out write failures by target.",
		},
		[]string{"target"},
	)
	incidentsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incidents_detected_total",
			Help: "Incidents detected by severity.",
		},
		[]string{"severity"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, snapshotFetches, snapshotFetchLatency, vlmCallFailures, vlmCallSuccess, vlmCallLatency, cameraSkips, tickDuration, archiveWriteFailures, incidentsDetected, influxWriteFailures)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncSnapshotFetch(outcome string) {
	snapshotFetches.WithLabelValues(outcome).Inc()
}

func ObserveSnapshotFetchLatency(d time.Duration) {
	snapshotFetchLatency.Observe(d.Seconds())
}

func IncVLMCallFailure() {
	vlmCallFailures.Inc()
}

func IncVLMCallSuccess() {
	vlmCallSuccess.Inc()
}

func ObserveVLMCallLatency(d time.Duration) {
	vlmCallLatency.Observe(d.Seconds())
}

func IncCameraSkip(reason string) {
	cameraSkips.WithLabelValues(reason).Inc()
}

func ObserveTickDuration(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

func IncArchiveWriteFailure(target string) {
	archiveWriteFailures.WithLabelValues(target).Inc()
}

func IncIncidentDetected(severity string) {
	incidentsDetected.WithLabelValues(severity).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
