// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineRunsTotal          *prometheus.CounterVec
	pipelineDurationSeconds    *prometheus.HistogramVec
	activePipelines            prometheus.Gauge
	documentsTotal             *prometheus.CounterVec
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	ingestRequestsTotal        *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	politenessDelaySeconds     *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pipelineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pipeline_runs_total",
				Help: "Per-source pipeline runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pipelineDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_pipeline_duration_seconds",
				Help:    "Wall time of per-source pipeline runs, labeled by outcome.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		)

		activePipelines = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_pipelines",
				Help: "Number of source pipelines currently executing.",
			},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_documents_total",
				Help: "Candidate documents seen, labeled by source and dedup result.",
			},
			[]string{"source", "result"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_total",
				Help: "Page fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		ingestRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_ingest_requests_total",
				Help: "Ingest API calls, labeled by response code.",
			},
			[]string{"code"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_notifications_total",
				Help: "New-document notifications, labeled by result.",
			},
			[]string{"result"},
		)

		politenessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_delay_seconds",
				Help:    "Histogram of per-host pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallback_total",
				Help: "robots.txt fetches that timed out and fell back to allow-all.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePipeline records one finished pipeline run.
func ObservePipeline(outcome string, duration time.Duration) {
	Init()
	pipelineRunsTotal.WithLabelValues(outcome).Inc()
	pipelineDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncActivePipelines increments the active pipelines gauge.
func IncActivePipelines() {
	Init()
	activePipelines.Inc()
}

// DecActivePipelines decrements the active pipelines gauge.
func DecActivePipelines() {
	Init()
	activePipelines.Dec()
}

// ObserveDocument counts a candidate document as "new" or "duplicate".
func ObserveDocument(sourceID, result string) {
	Init()
	documentsTotal.WithLabelValues(sourceID, result).Inc()
}

// ObserveFetch counts a fetch and its body size.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveIngest counts an ingest call by status code; 0 means transport failure.
func ObserveIngest(code int) {
	Init()
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	ingestRequestsTotal.WithLabelValues(label).Inc()
}

// ObserveNotification counts notification outcomes.
func ObserveNotification(result string, n int) {
	Init()
	if n <= 0 {
		return
	}
	notificationsTotal.WithLabelValues(result).Add(float64(n))
}

// ObservePolitenessDelay records time spent waiting on the per-host limiter.
func ObservePolitenessDelay(host string, duration time.Duration) {
	Init()
	politenessDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts robots.txt fetches that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
