// Package metrics exposes Prometheus collectors for the carscan service.
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
	solverCallsTotal           *prometheus.CounterVec
	solverBalance              prometheus.Gauge
	stageAttemptsTotal         *prometheus.CounterVec
	stageLongRunningTotal      *prometheus.CounterVec
	pipelinesTotal             *prometheus.CounterVec
	dedupLookupsTotal          *prometheus.CounterVec
	requestsTotal              *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		solverCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carscan_solver_calls_total",
				Help: "Captcha solver calls, labeled by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		)

		solverBalance = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "carscan_solver_balance",
				Help: "Last observed captcha solver account balance.",
			},
		)

		stageAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carscan_stage_attempts_total",
				Help: "Page stage attempts, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		stageLongRunningTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carscan_stage_long_running_total",
				Help: "Stages that passed the long-running attempt threshold.",
			},
			[]string{"stage"},
		)

		pipelinesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carscan_pipelines_total",
				Help: "Completed record pipelines, labeled by result.",
			},
			[]string{"result"},
		)

		dedupLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carscan_dedup_lookups_total",
				Help: "Dedup cache lookups, labeled by outcome (hit, joined, partial, miss).",
			},
			[]string{"outcome"},
		)

		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carscan_requests_total",
				Help: "Scrape request submissions, labeled by admission outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "carscan_active_workers",
				Help: "Number of workers currently processing a request.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carscan_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveSolverCall counts one solver protocol call.
func ObserveSolverCall(operation, outcome string) {
	Init()
	solverCallsTotal.WithLabelValues(operation, outcome).Inc()
}

// SetSolverBalance records the last balance reading.
func SetSolverBalance(balance float64) {
	Init()
	solverBalance.Set(balance)
}

// ObserveStageAttempt counts one stage attempt.
func ObserveStageAttempt(stage, result string) {
	Init()
	stageAttemptsTotal.WithLabelValues(stage, result).Inc()
}

// ObserveLongRunningStage counts a stage crossing the long-running threshold.
func ObserveLongRunningStage(stage string) {
	Init()
	stageLongRunningTotal.WithLabelValues(stage).Inc()
}

// ObservePipeline counts one finished pipeline.
func ObservePipeline(result string) {
	Init()
	pipelinesTotal.WithLabelValues(result).Inc()
}

// ObserveDedup counts one dedup lookup.
func ObserveDedup(outcome string) {
	Init()
	dedupLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRequest counts one submission by admission outcome.
func ObserveRequest(outcome string) {
	Init()
	requestsTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
