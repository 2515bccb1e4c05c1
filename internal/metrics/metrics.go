// Package metrics exposes Prometheus collectors for lock and throttle activity.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	lockWaitSeconds            *prometheus.HistogramVec
	connectionDecisionsTotal   *prometheus.CounterVec
	throttleWaitSeconds        *prometheus.HistogramVec
	binShare                   *prometheus.GaugeVec
	binActive                  *prometheus.GaugeVec
	binPooled                  *prometheus.GaugeVec
	clusterProcesses           *prometheus.GaugeVec
	pollsTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		lockWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_lock_wait_seconds",
				Help:    "Time spent acquiring named locks, labeled by mode and outcome.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"mode", "outcome"},
		)

		connectionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_connection_decisions_total",
				Help: "Connection throttler decisions, labeled by connection type and decision.",
			},
			[]string{"type", "decision"},
		)

		throttleWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_throttle_wait_seconds",
				Help:    "Time spent waiting on a throttle gate, labeled by gate and outcome.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"gate", "outcome"},
		)

		binShare = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_bin_share",
				Help: "Connections this process may hold for a bin after the last rebalance.",
			},
			[]string{"type", "bin"},
		)

		binActive = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_bin_active_connections",
				Help: "Connections currently handed out for a bin.",
			},
			[]string{"type", "bin"},
		)

		binPooled = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_bin_pooled_connections",
				Help: "Idle pooled connections counted against a bin.",
			},
			[]string{"type", "bin"},
		)

		clusterProcesses = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_cluster_processes",
				Help: "Processes considered active for a bin during the last rebalance.",
			},
			[]string{"type", "bin"},
		)

		pollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_polls_total",
				Help: "Rebalance polls, labeled by scope and result.",
			},
			[]string{"scope", "result"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLockWait records how long a named lock acquisition took.
func ObserveLockWait(mode, outcome string, d time.Duration) {
	Init()
	lockWaitSeconds.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

// ObserveConnectionDecision counts a connection throttler decision.
func ObserveConnectionDecision(connType, decision string) {
	Init()
	connectionDecisionsTotal.WithLabelValues(connType, decision).Inc()
}

// ObserveWait records time spent at a throttle gate (connection, fetch or bytes).
func ObserveWait(gate, outcome string, d time.Duration) {
	Init()
	throttleWaitSeconds.WithLabelValues(gate, outcome).Observe(d.Seconds())
}

// SetBinState publishes the local view of a bin after a rebalance.
func SetBinState(connType, bin string, share, active, pooled, processes int) {
	Init()
	binShare.WithLabelValues(connType, bin).Set(float64(share))
	binActive.WithLabelValues(connType, bin).Set(float64(active))
	binPooled.WithLabelValues(connType, bin).Set(float64(pooled))
	clusterProcesses.WithLabelValues(connType, bin).Set(float64(processes))
}

// ObservePoll counts a rebalance poll.
func ObservePoll(scope string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	pollsTotal.WithLabelValues(scope, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
