// Package metrics exposes Prometheus collectors for the session and cart layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	backendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Outbound backend requests by method and status code.",
		},
		[]string{"method", "status"},
	)

	backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound backend requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method"},
	)

	authRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "auth_retries_total",
			Help:      "Requests replayed after a credential refresh.",
		},
	)

	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Credential refresh calls issued, by outcome.",
		},
		[]string{"result"},
	)

	mergeLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cart",
			Name:      "merge_lines_total",
			Help:      "Local cart lines submitted during login merge, by outcome.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		backendRequests,
		backendDuration,
		authRetries,
		refreshes,
		mergeLines,
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one outbound backend call. status 0 means a transport failure.
func ObserveRequest(method string, status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	backendRequests.WithLabelValues(method, label).Inc()
	backendDuration.WithLabelValues(method).Observe(d.Seconds())
}

// AuthRetry counts a request replayed with a refreshed credential.
func AuthRetry() {
	authRetries.Inc()
}

// Refresh records the outcome of a refresh call.
func Refresh(success bool) {
	refreshes.WithLabelValues(result(success)).Inc()
}

// MergeLine records the outcome of one merge submission.
func MergeLine(success bool) {
	mergeLines.WithLabelValues(result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
