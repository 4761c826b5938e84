// Package metrics holds the Prometheus collectors of the client core.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the client-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	gatewayInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reuse",
			Subsystem: "gateway",
			Name:      "inflight_requests",
			Help:      "Current number of outbound API requests in flight.",
		},
	)

	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reuse",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Outbound API requests by method and outcome kind.",
		},
		[]string{"method", "kind"},
	)

	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reuse",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound API requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method"},
	)

	sessionExpirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reuse",
			Subsystem: "session",
			Name:      "expirations_total",
			Help:      "Sessions cleared because the backend rejected the credential.",
		},
	)

	realtimeConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reuse",
			Subsystem: "realtime",
			Name:      "connected",
			Help:      "Number of realtime channels currently connected.",
		},
	)

	realtimeFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reuse",
			Subsystem: "realtime",
			Name:      "frames_total",
			Help:      "Realtime frames by direction and result.",
		},
		[]string{"direction", "result"},
	)
)

func init() {
	Registry.MustRegister(
		gatewayInFlight,
		gatewayRequests,
		gatewayDuration,
		sessionExpirations,
		realtimeConnected,
		realtimeFrames,
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RequestStarted marks an outbound request as in flight and returns the func
// that records its completion.
func RequestStarted(method string) func(kind string) {
	start := time.Now()
	gatewayInFlight.Inc()
	method = strings.ToUpper(method)

	return func(kind string) {
		gatewayInFlight.Dec()
		if kind == "" {
			kind = "ok"
		}
		gatewayRequests.WithLabelValues(method, kind).Inc()
		gatewayDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}

// RecordSessionExpired counts a session cleared on an authentication rejection.
func RecordSessionExpired() {
	sessionExpirations.Inc()
}

// SetRealtimeConnected adjusts the connected-channels gauge.
func SetRealtimeConnected(connected bool) {
	if connected {
		realtimeConnected.Inc()
		return
	}
	realtimeConnected.Dec()
}

// RecordFrame counts a realtime frame. direction is "out" or "in"; result is
// "sent", "dropped", "delivered" or "invalid".
func RecordFrame(direction, result string) {
	realtimeFrames.WithLabelValues(direction, result).Inc()
}
