// ABOUTME: Prometheus collectors for gateway calls, handshakes, history fallbacks and API traffic
// ABOUTME: Registered once at package init under the clawlink namespace

// Package metrics exposes process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clawlink"

var (
	rpcCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_calls_total",
		Help:      "Gateway RPC calls by method and outcome.",
	}, []string{"method", "outcome"})

	rpcDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_call_duration_seconds",
		Help:      "Gateway RPC round-trip latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_total",
		Help:      "Gateway connect handshakes by outcome.",
	}, []string{"outcome"})

	malformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_frames_total",
		Help:      "Inbound frames dropped because they could not be decoded.",
	})

	historyFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_fallbacks_total",
		Help:      "HTTP history fallbacks by outcome.",
	}, []string{"outcome"})

	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Sessions API requests by route and status code.",
	}, []string{"route", "code"})
)

// ObserveCall records one RPC round trip.
func ObserveCall(method, outcome string, d time.Duration) {
	rpcCalls.WithLabelValues(method, outcome).Inc()
	rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveHandshake records a handshake result ("ok" or "rejected").
func ObserveHandshake(outcome string) {
	handshakes.WithLabelValues(outcome).Inc()
}

// MalformedFrame counts a dropped inbound frame.
func MalformedFrame() {
	malformedFrames.Inc()
}

// ObserveHistoryFallback records an HTTP history fallback ("ok" or "failed").
func ObserveHistoryFallback(outcome string) {
	historyFallbacks.WithLabelValues(outcome).Inc()
}

// ObserveAPIRequest records a sessions API response.
func ObserveAPIRequest(route string, code int) {
	apiRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
