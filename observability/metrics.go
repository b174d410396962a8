package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"wagerchain/native/wager"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

type wagerMetrics struct {
	operations *prometheus.CounterVec
	rejections *prometheus.CounterVec
	otelOps    metric.Int64Counter
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	wagerMetricsOnce sync.Once
	wagerRegistry    *wagerMetrics
)

// RPC returns the lazily-initialised registry recording JSON-RPC activity.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "wager",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "wager",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and HTTP status.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "wager",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "wager",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting or replay protection.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "replay".
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// Wager returns the registry that observes engine operations. It implements
// wager.Observer and mirrors the operation counter onto the global
// OpenTelemetry meter provider.
func Wager() *wagerMetrics {
	wagerMetricsOnce.Do(func() {
		wagerRegistry = &wagerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "wager",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "wager",
				Subsystem: "engine",
				Name:      "rejections_total",
				Help:      "Rejected engine operations segmented by error kind.",
			}, []string{"op", "kind"}),
		}
		counter, err := otel.Meter("wagerchain/engine").Int64Counter(
			"wager.engine.operations",
			metric.WithDescription("Engine operations segmented by operation and outcome."),
		)
		if err == nil {
			wagerRegistry.otelOps = counter
		}
		prometheus.MustRegister(wagerRegistry.operations, wagerRegistry.rejections)
	})
	return wagerRegistry
}

var _ wager.Observer = (*wagerMetrics)(nil)

// ObserveOperation implements wager.Observer.
func (m *wagerMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "rejected"
		m.rejections.WithLabelValues(op, wager.Kind(err)).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	if m.otelOps != nil {
		m.otelOps.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
}
