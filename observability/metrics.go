package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics records pool operation activity for the HTTP surface.
type PoolMetrics struct {
	operations  *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	utilization *prometheus.GaugeVec
}

var (
	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// Metrics returns the lazily-initialised pool metrics registry.
func Metrics() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Total pool operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "errors_total",
				Help:      "Total pool operation failures segmented by operation and HTTP status.",
			}, []string{"operation", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for pool operation handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "reserve_utilization_bps",
				Help:      "Current reserve utilization in basis points.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			poolRegistry.operations,
			poolRegistry.errors,
			poolRegistry.latency,
			poolRegistry.utilization,
		)
	})
	return poolRegistry
}

// Observe records the outcome of one pool operation. The status code should be
// the HTTP status ultimately written to the response.
func (m *PoolMetrics) Observe(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetUtilization publishes the latest utilization reading for a reserve.
func (m *PoolMetrics) SetUtilization(asset string, bps uint64) {
	if m == nil || asset == "" {
		return
	}
	m.utilization.WithLabelValues(asset).Set(float64(bps))
}
