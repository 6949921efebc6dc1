package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InventoryMetrics содержит метрики вызовов склада и состояния circuit breaker.
type InventoryMetrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	breakerState *prometheus.GaugeVec
}

// NewInventoryMetrics создаёт метрики в стандартном реестре.
func NewInventoryMetrics() *InventoryMetrics {
	return NewInventoryMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewInventoryMetricsWithRegisterer создаёт метрики в указанном реестре.
func NewInventoryMetricsWithRegisterer(registerer prometheus.Registerer) *InventoryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &InventoryMetrics{
		calls: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_inventory_calls_total",
			Help: "Logical inventory calls by operation and result",
		}, []string{"operation", "result"}),
		callDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_inventory_call_duration_seconds",
			Help:    "Duration of logical inventory calls including retries",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		breakerState: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_circuit_breaker_state",
			Help: "Circuit breaker state per dependency: 0 closed, 1 half-open, 2 open",
		}, []string{"dependency"}),
	}
}

// RecordCall фиксирует логический вызов склада.
func (m *InventoryMetrics) RecordCall(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(operation, result).Inc()
	m.callDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBreakerState выставляет состояние breaker (значения совпадают с gobreaker.State).
func (m *InventoryMetrics) SetBreakerState(dependency string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(dependency).Set(float64(state))
}
