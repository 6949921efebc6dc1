package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики саги исполнения заказа.
type SagaMetrics struct {
	// Счётчики запусков
	sagaStarted   prometheus.Counter
	sagaConfirmed prometheus.Counter
	sagaCancelled *prometheus.CounterVec
	sagaSkipped   prometheus.Counter
	sagaConflicts *prometheus.CounterVec

	// Компенсации (release) по результату
	compensations *prometheus.CounterVec

	// Гистограммы времени выполнения
	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	// Счётчики событий timeline и outbox
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Gauge для активных саг
	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт метрики в стандартном реестре.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в указанном реестре.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		sagaStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_started_total",
			Help: "Total number of fulfillment saga runs started",
		}),
		sagaConfirmed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_confirmed_total",
			Help: "Total number of orders confirmed by the saga",
		}),
		sagaCancelled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_cancelled_total",
			Help: "Total number of orders cancelled by the saga, by error kind",
		}, []string{"kind"}),
		sagaSkipped: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_skipped_total",
			Help: "Total number of saga runs skipped because the order was already resolved",
		}),
		sagaConflicts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_cas_conflicts_total",
			Help: "Total number of lost status compare-and-swap attempts",
		}, []string{"path"}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fulfillment_saga_compensations_total",
			Help: "Total number of inventory release calls made by the saga",
		}, []string{"result"}),
		sagaDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_saga_duration_seconds",
			Help:    "Duration of saga runs in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fulfillment_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "fulfillment_outbox_events_total",
			Help: "Total number of events enqueued to the outbox",
		}),
		activeSagas: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fulfillment_active_sagas",
			Help: "Number of currently running saga operations",
		}),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, name string, collector T) T {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register[prometheus.Counter](registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register[prometheus.Gauge](registerer, opts.Name, prometheus.NewGauge(opts))
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	return register(registerer, opts.Name, prometheus.NewGaugeVec(opts, labels))
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return register[prometheus.Histogram](registerer, opts.Name, prometheus.NewHistogram(opts))
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

// RecordSagaStarted увеличивает счётчик запущенных саг и число активных.
func (m *SagaMetrics) RecordSagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
	m.activeSagas.Inc()
}

// RecordSagaFinished фиксирует окончание запуска и его длительность.
func (m *SagaMetrics) RecordSagaFinished(duration time.Duration) {
	if m == nil {
		return
	}
	m.activeSagas.Dec()
	m.sagaDuration.Observe(duration.Seconds())
}

// RecordSagaConfirmed увеличивает счётчик подтверждённых заказов.
func (m *SagaMetrics) RecordSagaConfirmed() {
	if m == nil {
		return
	}
	m.sagaConfirmed.Inc()
}

// RecordSagaCancelled увеличивает счётчик отменённых заказов.
func (m *SagaMetrics) RecordSagaCancelled(kind string) {
	if m == nil {
		return
	}
	m.sagaCancelled.WithLabelValues(kind).Inc()
}

// RecordSagaSkipped учитывает повторную доставку для уже решённого заказа.
func (m *SagaMetrics) RecordSagaSkipped() {
	if m == nil {
		return
	}
	m.sagaSkipped.Inc()
}

// RecordCASConflict учитывает проигранный CAS на пути confirm или cancel.
func (m *SagaMetrics) RecordCASConflict(path string) {
	if m == nil {
		return
	}
	m.sagaConflicts.WithLabelValues(path).Inc()
}

// RecordCompensation фиксирует результат вызова Release.
func (m *SagaMetrics) RecordCompensation(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.compensations.WithLabelValues(result).Inc()
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *SagaMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SagaMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
