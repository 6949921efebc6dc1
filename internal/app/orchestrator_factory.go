package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/resilience"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/saga"
	"github.com/vladislavdragonenkov/fulfillment/internal/tracing"
)

// appMetrics содержит коллекторы процесса, зарегистрированные в одном registerer.
type appMetrics struct {
	saga        *metrics.SagaMetrics
	inventory   *metrics.InventoryMetrics
	outbox      *metrics.OutboxMetrics
	idempotency *metrics.IdempotencyMetrics
}

func newAppMetrics(registerer prometheus.Registerer) appMetrics {
	return appMetrics{
		saga:        metrics.NewSagaMetricsWithRegisterer(registerer),
		inventory:   metrics.NewInventoryMetricsWithRegisterer(registerer),
		outbox:      metrics.NewOutboxMetricsWithRegisterer(registerer),
		idempotency: metrics.NewIdempotencyMetricsWithRegisterer(registerer),
	}
}

// newInventoryPolicy собирает retry и breaker склада. Смена состояния breaker
// попадает в метрику и во все переданные обработчики (gRPC health).
func newInventoryPolicy(cfg Config, m *metrics.InventoryMetrics, logger *log.Entry, listeners ...resilience.StateChangeFunc) *resilience.Policy {
	m.SetBreakerState("inventory", int(gobreaker.StateClosed))
	return resilience.New(cfg.InventoryPolicy(),
		resilience.WithLogger(logger.WithField("component", "inventory-policy")),
		resilience.WithFailurePredicate(inventory.IsFailure),
		resilience.WithStateChange(func(name string, from, to gobreaker.State) {
			m.SetBreakerState(name, int(to))
			for _, fn := range listeners {
				fn(name, from, to)
			}
		}),
	)
}

// newInventoryClient создаёт HTTP-клиент склада поверх policy.
func newInventoryClient(cfg Config, policy *resilience.Policy, m *metrics.InventoryMetrics, httpClient *http.Client, logger *log.Entry) *inventory.HTTPClient {
	opts := []inventory.ClientOption{
		inventory.WithMetrics(m),
		inventory.WithLogger(logger.WithField("component", "inventory-client")),
	}
	if httpClient != nil {
		opts = append(opts, inventory.WithHTTPClient(httpClient))
	}
	return inventory.NewHTTPClient(cfg.InventoryURL, policy, opts...)
}

// createOrchestrator создаёт сагу. Терминальные события уходят в publisher,
// в рабочем процессе это outbox.
func createOrchestrator(
	store domain.OrderStore,
	inv domain.InventoryClient,
	publisher domain.EventPublisher,
	m *metrics.SagaMetrics,
	logger *log.Entry,
) *saga.Orchestrator {
	return saga.NewOrchestrator(store, inv, publisher,
		saga.WithLogger(logger.WithField("component", "saga")),
		saga.WithMetrics(m),
		saga.WithTracer(tracing.Tracer()),
	)
}
