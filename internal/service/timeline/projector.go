package timeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
)

// Projector складывает доменные события заказа в TimelineRepository.
// Повторная доставка события не создаёт дубль: репозиторий дедуплицирует по EventID.
type Projector struct {
	repo    domain.TimelineRepository
	metrics *metrics.SagaMetrics
	logger  *log.Entry
}

// NewProjector создаёт проектор таймлайна.
func NewProjector(repo domain.TimelineRepository, m *metrics.SagaMetrics, logger *log.Entry) *Projector {
	if logger == nil {
		logger = log.New().WithField("component", "timeline-projector")
	}
	return &Projector{repo: repo, metrics: m, logger: logger}
}

// Register подписывает проектор на все типы событий заказа.
func (p *Projector) Register(bus domain.EventBus) {
	for _, eventType := range domain.EventTypes {
		bus.Subscribe(eventType, p.Handle)
	}
}

// Handle реализует domain.EventHandler.
func (p *Projector) Handle(ctx context.Context, event domain.Event) error {
	if err := p.repo.Append(ctx, domain.TimelineEventFrom(event)); err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"order_id":   event.OrderID,
			"event_type": event.Type,
		}).Warn("failed to append timeline event")
		return fmt.Errorf("append timeline event %s: %w", event.ID, err)
	}
	p.metrics.RecordTimelineEvent()
	return nil
}
