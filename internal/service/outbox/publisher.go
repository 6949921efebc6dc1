package outbox

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const aggregateTypeOrder = "order"

// Publisher реализует domain.EventPublisher, который не отправляет событие сразу,
// а сохраняет его в outbox. Доставку выполняет Worker.
type Publisher struct {
	repo domain.OutboxRepository
}

// NewPublisher создаёт publisher поверх outbox-репозитория.
func NewPublisher(repo domain.OutboxRepository) *Publisher {
	return &Publisher{repo: repo}
}

// Publish кладёт событие в outbox. ID сообщения совпадает с ID события,
// поэтому потребители могут дедуплицировать доставку по нему.
func (p *Publisher) Publish(ctx context.Context, event domain.Event) error {
	if p == nil || p.repo == nil {
		return fmt.Errorf("outbox publisher is not initialized")
	}
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.repo.Enqueue(ctx, domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: aggregateTypeOrder,
		AggregateID:   event.OrderID,
		EventType:     string(event.Type),
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s for order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

var _ domain.EventPublisher = (*Publisher)(nil)
