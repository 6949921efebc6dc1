package outbox

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// BusRelay доставляет сообщения outbox во внутрипроцессную шину: payload декодируется
// обратно в событие и публикуется подписчикам.
type BusRelay struct {
	target domain.EventPublisher
}

// NewBusRelay создаёт relay в указанную шину.
func NewBusRelay(target domain.EventPublisher) *BusRelay {
	return &BusRelay{target: target}
}

func (r *BusRelay) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if r == nil || r.target == nil {
		return fmt.Errorf("outbox relay is not initialized")
	}
	event, err := domain.DecodeEvent(msg.Payload)
	if err != nil {
		return fmt.Errorf("relay outbox message %s: %w", msg.ID, err)
	}
	if event.ID == "" {
		event.ID = msg.ID
	}
	return r.target.Publish(ctx, event)
}

var _ domain.OutboxPublisher = (*BusRelay)(nil)
