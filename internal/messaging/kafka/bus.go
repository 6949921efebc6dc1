package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// EventBus реализует domain.EventBus поверх Kafka. Публикация идёт в один topic
// с ключом orderId, подписчики вызываются из Handle, который передаётся в Consumer.
type EventBus struct {
	producer *Producer
	topic    string
	logger   *log.Entry

	mu       sync.RWMutex
	handlers map[domain.EventType][]domain.EventHandler
}

// NewEventBus создаёт шину. Пустой topic заменяется TopicOrderEvents.
func NewEventBus(producer *Producer, topic string, logger *log.Entry) *EventBus {
	if topic == "" {
		topic = TopicOrderEvents
	}
	if logger == nil {
		logger = log.WithField("component", "kafka-bus")
	}
	return &EventBus{
		producer: producer,
		topic:    topic,
		logger:   logger,
		handlers: make(map[domain.EventType][]domain.EventHandler),
	}
}

// Topic возвращает topic событий.
func (b *EventBus) Topic() string {
	return b.topic
}

// Publish кодирует событие в wire-формат и отправляет его в Kafka.
func (b *EventBus) Publish(ctx context.Context, event domain.Event) error {
	if b == nil || b.producer == nil {
		return errors.New("kafka event bus is not initialized")
	}
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.producer.Send(ctx, b.topic, event.OrderID, payload, eventHeaders(string(event.Type), event.ID))
}

// Subscribe регистрирует обработчик типа события.
func (b *EventBus) Subscribe(eventType domain.EventType, handler domain.EventHandler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Handle служит MessageHandler для Consumer: декодирует событие и вызывает всех подписчиков.
// Ошибка любого подписчика возвращает сообщение на повтор, поэтому подписчики обязаны быть идемпотентными.
func (b *EventBus) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	event, err := domain.DecodeEvent(message.Value)
	if err != nil {
		// Битое сообщение не исправится повтором, его заберёт DLQ.
		return fmt.Errorf("decode kafka message: %w", err)
	}

	b.mu.RLock()
	handlers := append([]domain.EventHandler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		b.logger.WithError(errors.Join(errs...)).WithFields(log.Fields{
			"event_type": event.Type,
			"order_id":   event.OrderID,
		}).Warn("event handler failed")
		return errors.Join(errs...)
	}
	return nil
}

func eventHeaders(eventType, eventID string) map[string]string {
	headers := map[string]string{HeaderEventType: eventType}
	if eventID != "" {
		headers[HeaderEventID] = eventID
	}
	return headers
}

var _ domain.EventBus = (*EventBus)(nil)
