package domain

import (
	"context"
	"time"
)

// ProductAvailability описывает снимок состояния товара на складе. Не кешируется.
type ProductAvailability struct {
	ProductID     string
	SKU           string
	PriceMinor    int64
	StockQuantity int
	IsActive      bool
}

// InventoryClient описывает взаимодействие с сервисом склада.
// orderID передаётся складу для дедупликации резервов и компенсаций.
type InventoryClient interface {
	// CheckAvailability не меняет состояние склада.
	CheckAvailability(ctx context.Context, productID string, qty int32) (bool, error)
	// Reserve резервирует товар. accepted=false означает, что склад отказал (сток закончился).
	Reserve(ctx context.Context, orderID, productID string, qty int32) (accepted bool, remainingStock int, err error)
	// Release снимает резерв (компенсация). Повторный вызов не возвращает товар дважды.
	Release(ctx context.Context, orderID, productID string, qty int32) error
}

// EventHandler обрабатывает доставленное событие. Должен быть идемпотентным:
// доставка at-least-once, одно событие может прийти несколько раз.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher публикует доменные события.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventBus реализует publish/subscribe по типу события с доставкой at-least-once.
type EventBus interface {
	EventPublisher
	Subscribe(eventType EventType, handler EventHandler)
}

// OutboxPublisher отправляет сообщения outbox во внешний транспорт; должен быть идемпотентным.
type OutboxPublisher interface {
	Publish(ctx context.Context, msg OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит ключи идемпотентности запросов создания заказа.
type IdempotencyRepository interface {
	// CreateProcessing занимает ключ. Если ключ уже есть, возвращает существующую запись
	// и ErrIdempotencyKeyAlreadyExists или ErrIdempotencyHashMismatch.
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	// DeleteExpired удаляет не больше limit записей с ttl <= before.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepCheck   SagaStep = "check"
	SagaStepReserve SagaStep = "reserve"
	SagaStepRelease SagaStep = "release"
	SagaStepConfirm SagaStep = "confirm"
	SagaStepCancel  SagaStep = "cancel"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Attempts      int
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
