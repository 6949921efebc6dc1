package domain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// EventType задаёт тип доменного события заказа.
type EventType string

const (
	EventOrderCreated       EventType = "OrderCreated"
	EventOrderStatusChanged EventType = "OrderStatusChanged"
	EventOrderCancelled     EventType = "OrderCancelled"
)

// EventTypes перечисляет все известные типы событий.
var EventTypes = []EventType{EventOrderCreated, EventOrderStatusChanged, EventOrderCancelled}

// EventItem описывает позицию заказа в событии.
type EventItem struct {
	ProductID string `json:"productId"`
	SKU       string `json:"sku"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// Event описывает доменное событие в формате, который уходит в шину.
// Неизвестные поля при декодировании игнорируются.
type Event struct {
	ID             string      `json:"eventId,omitempty"`
	Type           EventType   `json:"eventType"`
	OrderID        string      `json:"orderId"`
	OccurredAt     time.Time   `json:"occurredAt"`
	Items          []EventItem `json:"items"`
	Status         string      `json:"status,omitempty"`
	PreviousStatus string      `json:"previousStatus,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

// Marshal кодирует событие в JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent разбирает событие и проверяет обязательные поля.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("decode event: eventType is required")
	}
	if event.OrderID == "" {
		return Event{}, fmt.Errorf("decode event: %w", ErrOrderIDRequired)
	}
	return event, nil
}

// EventItemsFrom переводит позиции заказа в позиции события.
func EventItemsFrom(items []OrderItem) []EventItem {
	return lo.Map(items, func(item OrderItem, _ int) EventItem {
		return EventItem{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Quantity:  item.Qty,
			UnitPrice: item.PriceMinor,
		}
	})
}

// NewOrderCreated строит событие создания заказа.
func NewOrderCreated(order Order, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       EventOrderCreated,
		OrderID:    order.ID,
		OccurredAt: at,
		Items:      EventItemsFrom(order.Items),
		Status:     string(OrderStatusPending),
	}
}

// NewOrderStatusChanged строит событие смены статуса.
func NewOrderStatusChanged(order Order, from, to OrderStatus, reason string, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           EventOrderStatusChanged,
		OrderID:        order.ID,
		OccurredAt:     at,
		Items:          EventItemsFrom(order.Items),
		Status:         string(to),
		PreviousStatus: string(from),
		Reason:         reason,
	}
}

// NewOrderCancelled строит событие отмены заказа.
func NewOrderCancelled(order Order, reason string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       EventOrderCancelled,
		OrderID:    order.ID,
		OccurredAt: at,
		Items:      EventItemsFrom(order.Items),
		Status:     string(OrderStatusCancelled),
		Reason:     reason,
	}
}

// EventClock выдаёт строго возрастающие отметки occurredAt в пределах одного заказа.
// Шаг равен микросекунде, чтобы порядок сохранялся в хранилищах с такой точностью.
type EventClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last map[string]time.Time
}

// NewEventClock создаёт часы; now == nil означает time.Now.
func NewEventClock(now func() time.Time) *EventClock {
	if now == nil {
		now = time.Now
	}
	return &EventClock{now: now, last: make(map[string]time.Time)}
}

// Next возвращает отметку, большую предыдущей отметки заказа и floor.
func (c *EventClock) Next(orderID string, floor time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UTC().Truncate(time.Microsecond)
	if prev, ok := c.last[orderID]; ok && !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	if !floor.IsZero() && !ts.After(floor) {
		ts = floor.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	c.last[orderID] = ts
	return ts
}

// Forget убирает заказ из часов после терминального события.
func (c *EventClock) Forget(orderID string) {
	c.mu.Lock()
	delete(c.last, orderID)
	c.mu.Unlock()
}
