package httpapi

import (
	"time"

	"github.com/samber/lo"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/orders"
)

type itemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	SKU       string `json:"sku"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type orderResponse struct {
	ID           string               `json:"id"`
	UserID       string               `json:"userId"`
	Status       string               `json:"status"`
	Currency     string               `json:"currency"`
	Items        []itemResponse       `json:"items"`
	ShippingInfo orders.ShippingInput `json:"shippingInfo"`
	Subtotal     int64                `json:"subtotal"`
	Shipping     int64                `json:"shipping"`
	Tax          int64                `json:"tax"`
	Discount     int64                `json:"discount"`
	TotalAmount  int64                `json:"totalAmount"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

type listResponse struct {
	Orders []orderResponse `json:"orders"`
}

type timelineEventResponse struct {
	EventID    string    `json:"eventId,omitempty"`
	Type       string    `json:"eventType"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type timelineResponse struct {
	OrderID string                  `json:"orderId"`
	Events  []timelineEventResponse `json:"events"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
	Details []string          `json:"details,omitempty"`
}

func toOrderResponse(order domain.Order) orderResponse {
	return orderResponse{
		ID:       order.ID,
		UserID:   order.UserID,
		Status:   string(order.Status),
		Currency: order.Currency,
		Items: lo.Map(order.Items, func(item domain.OrderItem, _ int) itemResponse {
			return itemResponse{
				ID:        item.ID,
				ProductID: item.ProductID,
				SKU:       item.SKU,
				Quantity:  item.Qty,
				UnitPrice: item.PriceMinor,
			}
		}),
		ShippingInfo: orders.ShippingInput(order.Shipping),
		Subtotal:     order.SubtotalMinor,
		Shipping:     order.ShippingMinor,
		Tax:          order.TaxMinor,
		Discount:     order.DiscountMinor,
		TotalAmount:  order.TotalMinor,
		CreatedAt:    order.CreatedAt,
		UpdatedAt:    order.UpdatedAt,
	}
}

func toTimelineResponse(orderID string, events []domain.TimelineEvent) timelineResponse {
	return timelineResponse{
		OrderID: orderID,
		Events: lo.Map(events, func(event domain.TimelineEvent, _ int) timelineEventResponse {
			return timelineEventResponse{
				EventID:    event.EventID,
				Type:       event.Type,
				Status:     event.Status,
				Reason:     event.Reason,
				OccurredAt: event.Occurred,
			}
		}),
	}
}
