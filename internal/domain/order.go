package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ принят, резервирование ещё не завершено.
	OrderStatusPending OrderStatus = "Pending"
	// OrderStatusConfirmed — все позиции зарезервированы, заказ подтверждён.
	OrderStatusConfirmed OrderStatus = "Confirmed"
	// OrderStatusCancelled — заказ отменён сагой.
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// IsTerminal сообщает, что из статуса нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusCancelled
}

// CanTransition проверяет допустимость перехода from → to.
// Разрешены только Pending → Confirmed и Pending → Cancelled.
func CanTransition(from, to OrderStatus) bool {
	return from == OrderStatusPending && to.IsTerminal()
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	// ID позиции нужен для однозначной идентификации и аудита.
	ID string
	// ProductID — идентификатор товара в сервисе склада.
	ProductID string
	// SKU — внешний артикул товара.
	SKU string
	// Qty — количество единиц товара.
	Qty int32
	// PriceMinor — цена за единицу в минимальных денежных единицах.
	PriceMinor int64
}

// LineTotal возвращает стоимость позиции или ErrAmountOverflow, если она не помещается в int64.
func (i OrderItem) LineTotal() (int64, error) {
	return minorFromDecimal(i.lineTotal())
}

func (i OrderItem) lineTotal() decimal.Decimal {
	return decimal.NewFromInt32(i.Qty).Mul(decimal.NewFromInt(i.PriceMinor))
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// minorFromDecimal переводит точную сумму в int64 без переполнения.
func minorFromDecimal(d decimal.Decimal) (int64, error) {
	if d.GreaterThan(maxMinor) || d.LessThan(minMinor) {
		return 0, ErrAmountOverflow
	}
	return d.IntPart(), nil
}

// ShippingInfo описывает адрес доставки, в расчётах не участвует.
type ShippingInfo struct {
	Name       string
	Address    string
	City       string
	PostalCode string
	Country    string
}

// Order агрегирует состояние заказа и его позиции.
// Позиции неизменяемы после создания, статус меняется только через OrderStore.TransitionStatus.
type Order struct {
	ID            string
	UserID        string
	Status        OrderStatus
	Currency      string
	Items         []OrderItem
	Shipping      ShippingInfo
	SubtotalMinor int64
	ShippingMinor int64
	TaxMinor      int64
	DiscountMinor int64
	TotalMinor    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	} else if _, err := currency.ParseISO(o.Currency); err != nil {
		errs = append(errs, ErrCurrencyInvalid)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	subtotal := decimal.Zero
	for _, item := range o.Items {
		if item.ProductID == "" {
			errs = append(errs, ErrItemProductRequired)
		}
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		subtotal = subtotal.Add(item.lineTotal())
	}
	if o.DiscountMinor < 0 {
		errs = append(errs, ErrDiscountInvalid)
	}
	if o.TotalMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	total := subtotal.
		Add(decimal.NewFromInt(o.ShippingMinor)).
		Add(decimal.NewFromInt(o.TaxMinor)).
		Sub(decimal.NewFromInt(o.DiscountMinor))
	switch {
	case subtotal.GreaterThan(maxMinor) || total.GreaterThan(maxMinor) || total.LessThan(minMinor):
		errs = append(errs, ErrAmountOverflow)
	case !subtotal.Equal(decimal.NewFromInt(o.SubtotalMinor)) || !total.Equal(decimal.NewFromInt(o.TotalMinor)):
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// Clone возвращает копию заказа, не разделяющую слайс позиций.
func (o Order) Clone() Order {
	items := make([]OrderItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}
