package domain_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:       "order-1",
		UserID:   "user-1",
		Status:   domain.OrderStatusPending,
		Currency: "USD",
		Items: []domain.OrderItem{
			{
				ID:         "item-1",
				ProductID:  "product-1",
				SKU:        "sku-1",
				Qty:        5,
				PriceMinor: 100,
			},
		},
		SubtotalMinor: 500,
		ShippingMinor: 50,
		TaxMinor:      10,
		DiscountMinor: 20,
		TotalMinor:    540,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{name: "no user", mut: func(o *domain.Order) { o.UserID = "" }, want: domain.ErrUserRequired},
		{name: "no currency", mut: func(o *domain.Order) { o.Currency = "" }, want: domain.ErrCurrencyRequired},
		{name: "bad currency", mut: func(o *domain.Order) { o.Currency = "XYZW" }, want: domain.ErrCurrencyInvalid},
		{name: "no items", mut: func(o *domain.Order) { o.Items = nil }, want: domain.ErrItemsRequired},
		{name: "no product", mut: func(o *domain.Order) { o.Items[0].ProductID = "" }, want: domain.ErrItemProductRequired},
		{name: "qty invalid", mut: func(o *domain.Order) { o.Items[0].Qty = 0 }, want: domain.ErrItemQtyInvalid},
		{name: "price invalid", mut: func(o *domain.Order) { o.Items[0].PriceMinor = -5 }, want: domain.ErrItemPriceInvalid},
		{name: "total mismatch", mut: func(o *domain.Order) { o.TotalMinor = 999 }, want: domain.ErrAmountMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder().Clone()
			tc.mut(&order)

			errs := order.ValidateInvariants()
			if !errors.Is(errors.Join(errs...), tc.want) {
				t.Fatalf("expected %v among %v", tc.want, errs)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	statuses := []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusCancelled}
	for _, from := range statuses {
		for _, to := range statuses {
			want := from == domain.OrderStatusPending && to != domain.OrderStatusPending
			if got := domain.CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestOrderClone_DoesNotShareItems(t *testing.T) {
	order := makeOrder()
	clone := order.Clone()
	clone.Items[0].Qty = 42
	if order.Items[0].Qty == 42 {
		t.Fatal("clone shares items with original")
	}
}

func TestPricingCompute(t *testing.T) {
	pricing := domain.Pricing{
		ShippingFlatMinor:     500,
		FreeShippingFromMinor: 10_000,
		TaxRate:               decimal.RequireFromString("0.2"),
	}
	items := []domain.OrderItem{
		{ProductID: "a", Qty: 2, PriceMinor: 1000},
		{ProductID: "b", Qty: 1, PriceMinor: 555},
	}

	totals, err := pricing.Compute(items, 55)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if totals.SubtotalMinor != 2555 {
		t.Fatalf("subtotal = %d", totals.SubtotalMinor)
	}
	if totals.ShippingMinor != 500 {
		t.Fatalf("shipping = %d", totals.ShippingMinor)
	}
	if totals.TaxMinor != 500 {
		t.Fatalf("tax = %d", totals.TaxMinor)
	}
	if totals.TotalMinor != 2555+500+500-55 {
		t.Fatalf("total = %d", totals.TotalMinor)
	}

	order := makeOrder()
	order.Items = items
	totals.Apply(&order)
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("computed totals violate invariants: %v", errs)
	}
}

func TestPricingCompute_FreeShippingAndDiscount(t *testing.T) {
	pricing := domain.Pricing{ShippingFlatMinor: 500, FreeShippingFromMinor: 1000}
	items := []domain.OrderItem{{ProductID: "a", Qty: 1, PriceMinor: 1000}}

	totals, err := pricing.Compute(items, 0)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if totals.ShippingMinor != 0 || totals.TaxMinor != 0 || totals.TotalMinor != 1000 {
		t.Fatalf("unexpected totals %+v", totals)
	}

	if _, err := pricing.Compute(items, 1001); !errors.Is(err, domain.ErrDiscountInvalid) {
		t.Fatalf("expected ErrDiscountInvalid, got %v", err)
	}
	if _, err := pricing.Compute(items, -1); !errors.Is(err, domain.ErrDiscountInvalid) {
		t.Fatalf("expected ErrDiscountInvalid, got %v", err)
	}
}

func TestOrderItemLineTotal_Overflow(t *testing.T) {
	item := domain.OrderItem{ProductID: "a", Qty: 4, PriceMinor: 1 << 62}
	if _, err := item.LineTotal(); !errors.Is(err, domain.ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}

	item.Qty = 1
	got, err := item.LineTotal()
	if err != nil || got != 1<<62 {
		t.Fatalf("LineTotal() = %d, %v", got, err)
	}
}

func TestPricingCompute_RejectsOverflow(t *testing.T) {
	pricing := domain.Pricing{ShippingFlatMinor: 500, TaxRate: decimal.RequireFromString("0.2")}
	cases := []struct {
		name  string
		items []domain.OrderItem
	}{
		{name: "single line", items: []domain.OrderItem{{ProductID: "a", Qty: 4, PriceMinor: 1 << 62}}},
		{name: "sum of lines", items: []domain.OrderItem{
			{ProductID: "a", Qty: 1, PriceMinor: math.MaxInt64},
			{ProductID: "b", Qty: 1, PriceMinor: 1},
		}},
		{name: "tax pushes total", items: []domain.OrderItem{{ProductID: "a", Qty: 1, PriceMinor: math.MaxInt64 - 10}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			totals, err := pricing.Compute(tc.items, 0)
			if !errors.Is(err, domain.ErrAmountOverflow) {
				t.Fatalf("expected ErrAmountOverflow, got %v (totals %+v)", err, totals)
			}
		})
	}
}

func TestOrderValidateInvariants_DetectsWrappedTotals(t *testing.T) {
	order := makeOrder()
	order.Items = []domain.OrderItem{{ProductID: "a", Qty: 4, PriceMinor: 1 << 62}}
	// 4 * 2^62 в int64 даёт 0, поэтому нулевые суммы выглядели бы согласованными.
	order.SubtotalMinor = 0
	order.ShippingMinor = 0
	order.TaxMinor = 0
	order.DiscountMinor = 0
	order.TotalMinor = 0

	errs := order.ValidateInvariants()
	if !errors.Is(errors.Join(errs...), domain.ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow among %v", errs)
	}
}
