package domain

import (
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Pricing задаёт правила расчёта итоговой суммы заказа.
type Pricing struct {
	// ShippingFlatMinor — фиксированная стоимость доставки.
	ShippingFlatMinor int64
	// FreeShippingFromMinor — порог подытога, начиная с которого доставка бесплатна. 0 отключает порог.
	FreeShippingFromMinor int64
	// TaxRate — ставка налога (0.2 = 20%), применяется к подытогу за вычетом скидки.
	TaxRate decimal.Decimal
}

// Totals содержит рассчитанные суммы заказа в минимальных единицах.
type Totals struct {
	SubtotalMinor int64
	ShippingMinor int64
	TaxMinor      int64
	DiscountMinor int64
	TotalMinor    int64
}

// Compute считает суммы: total = subtotal + shipping + tax − discount.
func (p Pricing) Compute(items []OrderItem, discountMinor int64) (Totals, error) {
	subtotal, err := minorFromDecimal(lo.Reduce(items, func(acc decimal.Decimal, item OrderItem, _ int) decimal.Decimal {
		return acc.Add(item.lineTotal())
	}, decimal.Zero))
	if err != nil {
		return Totals{}, err
	}
	if discountMinor < 0 || discountMinor > subtotal {
		return Totals{}, ErrDiscountInvalid
	}

	shipping := p.ShippingFlatMinor
	if p.FreeShippingFromMinor > 0 && subtotal >= p.FreeShippingFromMinor {
		shipping = 0
	}

	taxable := decimal.NewFromInt(subtotal - discountMinor)
	taxExact := taxable.Mul(p.TaxRate).Round(0)
	tax, err := minorFromDecimal(taxExact)
	if err != nil {
		return Totals{}, err
	}
	total, err := minorFromDecimal(taxable.Add(decimal.NewFromInt(shipping)).Add(taxExact))
	if err != nil {
		return Totals{}, err
	}

	return Totals{
		SubtotalMinor: subtotal,
		ShippingMinor: shipping,
		TaxMinor:      tax,
		DiscountMinor: discountMinor,
		TotalMinor:    total,
	}, nil
}

// Apply переносит суммы в заказ.
func (t Totals) Apply(o *Order) {
	o.SubtotalMinor = t.SubtotalMinor
	o.ShippingMinor = t.ShippingMinor
	o.TaxMinor = t.TaxMinor
	o.DiscountMinor = t.DiscountMinor
	o.TotalMinor = t.TotalMinor
}
