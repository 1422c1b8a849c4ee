package domain

import (
	"math"
	"time"
)

// WithinWindow reports whether the code is usable at the given instant:
// active and startDate <= now < endDate.
func (d DiscountCode) WithinWindow(now time.Time) bool {
	return d.Active && !now.Before(d.StartDate) && now.Before(d.EndDate)
}

// DiscountCents computes the code's reduction against the original subtotal.
// Percentage values are rounded to the nearest cent; fixed values are taken
// as cents. The result is capped at MaxAmountCents when set and never
// exceeds the subtotal.
func (d DiscountCode) DiscountCents(subtotalCents int64) int64 {
	if subtotalCents <= 0 {
		return 0
	}

	var discount int64
	switch d.Type {
	case DiscountPercentage:
		discount = int64(math.Round(float64(subtotalCents) * d.Value / 100))
	case DiscountFixed:
		discount = int64(math.Round(d.Value))
	default:
		return 0
	}

	if d.MaxAmountCents > 0 && discount > d.MaxAmountCents {
		discount = d.MaxAmountCents
	}
	if discount > subtotalCents {
		discount = subtotalCents
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}

// InScope reports whether the SKU is covered by the code's product scope.
// An empty scope covers every product.
func (d DiscountCode) InScope(sku string) bool {
	if len(d.ProductScope) == 0 {
		return true
	}
	for _, scoped := range d.ProductScope {
		if scoped == sku {
			return true
		}
	}
	return false
}

func (o QuantityOffer) WithinWindow(now time.Time) bool {
	return o.Active && !now.Before(o.StartDate) && now.Before(o.EndDate)
}

// ratioDivisor is the purchased-unit count that grants one free (or
// half-price) unit.
func (o QuantityOffer) ratioDivisor() int {
	switch o.Type {
	case OfferBOGO, OfferBOGOH:
		return 2
	case OfferB2G1:
		return 3
	case OfferB3G1:
		return 4
	default:
		return 0
	}
}

// Savings computes the offer's free units and saving for a cart line. Lines
// for other products yield zero.
func (o QuantityOffer) Savings(line CartLine) (freeUnits int, cents int64) {
	if line.SKU != o.ProductSKU || line.Quantity < 1 {
		return 0, 0
	}
	divisor := o.ratioDivisor()
	if divisor == 0 {
		return 0, 0
	}

	freeUnits = line.Quantity / divisor
	cents = int64(freeUnits) * line.UnitPriceCents
	if o.Type == OfferBOGOH {
		cents /= 2
	}
	return freeUnits, cents
}

// ValidOfferType reports whether t names a known quantity-offer pattern.
func ValidOfferType(t string) bool {
	switch t {
	case OfferBOGO, OfferBOGOH, OfferB2G1, OfferB3G1:
		return true
	}
	return false
}
