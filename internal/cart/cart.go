// Package cart implements the dispensing cart: an ordered set of lines plus
// at most one active redemption, one discount code and one quantity offer.
// Totals composition follows a fixed layer order; every mutation enforces the
// stock ceiling of the referenced product.
package cart

import (
	"fmt"
	"time"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

type Cart struct {
	id         string
	pharmacyID string
	staffID    string
	customerID string
	lines      []domain.CartLine
	redemption *domain.Redemption
	discount   *domain.DiscountCode
	offer      *domain.QuantityOffer
	updatedAt  time.Time
}

func newCart(id string, pharmacyID string, staffID string, now time.Time) *Cart {
	return &Cart{
		id:         id,
		pharmacyID: pharmacyID,
		staffID:    staffID,
		lines:      make([]domain.CartLine, 0, 8),
		updatedAt:  now,
	}
}

func (c *Cart) ID() string         { return c.id }
func (c *Cart) PharmacyID() string { return c.pharmacyID }
func (c *Cart) StaffID() string    { return c.staffID }
func (c *Cart) CustomerID() string { return c.customerID }
func (c *Cart) Empty() bool        { return len(c.lines) == 0 }

func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Redemption() *domain.Redemption {
	if c.redemption == nil {
		return nil
	}
	r := *c.redemption
	return &r
}

func (c *Cart) Discount() *domain.DiscountCode {
	if c.discount == nil {
		return nil
	}
	d := *c.discount
	return &d
}

func (c *Cart) Offer() *domain.QuantityOffer {
	if c.offer == nil {
		return nil
	}
	o := *c.offer
	return &o
}

func (c *Cart) touch() {
	c.updatedAt = time.Now().UTC()
}

// AddItem adds qty units of the product, merging into an existing line for
// the same SKU. The resulting quantity must not exceed the product's current
// stock; violations leave the cart unchanged.
func (c *Cart) AddItem(product domain.Product, qty int) error {
	if qty < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidRequest)
	}
	if product.CurrentStock <= 0 {
		return fmt.Errorf("%w: %s", store.ErrOutOfStock, product.Name)
	}

	for i := range c.lines {
		if c.lines[i].SKU != product.SKU {
			continue
		}
		next := c.lines[i].Quantity + qty
		if next > product.CurrentStock {
			return fmt.Errorf("%w: %s has %d in stock, cart would hold %d",
				store.ErrInsufficientStock, product.Name, product.CurrentStock, next)
		}
		c.lines[i].Quantity = next
		c.touch()
		return nil
	}

	if qty > product.CurrentStock {
		return fmt.Errorf("%w: %s has %d in stock, requested %d",
			store.ErrInsufficientStock, product.Name, product.CurrentStock, qty)
	}

	c.lines = append(c.lines, domain.CartLine{
		ProductID:      product.ID,
		SKU:            product.SKU,
		Name:           product.Name,
		UnitPriceCents: product.PriceCents,
		Quantity:       qty,
	})
	c.touch()
	return nil
}

// RemoveItem deletes the line for the SKU. Removing the last line releases
// the active promotions; the released redemption (if any) is returned so the
// caller can restore its points.
func (c *Cart) RemoveItem(sku string) (*domain.Redemption, error) {
	idx := -1
	for i := range c.lines {
		if c.lines[i].SKU == sku {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: no cart line for sku %s", store.ErrNotFound, sku)
	}

	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	c.touch()
	if len(c.lines) == 0 {
		return c.releasePromotions(), nil
	}
	return nil, nil
}

// UpdateQuantity sets the line's quantity. A quantity of zero or less is
// equivalent to RemoveItem. Quantities above the product's current stock are
// rejected and the line is left unchanged.
func (c *Cart) UpdateQuantity(product domain.Product, qty int) (*domain.Redemption, error) {
	if qty <= 0 {
		return c.RemoveItem(product.SKU)
	}
	if qty > product.CurrentStock {
		return nil, fmt.Errorf("%w: %s has %d in stock, requested %d",
			store.ErrInsufficientStock, product.Name, product.CurrentStock, qty)
	}

	for i := range c.lines {
		if c.lines[i].SKU == product.SKU {
			c.lines[i].Quantity = qty
			c.touch()
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: no cart line for sku %s", store.ErrNotFound, product.SKU)
}

// Clear empties the cart and releases every active promotion. The released
// redemption (if any) is returned for point restoration.
func (c *Cart) Clear() *domain.Redemption {
	c.lines = c.lines[:0]
	c.touch()
	return c.releasePromotions()
}

// releasePromotions is the single release path invoked by every transition
// that would otherwise orphan an outstanding redemption (cart cleared, last
// item removed, session expired, explicit cancel).
func (c *Cart) releasePromotions() *domain.Redemption {
	released := c.redemption
	c.redemption = nil
	c.discount = nil
	c.offer = nil
	return released
}

func (c *Cart) AttachCustomer(customerID string) {
	c.customerID = customerID
	c.touch()
}

// DetachCustomer deselects the customer. An outstanding redemption belongs to
// that customer and is released for restoration; code and offer survive.
func (c *Cart) DetachCustomer() *domain.Redemption {
	c.customerID = ""
	c.touch()
	released := c.redemption
	c.redemption = nil
	return released
}

// SetRedemption attaches the redemption. At most one may be active.
func (c *Cart) SetRedemption(r domain.Redemption) error {
	if c.redemption != nil {
		return fmt.Errorf("%w: a redemption is already applied", store.ErrInvalidRequest)
	}
	c.redemption = &r
	c.touch()
	return nil
}

// ApplyRedemption attaches the redemption and captures the resulting final
// total on it.
func (c *Cart) ApplyRedemption(r domain.Redemption) (*domain.Redemption, error) {
	if err := c.SetRedemption(r); err != nil {
		return nil, err
	}
	c.redemption.NewTotalCents = c.Totals().FinalCents
	applied := *c.redemption
	return &applied, nil
}

// CancelRedemption detaches and returns the active redemption, if any.
func (c *Cart) CancelRedemption() *domain.Redemption {
	released := c.redemption
	c.redemption = nil
	c.touch()
	return released
}

func (c *Cart) SetDiscount(d domain.DiscountCode) error {
	if c.discount != nil {
		return fmt.Errorf("%w: discount code %s is already applied", store.ErrInvalidRequest, c.discount.Code)
	}
	c.discount = &d
	c.touch()
	return nil
}

func (c *Cart) RemoveDiscount() {
	c.discount = nil
	c.touch()
}

func (c *Cart) SetOffer(o domain.QuantityOffer) error {
	if c.offer != nil {
		return fmt.Errorf("%w: an offer is already applied", store.ErrInvalidRequest)
	}
	c.offer = &o
	c.touch()
	return nil
}

func (c *Cart) RemoveOffer() {
	c.offer = nil
	c.touch()
}

// Totals composes the active promotion layers in fixed order: subtotal, then
// redemption (its amount was captured at redemption time), then discount code
// (computed against the original subtotal), then quantity offer (computed
// from the matching line). The running total is floored at zero after each
// layer, so the final total never goes negative and never exceeds the
// subtotal. The method is pure: repeated calls without mutation return
// identical values.
func (c *Cart) Totals() domain.Totals {
	var t domain.Totals
	for _, line := range c.lines {
		t.SubtotalCents += line.UnitPriceCents * int64(line.Quantity)
	}

	running := t.SubtotalCents

	if c.redemption != nil {
		t.RedemptionCents = c.redemption.DiscountCents
		running -= t.RedemptionCents
		if running < 0 {
			running = 0
		}
	}

	if c.discount != nil {
		t.CodeDiscountCents = c.discount.DiscountCents(t.SubtotalCents)
		running -= t.CodeDiscountCents
		if running < 0 {
			running = 0
		}
	}

	if c.offer != nil {
		for _, line := range c.lines {
			_, savings := c.offer.Savings(line)
			t.OfferSavingsCents += savings
		}
		running -= t.OfferSavingsCents
		if running < 0 {
			running = 0
		}
	}

	t.FinalCents = running
	return t
}

// AppliedDiscount snapshots the active code and its computed amount for the
// dispensing record.
func (c *Cart) AppliedDiscount() *domain.AppliedDiscount {
	if c.discount == nil {
		return nil
	}
	subtotal := int64(0)
	for _, line := range c.lines {
		subtotal += line.UnitPriceCents * int64(line.Quantity)
	}
	return &domain.AppliedDiscount{
		Code:        c.discount.Code,
		Type:        c.discount.Type,
		AmountCents: c.discount.DiscountCents(subtotal),
	}
}

// AppliedOffer snapshots the active offer's free units and saving for the
// dispensing record.
func (c *Cart) AppliedOffer() *domain.AppliedOffer {
	if c.offer == nil {
		return nil
	}
	applied := &domain.AppliedOffer{
		OfferID:    c.offer.ID,
		Type:       c.offer.Type,
		ProductSKU: c.offer.ProductSKU,
	}
	for _, line := range c.lines {
		free, savings := c.offer.Savings(line)
		applied.FreeUnits += free
		applied.SavingsCents += savings
	}
	return applied
}

// View builds the display projection returned after every mutation.
func (c *Cart) View() domain.CartView {
	return domain.CartView{
		CartID:     c.id,
		PharmacyID: c.pharmacyID,
		StaffID:    c.staffID,
		CustomerID: c.customerID,
		Lines:      c.Lines(),
		Redemption: c.Redemption(),
		Discount:   c.AppliedDiscount(),
		Offer:      c.AppliedOffer(),
		Totals:     c.Totals(),
	}
}
