// Package promo implements the promotion registry: discount-code lookup and
// validation, and quantity-offer eligibility against a cart.
package promo

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"pharmapos/backend/internal/cache"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

type Registry struct {
	repo     store.Repository
	cache    cache.PromotionCache
	cacheTTL time.Duration
}

func NewRegistry(repo store.Repository, cacheStore cache.PromotionCache, cacheTTL time.Duration) *Registry {
	if cacheStore == nil {
		cacheStore = cache.NoopPromotionCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Registry{
		repo:     repo,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

// FindDiscountByCode resolves a code case-insensitively and checks its
// validity window. Unknown, inactive or out-of-window codes all surface as
// ErrInvalidPromotion so callers can report "invalid or expired".
func (r *Registry) FindDiscountByCode(ctx context.Context, code string, now time.Time) (*domain.DiscountCode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty discount code", store.ErrInvalidPromotion)
	}

	discount, found, err := r.cache.GetDiscount(ctx, normalized)
	if err != nil || !found {
		discount, err = r.repo.FindDiscountByCode(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("%w: code %s not recognized", store.ErrInvalidPromotion, normalized)
		}
		_ = r.cache.SetDiscount(ctx, normalized, discount, r.cacheTTL)
	}

	if !discount.WithinWindow(now) {
		return nil, fmt.Errorf("%w: code %s is not valid between %s and %s",
			store.ErrInvalidPromotion, discount.Code,
			discount.StartDate.Format("2006-01-02"), discount.EndDate.Format("2006-01-02"))
	}
	return discount, nil
}

// ValidateForCart applies the registry's eligibility rules: the subtotal must
// reach the code's minimum and, when a product scope is set, at least one
// cart line must be in scope.
func (r *Registry) ValidateForCart(discount *domain.DiscountCode, lines []domain.CartLine, subtotalCents int64) error {
	if discount.MinAmountCents > 0 && subtotalCents < discount.MinAmountCents {
		return fmt.Errorf("%w: code %s requires a subtotal of at least %d cents, cart has %d",
			store.ErrInvalidPromotion, discount.Code, discount.MinAmountCents, subtotalCents)
	}
	if len(discount.ProductScope) == 0 {
		return nil
	}
	for _, line := range lines {
		if discount.InScope(line.SKU) {
			return nil
		}
	}
	return fmt.Errorf("%w: code %s does not apply to any product in the cart", store.ErrInvalidPromotion, discount.Code)
}

// EligibleOffers returns the offers whose product is in the cart and whose
// validity window covers now. Lookups for the same SKU set hit the cache.
func (r *Registry) EligibleOffers(ctx context.Context, lines []domain.CartLine, now time.Time) ([]domain.QuantityOffer, error) {
	if len(lines) == 0 {
		return nil, nil
	}

	skus := make([]string, 0, len(lines))
	for _, line := range lines {
		skus = append(skus, line.SKU)
	}
	sort.Strings(skus)
	key := offersCacheKey(skus)

	offers, found, err := r.cache.GetOffers(ctx, key)
	if err != nil || !found {
		offers, err = r.repo.ListOffersForSKUs(ctx, skus)
		if err != nil {
			return nil, err
		}
		_ = r.cache.SetOffers(ctx, key, offers, r.cacheTTL)
	}

	eligible := make([]domain.QuantityOffer, 0, len(offers))
	for _, offer := range offers {
		if offer.WithinWindow(now) {
			eligible = append(eligible, offer)
		}
	}
	return eligible, nil
}

// GetOffer loads a specific offer and checks its window, for explicit
// apply-by-id requests.
func (r *Registry) GetOffer(ctx context.Context, id string, now time.Time) (*domain.QuantityOffer, error) {
	offer, err := r.repo.GetQuantityOffer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: offer %s not recognized", store.ErrInvalidPromotion, id)
	}
	if !offer.WithinWindow(now) {
		return nil, fmt.Errorf("%w: offer %s is not currently active", store.ErrInvalidPromotion, id)
	}
	return offer, nil
}

// ValidateOfferForCart checks that the offer's product is still present.
func (r *Registry) ValidateOfferForCart(offer *domain.QuantityOffer, lines []domain.CartLine) error {
	for _, line := range lines {
		if line.SKU == offer.ProductSKU {
			return nil
		}
	}
	return fmt.Errorf("%w: offer requires product %s in the cart", store.ErrInvalidPromotion, offer.ProductSKU)
}

// Suggest picks the eligible offer with the largest saving for the current
// cart, for display next to the cart totals.
func (r *Registry) Suggest(lines []domain.CartLine, offers []domain.QuantityOffer) *domain.OfferSuggestion {
	var best *domain.OfferSuggestion
	for _, offer := range offers {
		for _, line := range lines {
			free, savings := offer.Savings(line)
			if savings < 1 {
				continue
			}
			if best == nil || savings > best.SavingsCents {
				best = &domain.OfferSuggestion{
					Offer:        offer,
					ProductSKU:   line.SKU,
					FreeUnits:    free,
					SavingsCents: savings,
				}
			}
		}
	}
	return best
}

func offersCacheKey(sortedSKUs []string) string {
	sum := sha1.Sum([]byte(strings.Join(sortedSKUs, "|")))
	return hex.EncodeToString(sum[:])
}
