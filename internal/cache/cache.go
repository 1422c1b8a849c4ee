package cache

import (
	"context"
	"time"

	"pharmapos/backend/internal/domain"
)

// PromotionCache shields the promotion registry's hot lookups (discount code
// by code, offers by cart SKU set) from repeated store reads.
type PromotionCache interface {
	GetDiscount(ctx context.Context, code string) (*domain.DiscountCode, bool, error)
	SetDiscount(ctx context.Context, code string, value *domain.DiscountCode, ttl time.Duration) error
	GetOffers(ctx context.Context, key string) ([]domain.QuantityOffer, bool, error)
	SetOffers(ctx context.Context, key string, offers []domain.QuantityOffer, ttl time.Duration) error
}

type NoopPromotionCache struct{}

func (NoopPromotionCache) GetDiscount(_ context.Context, _ string) (*domain.DiscountCode, bool, error) {
	return nil, false, nil
}

func (NoopPromotionCache) SetDiscount(_ context.Context, _ string, _ *domain.DiscountCode, _ time.Duration) error {
	return nil
}

func (NoopPromotionCache) GetOffers(_ context.Context, _ string) ([]domain.QuantityOffer, bool, error) {
	return nil, false, nil
}

func (NoopPromotionCache) SetOffers(_ context.Context, _ string, _ []domain.QuantityOffer, _ time.Duration) error {
	return nil
}
