package promo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/store/memory"
	"pharmapos/backend/internal/xid"
)

func seedDiscount(t *testing.T, repo *memory.Store, code domain.DiscountCode) *domain.DiscountCode {
	t.Helper()
	if code.ID == "" {
		code.ID = xid.New("disc")
	}
	created, err := repo.CreateDiscountCode(context.Background(), code)
	require.NoError(t, err)
	return created
}

func seedOffer(t *testing.T, repo *memory.Store, offer domain.QuantityOffer) *domain.QuantityOffer {
	t.Helper()
	if offer.ID == "" {
		offer.ID = xid.New("offer")
	}
	created, err := repo.CreateQuantityOffer(context.Background(), offer)
	require.NoError(t, err)
	return created
}

func window(now time.Time) (time.Time, time.Time) {
	return now.Add(-24 * time.Hour), now.Add(24 * time.Hour)
}

func TestFindDiscountByCodeCaseInsensitive(t *testing.T) {
	repo := memory.New()
	r := NewRegistry(repo, nil, 0)
	now := time.Now().UTC()
	start, end := window(now)

	seedDiscount(t, repo, domain.DiscountCode{
		Code: "WELCOME10", Type: domain.DiscountPercentage, Value: 10,
		StartDate: start, EndDate: end, Active: true,
	})

	found, err := r.FindDiscountByCode(context.Background(), "  welcome10 ", now)
	require.NoError(t, err)
	assert.Equal(t, "WELCOME10", found.Code)
}

func TestFindDiscountByCodeUnknown(t *testing.T) {
	r := NewRegistry(memory.New(), nil, 0)

	_, err := r.FindDiscountByCode(context.Background(), "NOPE", time.Now().UTC())
	require.ErrorIs(t, err, store.ErrInvalidPromotion)
}

func TestFindDiscountByCodeOutsideWindow(t *testing.T) {
	repo := memory.New()
	r := NewRegistry(repo, nil, 0)
	now := time.Now().UTC()

	seedDiscount(t, repo, domain.DiscountCode{
		Code: "EXPIRED", Type: domain.DiscountFixed, Value: 500,
		StartDate: now.Add(-48 * time.Hour), EndDate: now.Add(-24 * time.Hour), Active: true,
	})

	_, err := r.FindDiscountByCode(context.Background(), "EXPIRED", now)
	require.ErrorIs(t, err, store.ErrInvalidPromotion)
}

func TestValidateForCartMinimumAmount(t *testing.T) {
	r := NewRegistry(memory.New(), nil, 0)
	discount := &domain.DiscountCode{
		Code: "MIN", Type: domain.DiscountFixed, Value: 500, MinAmountCents: 3000,
	}
	lines := []domain.CartLine{{SKU: "PARA-500", UnitPriceCents: 1200, Quantity: 2}}

	err := r.ValidateForCart(discount, lines, 2400)
	require.ErrorIs(t, err, store.ErrInvalidPromotion)

	require.NoError(t, r.ValidateForCart(discount, lines, 3600))
}

func TestValidateForCartProductScope(t *testing.T) {
	r := NewRegistry(memory.New(), nil, 0)
	discount := &domain.DiscountCode{
		Code: "ANTIBIO15", Type: domain.DiscountPercentage, Value: 15,
		ProductScope: []string{"AMOX-500"},
	}

	err := r.ValidateForCart(discount, []domain.CartLine{
		{SKU: "PARA-500", UnitPriceCents: 1200, Quantity: 2},
	}, 2400)
	require.ErrorIs(t, err, store.ErrInvalidPromotion)

	// One in-scope line unlocks the code for the whole cart.
	require.NoError(t, r.ValidateForCart(discount, []domain.CartLine{
		{SKU: "PARA-500", UnitPriceCents: 1200, Quantity: 2},
		{SKU: "AMOX-500", UnitPriceCents: 2850, Quantity: 1},
	}, 5250))
}

func TestEligibleOffers(t *testing.T) {
	repo := memory.New()
	r := NewRegistry(repo, nil, 0)
	now := time.Now().UTC()
	start, end := window(now)

	live := seedOffer(t, repo, domain.QuantityOffer{
		Type: domain.OfferBOGO, ProductSKU: "VITC-500",
		StartDate: start, EndDate: end, Active: true,
	})
	seedOffer(t, repo, domain.QuantityOffer{
		Type: domain.OfferB2G1, ProductSKU: "VITC-500",
		StartDate: now.Add(-48 * time.Hour), EndDate: now.Add(-24 * time.Hour), Active: true,
	})
	seedOffer(t, repo, domain.QuantityOffer{
		Type: domain.OfferBOGO, ProductSKU: "PARA-500",
		StartDate: start, EndDate: end, Active: true,
	})

	offers, err := r.EligibleOffers(context.Background(), []domain.CartLine{
		{SKU: "VITC-500", UnitPriceCents: 1000, Quantity: 2},
	}, now)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, live.ID, offers[0].ID)

	// An empty cart has nothing to match against.
	offers, err = r.EligibleOffers(context.Background(), nil, now)
	require.NoError(t, err)
	assert.Empty(t, offers)
}

func TestGetOffer(t *testing.T) {
	repo := memory.New()
	r := NewRegistry(repo, nil, 0)
	now := time.Now().UTC()

	stale := seedOffer(t, repo, domain.QuantityOffer{
		Type: domain.OfferBOGO, ProductSKU: "VITC-500",
		StartDate: now.Add(-48 * time.Hour), EndDate: now.Add(-24 * time.Hour), Active: true,
	})

	_, err := r.GetOffer(context.Background(), stale.ID, now)
	require.ErrorIs(t, err, store.ErrInvalidPromotion)

	_, err = r.GetOffer(context.Background(), "offer-missing", now)
	require.Error(t, err)
}

func TestValidateOfferForCart(t *testing.T) {
	r := NewRegistry(memory.New(), nil, 0)
	offer := &domain.QuantityOffer{Type: domain.OfferBOGO, ProductSKU: "VITC-500"}

	err := r.ValidateOfferForCart(offer, []domain.CartLine{
		{SKU: "PARA-500", UnitPriceCents: 1200, Quantity: 2},
	})
	require.ErrorIs(t, err, store.ErrInvalidPromotion)

	require.NoError(t, r.ValidateOfferForCart(offer, []domain.CartLine{
		{SKU: "VITC-500", UnitPriceCents: 1000, Quantity: 2},
	}))
}

func TestSuggestPicksLargestSavings(t *testing.T) {
	r := NewRegistry(memory.New(), nil, 0)
	lines := []domain.CartLine{
		{SKU: "VITC-500", UnitPriceCents: 1000, Quantity: 4},
		{SKU: "AMOX-500", UnitPriceCents: 2850, Quantity: 3},
	}
	offers := []domain.QuantityOffer{
		{ID: "offer-a", Type: domain.OfferBOGO, ProductSKU: "VITC-500"},
		{ID: "offer-b", Type: domain.OfferB2G1, ProductSKU: "AMOX-500"},
	}

	s := r.Suggest(lines, offers)
	require.NotNil(t, s)
	// One free AMOX-500 (2850) beats two free VITC-500 (2000).
	assert.Equal(t, "offer-b", s.Offer.ID)
	assert.Equal(t, 1, s.FreeUnits)
	assert.Equal(t, int64(2850), s.SavingsCents)

	// Below any divisor threshold nothing is worth suggesting.
	assert.Nil(t, r.Suggest([]domain.CartLine{
		{SKU: "VITC-500", UnitPriceCents: 1000, Quantity: 1},
	}, offers))
}
