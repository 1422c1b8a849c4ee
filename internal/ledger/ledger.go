// Package ledger manages customer loyalty balances. Every balance change
// flows through a LoyaltyTransaction applied by the store, keeping the
// denormalized Customer.Points consistent with the append-only log.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

type Ledger struct {
	repo store.Repository
}

func New(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Redeem converts points into a fixed cart discount. The redeemed
// transaction is written immediately; if the cart is later abandoned the
// matching restoration entry puts the points back.
func (l *Ledger) Redeem(ctx context.Context, customerID string, points int) (*domain.LoyaltyTransaction, *domain.Customer, error) {
	if points < domain.MinRedemptionPoints {
		return nil, nil, fmt.Errorf("%w: minimum redemption is %d points", store.ErrInsufficientPoints, domain.MinRedemptionPoints)
	}

	customer, err := l.repo.GetCustomerByID(ctx, customerID)
	if err != nil {
		return nil, nil, err
	}
	if customer.Points < points {
		return nil, nil, fmt.Errorf("%w: customer has %d points, requested %d", store.ErrInsufficientPoints, customer.Points, points)
	}

	tx := domain.LoyaltyTransaction{
		ID:            xid.New("ltx"),
		CustomerID:    customerID,
		Type:          domain.LoyaltyRedeemed,
		Points:        points,
		DiscountCents: int64(points) * domain.CentsPerPoint,
		Timestamp:     time.Now().UTC(),
	}
	updated, err := l.repo.ApplyLoyaltyTransaction(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("customer_id", customerID).
		Int("points", points).
		Int64("discount_cents", tx.DiscountCents).
		Msg("points redeemed")
	return &tx, updated, nil
}

// Restore puts a released redemption's points back on the customer. Called
// for every path that abandons a pending redemption before commit.
func (l *Ledger) Restore(ctx context.Context, customerID string, redemption domain.Redemption) (*domain.LoyaltyTransaction, error) {
	if customerID == "" || redemption.PointsRedeemed < 1 {
		return nil, store.ErrInvalidRequest
	}

	tx := domain.LoyaltyTransaction{
		ID:         xid.New("ltx"),
		CustomerID: customerID,
		Type:       domain.LoyaltyRestoration,
		Points:     redemption.PointsRedeemed,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := l.repo.ApplyLoyaltyTransaction(ctx, tx); err != nil {
		return nil, err
	}

	log.Info().
		Str("customer_id", customerID).
		Int("points", redemption.PointsRedeemed).
		Msg("redemption points restored")
	return &tx, nil
}

// EarnTransaction builds the earn entry for a commit: one point per whole
// currency unit of the final total. The store applies it inside the dispense
// transaction.
func (l *Ledger) EarnTransaction(customerID string, finalCents int64) *domain.LoyaltyTransaction {
	points := int(finalCents / domain.EarnCentsPerPoint)
	if customerID == "" || points < 1 {
		return nil
	}
	return &domain.LoyaltyTransaction{
		ID:         xid.New("ltx"),
		CustomerID: customerID,
		Type:       domain.LoyaltyEarned,
		Points:     points,
		Timestamp:  time.Now().UTC(),
	}
}

// Reconcile recomputes the balance from the transaction log and compares it
// with the stored denormalized value.
func (l *Ledger) Reconcile(ctx context.Context, customerID string) (domain.ReconcileResult, error) {
	customer, err := l.repo.GetCustomerByID(ctx, customerID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	txs, err := l.repo.ListLoyaltyTransactions(ctx, customerID, 0)
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	computed := 0
	for _, tx := range txs {
		switch tx.Type {
		case domain.LoyaltyEarned, domain.LoyaltyRestoration:
			computed += tx.Points
		case domain.LoyaltyRedeemed:
			computed -= tx.Points
		}
	}

	result := domain.ReconcileResult{
		CustomerID:     customerID,
		StoredPoints:   customer.Points,
		ComputedPoints: computed,
		Consistent:     customer.Points == computed,
		Transactions:   len(txs),
	}
	if !result.Consistent {
		log.Warn().
			Str("customer_id", customerID).
			Int("stored", result.StoredPoints).
			Int("computed", result.ComputedPoints).
			Msg("loyalty balance drift detected")
	}
	return result, nil
}
