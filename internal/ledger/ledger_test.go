package ledger

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

func seedCustomer(t *testing.T, repo *memory.Store, points int) *domain.Customer {
	t.Helper()
	ctx := context.Background()

	customer, err := repo.CreateCustomer(ctx, domain.Customer{
		ID:       xid.New("cust"),
		Name:     "Test Customer",
		Phone:    "0555" + xid.New(""),
		JoinDate: time.Now().UTC(),
	})
	require.NoError(t, err)

	if points > 0 {
		_, err = repo.ApplyLoyaltyTransaction(ctx, domain.LoyaltyTransaction{
			ID:         xid.New("ltx"),
			CustomerID: customer.ID,
			Type:       domain.LoyaltyEarned,
			Points:     points,
			Timestamp:  time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	customer.Points = points
	return customer
}

func TestRedeem(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	ctx := context.Background()
	customer := seedCustomer(t, repo, 250)

	tx, updated, err := l.Redeem(ctx, customer.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, domain.LoyaltyRedeemed, tx.Type)
	assert.Equal(t, 200, tx.Points)
	// 100 points are worth 200 cents.
	assert.Equal(t, int64(400), tx.DiscountCents)
	assert.Equal(t, 50, updated.Points)
}

func TestRedeemBelowMinimum(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	customer := seedCustomer(t, repo, 250)

	_, _, err := l.Redeem(context.Background(), customer.ID, 99)
	require.ErrorIs(t, err, store.ErrInsufficientPoints)
}

func TestRedeemInsufficientBalance(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	customer := seedCustomer(t, repo, 150)

	_, _, err := l.Redeem(context.Background(), customer.ID, 200)
	require.ErrorIs(t, err, store.ErrInsufficientPoints)

	// The failed redemption must not have touched the balance.
	after, err := repo.GetCustomerByID(context.Background(), customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 150, after.Points)
}

func TestRestoreReturnsRedeemedPoints(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	ctx := context.Background()
	customer := seedCustomer(t, repo, 300)

	tx, _, err := l.Redeem(ctx, customer.ID, 200)
	require.NoError(t, err)

	restored, err := l.Restore(ctx, customer.ID, domain.Redemption{
		PointsRedeemed: tx.Points,
		DiscountCents:  tx.DiscountCents,
		TransactionID:  tx.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.LoyaltyRestoration, restored.Type)
	assert.Equal(t, 200, restored.Points)

	after, err := repo.GetCustomerByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 300, after.Points)
}

func TestRestoreRejectsEmptyRedemption(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	customer := seedCustomer(t, repo, 100)

	_, err := l.Restore(context.Background(), customer.ID, domain.Redemption{})
	require.ErrorIs(t, err, store.ErrInvalidRequest)
}

func TestEarnTransaction(t *testing.T) {
	l := New(memory.New())

	assert.Nil(t, l.EarnTransaction("", 5000), "walk-in sales earn nothing")
	assert.Nil(t, l.EarnTransaction("cust-1", 99), "totals under one earning unit yield no points")

	tx := l.EarnTransaction("cust-1", 4650)
	require.NotNil(t, tx)
	assert.Equal(t, domain.LoyaltyEarned, tx.Type)
	assert.Equal(t, 46, tx.Points)
}

func TestReconcile(t *testing.T) {
	repo := memory.New()
	l := New(repo)
	ctx := context.Background()
	customer := seedCustomer(t, repo, 500)

	tx, _, err := l.Redeem(ctx, customer.ID, 200)
	require.NoError(t, err)
	_, err = l.Restore(ctx, customer.ID, domain.Redemption{
		PointsRedeemed: tx.Points,
		DiscountCents:  tx.DiscountCents,
		TransactionID:  tx.ID,
	})
	require.NoError(t, err)

	result, err := l.Reconcile(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, result.Consistent)
	assert.Equal(t, 500, result.StoredPoints)
	assert.Equal(t, 500, result.ComputedPoints)
	assert.Equal(t, 3, result.Transactions)
}
