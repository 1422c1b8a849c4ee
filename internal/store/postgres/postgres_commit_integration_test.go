package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

func TestCommitDeductsStockAndSettlesLoyalty(t *testing.T) {
	databaseURL := os.Getenv("PHARMAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PHARMAPOS_TEST_DATABASE_URL to run the postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	pharmacyID := "main-pharmacy"
	sku := fmt.Sprintf("SKU-IT-%d", stamp)
	customerID := fmt.Sprintf("cust-it-%d", stamp)
	dispenseID := fmt.Sprintf("disp-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM dispenses WHERE id = $1`, dispenseID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM loyalty_transactions WHERE customer_id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE pharmacy_id = $1 AND sku = $2`, pharmacyID, sku)
	})

	product, err := s.CreateProduct(ctx, domain.Product{
		ID:           fmt.Sprintf("prod-it-%d", stamp),
		SKU:          sku,
		Name:         "Integration Capsule",
		Category:     "test",
		PharmacyID:   pharmacyID,
		PriceCents:   1500,
		CurrentStock: 10,
		MinStock:     2,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	customer, err := s.CreateCustomer(ctx, domain.Customer{
		ID:       customerID,
		Name:     "Integration Customer",
		Phone:    fmt.Sprintf("0599%d", stamp%1000000),
		JoinDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if _, err := s.ApplyLoyaltyTransaction(ctx, domain.LoyaltyTransaction{
		ID:         fmt.Sprintf("ltx-seed-%d", stamp),
		CustomerID: customer.ID,
		Type:       domain.LoyaltyEarned,
		Points:     200,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed points: %v", err)
	}

	redeemID := fmt.Sprintf("ltx-redeem-%d", stamp)
	if _, err := s.ApplyLoyaltyTransaction(ctx, domain.LoyaltyTransaction{
		ID:            redeemID,
		CustomerID:    customer.ID,
		Type:          domain.LoyaltyRedeemed,
		Points:        100,
		DiscountCents: 200,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("redeem points: %v", err)
	}

	// Requesting more than the shelf holds aborts with the per-line detail
	// and leaves the stock untouched.
	_, err = s.CreateDispense(ctx, domain.DispensingRecord{
		ID:         dispenseID,
		Timestamp:  time.Now().UTC(),
		Items:      []domain.CartLine{{ProductID: product.ID, SKU: sku, Name: product.Name, UnitPriceCents: 1500, Quantity: 25}},
		PharmacyID: pharmacyID,
		StaffID:    "pharmacist",
	}, nil, "")
	var conflict *store.StockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected a stock conflict, got %v", err)
	}
	if len(conflict.Lines) != 1 || conflict.Lines[0].Available != 10 {
		t.Fatalf("unexpected conflict lines: %+v", conflict.Lines)
	}
	untouched, err := s.GetProductBySKU(ctx, pharmacyID, sku)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if untouched.CurrentStock != 10 {
		t.Fatalf("stock after aborted commit = %d, want 10", untouched.CurrentStock)
	}

	// The real commit deducts stock, applies the earn transaction and links
	// the redeemed transaction in one step.
	earn := &domain.LoyaltyTransaction{
		ID:         fmt.Sprintf("ltx-earn-%d", stamp),
		CustomerID: customer.ID,
		Type:       domain.LoyaltyEarned,
		Points:     28,
		Timestamp:  time.Now().UTC(),
	}
	record, err := s.CreateDispense(ctx, domain.DispensingRecord{
		ID:            dispenseID,
		Timestamp:     time.Now().UTC(),
		Items:         []domain.CartLine{{ProductID: product.ID, SKU: sku, Name: product.Name, UnitPriceCents: 1500, Quantity: 2}},
		TotalCents:    2800,
		OriginalCents: 3000,
		Redemption:    &domain.Redemption{PointsRedeemed: 100, DiscountCents: 200, TransactionID: redeemID},
		PharmacyID:    pharmacyID,
		StaffID:       "pharmacist",
		CustomerID:    customer.ID,
		EarnedPoints:  28,
	}, earn, redeemID)
	if err != nil {
		t.Fatalf("create dispense: %v", err)
	}

	after, err := s.GetProductBySKU(ctx, pharmacyID, sku)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if after.CurrentStock != 8 {
		t.Fatalf("stock after commit = %d, want 8", after.CurrentStock)
	}

	settled, err := s.GetCustomerByID(ctx, customer.ID)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if settled.Points != 200-100+28 {
		t.Fatalf("points after commit = %d, want 128", settled.Points)
	}

	transactions, err := s.ListLoyaltyTransactions(ctx, customer.ID, 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	linked := false
	for _, tx := range transactions {
		if tx.ID == redeemID && tx.DispenseID == record.ID {
			linked = true
		}
	}
	if !linked {
		t.Fatalf("expected the redeemed transaction to be linked to %s", record.ID)
	}
}
