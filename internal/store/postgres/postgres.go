package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListProducts(ctx context.Context, pharmacyID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, sku, name, category, price_cents, current_stock, min_stock, active
		FROM products
		WHERE pharmacy_id = $1 AND active = true
		ORDER BY category, name
	`, pharmacyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.PharmacyID, &p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CurrentStock, &p.MinStock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PharmacyID == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}
	if product.CurrentStock < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidRequest
	}

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, pharmacy_id, sku, name, category, price_cents, current_stock, min_stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
	`, product.ID, product.PharmacyID, product.SKU, product.Name, product.Category, product.PriceCents, product.CurrentStock, product.MinStock, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidRequest, product.SKU)
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, pharmacyID string, sku string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pharmacy_id, sku, name, category, price_cents, current_stock, min_stock, active
		FROM products
		WHERE pharmacy_id = $1 AND sku = $2
	`, pharmacyID, sku).Scan(&p.ID, &p.PharmacyID, &p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CurrentStock, &p.MinStock, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}

	// current_stock is deliberately not part of this statement; only the
	// dispense, return and adjustment paths write it.
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $3, category = $4, price_cents = $5, min_stock = $6, active = $7, updated_at = now()
		WHERE pharmacy_id = $1 AND sku = $2
	`, product.PharmacyID, product.SKU, product.Name, product.Category, product.PriceCents, product.MinStock, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProductBySKU(ctx, product.PharmacyID, product.SKU)
}

func (s *Store) GetProductsBySKUs(ctx context.Context, pharmacyID string, skus []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, sku, name, category, price_cents, current_stock, min_stock, active
		FROM products
		WHERE pharmacy_id = $1 AND sku = ANY($2)
	`, pharmacyID, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.PharmacyID, &p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CurrentStock, &p.MinStock, &p.Active); err != nil {
			return nil, err
		}
		result[p.SKU] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) AdjustStock(ctx context.Context, pharmacyID string, sku string, delta int) (*domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT current_stock FROM products
		WHERE pharmacy_id = $1 AND sku = $2
		FOR UPDATE
	`, pharmacyID, sku).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if current+delta < 0 {
		return nil, fmt.Errorf("%w: %s has %d in stock, adjustment of %d rejected",
			store.ErrInsufficientStock, sku, current, delta)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET current_stock = current_stock + $3, updated_at = now()
		WHERE pharmacy_id = $1 AND sku = $2
	`, pharmacyID, sku, delta)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetProductBySKU(ctx, pharmacyID, sku)
}

func (s *Store) SetStock(ctx context.Context, pharmacyID string, sku string, qty int) (*domain.Product, error) {
	if qty < 0 {
		return nil, store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET current_stock = $3, updated_at = now()
		WHERE pharmacy_id = $1 AND sku = $2
	`, pharmacyID, sku, qty)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProductBySKU(ctx, pharmacyID, sku)
}

func (s *Store) ListLowStock(ctx context.Context, pharmacyID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, sku, name, category, price_cents, current_stock, min_stock, active
		FROM products
		WHERE pharmacy_id = $1 AND active = true AND current_stock <= min_stock
		ORDER BY current_stock ASC
	`, pharmacyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 16)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.PharmacyID, &p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CurrentStock, &p.MinStock, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidRequest
	}

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	customer.Points = 0
	if customer.JoinDate.IsZero() {
		customer.JoinDate = time.Now().UTC()
	}
	customer.LastActivity = customer.JoinDate

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, points, join_date, last_activity)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, customer.ID, customer.Name, customer.Phone, customer.Points, customer.JoinDate, customer.LastActivity)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: phone %s already registered", store.ErrInvalidRequest, customer.Phone)
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	return s.scanCustomer(s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, points, join_date, last_activity
		FROM customers WHERE id = $1
	`, id))
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	return s.scanCustomer(s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, points, join_date, last_activity
		FROM customers WHERE phone = $1
	`, strings.TrimSpace(phone)))
}

func (s *Store) scanCustomer(row *sql.Row) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Points, &c.JoinDate, &c.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.JoinDate = c.JoinDate.UTC()
	c.LastActivity = c.LastActivity.UTC()
	return &c, nil
}

func (s *Store) ApplyLoyaltyTransaction(ctx context.Context, tx domain.LoyaltyTransaction) (*domain.Customer, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	customer, err := applyLoyaltyTx(ctx, pgTx, tx)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return customer, nil
}

// applyLoyaltyTx runs the single points write path inside the given
// transaction: lock the customer row, update the balance and append the
// ledger entry.
func applyLoyaltyTx(ctx context.Context, pgTx *sql.Tx, tx domain.LoyaltyTransaction) (*domain.Customer, error) {
	if tx.ID == "" || tx.CustomerID == "" || tx.Points < 1 {
		return nil, store.ErrInvalidRequest
	}

	var c domain.Customer
	err := pgTx.QueryRowContext(ctx, `
		SELECT id, name, phone, points, join_date, last_activity
		FROM customers WHERE id = $1
		FOR UPDATE
	`, tx.CustomerID).Scan(&c.ID, &c.Name, &c.Phone, &c.Points, &c.JoinDate, &c.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	switch tx.Type {
	case domain.LoyaltyEarned, domain.LoyaltyRestoration:
		c.Points += tx.Points
	case domain.LoyaltyRedeemed:
		if c.Points < tx.Points {
			return nil, fmt.Errorf("%w: balance %d, redeeming %d", store.ErrInsufficientPoints, c.Points, tx.Points)
		}
		c.Points -= tx.Points
	default:
		return nil, fmt.Errorf("%w: unknown transaction type %q", store.ErrInvalidRequest, tx.Type)
	}

	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	c.LastActivity = tx.Timestamp

	_, err = pgTx.ExecContext(ctx, `
		UPDATE customers SET points = $2, last_activity = $3 WHERE id = $1
	`, c.ID, c.Points, c.LastActivity)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO loyalty_transactions (id, customer_id, type, points, discount_cents, dispense_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, tx.ID, tx.CustomerID, tx.Type, tx.Points, tx.DiscountCents, nullIfEmpty(tx.DispenseID), tx.Timestamp)
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// ListLoyaltyTransactions returns the ledger in append order. A limit below 1
// means the whole log; reconciliation depends on that.
func (s *Store) ListLoyaltyTransactions(ctx context.Context, customerID string, limit int) ([]domain.LoyaltyTransaction, error) {
	query := `
		SELECT id, customer_id, type, points, discount_cents, COALESCE(dispense_id, ''), created_at
		FROM loyalty_transactions
		WHERE customer_id = $1
		ORDER BY created_at ASC
	`
	args := []any{customerID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LoyaltyTransaction, 0, 32)
	for rows.Next() {
		var entry domain.LoyaltyTransaction
		if err := rows.Scan(&entry.ID, &entry.CustomerID, &entry.Type, &entry.Points, &entry.DiscountCents, &entry.DispenseID, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Timestamp = entry.Timestamp.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) LinkRedemptionToDispense(ctx context.Context, transactionID string, dispenseID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE loyalty_transactions SET dispense_id = $2 WHERE id = $1
	`, transactionID, dispenseID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateDiscountCode(ctx context.Context, code domain.DiscountCode) (*domain.DiscountCode, error) {
	if code.Code == "" || (code.Type != domain.DiscountPercentage && code.Type != domain.DiscountFixed) || code.Value <= 0 {
		return nil, store.ErrInvalidRequest
	}
	if !code.EndDate.After(code.StartDate) {
		return nil, store.ErrInvalidRequest
	}

	if code.ID == "" {
		code.ID = xid.New("disc")
	}
	code.Code = strings.ToUpper(strings.TrimSpace(code.Code))
	code.Active = true

	scope, err := json.Marshal(code.ProductScope)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO discount_codes (id, code, type, value, min_amount_cents, max_amount_cents, start_date, end_date, product_scope, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, code.ID, code.Code, code.Type, code.Value, code.MinAmountCents, code.MaxAmountCents, code.StartDate, code.EndDate, scope, code.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: code %s already exists", store.ErrInvalidRequest, code.Code)
		}
		return nil, err
	}

	created := code
	return &created, nil
}

func (s *Store) ListDiscountCodes(ctx context.Context) ([]domain.DiscountCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, type, value, min_amount_cents, max_amount_cents, start_date, end_date, product_scope, active
		FROM discount_codes
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	codes := make([]domain.DiscountCode, 0, 32)
	for rows.Next() {
		code, err := scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		codes = append(codes, *code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *Store) FindDiscountByCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, type, value, min_amount_cents, max_amount_cents, start_date, end_date, product_scope, active
		FROM discount_codes
		WHERE code = $1
	`, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	return scanDiscount(rows)
}

func scanDiscount(rows *sql.Rows) (*domain.DiscountCode, error) {
	var (
		d     domain.DiscountCode
		scope []byte
	)
	if err := rows.Scan(&d.ID, &d.Code, &d.Type, &d.Value, &d.MinAmountCents, &d.MaxAmountCents, &d.StartDate, &d.EndDate, &scope, &d.Active); err != nil {
		return nil, err
	}
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &d.ProductScope); err != nil {
			return nil, err
		}
	}
	d.StartDate = d.StartDate.UTC()
	d.EndDate = d.EndDate.UTC()
	return &d, nil
}

func (s *Store) CreateQuantityOffer(ctx context.Context, offer domain.QuantityOffer) (*domain.QuantityOffer, error) {
	if !domain.ValidOfferType(offer.Type) || offer.ProductSKU == "" {
		return nil, store.ErrInvalidRequest
	}
	if !offer.EndDate.After(offer.StartDate) {
		return nil, store.ErrInvalidRequest
	}

	if offer.ID == "" {
		offer.ID = xid.New("offer")
	}
	offer.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quantity_offers (id, type, product_sku, start_date, end_date, active)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, offer.ID, offer.Type, offer.ProductSKU, offer.StartDate, offer.EndDate, offer.Active)
	if err != nil {
		return nil, err
	}

	created := offer
	return &created, nil
}

func (s *Store) ListQuantityOffers(ctx context.Context) ([]domain.QuantityOffer, error) {
	return s.queryOffers(ctx, `
		SELECT id, type, product_sku, start_date, end_date, active
		FROM quantity_offers
		ORDER BY id
	`)
}

func (s *Store) GetQuantityOffer(ctx context.Context, id string) (*domain.QuantityOffer, error) {
	var o domain.QuantityOffer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, product_sku, start_date, end_date, active
		FROM quantity_offers
		WHERE id = $1
	`, id).Scan(&o.ID, &o.Type, &o.ProductSKU, &o.StartDate, &o.EndDate, &o.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	o.StartDate = o.StartDate.UTC()
	o.EndDate = o.EndDate.UTC()
	return &o, nil
}

func (s *Store) ListOffersForSKUs(ctx context.Context, skus []string) ([]domain.QuantityOffer, error) {
	if len(skus) == 0 {
		return []domain.QuantityOffer{}, nil
	}
	return s.queryOffers(ctx, `
		SELECT id, type, product_sku, start_date, end_date, active
		FROM quantity_offers
		WHERE product_sku = ANY($1)
		ORDER BY id
	`, skus)
}

func (s *Store) queryOffers(ctx context.Context, query string, args ...any) ([]domain.QuantityOffer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	offers := make([]domain.QuantityOffer, 0, 16)
	for rows.Next() {
		var o domain.QuantityOffer
		if err := rows.Scan(&o.ID, &o.Type, &o.ProductSKU, &o.StartDate, &o.EndDate, &o.Active); err != nil {
			return nil, err
		}
		o.StartDate = o.StartDate.UTC()
		o.EndDate = o.EndDate.UTC()
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return offers, nil
}

func (s *Store) CreateDispense(ctx context.Context, record domain.DispensingRecord, earn *domain.LoyaltyTransaction, redeemedTxID string) (*domain.DispensingRecord, error) {
	if record.ID == "" || len(record.Items) == 0 || record.PharmacyID == "" {
		return nil, store.ErrInvalidRequest
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	skus := uniqueSKUs(record.Items)

	stockRows, err := pgTx.QueryContext(ctx, `
		SELECT sku, current_stock, active
		FROM products
		WHERE pharmacy_id = $1 AND sku = ANY($2)
		FOR UPDATE
	`, record.PharmacyID, skus)
	if err != nil {
		return nil, err
	}
	type productState struct {
		stock  int
		active bool
	}
	stockMap := make(map[string]productState, len(skus))
	for stockRows.Next() {
		var (
			sku    string
			state  productState
		)
		if err := stockRows.Scan(&sku, &state.stock, &state.active); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stockMap[sku] = state
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	shortfalls := make([]store.StockShortfall, 0, 2)
	for _, item := range record.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidRequest
		}
		state, ok := stockMap[item.SKU]
		if !ok || !state.active {
			return nil, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidRequest, item.SKU)
		}
		if state.stock < item.Quantity {
			shortfalls = append(shortfalls, store.StockShortfall{
				SKU:       item.SKU,
				Requested: item.Quantity,
				Available: state.stock,
			})
		}
	}
	if len(shortfalls) > 0 {
		return nil, &store.StockConflictError{Lines: shortfalls}
	}

	for _, item := range record.Items {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products
			SET current_stock = current_stock - $3, updated_at = now()
			WHERE pharmacy_id = $1 AND sku = $2
		`, record.PharmacyID, item.SKU, item.Quantity)
		if err != nil {
			return nil, err
		}
	}

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	items, err := json.Marshal(record.Items)
	if err != nil {
		return nil, err
	}
	redemption, err := marshalNullable(record.Redemption)
	if err != nil {
		return nil, err
	}
	discount, err := marshalNullable(record.Discount)
	if err != nil {
		return nil, err
	}
	offer, err := marshalNullable(record.Offer)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO dispenses (
			id, pharmacy_id, staff_id, customer_id, items, total_cents, original_cents,
			redemption, discount, offer, earned_points, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, record.ID, record.PharmacyID, record.StaffID, nullIfEmpty(record.CustomerID), items,
		record.TotalCents, record.OriginalCents, redemption, discount, offer, record.EarnedPoints, record.Timestamp)
	if err != nil {
		return nil, err
	}

	if earn != nil {
		if _, err := applyLoyaltyTx(ctx, pgTx, *earn); err != nil {
			return nil, err
		}
	}
	if redeemedTxID != "" {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE loyalty_transactions SET dispense_id = $2 WHERE id = $1
		`, redeemedTxID, record.ID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrNotFound
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := record
	return &created, nil
}

func (s *Store) GetDispenseByID(ctx context.Context, id string) (*domain.DispensingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, staff_id, COALESCE(customer_id, ''), items, total_cents, original_cents,
		       redemption, discount, offer, earned_points, created_at
		FROM dispenses
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	return scanDispense(rows)
}

func (s *Store) ListDispenses(ctx context.Context, pharmacyID string, from time.Time, to time.Time, limit int) ([]domain.DispensingRecord, error) {
	if limit < 1 {
		limit = 100
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, staff_id, COALESCE(customer_id, ''), items, total_cents, original_cents,
		       redemption, discount, offer, earned_points, created_at
		FROM dispenses
		WHERE pharmacy_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, pharmacyID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.DispensingRecord, 0, limit)
	for rows.Next() {
		record, err := scanDispense(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func scanDispense(rows *sql.Rows) (*domain.DispensingRecord, error) {
	var (
		record     domain.DispensingRecord
		items      []byte
		redemption []byte
		discount   []byte
		offer      []byte
	)
	err := rows.Scan(&record.ID, &record.PharmacyID, &record.StaffID, &record.CustomerID, &items,
		&record.TotalCents, &record.OriginalCents, &redemption, &discount, &offer,
		&record.EarnedPoints, &record.Timestamp)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &record.Items); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(redemption, &record.Redemption); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(discount, &record.Discount); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(offer, &record.Offer); err != nil {
		return nil, err
	}
	record.Timestamp = record.Timestamp.UTC()
	return &record, nil
}

func (s *Store) GetReturnedQtyByDispense(ctx context.Context, dispenseID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT items FROM returns WHERE dispense_id = $1
	`, dispenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var items []domain.ReturnLine
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		for _, line := range items {
			out[line.SKU] += line.Quantity
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateReturn(ctx context.Context, record domain.ReturnRecord) (*domain.ReturnRecord, error) {
	if record.ID == "" || record.DispenseID == "" || len(record.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Locking the dispense row serializes concurrent returns against it, so
	// the cumulative cap below is checked against a stable prior total.
	var soldRaw []byte
	err = pgTx.QueryRowContext(ctx, `
		SELECT items FROM dispenses WHERE id = $1 FOR UPDATE
	`, record.DispenseID).Scan(&soldRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no dispense %s", store.ErrNotFound, record.DispenseID)
	}
	if err != nil {
		return nil, err
	}
	var soldLines []domain.CartLine
	if err := json.Unmarshal(soldRaw, &soldLines); err != nil {
		return nil, err
	}
	sold := make(map[string]int, len(soldLines))
	for _, line := range soldLines {
		sold[line.SKU] = line.Quantity
	}

	returned := make(map[string]int)
	priorRows, err := pgTx.QueryContext(ctx, `
		SELECT items FROM returns WHERE dispense_id = $1
	`, record.DispenseID)
	if err != nil {
		return nil, err
	}
	for priorRows.Next() {
		var raw []byte
		if err := priorRows.Scan(&raw); err != nil {
			priorRows.Close()
			return nil, err
		}
		var items []domain.ReturnLine
		if err := json.Unmarshal(raw, &items); err != nil {
			priorRows.Close()
			return nil, err
		}
		for _, line := range items {
			returned[line.SKU] += line.Quantity
		}
	}
	if err := priorRows.Close(); err != nil {
		return nil, err
	}
	if err := priorRows.Err(); err != nil {
		return nil, err
	}

	for _, line := range record.Items {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidRequest
		}
		if returned[line.SKU]+line.Quantity > sold[line.SKU] {
			return nil, fmt.Errorf("%w: cumulative return for %s exceeds quantity sold", store.ErrInvalidRequest, line.SKU)
		}
	}

	for _, line := range record.Items {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET current_stock = current_stock + $3, updated_at = now()
			WHERE pharmacy_id = $1 AND sku = $2
		`, record.PharmacyID, line.SKU, line.Quantity)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidRequest, line.SKU)
		}
	}

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	items, err := json.Marshal(record.Items)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO returns (id, dispense_id, pharmacy_id, staff_id, items, refund_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, record.ID, record.DispenseID, record.PharmacyID, record.StaffID, items, record.RefundCents, record.Timestamp)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := record
	return &created, nil
}

func (s *Store) GetDailyReport(ctx context.Context, pharmacyID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{PharmacyID: pharmacyID}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(original_cents), 0),
			COALESCE(SUM(total_cents), 0),
			COALESCE(SUM(earned_points), 0),
			COALESCE(SUM((redemption->>'discount_cents')::bigint), 0),
			COALESCE(SUM((redemption->>'points_redeemed')::bigint), 0),
			COALESCE(SUM((discount->>'amount_cents')::bigint), 0),
			COALESCE(SUM((offer->>'savings_cents')::bigint), 0)
		FROM dispenses
		WHERE pharmacy_id = $1 AND created_at >= $2 AND created_at < $3
	`, pharmacyID, from, to).Scan(
		&report.Dispenses,
		&report.GrossCents,
		&report.NetCents,
		&report.PointsEarned,
		&report.RedemptionCents,
		&report.PointsRedeemed,
		&report.CodeDiscountCents,
		&report.OfferSavingsCents,
	)
	if err != nil {
		return domain.DailyReport{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT staff_id, COUNT(*), COALESCE(SUM(total_cents), 0)
		FROM dispenses
		WHERE pharmacy_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY staff_id
		ORDER BY staff_id
	`, pharmacyID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry domain.DailyReportStaff
		if err := rows.Scan(&entry.StaffID, &entry.Dispenses, &entry.TotalCents); err != nil {
			return domain.DailyReport{}, err
		}
		report.ByStaff = append(report.ByStaff, entry)
	}
	if err := rows.Err(); err != nil {
		return domain.DailyReport{}, err
	}
	return report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, pharmacy_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.PharmacyID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, pharmacyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE pharmacy_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, pharmacyID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.PharmacyID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s already exists", store.ErrInvalidRequest, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueSKUs(items []domain.CartLine) []string {
	seen := make(map[string]struct{}, len(items))
	skus := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.SKU]; ok {
			continue
		}
		seen[item.SKU] = struct{}{}
		skus = append(skus, item.SKU)
	}
	sort.Strings(skus)
	return skus
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *domain.Redemption:
		if t == nil {
			return nil, nil
		}
	case *domain.AppliedDiscount:
		if t == nil {
			return nil, nil
		}
	case *domain.AppliedOffer:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func unmarshalNullable[T any](raw []byte, dest **T) error {
	if len(raw) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dest = &v
	return nil
}
