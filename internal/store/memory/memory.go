package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

type txRef struct {
	customerID string
	index      int
}

type Store struct {
	mu               sync.RWMutex
	products         map[string]map[string]domain.Product
	customersByID    map[string]domain.Customer
	customerIDByPhone map[string]string
	loyaltyTxs       map[string][]domain.LoyaltyTransaction
	txIndex          map[string]txRef
	discountsByID    map[string]domain.DiscountCode
	discountIDByCode map[string]string
	offersByID       map[string]domain.QuantityOffer
	dispensesByID    map[string]domain.DispensingRecord
	dispenseOrder    []string
	returnsByDispense map[string][]domain.ReturnRecord
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:          make(map[string]map[string]domain.Product),
		customersByID:     make(map[string]domain.Customer),
		customerIDByPhone: make(map[string]string),
		loyaltyTxs:        make(map[string][]domain.LoyaltyTransaction),
		txIndex:           make(map[string]txRef),
		discountsByID:     make(map[string]domain.DiscountCode),
		discountIDByCode:  make(map[string]string),
		offersByID:        make(map[string]domain.QuantityOffer),
		dispensesByID:     make(map[string]domain.DispensingRecord),
		returnsByDispense: make(map[string][]domain.ReturnRecord),
		usersByUsername:   make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory staff accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD; if
// unset, hardcoded dev defaults are used with a warning. The in-memory store
// is never used in production (postgres is selected when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	pharmacistPwd := envOr("SEED_PHARMACIST_PASSWORD", "dispense123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_PHARMACIST_PASSWORD") == "" {
		log.Warn().Msg("memory store: using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"pharmacist", pharmacistPwd, domain.RolePharmacist},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("memory store: failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	const pharmacyID = "main-pharmacy"

	products := []domain.Product{
		{SKU: "PARA-500", Name: "Paracetamol 500mg", Category: "analgesic", PriceCents: 1200, CurrentStock: 180, MinStock: 30},
		{SKU: "IBU-400", Name: "Ibuprofen 400mg", Category: "analgesic", PriceCents: 1550, CurrentStock: 120, MinStock: 25},
		{SKU: "AMOX-500", Name: "Amoxicillin 500mg", Category: "antibiotic", PriceCents: 2850, CurrentStock: 60, MinStock: 15},
		{SKU: "VITC-500", Name: "Vitamin C 500mg", Category: "supplement", PriceCents: 1000, CurrentStock: 200, MinStock: 40},
		{SKU: "OMEP-20", Name: "Omeprazole 20mg", Category: "gastro", PriceCents: 2400, CurrentStock: 90, MinStock: 20},
		{SKU: "CETI-10", Name: "Cetirizine 10mg", Category: "antihistamine", PriceCents: 1350, CurrentStock: 75, MinStock: 15},
		{SKU: "SALB-INH", Name: "Salbutamol Inhaler", Category: "respiratory", PriceCents: 4500, CurrentStock: 40, MinStock: 10},
		{SKU: "COUGH-SYR", Name: "Cough Syrup 120ml", Category: "respiratory", PriceCents: 1800, CurrentStock: 55, MinStock: 12},
		{SKU: "SALINE-DR", Name: "Saline Nasal Drops", Category: "otc", PriceCents: 900, CurrentStock: 65, MinStock: 10},
		{SKU: "BAND-ROLL", Name: "Elastic Bandage Roll", Category: "first-aid", PriceCents: 700, CurrentStock: 140, MinStock: 20},
	}
	s.products[pharmacyID] = make(map[string]domain.Product, len(products))
	for _, p := range products {
		p.ID = xid.New("prod")
		p.PharmacyID = pharmacyID
		p.Active = true
		s.products[pharmacyID][p.SKU] = p
	}

	discounts := []domain.DiscountCode{
		{
			Code: "WELCOME10", Type: domain.DiscountPercentage, Value: 10,
			MinAmountCents: 2000, MaxAmountCents: 1500,
			StartDate: now.AddDate(0, -1, 0), EndDate: now.AddDate(1, 0, 0), Active: true,
		},
		{
			Code: "SAVE5", Type: domain.DiscountFixed, Value: 500,
			MinAmountCents: 3000,
			StartDate: now.AddDate(0, -1, 0), EndDate: now.AddDate(1, 0, 0), Active: true,
		},
		{
			Code: "ANTIBIO15", Type: domain.DiscountPercentage, Value: 15,
			MinAmountCents: 0, ProductScope: []string{"AMOX-500"},
			StartDate: now.AddDate(0, -1, 0), EndDate: now.AddDate(1, 0, 0), Active: true,
		},
	}
	for _, d := range discounts {
		d.ID = xid.New("disc")
		s.discountsByID[d.ID] = d
		s.discountIDByCode[strings.ToUpper(d.Code)] = d.ID
	}

	offers := []domain.QuantityOffer{
		{Type: domain.OfferBOGO, ProductSKU: "VITC-500", StartDate: now.AddDate(0, -1, 0), EndDate: now.AddDate(0, 2, 0), Active: true},
		{Type: domain.OfferB2G1, ProductSKU: "PARA-500", StartDate: now.AddDate(0, -1, 0), EndDate: now.AddDate(0, 2, 0), Active: true},
		{Type: domain.OfferBOGOH, ProductSKU: "COUGH-SYR", StartDate: now.AddDate(0, -1, 0), EndDate: now.AddDate(0, 2, 0), Active: true},
	}
	for _, o := range offers {
		o.ID = xid.New("offer")
		s.offersByID[o.ID] = o
	}

	customer := domain.Customer{
		ID:           xid.New("cust"),
		Name:         "Sara Al-Harbi",
		Phone:        "0555000111",
		JoinDate:     now.AddDate(0, -6, 0),
		LastActivity: now.AddDate(0, 0, -3),
	}
	s.customersByID[customer.ID] = customer
	s.customerIDByPhone[customer.Phone] = customer.ID
	// Seed the balance through the ledger path so the log stays consistent.
	_, _ = s.applyLoyaltyLocked(domain.LoyaltyTransaction{
		ID:         xid.New("ltx"),
		CustomerID: customer.ID,
		Type:       domain.LoyaltyEarned,
		Points:     250,
		Timestamp:  now.AddDate(0, 0, -3),
	})

	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) ListProducts(_ context.Context, pharmacyID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bysku := s.products[pharmacyID]
	out := make([]domain.Product, 0, len(bysku))
	for _, p := range bysku {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category == out[j].Category {
			return out[i].Name < out[j].Name
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PharmacyID == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}
	if product.CurrentStock < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bysku, ok := s.products[product.PharmacyID]
	if !ok {
		bysku = make(map[string]domain.Product)
		s.products[product.PharmacyID] = bysku
	}
	if _, exists := bysku[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidRequest, product.SKU)
	}

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.Active = true
	bysku[product.SKU] = product

	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(_ context.Context, pharmacyID string, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProductLocked(pharmacyID, sku)
}

func (s *Store) getProductLocked(pharmacyID string, sku string) (*domain.Product, error) {
	p, ok := s.products[pharmacyID][sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := p
	return &found, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.PharmacyID][product.SKU]
	if !ok {
		return nil, store.ErrNotFound
	}
	// Stock is owned by the deduction/return paths, never by product edits.
	product.ID = existing.ID
	product.CurrentStock = existing.CurrentStock
	s.products[product.PharmacyID][product.SKU] = product

	updated := product
	return &updated, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, pharmacyID string, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[pharmacyID][sku]; ok {
			out[sku] = p
		}
	}
	return out, nil
}

func (s *Store) AdjustStock(_ context.Context, pharmacyID string, sku string, delta int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[pharmacyID][sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := p.CurrentStock + delta
	if next < 0 {
		return nil, fmt.Errorf("%w: %s has %d in stock, adjustment of %d rejected",
			store.ErrInsufficientStock, sku, p.CurrentStock, delta)
	}
	p.CurrentStock = next
	s.products[pharmacyID][sku] = p

	updated := p
	return &updated, nil
}

func (s *Store) SetStock(_ context.Context, pharmacyID string, sku string, qty int) (*domain.Product, error) {
	if qty < 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[pharmacyID][sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.CurrentStock = qty
	s.products[pharmacyID][sku] = p

	updated := p
	return &updated, nil
}

func (s *Store) ListLowStock(_ context.Context, pharmacyID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, 16)
	for _, p := range s.products[pharmacyID] {
		if p.Active && p.CurrentStock <= p.MinStock {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentStock < out[j].CurrentStock })
	return out, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" || customer.Phone == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customerIDByPhone[customer.Phone]; exists {
		return nil, fmt.Errorf("%w: phone %s already registered", store.ErrInvalidRequest, customer.Phone)
	}

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	customer.Points = 0
	if customer.JoinDate.IsZero() {
		customer.JoinDate = time.Now().UTC()
	}
	customer.LastActivity = customer.JoinDate

	s.customersByID[customer.ID] = customer
	s.customerIDByPhone[customer.Phone] = customer.ID

	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := c
	return &found, nil
}

func (s *Store) FindCustomerByPhone(_ context.Context, phone string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.customerIDByPhone[strings.TrimSpace(phone)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := s.customersByID[id]
	return &c, nil
}

func (s *Store) ApplyLoyaltyTransaction(_ context.Context, tx domain.LoyaltyTransaction) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLoyaltyLocked(tx)
}

func (s *Store) applyLoyaltyLocked(tx domain.LoyaltyTransaction) (*domain.Customer, error) {
	if tx.ID == "" || tx.CustomerID == "" || tx.Points < 1 {
		return nil, store.ErrInvalidRequest
	}

	customer, ok := s.customersByID[tx.CustomerID]
	if !ok {
		return nil, store.ErrNotFound
	}

	switch tx.Type {
	case domain.LoyaltyEarned, domain.LoyaltyRestoration:
		customer.Points += tx.Points
	case domain.LoyaltyRedeemed:
		if customer.Points < tx.Points {
			return nil, fmt.Errorf("%w: balance %d, redeeming %d", store.ErrInsufficientPoints, customer.Points, tx.Points)
		}
		customer.Points -= tx.Points
	default:
		return nil, fmt.Errorf("%w: unknown transaction type %q", store.ErrInvalidRequest, tx.Type)
	}

	customer.LastActivity = tx.Timestamp
	s.customersByID[tx.CustomerID] = customer

	entries := s.loyaltyTxs[tx.CustomerID]
	s.txIndex[tx.ID] = txRef{customerID: tx.CustomerID, index: len(entries)}
	s.loyaltyTxs[tx.CustomerID] = append(entries, tx)

	updated := customer
	return &updated, nil
}

func (s *Store) ListLoyaltyTransactions(_ context.Context, customerID string, limit int) ([]domain.LoyaltyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.loyaltyTxs[customerID]
	out := make([]domain.LoyaltyTransaction, len(entries))
	copy(out, entries)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) LinkRedemptionToDispense(_ context.Context, transactionID string, dispenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkRedemptionLocked(transactionID, dispenseID)
}

func (s *Store) linkRedemptionLocked(transactionID string, dispenseID string) error {
	ref, ok := s.txIndex[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	s.loyaltyTxs[ref.customerID][ref.index].DispenseID = dispenseID
	return nil
}

func (s *Store) CreateDiscountCode(_ context.Context, code domain.DiscountCode) (*domain.DiscountCode, error) {
	if code.Code == "" || (code.Type != domain.DiscountPercentage && code.Type != domain.DiscountFixed) || code.Value <= 0 {
		return nil, store.ErrInvalidRequest
	}
	if !code.EndDate.After(code.StartDate) {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := strings.ToUpper(strings.TrimSpace(code.Code))
	if _, exists := s.discountIDByCode[normalized]; exists {
		return nil, fmt.Errorf("%w: code %s already exists", store.ErrInvalidRequest, normalized)
	}

	if code.ID == "" {
		code.ID = xid.New("disc")
	}
	code.Code = normalized
	code.Active = true
	s.discountsByID[code.ID] = code
	s.discountIDByCode[normalized] = code.ID

	created := code
	return &created, nil
}

func (s *Store) ListDiscountCodes(_ context.Context) ([]domain.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DiscountCode, 0, len(s.discountsByID))
	for _, d := range s.discountsByID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) FindDiscountByCode(_ context.Context, code string) (*domain.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.discountIDByCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, store.ErrNotFound
	}
	d := s.discountsByID[id]
	return &d, nil
}

func (s *Store) CreateQuantityOffer(_ context.Context, offer domain.QuantityOffer) (*domain.QuantityOffer, error) {
	if !domain.ValidOfferType(offer.Type) || offer.ProductSKU == "" {
		return nil, store.ErrInvalidRequest
	}
	if !offer.EndDate.After(offer.StartDate) {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if offer.ID == "" {
		offer.ID = xid.New("offer")
	}
	offer.Active = true
	s.offersByID[offer.ID] = offer

	created := offer
	return &created, nil
}

func (s *Store) ListQuantityOffers(_ context.Context) ([]domain.QuantityOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.QuantityOffer, 0, len(s.offersByID))
	for _, o := range s.offersByID {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetQuantityOffer(_ context.Context, id string) (*domain.QuantityOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := o
	return &found, nil
}

func (s *Store) ListOffersForSKUs(_ context.Context, skus []string) ([]domain.QuantityOffer, error) {
	wanted := make(map[string]struct{}, len(skus))
	for _, sku := range skus {
		wanted[sku] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.QuantityOffer, 0, 4)
	for _, o := range s.offersByID {
		if _, ok := wanted[o.ProductSKU]; ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateDispense(_ context.Context, record domain.DispensingRecord, earn *domain.LoyaltyTransaction, redeemedTxID string) (*domain.DispensingRecord, error) {
	if record.ID == "" || len(record.Items) == 0 || record.PharmacyID == "" {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before mutating anything; the commit is
	// all-or-nothing.
	shortfalls := make([]store.StockShortfall, 0, 2)
	for _, item := range record.Items {
		p, ok := s.products[record.PharmacyID][item.SKU]
		if !ok || !p.Active {
			return nil, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidRequest, item.SKU)
		}
		if item.Quantity < 1 {
			return nil, store.ErrInvalidRequest
		}
		if p.CurrentStock < item.Quantity {
			shortfalls = append(shortfalls, store.StockShortfall{
				SKU:       item.SKU,
				Requested: item.Quantity,
				Available: p.CurrentStock,
			})
		}
	}
	if len(shortfalls) > 0 {
		return nil, &store.StockConflictError{Lines: shortfalls}
	}
	if earn != nil {
		if _, ok := s.customersByID[earn.CustomerID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	if redeemedTxID != "" {
		if _, ok := s.txIndex[redeemedTxID]; !ok {
			return nil, store.ErrNotFound
		}
	}

	for _, item := range record.Items {
		p := s.products[record.PharmacyID][item.SKU]
		p.CurrentStock -= item.Quantity
		s.products[record.PharmacyID][item.SKU] = p
	}

	record.Items = append([]domain.CartLine(nil), record.Items...)
	s.dispensesByID[record.ID] = record
	s.dispenseOrder = append(s.dispenseOrder, record.ID)

	if earn != nil {
		if _, err := s.applyLoyaltyLocked(*earn); err != nil {
			return nil, err
		}
	}
	if redeemedTxID != "" {
		if err := s.linkRedemptionLocked(redeemedTxID, record.ID); err != nil {
			return nil, err
		}
	}

	created := record
	return &created, nil
}

func (s *Store) GetDispenseByID(_ context.Context, id string) (*domain.DispensingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.dispensesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := record
	found.Items = append([]domain.CartLine(nil), record.Items...)
	return &found, nil
}

func (s *Store) ListDispenses(_ context.Context, pharmacyID string, from time.Time, to time.Time, limit int) ([]domain.DispensingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DispensingRecord, 0, 32)
	for i := len(s.dispenseOrder) - 1; i >= 0; i-- {
		record := s.dispensesByID[s.dispenseOrder[i]]
		if record.PharmacyID != pharmacyID {
			continue
		}
		if !from.IsZero() && record.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !record.Timestamp.Before(to) {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetReturnedQtyByDispense(_ context.Context, dispenseID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int)
	for _, record := range s.returnsByDispense[dispenseID] {
		for _, line := range record.Items {
			out[line.SKU] += line.Quantity
		}
	}
	return out, nil
}

func (s *Store) CreateReturn(_ context.Context, record domain.ReturnRecord) (*domain.ReturnRecord, error) {
	if record.ID == "" || record.DispenseID == "" || len(record.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dispense, ok := s.dispensesByID[record.DispenseID]
	if !ok {
		return nil, fmt.Errorf("%w: no dispense %s", store.ErrNotFound, record.DispenseID)
	}
	sold := make(map[string]int, len(dispense.Items))
	for _, line := range dispense.Items {
		sold[line.SKU] = line.Quantity
	}
	returned := make(map[string]int)
	for _, prior := range s.returnsByDispense[record.DispenseID] {
		for _, line := range prior.Items {
			returned[line.SKU] += line.Quantity
		}
	}

	for _, line := range record.Items {
		if _, ok := s.products[record.PharmacyID][line.SKU]; !ok {
			return nil, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidRequest, line.SKU)
		}
		if line.Quantity < 1 {
			return nil, store.ErrInvalidRequest
		}
		// Re-checked under the lock: concurrent returns against the same
		// dispense must never overshoot the quantity sold.
		if returned[line.SKU]+line.Quantity > sold[line.SKU] {
			return nil, fmt.Errorf("%w: cumulative return for %s exceeds quantity sold", store.ErrInvalidRequest, line.SKU)
		}
	}

	for _, line := range record.Items {
		p := s.products[record.PharmacyID][line.SKU]
		p.CurrentStock += line.Quantity
		s.products[record.PharmacyID][line.SKU] = p
	}

	record.Items = append([]domain.ReturnLine(nil), record.Items...)
	s.returnsByDispense[record.DispenseID] = append(s.returnsByDispense[record.DispenseID], record)

	created := record
	return &created, nil
}

func (s *Store) GetDailyReport(_ context.Context, pharmacyID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{PharmacyID: pharmacyID}
	byStaff := make(map[string]*domain.DailyReportStaff)

	for _, id := range s.dispenseOrder {
		record := s.dispensesByID[id]
		if record.PharmacyID != pharmacyID {
			continue
		}
		if record.Timestamp.Before(from) || !record.Timestamp.Before(to) {
			continue
		}

		report.Dispenses++
		report.GrossCents += record.OriginalCents
		report.NetCents += record.TotalCents
		report.PointsEarned += int64(record.EarnedPoints)
		if record.Redemption != nil {
			report.RedemptionCents += record.Redemption.DiscountCents
			report.PointsRedeemed += int64(record.Redemption.PointsRedeemed)
		}
		if record.Discount != nil {
			report.CodeDiscountCents += record.Discount.AmountCents
		}
		if record.Offer != nil {
			report.OfferSavingsCents += record.Offer.SavingsCents
		}

		entry, ok := byStaff[record.StaffID]
		if !ok {
			entry = &domain.DailyReportStaff{StaffID: record.StaffID}
			byStaff[record.StaffID] = entry
		}
		entry.Dispenses++
		entry.TotalCents += record.TotalCents
	}

	report.ByStaff = make([]domain.DailyReportStaff, 0, len(byStaff))
	for _, entry := range byStaff {
		report.ByStaff = append(report.ByStaff, *entry)
	}
	sort.Slice(report.ByStaff, func(i, j int) bool { return report.ByStaff[i].StaffID < report.ByStaff[j].StaffID })
	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, pharmacyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, 64)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if pharmacyID != "" && entry.PharmacyID != pharmacyID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrInvalidRequest, user.Username)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.usersByUsername[username] = u
	return nil
}
