package domain

import "time"

type Product struct {
	ID           string `json:"id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	PharmacyID   string `json:"pharmacy_id"`
	PriceCents   int64  `json:"price_cents"`
	CurrentStock int    `json:"current_stock"`
	MinStock     int    `json:"min_stock"`
	Active       bool   `json:"active"`
}

type ProductCreateRequest struct {
	PharmacyID   string `json:"pharmacy_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
	MinStock     int    `json:"min_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	MinStock   *int    `json:"min_stock,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

type StockAdjustRequest struct {
	PharmacyID string `json:"pharmacy_id"`
	SKU        string `json:"sku"`
	// Delta is added to current stock. Use SetQty instead for absolute counts.
	Delta  int  `json:"delta,omitempty"`
	SetQty *int `json:"set_qty,omitempty"`
	Reason string `json:"reason"`
}

type Customer struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Points       int       `json:"points"`
	JoinDate     time.Time `json:"join_date"`
	LastActivity time.Time `json:"last_activity"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// LoyaltyTransaction is an immutable append-only ledger entry. Customer.Points
// is a denormalized projection of these entries and is only ever written by
// the ledger apply path.
type LoyaltyTransaction struct {
	ID            string    `json:"id"`
	CustomerID    string    `json:"customer_id"`
	Type          string    `json:"type"`
	Points        int       `json:"points"`
	DiscountCents int64     `json:"discount_cents,omitempty"`
	DispenseID    string    `json:"dispense_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Redemption is the transient conversion of points into a cart discount.
// DiscountCents is fixed at redemption time and is not recomputed when the
// cart changes afterwards.
type Redemption struct {
	PointsRedeemed     int    `json:"points_redeemed"`
	DiscountCents      int64  `json:"discount_cents"`
	OriginalTotalCents int64  `json:"original_total_cents"`
	NewTotalCents      int64  `json:"new_total_cents"`
	TransactionID      string `json:"transaction_id"`
}

type DiscountCode struct {
	ID             string    `json:"id"`
	Code           string    `json:"code"`
	Type           string    `json:"type"`
	Value          float64   `json:"value"`
	MinAmountCents int64     `json:"min_amount_cents"`
	MaxAmountCents int64     `json:"max_amount_cents,omitempty"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	// ProductScope lists eligible SKUs. Empty means all products. Scope gates
	// eligibility only; an eligible code still discounts the whole subtotal.
	ProductScope []string `json:"product_scope,omitempty"`
	Active       bool     `json:"active"`
}

type DiscountCodeCreateRequest struct {
	Code           string   `json:"code"`
	Type           string   `json:"type"`
	Value          float64  `json:"value"`
	MinAmountCents int64    `json:"min_amount_cents"`
	MaxAmountCents int64    `json:"max_amount_cents"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	ProductScope   []string `json:"product_scope"`
}

type QuantityOffer struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ProductSKU string    `json:"product_sku"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	Active     bool      `json:"active"`
}

type QuantityOfferCreateRequest struct {
	Type       string `json:"type"`
	ProductSKU string `json:"product_sku"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
}

type CartLine struct {
	ProductID      string `json:"product_id"`
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
}

// Totals is the output of the cart's single authoritative total computation.
// FinalCents is never negative and never exceeds SubtotalCents.
type Totals struct {
	SubtotalCents     int64 `json:"subtotal_cents"`
	RedemptionCents   int64 `json:"redemption_cents"`
	CodeDiscountCents int64 `json:"code_discount_cents"`
	OfferSavingsCents int64 `json:"offer_savings_cents"`
	FinalCents        int64 `json:"final_cents"`
}

type AppliedDiscount struct {
	Code        string `json:"code"`
	Type        string `json:"type"`
	AmountCents int64  `json:"amount_cents"`
}

type AppliedOffer struct {
	OfferID      string `json:"offer_id"`
	Type         string `json:"type"`
	ProductSKU   string `json:"product_sku"`
	FreeUnits    int    `json:"free_units"`
	SavingsCents int64  `json:"savings_cents"`
}

type OfferSuggestion struct {
	Offer        QuantityOffer `json:"offer"`
	ProductSKU   string        `json:"product_sku"`
	FreeUnits    int           `json:"free_units"`
	SavingsCents int64         `json:"savings_cents"`
}

type CartOpenRequest struct {
	PharmacyID string `json:"pharmacy_id"`
}

type CartItemRequest struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type CartQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type CartCustomerRequest struct {
	CustomerID string `json:"customer_id,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type RedeemRequest struct {
	Points int `json:"points"`
}

type DiscountApplyRequest struct {
	Code string `json:"code"`
}

type OfferApplyRequest struct {
	OfferID string `json:"offer_id"`
}

// CartView is the display projection returned after every cart mutation.
type CartView struct {
	CartID     string           `json:"cart_id"`
	PharmacyID string           `json:"pharmacy_id"`
	StaffID    string           `json:"staff_id"`
	CustomerID string           `json:"customer_id,omitempty"`
	Lines      []CartLine       `json:"lines"`
	Redemption *Redemption      `json:"redemption,omitempty"`
	Discount   *AppliedDiscount `json:"discount,omitempty"`
	Offer      *AppliedOffer    `json:"offer,omitempty"`
	Totals     Totals           `json:"totals"`
}

// DispensingRecord is the immutable checkout receipt appended on commit.
type DispensingRecord struct {
	ID            string           `json:"id"`
	Timestamp     time.Time        `json:"timestamp"`
	Items         []CartLine       `json:"items"`
	TotalCents    int64            `json:"total_cents"`
	OriginalCents int64            `json:"original_cents"`
	Redemption    *Redemption      `json:"redemption,omitempty"`
	Discount      *AppliedDiscount `json:"discount,omitempty"`
	Offer         *AppliedOffer    `json:"offer,omitempty"`
	StaffID       string           `json:"staff_id"`
	PharmacyID    string           `json:"pharmacy_id"`
	CustomerID    string           `json:"customer_id,omitempty"`
	EarnedPoints  int              `json:"earned_points"`
}

type ReturnLine struct {
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Reason         string `json:"reason"`
}

type ReturnRecord struct {
	ID          string       `json:"id"`
	DispenseID  string       `json:"dispense_id"`
	PharmacyID  string       `json:"pharmacy_id"`
	StaffID     string       `json:"staff_id"`
	Items       []ReturnLine `json:"items"`
	RefundCents int64        `json:"refund_cents"`
	Timestamp   time.Time    `json:"timestamp"`
}

type ReturnRequest struct {
	DispenseID string       `json:"dispense_id"`
	Items      []ReturnLine `json:"items"`
}

type ReconcileResult struct {
	CustomerID     string `json:"customer_id"`
	StoredPoints   int    `json:"stored_points"`
	ComputedPoints int    `json:"computed_points"`
	Consistent     bool   `json:"consistent"`
	Transactions   int    `json:"transactions"`
}

type DailyReportStaff struct {
	StaffID    string `json:"staff_id"`
	Dispenses  int64  `json:"dispenses"`
	TotalCents int64  `json:"total_cents"`
}

type DailyReport struct {
	PharmacyID        string             `json:"pharmacy_id"`
	Date              string             `json:"date"`
	Dispenses         int64              `json:"dispenses"`
	GrossCents        int64              `json:"gross_cents"`
	RedemptionCents   int64              `json:"redemption_cents"`
	CodeDiscountCents int64              `json:"code_discount_cents"`
	OfferSavingsCents int64              `json:"offer_savings_cents"`
	NetCents          int64              `json:"net_cents"`
	PointsEarned      int64              `json:"points_earned"`
	PointsRedeemed    int64              `json:"points_redeemed"`
	ByStaff           []DailyReportStaff `json:"by_staff"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	PharmacyID    string    `json:"pharmacy_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	LoyaltyEarned      = "earned"
	LoyaltyRedeemed    = "redeemed"
	LoyaltyRestoration = "restoration"
)

const (
	DiscountPercentage = "percentage"
	DiscountFixed      = "fixed"
)

const (
	OfferBOGO  = "bogo"
	OfferBOGOH = "bogoh"
	OfferB2G1  = "b2g1"
	OfferB3G1  = "b3g1"
)

const (
	// CentsPerPoint converts redeemed points to discount: 100 points = 200 cents.
	CentsPerPoint = 2
	// MinRedemptionPoints is the smallest redeemable amount.
	MinRedemptionPoints = 100
	// EarnCentsPerPoint: one point is earned per whole currency unit spent.
	EarnCentsPerPoint = 100
)

const (
	RoleAdmin      = "admin"
	RolePharmacist = "pharmacist"
)
