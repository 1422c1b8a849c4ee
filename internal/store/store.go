package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmapos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrOutOfStock         = errors.New("out of stock")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidPromotion   = errors.New("invalid or expired promotion")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrStockConflict      = errors.New("stock conflict")
)

// StockShortfall describes one cart line whose requested quantity exceeds the
// stock available at commit time.
type StockShortfall struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// StockConflictError aborts a commit when stock drifted below what the cart
// expects. It unwraps to ErrStockConflict and its message lists every
// offending line so the caller can adjust the cart.
type StockConflictError struct {
	Lines []StockShortfall
}

func (e *StockConflictError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, line := range e.Lines {
		parts = append(parts, fmt.Sprintf("%s: requested %d, available %d", line.SKU, line.Requested, line.Available))
	}
	return "stock conflict: " + strings.Join(parts, "; ")
}

func (e *StockConflictError) Unwrap() error {
	return ErrStockConflict
}

type Repository interface {
	ListProducts(ctx context.Context, pharmacyID string) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, pharmacyID string, sku string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsBySKUs(ctx context.Context, pharmacyID string, skus []string) (map[string]domain.Product, error)
	AdjustStock(ctx context.Context, pharmacyID string, sku string, delta int) (*domain.Product, error)
	SetStock(ctx context.Context, pharmacyID string, sku string, qty int) (*domain.Product, error)
	ListLowStock(ctx context.Context, pharmacyID string) ([]domain.Product, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	FindCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error)
	// ApplyLoyaltyTransaction is the single write path for Customer.Points: it
	// appends the entry and updates the denormalized balance atomically.
	ApplyLoyaltyTransaction(ctx context.Context, tx domain.LoyaltyTransaction) (*domain.Customer, error)
	ListLoyaltyTransactions(ctx context.Context, customerID string, limit int) ([]domain.LoyaltyTransaction, error)
	LinkRedemptionToDispense(ctx context.Context, transactionID string, dispenseID string) error

	CreateDiscountCode(ctx context.Context, code domain.DiscountCode) (*domain.DiscountCode, error)
	ListDiscountCodes(ctx context.Context) ([]domain.DiscountCode, error)
	FindDiscountByCode(ctx context.Context, code string) (*domain.DiscountCode, error)
	CreateQuantityOffer(ctx context.Context, offer domain.QuantityOffer) (*domain.QuantityOffer, error)
	ListQuantityOffers(ctx context.Context) ([]domain.QuantityOffer, error)
	GetQuantityOffer(ctx context.Context, id string) (*domain.QuantityOffer, error)
	ListOffersForSKUs(ctx context.Context, skus []string) ([]domain.QuantityOffer, error)

	// CreateDispense is the commit transaction boundary: it re-validates and
	// deducts stock for every item, appends the record, applies the earn
	// transaction (when non-nil) and links the redeemed transaction (when
	// redeemedTxID is non-empty), all in one transaction. A *StockConflictError is
	// returned, with nothing mutated, when any line exceeds available stock.
	CreateDispense(ctx context.Context, record domain.DispensingRecord, earn *domain.LoyaltyTransaction, redeemedTxID string) (*domain.DispensingRecord, error)
	GetDispenseByID(ctx context.Context, id string) (*domain.DispensingRecord, error)
	ListDispenses(ctx context.Context, pharmacyID string, from time.Time, to time.Time, limit int) ([]domain.DispensingRecord, error)
	GetReturnedQtyByDispense(ctx context.Context, dispenseID string) (map[string]int, error)
	// CreateReturn appends the record and increments stock back atomically.
	CreateReturn(ctx context.Context, record domain.ReturnRecord) (*domain.ReturnRecord, error)

	GetDailyReport(ctx context.Context, pharmacyID string, from time.Time, to time.Time) (domain.DailyReport, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, pharmacyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
