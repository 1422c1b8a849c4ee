// Package service orchestrates carts, the loyalty ledger, the promotion
// registry and the repository behind the HTTP API. Cart mutations run inside
// the session manager's critical section; the commit itself is delegated to
// the repository so stock deduction, record append and ledger writes land in
// one transaction.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/promo"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

type ctxKey int

const actorKey ctxKey = iota

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	carts      *cart.Manager
	ledger     *ledger.Ledger
	promos     *promo.Registry
	pharmacyID string
}

func New(repo store.Repository, carts *cart.Manager, lg *ledger.Ledger, promos *promo.Registry, pharmacyID string) *Service {
	if pharmacyID == "" {
		pharmacyID = "main-pharmacy"
	}
	return &Service{
		repo:       repo,
		carts:      carts,
		ledger:     lg,
		promos:     promos,
		pharmacyID: pharmacyID,
	}
}

func (s *Service) PharmacyID() string { return s.pharmacyID }

func (s *Service) audit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		ID:            xid.New("audit"),
		PharmacyID:    s.pharmacyID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("action", action).Msg("audit log write failed")
	}
}

// --- products ---

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, s.pharmacyID)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	pharmacyID := req.PharmacyID
	if pharmacyID == "" {
		pharmacyID = s.pharmacyID
	}
	product := domain.Product{
		SKU:          strings.TrimSpace(req.SKU),
		Name:         strings.TrimSpace(req.Name),
		Category:     strings.TrimSpace(req.Category),
		PharmacyID:   pharmacyID,
		PriceCents:   req.PriceCents,
		CurrentStock: req.InitialStock,
		MinStock:     req.MinStock,
	}
	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "product.create", "product", created.ID, created.SKU)
	return created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, sku string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	existing, err := s.repo.GetProductBySKU(ctx, s.pharmacyID, sku)
	if err != nil {
		return nil, err
	}

	next := *existing
	if req.Name != nil {
		next.Name = strings.TrimSpace(*req.Name)
	}
	if req.Category != nil {
		next.Category = strings.TrimSpace(*req.Category)
	}
	if req.PriceCents != nil {
		next.PriceCents = *req.PriceCents
	}
	if req.MinStock != nil {
		next.MinStock = *req.MinStock
	}
	if req.Active != nil {
		next.Active = *req.Active
	}

	updated, err := s.repo.UpdateProduct(ctx, next)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "product.update", "product", updated.ID, updated.SKU)
	return updated, nil
}

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (*domain.Product, error) {
	pharmacyID := req.PharmacyID
	if pharmacyID == "" {
		pharmacyID = s.pharmacyID
	}

	var (
		updated *domain.Product
		err     error
	)
	if req.SetQty != nil {
		updated, err = s.repo.SetStock(ctx, pharmacyID, req.SKU, *req.SetQty)
	} else {
		if req.Delta == 0 {
			return nil, fmt.Errorf("%w: adjustment must change stock", store.ErrInvalidRequest)
		}
		updated, err = s.repo.AdjustStock(ctx, pharmacyID, req.SKU, req.Delta)
	}
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "stock.adjust", "product", updated.ID,
		fmt.Sprintf("sku=%s stock=%d reason=%s", updated.SKU, updated.CurrentStock, req.Reason))
	return updated, nil
}

func (s *Service) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListLowStock(ctx, s.pharmacyID)
}

// --- customers ---

func (s *Service) RegisterCustomer(ctx context.Context, req domain.CustomerCreateRequest) (*domain.Customer, error) {
	customer := domain.Customer{
		Name:  strings.TrimSpace(req.Name),
		Phone: strings.TrimSpace(req.Phone),
	}
	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "customer.register", "customer", created.ID, created.Phone)
	return created, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return s.repo.GetCustomerByID(ctx, id)
}

func (s *Service) FindCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	return s.repo.FindCustomerByPhone(ctx, phone)
}

func (s *Service) CustomerHistory(ctx context.Context, customerID string, limit int) ([]domain.LoyaltyTransaction, error) {
	if _, err := s.repo.GetCustomerByID(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListLoyaltyTransactions(ctx, customerID, limit)
}

func (s *Service) ReconcileCustomer(ctx context.Context, customerID string) (domain.ReconcileResult, error) {
	return s.ledger.Reconcile(ctx, customerID)
}

// --- promotions (admin) ---

func (s *Service) CreateDiscountCode(ctx context.Context, req domain.DiscountCodeCreateRequest) (*domain.DiscountCode, error) {
	start, err := parsePromoDate(req.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := parsePromoDate(req.EndDate)
	if err != nil {
		return nil, err
	}

	created, err := s.repo.CreateDiscountCode(ctx, domain.DiscountCode{
		Code:           req.Code,
		Type:           req.Type,
		Value:          req.Value,
		MinAmountCents: req.MinAmountCents,
		MaxAmountCents: req.MaxAmountCents,
		StartDate:      start,
		EndDate:        end,
		ProductScope:   req.ProductScope,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "discount.create", "discount_code", created.ID, created.Code)
	return created, nil
}

func (s *Service) ListDiscountCodes(ctx context.Context) ([]domain.DiscountCode, error) {
	return s.repo.ListDiscountCodes(ctx)
}

func (s *Service) CreateQuantityOffer(ctx context.Context, req domain.QuantityOfferCreateRequest) (*domain.QuantityOffer, error) {
	start, err := parsePromoDate(req.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := parsePromoDate(req.EndDate)
	if err != nil {
		return nil, err
	}

	created, err := s.repo.CreateQuantityOffer(ctx, domain.QuantityOffer{
		Type:       req.Type,
		ProductSKU: req.ProductSKU,
		StartDate:  start,
		EndDate:    end,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, "offer.create", "quantity_offer", created.ID, created.Type+" "+created.ProductSKU)
	return created, nil
}

func (s *Service) ListQuantityOffers(ctx context.Context) ([]domain.QuantityOffer, error) {
	return s.repo.ListQuantityOffers(ctx)
}

func parsePromoDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: invalid date %q", store.ErrInvalidRequest, raw)
}

// --- cart sessions ---

func (s *Service) OpenCart(ctx context.Context, req domain.CartOpenRequest) (domain.CartView, error) {
	pharmacyID := req.PharmacyID
	if pharmacyID == "" {
		pharmacyID = s.pharmacyID
	}
	actor, _ := ActorFromContext(ctx)
	c := s.carts.Open(pharmacyID, actor.Username)
	return c.View(), nil
}

func (s *Service) CartView(_ context.Context, cartID string) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) AddItem(ctx context.Context, cartID string, req domain.CartItemRequest) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		product, err := s.repo.GetProductBySKU(ctx, c.PharmacyID(), req.SKU)
		if err != nil {
			return err
		}
		if !product.Active {
			return fmt.Errorf("%w: %s is not for sale", store.ErrInvalidRequest, product.SKU)
		}
		if err := c.AddItem(*product, req.Quantity); err != nil {
			return err
		}
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) UpdateItemQuantity(ctx context.Context, cartID string, sku string, qty int) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		product, err := s.repo.GetProductBySKU(ctx, c.PharmacyID(), sku)
		if err != nil {
			return err
		}
		customerID := c.CustomerID()
		released, err := c.UpdateQuantity(*product, qty)
		if err != nil {
			return err
		}
		s.restoreReleased(ctx, customerID, released)
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) RemoveItem(ctx context.Context, cartID string, sku string) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		customerID := c.CustomerID()
		released, err := c.RemoveItem(sku)
		if err != nil {
			return err
		}
		s.restoreReleased(ctx, customerID, released)
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) ClearCart(ctx context.Context, cartID string) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		customerID := c.CustomerID()
		released := c.Clear()
		s.restoreReleased(ctx, customerID, released)
		view = c.View()
		return nil
	})
	return view, err
}

// restoreReleased writes the restoration transaction for a redemption that a
// cart transition released. Restoration failures are logged, not propagated:
// the cart mutation itself already happened.
func (s *Service) restoreReleased(ctx context.Context, customerID string, released *domain.Redemption) {
	if released == nil || customerID == "" {
		return
	}
	if _, err := s.ledger.Restore(ctx, customerID, *released); err != nil {
		log.Error().Err(err).
			Str("customer_id", customerID).
			Int("points", released.PointsRedeemed).
			Msg("point restoration failed")
		return
	}
	s.audit(ctx, "loyalty.restore", "customer", customerID,
		fmt.Sprintf("points=%d", released.PointsRedeemed))
}

func (s *Service) AttachCustomer(ctx context.Context, cartID string, req domain.CartCustomerRequest) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		var (
			customer *domain.Customer
			err      error
		)
		switch {
		case req.CustomerID != "":
			customer, err = s.repo.GetCustomerByID(ctx, req.CustomerID)
		case req.Phone != "":
			customer, err = s.repo.FindCustomerByPhone(ctx, req.Phone)
		default:
			return fmt.Errorf("%w: customer_id or phone required", store.ErrInvalidRequest)
		}
		if err != nil {
			return err
		}

		// Switching customers first releases the previous customer's redemption.
		if prev := c.CustomerID(); prev != "" && prev != customer.ID {
			released := c.DetachCustomer()
			s.restoreReleased(ctx, prev, released)
		}
		c.AttachCustomer(customer.ID)
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) DetachCustomer(ctx context.Context, cartID string) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		customerID := c.CustomerID()
		released := c.DetachCustomer()
		s.restoreReleased(ctx, customerID, released)
		view = c.View()
		return nil
	})
	return view, err
}

// RedeemPoints converts the attached customer's points into a fixed cart
// discount. The deduction happens immediately; any path that abandons the
// cart afterwards restores the points via a restoration transaction.
func (s *Service) RedeemPoints(ctx context.Context, cartID string, req domain.RedeemRequest) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		if c.Empty() {
			return fmt.Errorf("%w: cannot redeem against an empty cart", store.ErrInvalidRequest)
		}
		if c.CustomerID() == "" {
			return fmt.Errorf("%w: no customer selected", store.ErrInvalidRequest)
		}
		if c.Redemption() != nil {
			return fmt.Errorf("%w: a redemption is already applied", store.ErrInvalidRequest)
		}

		before := c.Totals()
		tx, _, err := s.ledger.Redeem(ctx, c.CustomerID(), req.Points)
		if err != nil {
			return err
		}

		redemption := domain.Redemption{
			PointsRedeemed:     tx.Points,
			DiscountCents:      tx.DiscountCents,
			OriginalTotalCents: before.FinalCents,
			TransactionID:      tx.ID,
		}
		if _, err := c.ApplyRedemption(redemption); err != nil {
			// Should be unreachable given the check above; restore to be safe.
			s.restoreReleased(ctx, c.CustomerID(), &redemption)
			return err
		}

		s.audit(ctx, "loyalty.redeem", "customer", c.CustomerID(),
			fmt.Sprintf("points=%d discount_cents=%d", tx.Points, tx.DiscountCents))
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) CancelRedemption(ctx context.Context, cartID string) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		released := c.CancelRedemption()
		if released == nil {
			return fmt.Errorf("%w: no redemption applied", store.ErrNotFound)
		}
		s.restoreReleased(ctx, c.CustomerID(), released)
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) ApplyDiscountCode(ctx context.Context, cartID string, req domain.DiscountApplyRequest) (domain.CartView, error) {
	now := time.Now().UTC()
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		if c.Empty() {
			return fmt.Errorf("%w: cannot apply a code to an empty cart", store.ErrInvalidRequest)
		}
		discount, err := s.promos.FindDiscountByCode(ctx, req.Code, now)
		if err != nil {
			return err
		}
		totals := c.Totals()
		if err := s.promos.ValidateForCart(discount, c.Lines(), totals.SubtotalCents); err != nil {
			return err
		}
		if err := c.SetDiscount(*discount); err != nil {
			return err
		}
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) RemoveDiscountCode(_ context.Context, cartID string) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		c.RemoveDiscount()
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) ApplyOffer(ctx context.Context, cartID string, req domain.OfferApplyRequest) (domain.CartView, error) {
	now := time.Now().UTC()
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		if c.Empty() {
			return fmt.Errorf("%w: cannot apply an offer to an empty cart", store.ErrInvalidRequest)
		}
		offer, err := s.promos.GetOffer(ctx, req.OfferID, now)
		if err != nil {
			return err
		}
		if err := s.promos.ValidateOfferForCart(offer, c.Lines()); err != nil {
			return err
		}
		if err := c.SetOffer(*offer); err != nil {
			return err
		}
		view = c.View()
		return nil
	})
	return view, err
}

func (s *Service) RemoveOffer(_ context.Context, cartID string) (domain.CartView, error) {
	var view domain.CartView
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		c.RemoveOffer()
		view = c.View()
		return nil
	})
	return view, err
}

// EligibleOffers lists the active offers matching the cart's SKUs, plus the
// best suggestion by savings.
func (s *Service) EligibleOffers(ctx context.Context, cartID string) ([]domain.QuantityOffer, *domain.OfferSuggestion, error) {
	now := time.Now().UTC()
	var (
		offers     []domain.QuantityOffer
		suggestion *domain.OfferSuggestion
	)
	err := s.carts.With(cartID, func(c *cart.Cart) error {
		lines := c.Lines()
		eligible, err := s.promos.EligibleOffers(ctx, lines, now)
		if err != nil {
			return err
		}
		offers = eligible
		suggestion = s.promos.Suggest(lines, eligible)
		return nil
	})
	return offers, suggestion, err
}

// Commit finalizes the cart: the repository deducts stock for every line,
// appends the dispensing record, applies the earn transaction and links the
// redeemed transaction in one atomic step. The session is closed inside the
// same critical section, so no other cart operation can land between the
// dispense and the removal. A stock conflict aborts the whole commit and
// leaves the cart open so the pharmacist can adjust it.
func (s *Service) Commit(ctx context.Context, cartID string) (*domain.DispensingRecord, error) {
	var record *domain.DispensingRecord
	err := s.carts.Finalize(cartID, func(c *cart.Cart) error {
		if c.Empty() {
			return fmt.Errorf("%w: cannot commit an empty cart", store.ErrInvalidRequest)
		}

		totals := c.Totals()
		now := time.Now().UTC()
		pending := domain.DispensingRecord{
			ID:            xid.New("disp"),
			Timestamp:     now,
			Items:         c.Lines(),
			TotalCents:    totals.FinalCents,
			OriginalCents: totals.SubtotalCents,
			Redemption:    c.Redemption(),
			Discount:      c.AppliedDiscount(),
			Offer:         c.AppliedOffer(),
			StaffID:       c.StaffID(),
			PharmacyID:    c.PharmacyID(),
			CustomerID:    c.CustomerID(),
		}

		earn := s.ledger.EarnTransaction(c.CustomerID(), totals.FinalCents)
		if earn != nil {
			pending.EarnedPoints = earn.Points
		}
		redeemedTxID := ""
		if r := c.Redemption(); r != nil {
			redeemedTxID = r.TransactionID
		}

		created, err := s.repo.CreateDispense(ctx, pending, earn, redeemedTxID)
		if err != nil {
			return err
		}
		record = created
		return nil
	})
	if err != nil {
		var conflict *store.StockConflictError
		if errors.As(err, &conflict) {
			log.Warn().Str("cart_id", cartID).Int("lines", len(conflict.Lines)).Msg("commit aborted on stock conflict")
		}
		return nil, err
	}

	s.audit(ctx, "dispense.commit", "dispense", record.ID,
		fmt.Sprintf("total_cents=%d items=%d", record.TotalCents, len(record.Items)))
	log.Info().
		Str("dispense_id", record.ID).
		Int64("total_cents", record.TotalCents).
		Int("earned_points", record.EarnedPoints).
		Msg("dispense committed")
	return record, nil
}

// CancelCart abandons the session; any outstanding redemption is restored.
func (s *Service) CancelCart(ctx context.Context, cartID string) error {
	released, err := s.carts.Drop(cartID)
	if err != nil {
		return err
	}
	s.restoreReleased(ctx, released.CustomerID, released.Redemption)
	s.audit(ctx, "cart.cancel", "cart", cartID, "")
	return nil
}

// --- dispensing history and returns ---

func (s *Service) GetDispense(ctx context.Context, id string) (*domain.DispensingRecord, error) {
	return s.repo.GetDispenseByID(ctx, id)
}

func (s *Service) ListDispenses(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.DispensingRecord, error) {
	return s.repo.ListDispenses(ctx, s.pharmacyID, from, to, limit)
}

// ProcessReturn restocks returned items against an existing dispense. The
// cumulative returned quantity per SKU can never exceed what the dispense
// sold.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (*domain.ReturnRecord, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no return items", store.ErrInvalidRequest)
	}

	dispense, err := s.repo.GetDispenseByID(ctx, req.DispenseID)
	if err != nil {
		return nil, err
	}
	returned, err := s.repo.GetReturnedQtyByDispense(ctx, req.DispenseID)
	if err != nil {
		return nil, err
	}

	sold := make(map[string]domain.CartLine, len(dispense.Items))
	for _, line := range dispense.Items {
		sold[line.SKU] = line
	}

	var refund int64
	items := make([]domain.ReturnLine, 0, len(req.Items))
	for _, item := range req.Items {
		line, ok := sold[item.SKU]
		if !ok {
			return nil, fmt.Errorf("%w: %s was not part of dispense %s", store.ErrInvalidRequest, item.SKU, dispense.ID)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: return quantity must be at least 1", store.ErrInvalidRequest)
		}
		if returned[item.SKU]+item.Quantity > line.Quantity {
			return nil, fmt.Errorf("%w: %s sold %d, already returned %d, cannot return %d more",
				store.ErrInvalidRequest, item.SKU, line.Quantity, returned[item.SKU], item.Quantity)
		}
		items = append(items, domain.ReturnLine{
			SKU:            item.SKU,
			Quantity:       item.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			Reason:         item.Reason,
		})
		refund += line.UnitPriceCents * int64(item.Quantity)
	}

	actor, _ := ActorFromContext(ctx)
	record, err := s.repo.CreateReturn(ctx, domain.ReturnRecord{
		ID:          xid.New("ret"),
		DispenseID:  dispense.ID,
		PharmacyID:  dispense.PharmacyID,
		StaffID:     actor.Username,
		Items:       items,
		RefundCents: refund,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "return.create", "return", record.ID,
		fmt.Sprintf("dispense=%s refund_cents=%d", record.DispenseID, record.RefundCents))
	return record, nil
}

// --- reports and audit ---

func (s *Service) DailyReport(ctx context.Context, day time.Time) (domain.DailyReport, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	report, err := s.repo.GetDailyReport(ctx, s.pharmacyID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.Date = from.Format("2006-01-02")
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Minute)
	}
	return s.repo.ListAuditLogs(ctx, s.pharmacyID, from, to, limit)
}

// StartSessionSweeper expires idle cart sessions on a fixed interval and
// restores points from any redemption they still held. It returns when ctx is
// cancelled.
func (s *Service) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, released := range s.carts.Sweep(now.UTC()) {
				log.Info().Str("cart_id", released.CartID).Msg("idle cart session expired")
				s.restoreReleased(ctx, released.CustomerID, released.Redemption)
			}
		}
	}
}
