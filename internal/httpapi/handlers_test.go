package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/ledger"
	"pharmapos/backend/internal/promo"
	"pharmapos/backend/internal/service"
	"pharmapos/backend/internal/store/memory"
)

// newTestAPI builds a full API over an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()

	repo := memory.NewSeeded()
	carts := cart.NewManager(30 * time.Minute)
	promos := promo.NewRegistry(repo, nil, time.Second)
	svc := service.New(repo, carts, ledger.New(repo), promos, "main-pharmacy")
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*"), repo
}

func loginAs(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	payload, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func fetchCSRF(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("csrf token: expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode csrf response: %v", err)
	}
	return body["csrf_token"]
}

// doJSON performs an authenticated JSON request against the handler.
func doJSON(t *testing.T, handler http.Handler, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestListProductsRequiresToken(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	token := loginAs(t, handler, "pharmacist", "dispense123")
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a token, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(t, rec, &body)
	if len(body.Products) == 0 {
		t.Fatalf("expected seeded products")
	}
}

func TestCartCheckoutFlow(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "pharmacist", "dispense123")
	csrf := fetchCSRF(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/carts", token, csrf,
		domain.CartOpenRequest{PharmacyID: "main-pharmacy"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open cart: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var view domain.CartView
	decodeBody(t, rec, &view)
	if view.CartID == "" {
		t.Fatalf("expected a cart id, got %+v", view)
	}
	base := "/api/v1/carts/" + view.CartID

	rec = doJSON(t, handler, http.MethodPost, base+"/items", token, csrf,
		domain.CartItemRequest{SKU: "PARA-500", Quantity: 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("add item: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/customer", token, csrf,
		domain.CartCustomerRequest{Phone: "0555000111"})
	if rec.Code != http.StatusOK {
		t.Fatalf("attach customer: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/redemption", token, csrf,
		domain.RedeemRequest{Points: 200})
	if rec.Code != http.StatusOK {
		t.Fatalf("redeem: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &view)
	if view.Totals.RedemptionCents != 400 {
		t.Fatalf("redemption cents = %d, want 400", view.Totals.RedemptionCents)
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/discount", token, csrf,
		domain.DiscountApplyRequest{Code: "WELCOME10"})
	if rec.Code != http.StatusOK {
		t.Fatalf("apply code: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, base+"/offers", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("eligible offers: expected 200, got %d", rec.Code)
	}
	var offersBody struct {
		Offers     []domain.QuantityOffer  `json:"offers"`
		Suggestion *domain.OfferSuggestion `json:"suggestion"`
	}
	decodeBody(t, rec, &offersBody)
	if len(offersBody.Offers) != 1 || offersBody.Suggestion == nil {
		t.Fatalf("expected the seeded offer and a suggestion, got %+v", offersBody)
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/offer", token, csrf,
		domain.OfferApplyRequest{OfferID: offersBody.Offers[0].ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("apply offer: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/commit", token, csrf, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var commitBody struct {
		Dispense domain.DispensingRecord `json:"dispense"`
	}
	decodeBody(t, rec, &commitBody)
	if commitBody.Dispense.TotalCents != 1640 || commitBody.Dispense.OriginalCents != 3600 {
		t.Fatalf("dispense totals = (%d, %d), want (3600, 1640)",
			commitBody.Dispense.OriginalCents, commitBody.Dispense.TotalCents)
	}
	if commitBody.Dispense.EarnedPoints != 16 {
		t.Fatalf("earned points = %d, want 16", commitBody.Dispense.EarnedPoints)
	}

	// The session is closed; a second view is a 404.
	rec = doJSON(t, handler, http.MethodGet, base, token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after commit, got %d", rec.Code)
	}
}

func TestCommitStockConflictReturns409(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "pharmacist", "dispense123")
	csrf := fetchCSRF(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/carts", token, csrf,
		domain.CartOpenRequest{PharmacyID: "main-pharmacy"})
	var view domain.CartView
	decodeBody(t, rec, &view)
	base := "/api/v1/carts/" + view.CartID

	rec = doJSON(t, handler, http.MethodPost, base+"/items", token, csrf,
		domain.CartItemRequest{SKU: "AMOX-500", Quantity: 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("add item: expected 200, got %d", rec.Code)
	}

	// The shelf is drained by another sale before this cart commits.
	if _, err := repo.SetStock(context.Background(),"main-pharmacy", "AMOX-500", 1); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/commit", token, csrf, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Error     string `json:"error"`
		Conflicts []struct {
			SKU       string `json:"sku"`
			Requested int    `json:"requested"`
			Available int    `json:"available"`
		} `json:"conflicts"`
	}
	decodeBody(t, rec, &body)
	if len(body.Conflicts) != 1 || body.Conflicts[0].Requested != 4 || body.Conflicts[0].Available != 1 {
		t.Fatalf("unexpected conflict payload: %+v", body)
	}

	// The cart survived the aborted commit.
	rec = doJSON(t, handler, http.MethodGet, base, token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the cart to stay open, got %d", rec.Code)
	}
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	csrf := fetchCSRF(t, handler)

	payload := domain.ProductCreateRequest{
		PharmacyID:   "main-pharmacy",
		SKU:          "LORAT-10",
		Name:         "Loratadine 10mg",
		Category:     "antihistamine",
		PriceCents:   1250,
		InitialStock: 30,
		MinStock:     10,
	}

	pharmacist := loginAs(t, handler, "pharmacist", "dispense123")
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", pharmacist, csrf, payload)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for the pharmacist, got %d", rec.Code)
	}

	admin := loginAs(t, handler, "admin", "admin123")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", admin, csrf, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for the admin, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestDailyReportCSV(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	admin := loginAs(t, handler, "admin", "admin123")

	date := time.Now().UTC().Format("2006-01-02")
	rec := doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/api/v1/reports/daily?date=%s&format=csv", date), admin, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("section,key,value")) {
		t.Fatalf("expected a csv header, got %q", rec.Body.String())
	}
}

func TestCustomerLookupAndHistory(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "pharmacist", "dispense123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/customers?phone=0555000111", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup: expected 200, got %d", rec.Code)
	}
	var body struct {
		Customer domain.Customer `json:"customer"`
	}
	decodeBody(t, rec, &body)
	if body.Customer.Points != 250 {
		t.Fatalf("seeded points = %d, want 250", body.Customer.Points)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/customers/"+body.Customer.ID+"/history", token, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	var historyBody struct {
		Transactions []domain.LoyaltyTransaction `json:"transactions"`
	}
	decodeBody(t, rec, &historyBody)
	if len(historyBody.Transactions) != 1 || historyBody.Transactions[0].Type != domain.LoyaltyEarned {
		t.Fatalf("unexpected history: %+v", historyBody.Transactions)
	}
}
