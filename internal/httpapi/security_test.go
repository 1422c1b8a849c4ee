package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pharmapos/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	api, _ := newTestAPI(t)
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}
}

func TestMutatingRequestsRequireCSRFToken(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "pharmacist", "dispense123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/carts", token, "",
		domain.CartOpenRequest{PharmacyID: "main-pharmacy"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a CSRF token, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/carts", token, "bogus-token",
		domain.CartOpenRequest{PharmacyID: "main-pharmacy"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with a forged CSRF token, got %d", rec.Code)
	}

	csrf := fetchCSRF(t, handler)
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/carts", token, csrf,
		domain.CartOpenRequest{PharmacyID: "main-pharmacy"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with a valid CSRF token, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAdminRoutesRejectPharmacist(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, handler, "pharmacist", "dispense123")

	for _, path := range []string{
		"/api/v1/reports/daily",
		"/api/v1/audit-logs",
		"/api/v1/users/staff",
	} {
		rec := doJSON(t, handler, http.MethodGet, path, token, "", nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 for the pharmacist, got %d", path, rec.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an oversized body, got %d", res.Code)
	}
}

func timeNowHourBucket() int64 {
	return time.Now().UTC().Truncate(time.Hour).Unix()
}

func TestCSRFTokenValidAcrossHourBoundary(t *testing.T) {
	api, _ := newTestAPI(t)

	current := api.generateCSRFToken()
	if !api.validateCSRFToken(current) {
		t.Fatalf("expected the current token to validate")
	}

	// A token minted in the previous hour bucket is still within the window.
	previous := api.csrfTokenForHour(timeNowHourBucket() - 3600)
	if !api.validateCSRFToken(previous) {
		t.Fatalf("expected the previous hour's token to validate")
	}

	stale := api.csrfTokenForHour(timeNowHourBucket() - 7200)
	if api.validateCSRFToken(stale) {
		t.Fatalf("expected a two hour old token to be rejected")
	}
}
