package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	stub := &userStoreStub{users: map[string]domain.UserAccount{
		"legacy": {Username: "legacy", Password: "plain-secret", Role: domain.RolePharmacist, Active: true},
	}}

	auth := NewAuthManager("test-secret", time.Hour, stub)

	stub.mu.Lock()
	stored := stub.users["legacy"].Password
	updates := stub.updates
	stub.mu.Unlock()
	if !isPasswordHash(stored) {
		t.Fatalf("expected the stored password to be hashed, got %q", stored)
	}
	if updates != 1 {
		t.Fatalf("expected one password upgrade, got %d", updates)
	}

	// The original plain password still logs in through the hash.
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "legacy", Password: "plain-secret"}); err != nil {
		t.Fatalf("login after upgrade: %v", err)
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	hash, err := hashPassword("secret99")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	stub := &userStoreStub{users: map[string]domain.UserAccount{
		"ghost": {Username: "ghost", Password: hash, Role: domain.RolePharmacist, Active: false},
	}}
	auth := NewAuthManager("test-secret", time.Hour, stub)

	_, err = auth.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "secret99"})
	if err == nil || !strings.Contains(err.Error(), "inactive") {
		t.Fatalf("expected the inactive account to be rejected, got %v", err)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	auth := NewAuthManager("test-secret", time.Hour, nil)

	token, err := auth.sign("pharmacist", domain.RolePharmacist, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	actor, err := auth.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor.Username != "pharmacist" || actor.Role != domain.RolePharmacist {
		t.Fatalf("unexpected actor %+v", actor)
	}

	// A token signed with another secret must not verify.
	other := NewAuthManager("other-secret", time.Hour, nil)
	forged, err := other.sign("admin", domain.RoleAdmin, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign forged: %v", err)
	}
	if _, err := auth.ParseToken(forged); err == nil {
		t.Fatalf("expected the forged token to be rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	auth := NewAuthManager("test-secret", time.Hour, nil)

	token, err := auth.sign("pharmacist", domain.RolePharmacist, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected the expired token to be rejected")
	}
}

func TestCreateStaffValidation(t *testing.T) {
	auth := NewAuthManager("test-secret", time.Hour, &userStoreStub{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.StaffCreateRequest
	}{
		{"short username", domain.StaffCreateRequest{Username: "ab", Password: "secret99"}},
		{"username with spaces", domain.StaffCreateRequest{Username: "new staff", Password: "secret99"}},
		{"short password", domain.StaffCreateRequest{Username: "newstaff", Password: "abc"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := auth.CreateStaff(ctx, tc.req); !errors.Is(err, store.ErrInvalidRequest) {
				t.Fatalf("expected a validation error, got %v", err)
			}
		})
	}

	created, err := auth.CreateStaff(ctx, domain.StaffCreateRequest{Username: "NewStaff", Password: "secret99"})
	if err != nil {
		t.Fatalf("create staff: %v", err)
	}
	if created.Username != "newstaff" || created.Role != domain.RolePharmacist {
		t.Fatalf("unexpected staff %+v", created)
	}

	// Usernames are unique.
	if _, err := auth.CreateStaff(ctx, domain.StaffCreateRequest{Username: "newstaff", Password: "secret99"}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected the duplicate to be rejected, got %v", err)
	}

	// The new pharmacist can log in straight away.
	if _, err := auth.Login(ctx, domain.LoginRequest{Username: "newstaff", Password: "secret99"}); err != nil {
		t.Fatalf("login as new staff: %v", err)
	}

	staff, err := auth.ListStaff(ctx)
	if err != nil {
		t.Fatalf("list staff: %v", err)
	}
	if len(staff) != 1 || staff[0].Username != "newstaff" {
		t.Fatalf("unexpected staff list %+v", staff)
	}
}
