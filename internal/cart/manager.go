package cart

import (
	"fmt"
	"sync"
	"time"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/xid"
)

// Released pairs an expired or dropped cart with the redemption it held, so
// the caller can restore the customer's points.
type Released struct {
	CartID     string
	CustomerID string
	Redemption *domain.Redemption
}

// Manager owns the open cart sessions. All session operations run under a
// single mutex, so two operations on the same cart can never interleave.
type Manager struct {
	mu      sync.Mutex
	carts   map[string]*Cart
	idleTTL time.Duration
}

func NewManager(idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Manager{
		carts:   make(map[string]*Cart),
		idleTTL: idleTTL,
	}
}

func (m *Manager) Open(pharmacyID string, staffID string) *Cart {
	c := newCart(xid.New("cart"), pharmacyID, staffID, time.Now().UTC())

	m.mu.Lock()
	m.carts[c.id] = c
	m.mu.Unlock()
	return c
}

// With runs fn against the cart under the manager's lock. Any error from fn
// is passed through unchanged.
func (m *Manager) With(cartID string, fn func(*Cart) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.carts[cartID]
	if !ok {
		return fmt.Errorf("%w: no open cart %s", store.ErrNotFound, cartID)
	}
	return fn(c)
}

// Drop closes the session and returns any outstanding redemption together
// with the customer it belongs to.
func (m *Manager) Drop(cartID string) (*Released, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.carts[cartID]
	if !ok {
		return nil, fmt.Errorf("%w: no open cart %s", store.ErrNotFound, cartID)
	}
	delete(m.carts, cartID)

	released := &Released{CartID: c.id, CustomerID: c.customerID}
	released.Redemption = c.Clear()
	return released, nil
}

// Finalize runs fn against the cart under the manager's lock and, when fn
// succeeds, closes the session before the lock is released. Nothing is
// released: a successful fn has consumed the cart's promotions. When fn
// fails the session stays open.
func (m *Manager) Finalize(cartID string, fn func(*Cart) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.carts[cartID]
	if !ok {
		return fmt.Errorf("%w: no open cart %s", store.ErrNotFound, cartID)
	}
	if err := fn(c); err != nil {
		return err
	}
	delete(m.carts, cartID)
	return nil
}

// Sweep drops sessions idle past the TTL and reports their released
// redemptions for restoration.
func (m *Manager) Sweep(now time.Time) []Released {
	cutoff := now.Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	expired := make([]Released, 0, 4)
	for id, c := range m.carts {
		if c.updatedAt.After(cutoff) {
			continue
		}
		released := Released{CartID: id, CustomerID: c.customerID}
		released.Redemption = c.Clear()
		delete(m.carts, id)
		expired = append(expired, released)
	}
	return expired
}

func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.carts)
}
