package cart

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/store"
)

func TestManagerOpenAndWith(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Open("main-pharmacy", "pharmacist")
	require.Equal(t, 1, m.OpenCount())

	err := m.With(c.ID(), func(c *Cart) error {
		return c.AddItem(testProduct("PARA-500", 1200, 10), 2)
	})
	require.NoError(t, err)

	err = m.With("cart-missing", func(*Cart) error { return nil })
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerDropReleasesRedemption(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Open("main-pharmacy", "pharmacist")

	err := m.With(c.ID(), func(c *Cart) error {
		if err := c.AddItem(testProduct("VITC-500", 1000, 50), 3); err != nil {
			return err
		}
		c.AttachCustomer("cust-1")
		_, err := c.ApplyRedemption(domain.Redemption{PointsRedeemed: 100, DiscountCents: 200})
		return err
	})
	require.NoError(t, err)

	released, err := m.Drop(c.ID())
	require.NoError(t, err)
	assert.Equal(t, "cust-1", released.CustomerID)
	require.NotNil(t, released.Redemption)
	assert.Equal(t, 100, released.Redemption.PointsRedeemed)
	assert.Equal(t, 0, m.OpenCount())

	_, err = m.Drop(c.ID())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerFinalizeClosesSessionInSameCriticalSection(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Open("main-pharmacy", "pharmacist")

	// While fn holds the lock, a concurrent operation on the same cart must
	// block until the session is already gone, so it can only observe the
	// cart as closed.
	entered := make(chan struct{})
	raced := make(chan error, 1)
	go func() {
		<-entered
		raced <- m.With(c.ID(), func(*Cart) error { return nil })
	}()

	err := m.Finalize(c.ID(), func(*Cart) error {
		close(entered)
		// Give the racing goroutine a chance to reach the manager lock.
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, <-raced, store.ErrNotFound)
	assert.Equal(t, 0, m.OpenCount())
}

func TestManagerFinalizeKeepsSessionOnError(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Open("main-pharmacy", "pharmacist")

	sentinel := errors.New("stock conflict")
	err := m.Finalize(c.ID(), func(*Cart) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, m.OpenCount())

	err = m.Finalize("cart-missing", func(*Cart) error { return nil })
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerSweep(t *testing.T) {
	m := NewManager(10 * time.Minute)

	stale := m.Open("main-pharmacy", "pharmacist")
	err := m.With(stale.ID(), func(c *Cart) error {
		if err := c.AddItem(testProduct("PARA-500", 1200, 10), 1); err != nil {
			return err
		}
		c.AttachCustomer("cust-1")
		_, err := c.ApplyRedemption(domain.Redemption{PointsRedeemed: 100, DiscountCents: 200})
		return err
	})
	require.NoError(t, err)

	// Nothing is idle yet.
	assert.Empty(t, m.Sweep(time.Now().UTC()))

	expired := m.Sweep(time.Now().UTC().Add(time.Hour))
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID(), expired[0].CartID)
	assert.Equal(t, "cust-1", expired[0].CustomerID)
	require.NotNil(t, expired[0].Redemption)
	assert.Equal(t, 100, expired[0].Redemption.PointsRedeemed)
	assert.Equal(t, 0, m.OpenCount())
}
