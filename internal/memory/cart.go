package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xenking/kart-fulfillment/internal/domain/cart"
)

var _ cart.Repository = (*Carts)(nil)

// Carts stores carts keyed by user.
type Carts struct {
	mu    sync.Mutex
	carts map[string]*cart.Cart
	now   func() time.Time
}

// NewCarts returns an empty cart store.
func NewCarts() *Carts {
	return &Carts{
		carts: make(map[string]*cart.Cart),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Carts) Get(_ context.Context, userID string) (*cart.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.carts[userID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	return cloneCart(c), nil
}

// Update applies fn to a copy of the cart and stores it only if fn succeeds.
// The store lock is held for the whole call, so fn must not call back into
// the store.
func (s *Carts) Update(_ context.Context, userID string, create bool, fn func(c *cart.Cart) error) (*cart.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.carts[userID]
	switch {
	case ok:
		c = cloneCart(c)
	case create:
		c = &cart.Cart{UserID: userID}
	default:
		return nil, cart.ErrNotFound
	}

	if err := fn(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()
	s.carts[userID] = c
	return cloneCart(c), nil
}

func cloneCart(c *cart.Cart) *cart.Cart {
	cp := *c
	cp.Lines = slices.Clone(c.Lines)
	return &cp
}
