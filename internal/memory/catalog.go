// Package memory provides in-process implementations of the storage
// interfaces. They back the service when no database is configured and serve
// as fakes in tests.
package memory

import (
	"context"
	"sync"

	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/domain/stock"
)

var (
	_ product.Repository = (*Catalog)(nil)
	_ stock.Ledger       = (*Catalog)(nil)
)

// Catalog holds products and acts as their stock ledger. Each product has its
// own lock, so stock moves on different products never contend; the map lock
// only guards membership.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]*entry
}

type entry struct {
	mu sync.Mutex
	p  product.Product
}

// NewCatalog returns a Catalog seeded with products.
func NewCatalog(products ...product.Product) *Catalog {
	c := &Catalog{products: make(map[string]*entry, len(products))}
	for _, p := range products {
		c.Put(p)
	}
	return c
}

// Put inserts or replaces a product.
func (c *Catalog) Put(p product.Product) {
	c.mu.Lock()
	e, ok := c.products[p.ID]
	if !ok {
		c.products[p.ID] = &entry{p: p}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	e.mu.Lock()
	e.p = p
	e.mu.Unlock()
}

func (c *Catalog) lookup(id string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.products[id]
	return e, ok
}

func (e *entry) snapshot() product.Product {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p
}

func (c *Catalog) GetByID(_ context.Context, id string) (*product.Product, error) {
	e, ok := c.lookup(id)
	if !ok {
		return nil, product.ErrNotFound
	}
	p := e.snapshot()
	return &p, nil
}

// GetByIDs returns the known products among ids. Unknown IDs are skipped.
func (c *Catalog) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.lookup(id); ok {
			out = append(out, e.snapshot())
		}
	}
	return out, nil
}

func (c *Catalog) Reserve(_ context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return stock.ErrInvalidQuantity
	}

	e, ok := c.lookup(productID)
	if !ok {
		return product.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.AvailableQuantity < quantity {
		return &stock.InsufficientStockError{ProductID: productID, Available: e.p.AvailableQuantity}
	}
	e.p.AvailableQuantity -= quantity
	return nil
}

func (c *Catalog) Release(_ context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return stock.ErrInvalidQuantity
	}

	e, ok := c.lookup(productID)
	if !ok {
		return product.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.p.AvailableQuantity += quantity
	return nil
}

// settle applies paid or failed bookkeeping for order lines. Callers hold the
// order store lock, which keeps one order's settlement from interleaving with
// another transition of the same order.
func (c *Catalog) settle(items []stock.Item, paid bool) {
	for _, it := range items {
		e, ok := c.lookup(it.ProductID)
		if !ok {
			continue
		}
		e.mu.Lock()
		if paid {
			e.p.SoldQuantity += it.Quantity
		} else {
			e.p.AvailableQuantity += it.Quantity
		}
		e.mu.Unlock()
	}
}
