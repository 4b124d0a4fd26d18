package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is the catalog view the fulfillment core works with. Catalog CRUD
// lives elsewhere; only AvailableQuantity and SoldQuantity are mutated here,
// and only through the stock ledger and paid-order bookkeeping.
type Product struct {
	ID                string
	Name              string
	Price             decimal.Decimal
	AvailableQuantity int
	SoldQuantity      int
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}

// Index maps products by ID.
func Index(products []Product) map[string]Product {
	m := make(map[string]Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return m
}
