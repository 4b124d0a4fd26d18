// Package stock defines the stock ledger: the authoritative per-product
// available-quantity counter, mutated only through atomic reservation and
// compensating release.
package stock

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"
)

// ErrInvalidQuantity is returned for non-positive reservation quantities.
var ErrInvalidQuantity = errors.New("quantity must be greater than 0")

// InsufficientStockError reports that a product cannot cover a request.
// Available is the quantity the caller may still take, never negative.
type InsufficientStockError struct {
	ProductID string
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: only %d available", e.ProductID, e.Available)
}

// Ledger is implemented by storage backends.
//
// Reserve must decrement available quantity only if it stays non-negative, as
// one atomic step. When it cannot, it returns *InsufficientStockError carrying
// the availability observed by that step.
type Ledger interface {
	Reserve(ctx context.Context, productID string, quantity int) error
	Release(ctx context.Context, productID string, quantity int) error
}

// Item is a single product/quantity pair to reserve or release.
type Item struct {
	ProductID string
	Quantity  int
}

// Normalize merges duplicate products and sorts by product ID so multi-line
// reservations always touch rows in the same order.
func Normalize(items []Item) []Item {
	merged := make(map[string]int, len(items))
	for _, it := range items {
		merged[it.ProductID] += it.Quantity
	}
	out := make([]Item, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Item{ProductID: id, Quantity: qty})
	}
	slices.SortFunc(out, func(a, b Item) int { return strings.Compare(a.ProductID, b.ProductID) })
	return out
}

// ReserveAll reserves every item or none. On the first failure all items
// reserved so far are released before the error is returned.
func ReserveAll(ctx context.Context, l Ledger, items []Item) error {
	items = Normalize(items)
	for _, it := range items {
		if it.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}

	for i, it := range items {
		if err := l.Reserve(ctx, it.ProductID, it.Quantity); err != nil {
			if relErr := ReleaseAll(ctx, l, items[:i]); relErr != nil {
				return multierr.Append(err, errors.Wrap(relErr, "compensate reservation"))
			}
			return err
		}
	}
	return nil
}

// ReleaseAll returns every item to the ledger, continuing past failures and
// reporting all of them. It runs on a context detached from cancellation.
func ReleaseAll(ctx context.Context, l Ledger, items []Item) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	for _, it := range items {
		if relErr := l.Release(ctx, it.ProductID, it.Quantity); relErr != nil {
			err = multierr.Append(err, errors.Wrapf(relErr, "release %s", it.ProductID))
		}
	}
	return err
}
