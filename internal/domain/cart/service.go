package cart

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/domain/stock"
)

// Service encapsulates cart business logic.
type Service struct {
	products product.Repository
	carts    Repository
}

// NewService creates a cart Service.
func NewService(products product.Repository, carts Repository) *Service {
	return &Service{
		products: products,
		carts:    carts,
	}
}

// AddItem adds quantity units of a product to the user's cart, creating the
// cart on first use. The resulting line may not exceed the product's
// available quantity; on violation the returned *stock.InsufficientStockError
// reports how many more units still fit.
func (s *Service) AddItem(ctx context.Context, userID, productID string, quantity int) (*View, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", productID, err)
	}

	c, err := s.carts.Update(ctx, userID, true, func(c *Cart) error {
		existing := c.Quantity(productID)
		if existing+quantity > p.AvailableQuantity {
			return &stock.InsufficientStockError{
				ProductID: productID,
				Available: max(p.AvailableQuantity-existing, 0),
			}
		}
		c.Add(productID, quantity)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.price(ctx, c)
}

// ReduceItem removes quantity units of a product from the user's cart. Lines
// that drop to zero or below are removed.
func (s *Service) ReduceItem(ctx context.Context, userID, productID string, quantity int) (*View, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	c, err := s.carts.Update(ctx, userID, false, func(c *Cart) error {
		return c.Reduce(productID, quantity)
	})
	if err != nil {
		return nil, err
	}

	return s.price(ctx, c)
}

// View returns the user's cart priced at current catalog prices.
func (s *Service) View(ctx context.Context, userID string) (*View, error) {
	c, err := s.carts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.price(ctx, c)
}

// Clear empties the user's cart. A missing cart is already clear.
func (s *Service) Clear(ctx context.Context, userID string) error {
	_, err := s.carts.Update(ctx, userID, false, func(c *Cart) error {
		c.Lines = nil
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrap(err, "clear cart")
	}
	return nil
}

// price resolves every line against the catalog and sums the total once all
// quantities are settled.
func (s *Service) price(ctx context.Context, c *Cart) (*View, error) {
	v := &View{
		UserID:    c.UserID,
		Lines:     make([]PricedLine, 0, len(c.Lines)),
		Total:     decimal.Zero,
		UpdatedAt: c.UpdatedAt,
	}
	if c.IsEmpty() {
		return v, nil
	}

	ids := make([]string, len(c.Lines))
	for i, l := range c.Lines {
		ids[i] = l.ProductID
	}
	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	byID := product.Index(fetched)

	for _, l := range c.Lines {
		p, ok := byID[l.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", l.ProductID, product.ErrNotFound)
		}
		lineTotal := p.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		v.Lines = append(v.Lines, PricedLine{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: p.Price,
			LineTotal: lineTotal,
		})
		v.Total = v.Total.Add(lineTotal)
	}
	return v, nil
}
