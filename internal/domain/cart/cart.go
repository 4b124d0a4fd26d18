package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for cart operations.
var (
	ErrNotFound        = errors.New("cart not found")
	ErrItemNotFound    = errors.New("item not in cart")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
)

// Cart is a user's mutable pre-order basket. Lines keep insertion order and
// never carry a price: totals are resolved from the catalog when computed.
type Cart struct {
	UserID    string
	Lines     []Line
	UpdatedAt time.Time
}

// Line is a single product/quantity pair in a cart.
type Line struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Find returns the index of the line for productID, or -1.
func (c *Cart) Find(productID string) int {
	for i, l := range c.Lines {
		if l.ProductID == productID {
			return i
		}
	}
	return -1
}

// Quantity returns the quantity held for productID.
func (c *Cart) Quantity(productID string) int {
	if i := c.Find(productID); i >= 0 {
		return c.Lines[i].Quantity
	}
	return 0
}

// Add appends a new line or increases an existing one.
func (c *Cart) Add(productID string, quantity int) {
	if i := c.Find(productID); i >= 0 {
		c.Lines[i].Quantity += quantity
		return
	}
	c.Lines = append(c.Lines, Line{ProductID: productID, Quantity: quantity})
}

// Reduce decreases a line, removing it once it reaches zero or below.
func (c *Cart) Reduce(productID string, quantity int) error {
	i := c.Find(productID)
	if i < 0 {
		return ErrItemNotFound
	}
	c.Lines[i].Quantity -= quantity
	if c.Lines[i].Quantity <= 0 {
		c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
	}
	return nil
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// View is a cart together with its total priced at read time.
type View struct {
	UserID    string
	Lines     []PricedLine
	Total     decimal.Decimal
	UpdatedAt time.Time
}

// PricedLine is a cart line resolved against the current catalog price.
type PricedLine struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Repository persists carts.
//
// Update loads the user's cart (an empty one when create is set and none
// exists), applies fn and stores the result. Implementations serialize
// concurrent Updates for the same user so fn always sees the latest lines.
// When create is false and no cart exists, Update returns ErrNotFound.
type Repository interface {
	Get(ctx context.Context, userID string) (*Cart, error)
	Update(ctx context.Context, userID string, create bool, fn func(c *Cart) error) (*Cart, error)
}
