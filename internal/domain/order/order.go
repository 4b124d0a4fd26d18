package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/stock"
)

// PaymentStatus is the payment half of an order's state. It leaves Pending
// exactly once, to Paid or Failed.
type PaymentStatus string

// Payment statuses.
const (
	PaymentPending PaymentStatus = "Pending"
	PaymentPaid    PaymentStatus = "Paid"
	PaymentFailed  PaymentStatus = "Failed"
)

// DeliveryStatus is the delivery half of an order's state.
type DeliveryStatus string

// Delivery statuses.
const (
	DeliveryProcessing DeliveryStatus = "Processing"
	DeliveryShipped    DeliveryStatus = "Shipped"
	DeliveryDelivered  DeliveryStatus = "Delivered"
	DeliveryCancelled  DeliveryStatus = "Cancelled"
)

// RequiresPayment reports whether moving to s needs a Paid order.
func (s DeliveryStatus) RequiresPayment() bool {
	return s == DeliveryShipped || s == DeliveryDelivered
}

// Order is a placed order. Lines and Total are frozen at creation; only the
// statuses and ProviderRef change afterwards.
type Order struct {
	ID             string
	UserID         string
	Lines          []Line
	Total          decimal.Decimal
	PaymentStatus  PaymentStatus
	DeliveryStatus DeliveryStatus
	ProviderRef    string
	CreatedAt      time.Time
}

// Line is an order line with the unit price captured at purchase.
type Line struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// StockItems returns the lines as stock ledger items.
func (o *Order) StockItems() []stock.Item {
	items := make([]stock.Item, len(o.Lines))
	for i, l := range o.Lines {
		items[i] = stock.Item{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return items
}

// Repository defines persistence operations for orders.
//
// The Transition methods are compare-and-set operations: each reports whether
// this call performed the change and always returns the order as stored
// after the attempt.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByProviderRef(ctx context.Context, ref string) (*Order, error)
	// ListByUser returns the user's orders, newest first.
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	// AttachProviderRef stores ref unless the order already has one. The
	// returned order carries whichever reference ended up stored.
	AttachProviderRef(ctx context.Context, id, ref string) (*Order, error)
	// TransitionPayment moves a Pending order to status, in one atomic step
	// with its stock bookkeeping: moving to Paid adds every line's quantity to
	// the product's sold counter; moving to Failed returns every line's
	// quantity to available stock and cancels delivery.
	TransitionPayment(ctx context.Context, id string, status PaymentStatus) (*Order, bool, error)
	// TransitionDelivery moves delivery from one status to another. Targets
	// that require payment only apply when the order is Paid at that moment.
	TransitionDelivery(ctx context.Context, id string, from, to DeliveryStatus) (*Order, bool, error)
}
