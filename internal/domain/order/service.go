package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/cart"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/domain/stock"
)

// Sentinel errors for order operations.
var (
	ErrNotFound          = errors.New("order not found")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrPaymentRequired   = errors.New("order is not paid")
	ErrCartChanged       = errors.New("cart changed during checkout")
)

// Service owns the order lifecycle: placement from a cart, payment outcome
// transitions and delivery progression.
type Service struct {
	products  product.Repository
	ledger    stock.Ledger
	carts     cart.Repository
	orders    Repository
	publisher Publisher
	now       func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	ledger stock.Ledger,
	carts cart.Repository,
	orders Repository,
	publisher Publisher,
) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Service{
		products:  products,
		ledger:    ledger,
		carts:     carts,
		orders:    orders,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Place turns the user's cart into a Pending order.
//
// Every line is checked against live stock. The checked quantities are then
// taken out of the cart under its lock, so a concurrent checkout of the same
// cart gets ErrCartChanged and lines added meanwhile stay in the cart. All
// lines are reserved in the stock ledger as one unit, unit prices are frozen
// from the catalog and the order is stored. A failure after the cart was
// claimed releases the reservations and puts the claimed lines back.
func (s *Service) Place(ctx context.Context, userID string) (*Order, error) {
	c, err := s.carts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, cart.ErrNotFound) {
			return nil, ErrEmptyCart
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if c.IsEmpty() {
		return nil, ErrEmptyCart
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
		if l.Quantity > p.AvailableQuantity {
			return nil, &stock.InsufficientStockError{
				ProductID: l.ProductID,
				Available: p.AvailableQuantity,
			}
		}
	}

	if err := s.claimCart(ctx, userID, c.Lines); err != nil {
		return nil, err
	}

	items := make([]stock.Item, len(c.Lines))
	for i, l := range c.Lines {
		items[i] = stock.Item{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	if err := stock.ReserveAll(ctx, s.ledger, items); err != nil {
		s.restoreCart(ctx, userID, c.Lines)
		return nil, fmt.Errorf("reserve stock: %w", err)
	}

	o := &Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		Lines:          make([]Line, len(c.Lines)),
		Total:          decimal.Zero,
		PaymentStatus:  PaymentPending,
		DeliveryStatus: DeliveryProcessing,
		CreatedAt:      s.now(),
	}
	for i, l := range c.Lines {
		price := byID[l.ProductID].Price
		lineTotal := price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		o.Lines[i] = Line{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: price,
			LineTotal: lineTotal,
		}
		o.Total = o.Total.Add(lineTotal)
	}

	if err := s.orders.Create(ctx, o); err != nil {
		if relErr := stock.ReleaseAll(ctx, s.ledger, items); relErr != nil {
			zctx.From(ctx).Error("Release stock after failed order create",
				zap.String("order_id", o.ID),
				zap.Error(relErr),
			)
		}
		s.restoreCart(ctx, userID, c.Lines)
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.publish(ctx, EventOrderPlaced, o)
	return o, nil
}

// claimCart removes exactly the snapshot quantities from the stored cart.
// It fails with ErrCartChanged when the cart no longer holds them.
func (s *Service) claimCart(ctx context.Context, userID string, snapshot []cart.Line) error {
	_, err := s.carts.Update(ctx, userID, false, func(c *cart.Cart) error {
		for _, l := range snapshot {
			if c.Quantity(l.ProductID) < l.Quantity {
				return ErrCartChanged
			}
		}
		for _, l := range snapshot {
			if err := c.Reduce(l.ProductID, l.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cart.ErrNotFound):
		return ErrCartChanged
	case errors.Is(err, ErrCartChanged):
		return err
	default:
		return fmt.Errorf("claim cart: %w", err)
	}
}

func (s *Service) restoreCart(ctx context.Context, userID string, snapshot []cart.Line) {
	_, err := s.carts.Update(ctx, userID, true, func(c *cart.Cart) error {
		for _, l := range snapshot {
			c.Add(l.ProductID, l.Quantity)
		}
		return nil
	})
	if err != nil {
		zctx.From(ctx).Error("Restore cart after failed placement",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// History returns the user's orders, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]Order, error) {
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// Get returns one of the user's orders. Orders of other users are reported
// as not found.
func (s *Service) Get(ctx context.Context, userID, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

// MarkPaid moves a Pending order to Paid. It reports whether this call made
// the transition; an order that is already Paid is returned unchanged with
// false. A Failed order yields ErrInvalidTransition.
func (s *Service) MarkPaid(ctx context.Context, id string) (*Order, bool, error) {
	o, ok, err := s.orders.TransitionPayment(ctx, id, PaymentPaid)
	if err != nil {
		return nil, false, fmt.Errorf("mark paid: %w", err)
	}
	if !ok {
		if o.PaymentStatus == PaymentPaid {
			return o, false, nil
		}
		return o, false, ErrInvalidTransition
	}

	s.publish(ctx, EventOrderPaid, o)
	return o, true, nil
}

// MarkFailed moves a Pending order to Failed. The storage layer cancels
// delivery and returns the reserved stock in the same step, so stock comes
// back exactly once. A Paid order yields ErrInvalidTransition.
func (s *Service) MarkFailed(ctx context.Context, id string) (*Order, bool, error) {
	o, ok, err := s.orders.TransitionPayment(ctx, id, PaymentFailed)
	if err != nil {
		return nil, false, fmt.Errorf("mark failed: %w", err)
	}
	if !ok {
		if o.PaymentStatus == PaymentFailed {
			return o, false, nil
		}
		return o, false, ErrInvalidTransition
	}

	s.publish(ctx, EventOrderPaymentFailed, o)
	return o, true, nil
}

// Cancel cancels one of the user's unpaid orders. Paid orders cannot be
// cancelled here.
func (s *Service) Cancel(ctx context.Context, userID, id string) (*Order, error) {
	o, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus == PaymentPaid {
		return nil, ErrInvalidTransition
	}

	o, _, err = s.MarkFailed(ctx, id)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// AdvanceDelivery moves a paid order one step along
// Processing -> Shipped -> Delivered. Repeating a step that already happened
// is a no-op.
func (s *Service) AdvanceDelivery(ctx context.Context, id string, to DeliveryStatus) (*Order, error) {
	var from DeliveryStatus
	switch to {
	case DeliveryShipped:
		from = DeliveryProcessing
	case DeliveryDelivered:
		from = DeliveryShipped
	default:
		return nil, ErrInvalidTransition
	}

	o, ok, err := s.orders.TransitionDelivery(ctx, id, from, to)
	if err != nil {
		return nil, fmt.Errorf("advance delivery: %w", err)
	}
	if !ok {
		switch {
		case o.DeliveryStatus == to:
			return o, nil
		case o.DeliveryStatus == from && o.PaymentStatus != PaymentPaid:
			return nil, ErrPaymentRequired
		default:
			return nil, ErrInvalidTransition
		}
	}

	s.publish(ctx, EventDeliveryUpdated, o)
	return o, nil
}

func (s *Service) publish(ctx context.Context, t EventType, o *Order) {
	if err := s.publisher.Publish(ctx, newEvent(t, o, s.now())); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("event", string(t)),
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}
}
