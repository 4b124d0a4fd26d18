package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a domain event emitted by the order lifecycle.
type EventType string

// Order lifecycle events.
const (
	EventOrderPlaced        EventType = "OrderPlaced"
	EventOrderPaid          EventType = "OrderPaid"
	EventOrderPaymentFailed EventType = "OrderPaymentFailed"
	EventDeliveryUpdated    EventType = "OrderDeliveryUpdated"
)

// Event describes an order state change after it has been stored.
type Event struct {
	Type           EventType
	OrderID        string
	UserID         string
	Total          decimal.Decimal
	PaymentStatus  PaymentStatus
	DeliveryStatus DeliveryStatus
	OccurredAt     time.Time
}

// Publisher delivers events to downstream consumers. Publishing is best
// effort: state is already committed when Publish is called.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

func newEvent(t EventType, o *Order, at time.Time) Event {
	return Event{
		Type:           t,
		OrderID:        o.ID,
		UserID:         o.UserID,
		Total:          o.Total,
		PaymentStatus:  o.PaymentStatus,
		DeliveryStatus: o.DeliveryStatus,
		OccurredAt:     at,
	}
}
