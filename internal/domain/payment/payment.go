// Package payment reconciles orders with an external payment provider.
//
// A payment can be confirmed by the client (synchronous confirm call) or by
// the provider (webhook, possibly redelivered and out of order). Both paths
// end in the same compare-and-set on the order's payment status, so exactly
// one of them performs the Pending -> Paid transition and the other observes
// an already-paid order.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Sentinel errors for payment operations.
var (
	ErrInvalidSignature    = errors.New("invalid payment signature")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrInProgress          = errors.New("payment order creation already in progress")
	ErrMalformedWebhook    = errors.New("malformed webhook payload")
	ErrLocked              = errors.New("lock is held")
)

// CreateOrderRequest opens a provider-side order (charge).
type CreateOrderRequest struct {
	// Amount in minor currency units (e.g. paise).
	Amount   int64
	Currency string
	// Receipt is our order ID, echoed back by the provider.
	Receipt string
}

// ProviderOrder is the provider's view of a created order.
type ProviderOrder struct {
	ID       string
	Amount   int64
	Currency string
	Status   string
}

// Provider is the payment-provider client.
//
// CreateOrder returns an error wrapping ErrProviderUnavailable for transient
// failures (timeouts, 5xx) that are safe to retry.
type Provider interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*ProviderOrder, error)
}

// Evidence proves a payment event is authentic: Signature is the hex
// HMAC-SHA256 of Payload. Payload is kept as the exact received bytes.
type Evidence struct {
	Payload   []byte
	Signature string
}

// Checkout is what a client needs to start paying for an order.
type Checkout struct {
	OrderID     string
	ProviderRef string
	Amount      int64
	Currency    string
}

// Locker provides short-lived mutual exclusion across service instances.
// Lock returns ErrLocked when another holder owns the key.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}

// Deduper remembers processed webhook deliveries.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}
