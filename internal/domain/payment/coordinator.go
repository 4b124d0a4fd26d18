package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

const instrumentationName = "github.com/xenking/kart-fulfillment/internal/domain/payment"

// Orders is the part of the order store the coordinator reads and writes.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	GetByProviderRef(ctx context.Context, ref string) (*order.Order, error)
	AttachProviderRef(ctx context.Context, id, ref string) (*order.Order, error)
}

// Lifecycle performs payment outcome transitions. *order.Service implements it.
type Lifecycle interface {
	MarkPaid(ctx context.Context, id string) (*order.Order, bool, error)
}

// Config holds provider secrets and limits. Secrets are passed in explicitly
// so tests can run against fake providers with their own keys.
type Config struct {
	// KeySecret signs client confirmation evidence.
	KeySecret []byte
	// WebhookSecret signs webhook bodies.
	WebhookSecret []byte
	// Currency for provider orders, e.g. "INR".
	Currency string
	// ProviderTimeout bounds each provider call.
	ProviderTimeout time.Duration
	// LockTTL bounds how long a provider-order creation may hold its lock.
	LockTTL time.Duration
}

// Coordinator reconciles orders with provider-side payments.
type Coordinator struct {
	cfg       Config
	orders    Orders
	lifecycle Lifecycle
	provider  Provider
	locker    Locker
	deduper   Deduper

	tracer        trace.Tracer
	confirmations metric.Int64Counter
	rejections    metric.Int64Counter
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	cfg Config,
	orders Orders,
	lifecycle Lifecycle,
	provider Provider,
	locker Locker,
	deduper Deduper,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) (*Coordinator, error) {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.ProviderTimeout
	}

	meter := mp.Meter(instrumentationName)
	confirmations, err := meter.Int64Counter("payment.confirmations",
		metric.WithDescription("Payment confirmations by source and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create confirmations counter")
	}
	rejections, err := meter.Int64Counter("payment.signature_rejections",
		metric.WithDescription("Payment evidence that failed signature verification"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create rejections counter")
	}

	return &Coordinator{
		cfg:           cfg,
		orders:        orders,
		lifecycle:     lifecycle,
		provider:      provider,
		locker:        locker,
		deduper:       deduper,
		tracer:        tp.Tracer(instrumentationName),
		confirmations: confirmations,
		rejections:    rejections,
	}, nil
}

// CreateProviderOrder opens a provider-side order for the frozen total of one
// of the user's orders and stores its reference. If the order already has a
// reference it is returned without calling the provider again.
//
// Concurrent calls for the same order are serialized by a lock; a call that
// loses the lock gets ErrInProgress. Provider failures leave the order
// Pending without a reference.
func (c *Coordinator) CreateProviderOrder(ctx context.Context, userID, orderID string) (_ *Checkout, rerr error) {
	ctx, span := c.tracer.Start(ctx, "payment.CreateProviderOrder",
		trace.WithAttributes(attribute.String("order.id", orderID)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, order.ErrNotFound
	}
	if o.ProviderRef != "" {
		return c.checkout(o), nil
	}
	if o.PaymentStatus != order.PaymentPending {
		return nil, order.ErrInvalidTransition
	}

	unlock, err := c.locker.Lock(ctx, "provider-order:"+orderID, c.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, ErrInProgress
		}
		return nil, errors.Wrap(err, "lock order")
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			zctx.From(ctx).Warn("Release provider order lock", zap.String("order_id", orderID), zap.Error(err))
		}
	}()

	// The reference may have been stored while we waited for the lock.
	o, err = c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ProviderRef != "" {
		return c.checkout(o), nil
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()

	po, err := c.provider.CreateOrder(pctx, CreateOrderRequest{
		Amount:   MinorUnits(o.Total),
		Currency: c.cfg.Currency,
		Receipt:  o.ID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		return nil, errors.Wrap(err, "create provider order")
	}

	stored, err := c.orders.AttachProviderRef(ctx, o.ID, po.ID)
	if err != nil {
		return nil, errors.Wrap(err, "attach provider reference")
	}
	if stored.ProviderRef != po.ID {
		zctx.From(ctx).Warn("Provider order superseded by an earlier reference",
			zap.String("order_id", o.ID),
			zap.String("stored_ref", stored.ProviderRef),
			zap.String("dropped_ref", po.ID),
		)
	}

	zctx.From(ctx).Info("Provider order created",
		zap.String("order_id", o.ID),
		zap.String("provider_ref", stored.ProviderRef),
	)
	return c.checkout(stored), nil
}

// ConfirmPayment handles the client confirmation call. The evidence is the
// signature over "<provider order id>|<payment id>" keyed with the provider
// key secret.
func (c *Coordinator) ConfirmPayment(ctx context.Context, providerRef, paymentID, signature string) (*order.Order, error) {
	return c.Confirm(ctx, providerRef, Evidence{
		Payload:   ClientPayload(providerRef, paymentID),
		Signature: signature,
	})
}

// Confirm marks the order referenced by providerRef as paid.
//
// The evidence must verify against the key secret before the order is
// looked up; when it does not, ErrInvalidSignature is returned and nothing
// about the order is revealed or changed. With valid evidence an order that
// is already Paid is returned as is.
func (c *Coordinator) Confirm(ctx context.Context, providerRef string, ev Evidence) (_ *order.Order, rerr error) {
	ctx, span := c.tracer.Start(ctx, "payment.Confirm",
		trace.WithAttributes(attribute.String("payment.provider_ref", providerRef)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if err := Verify(c.cfg.KeySecret, ev.Payload, ev.Signature); err != nil {
		c.reject(ctx, "confirm", providerRef)
		return nil, err
	}

	o, err := c.orders.GetByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus == order.PaymentPaid {
		c.count(ctx, "confirm", "already_paid")
		return o, nil
	}

	o, _, err = c.settle(ctx, "confirm", o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// WebhookResult describes what a webhook delivery did.
type WebhookResult struct {
	Event        string
	OrderID      string
	Transitioned bool
	Duplicate    bool
	Ignored      bool
}

// ReceiveWebhook processes one provider webhook delivery.
//
// The signature is checked over the raw body before anything is parsed; a
// mismatch returns ErrInvalidSignature and changes nothing. eventID, when
// the provider sends one, lets redeliveries short-circuit; correctness does
// not depend on it because every transition is a compare-and-set.
func (c *Coordinator) ReceiveWebhook(ctx context.Context, raw []byte, signature, eventID string) (_ *WebhookResult, rerr error) {
	ctx, span := c.tracer.Start(ctx, "payment.ReceiveWebhook")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if err := Verify(c.cfg.WebhookSecret, raw, signature); err != nil {
		c.reject(ctx, "webhook", "")
		return nil, err
	}

	lg := zctx.From(ctx)
	dedupKey := "webhook:" + eventID
	if eventID != "" {
		seen, err := c.deduper.Seen(ctx, dedupKey)
		if err != nil {
			lg.Warn("Webhook dedup lookup", zap.String("event_id", eventID), zap.Error(err))
		}
		if seen {
			return &WebhookResult{Duplicate: true}, nil
		}
	}

	ev, err := ParseWebhook(raw)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("payment.event", ev.Event),
		attribute.String("payment.provider_ref", ev.ProviderOrderID),
	)

	res := &WebhookResult{Event: ev.Event}
	switch ev.Event {
	case EventPaymentCaptured, EventOrderPaid, EventPaymentFailed:
	default:
		res.Ignored = true
		return res, nil
	}
	if ev.ProviderOrderID == "" {
		return nil, fmt.Errorf("%w: missing order id", ErrMalformedWebhook)
	}

	o, err := c.orders.GetByProviderRef(ctx, ev.ProviderOrderID)
	if errors.Is(err, order.ErrNotFound) {
		// Not ours, or the reference was never stored. Retrying will not help.
		lg.Warn("Webhook for unknown provider order",
			zap.String("event", ev.Event),
			zap.String("provider_ref", ev.ProviderOrderID),
		)
		res.Ignored = true
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.OrderID = o.ID

	switch ev.Event {
	case EventPaymentFailed:
		// A failed attempt leaves the provider order open for another
		// attempt, so the order keeps its stock and stays payable.
		c.count(ctx, "webhook", "attempt_failed")
		lg.Info("Payment attempt failed",
			zap.String("order_id", o.ID),
			zap.String("payment_id", ev.PaymentID),
			zap.String("payment_status", string(o.PaymentStatus)),
		)
	default:
		_, res.Transitioned, err = c.settle(ctx, "webhook", o.ID)
		if errors.Is(err, order.ErrInvalidTransition) {
			lg.Error("Captured payment for cancelled order; refund required",
				zap.String("order_id", o.ID),
				zap.String("payment_id", ev.PaymentID),
			)
			res.Ignored, err = true, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if eventID != "" {
		if err := c.deduper.Mark(ctx, dedupKey); err != nil {
			lg.Warn("Webhook dedup mark", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return res, nil
}

// settle performs the Pending -> Paid compare-and-set. Losing the race to
// another confirmation is a success.
func (c *Coordinator) settle(ctx context.Context, source, orderID string) (*order.Order, bool, error) {
	o, transitioned, err := c.lifecycle.MarkPaid(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if transitioned {
		c.count(ctx, source, "paid")
		zctx.From(ctx).Info("Order paid",
			zap.String("order_id", o.ID),
			zap.String("source", source),
		)
	} else {
		c.count(ctx, source, "already_paid")
	}
	return o, transitioned, nil
}

func (c *Coordinator) checkout(o *order.Order) *Checkout {
	return &Checkout{
		OrderID:     o.ID,
		ProviderRef: o.ProviderRef,
		Amount:      MinorUnits(o.Total),
		Currency:    c.cfg.Currency,
	}
}

func (c *Coordinator) count(ctx context.Context, source, outcome string) {
	c.confirmations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

func (c *Coordinator) reject(ctx context.Context, source, providerRef string) {
	c.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	zctx.From(ctx).Warn("Payment signature rejected",
		zap.String("source", source),
		zap.String("provider_ref", providerRef),
	)
}

// MinorUnits converts an amount to minor currency units (x100), rounding
// half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
