package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/order"
)

const (
	orderColumns = `id, user_id, lines, total, payment_status, delivery_status, COALESCE(provider_ref, ''), created_at`

	createOrderSQL = `INSERT INTO orders (id, user_id, lines, total, payment_status, delivery_status, provider_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByRefSQL = `SELECT ` + orderColumns + ` FROM orders WHERE provider_ref = $1`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`

	attachRefSQL = `UPDATE orders SET provider_ref = $2 WHERE id = $1 AND provider_ref IS NULL`

	// The delivery column is only overwritten when $3 is not null.
	transitionPaymentSQL = `UPDATE orders
		SET payment_status = $2, delivery_status = COALESCE($3::text, delivery_status)
		WHERE id = $1 AND payment_status = 'Pending'
		RETURNING ` + orderColumns

	addSoldSQL = `UPDATE products p SET sold_quantity = p.sold_quantity + l.quantity
		FROM orders o, jsonb_to_recordset(o.lines) AS l(product_id TEXT, quantity INTEGER)
		WHERE o.id = $1 AND p.id = l.product_id`

	restockSQL = `UPDATE products p SET available_quantity = p.available_quantity + l.quantity
		FROM orders o, jsonb_to_recordset(o.lines) AS l(product_id TEXT, quantity INTEGER)
		WHERE o.id = $1 AND p.id = l.product_id`

	transitionDeliverySQL = `UPDATE orders SET delivery_status = $3
		WHERE id = $1 AND delivery_status = $2 AND (NOT $4 OR payment_status = 'Paid')
		RETURNING ` + orderColumns
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. Lines are stored in a JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.UserID, o.Lines, o.Total,
		string(o.PaymentStatus), string(o.DeliveryStatus), o.ProviderRef, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns an order by ID.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, r.pool, getOrderSQL, id)
}

// GetByProviderRef returns the order a provider-side order belongs to.
func (r *OrderRepository) GetByProviderRef(ctx context.Context, ref string) (*order.Order, error) {
	return r.getOne(ctx, r.pool, getOrderByRefSQL, ref)
}

// ListByUser returns the user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", userID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// AttachProviderRef stores ref unless a reference is already set.
func (r *OrderRepository) AttachProviderRef(ctx context.Context, id, ref string) (*order.Order, error) {
	if _, err := r.pool.Exec(ctx, attachRefSQL, id, ref); err != nil {
		return nil, fmt.Errorf("attaching provider ref to %q: %w", id, err)
	}
	return r.Get(ctx, id)
}

// TransitionPayment moves a Pending order to status and applies its stock
// bookkeeping in the same transaction.
func (r *OrderRepository) TransitionPayment(ctx context.Context, id string, status order.PaymentStatus) (*order.Order, bool, error) {
	var (
		delivery *string
		follow   string
	)
	switch status {
	case order.PaymentPaid:
		follow = addSoldSQL
	case order.PaymentFailed:
		cancelled := string(order.DeliveryCancelled)
		delivery = &cancelled
		follow = restockSQL
	default:
		return nil, false, errors.Errorf("unknown payment status %q", status)
	}

	var (
		out          *order.Order
		transitioned bool
	)
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, transitionPaymentSQL, id, string(status), delivery)
		if err != nil {
			return fmt.Errorf("updating payment status: %w", err)
		}
		o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// Not Pending, or gone: report the current state.
			out, err = r.getOne(ctx, tx, getOrderSQL, id)
			return err
		case err != nil:
			return fmt.Errorf("updating payment status: %w", err)
		}

		if _, err := tx.Exec(ctx, follow, id); err != nil {
			return fmt.Errorf("updating stock for order: %w", err)
		}
		out, transitioned = &o, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, transitioned, nil
}

// TransitionDelivery moves delivery from one status to another with a single
// conditional UPDATE.
func (r *OrderRepository) TransitionDelivery(ctx context.Context, id string, from, to order.DeliveryStatus) (*order.Order, bool, error) {
	rows, err := r.pool.Query(ctx, transitionDeliverySQL, id, string(from), string(to), to.RequiresPayment())
	if err != nil {
		return nil, false, fmt.Errorf("updating delivery status of %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err == nil {
		return &o, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("updating delivery status of %q: %w", id, err)
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *OrderRepository) getOne(ctx context.Context, q querier, query, arg string) (*order.Order, error) {
	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o               order.Order
		payment, status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.Lines, &o.Total, &payment, &status, &o.ProviderRef, &o.CreatedAt)
	o.PaymentStatus = order.PaymentStatus(payment)
	o.DeliveryStatus = order.DeliveryStatus(status)
	return o, err
}
