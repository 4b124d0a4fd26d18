package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/cart"
)

const (
	getCartSQL = `SELECT user_id, lines, updated_at FROM carts WHERE user_id = $1`

	lockCartSQL = getCartSQL + ` FOR UPDATE`

	ensureCartSQL = `INSERT INTO carts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`

	saveCartSQL = `UPDATE carts SET lines = $2, updated_at = now() WHERE user_id = $1 RETURNING updated_at`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL. Lines are
// stored as a JSONB array.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Get returns the user's cart.
func (r *CartRepository) Get(ctx context.Context, userID string) (*cart.Cart, error) {
	c, err := scanCart(r.pool.QueryRow(ctx, getCartSQL, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart %q: %w", userID, err)
	}
	return c, nil
}

// Update locks the cart row for the duration of fn. A cart created for this
// call is rolled back together with everything else when fn fails.
func (r *CartRepository) Update(ctx context.Context, userID string, create bool, fn func(c *cart.Cart) error) (*cart.Cart, error) {
	var out *cart.Cart
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if create {
			if _, err := tx.Exec(ctx, ensureCartSQL, userID); err != nil {
				return fmt.Errorf("creating cart: %w", err)
			}
		}

		c, err := scanCart(tx.QueryRow(ctx, lockCartSQL, userID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return cart.ErrNotFound
			}
			return fmt.Errorf("locking cart: %w", err)
		}

		if err := fn(c); err != nil {
			return err
		}

		lines := c.Lines
		if lines == nil {
			lines = []cart.Line{}
		}
		var updatedAt time.Time
		if err := tx.QueryRow(ctx, saveCartSQL, userID, lines).Scan(&updatedAt); err != nil {
			return fmt.Errorf("saving cart: %w", err)
		}
		c.UpdatedAt = updatedAt
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanCart(row pgx.Row) (*cart.Cart, error) {
	var c cart.Cart
	if err := row.Scan(&c.UserID, &c.Lines, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
