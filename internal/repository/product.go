package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/domain/stock"
)

const (
	productColumns = `id, name, price, available_quantity, sold_quantity`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`

	upsertProductSQL = `INSERT INTO products (id, name, price, available_quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price,
			available_quantity = EXCLUDED.available_quantity`

	reserveStockSQL = `UPDATE products SET available_quantity = available_quantity - $2
		WHERE id = $1 AND available_quantity >= $2`

	releaseStockSQL = `UPDATE products SET available_quantity = available_quantity + $2 WHERE id = $1`

	availableSQL = `SELECT available_quantity FROM products WHERE id = $1`
)

var (
	_ product.Repository = (*ProductRepository)(nil)
	_ stock.Ledger       = (*Ledger)(nil)
)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Upsert inserts a product or overwrites its name, price and available
// quantity. Sold quantity is left alone.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	if _, err := r.pool.Exec(ctx, upsertProductSQL, p.ID, p.Name, p.Price, p.AvailableQuantity); err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.AvailableQuantity, &p.SoldQuantity)
	return p, err
}

// Ledger implements stock.Ledger with conditional updates on the products
// table.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger returns a Ledger that uses the given pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Reserve decrements available quantity in a single guarded UPDATE.
func (l *Ledger) Reserve(ctx context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return stock.ErrInvalidQuantity
	}

	tag, err := l.pool.Exec(ctx, reserveStockSQL, productID, quantity)
	if err != nil {
		return fmt.Errorf("reserving %q: %w", productID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var available int
	if err := l.pool.QueryRow(ctx, availableSQL, productID).Scan(&available); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return product.ErrNotFound
		}
		return fmt.Errorf("reading stock of %q: %w", productID, err)
	}
	return &stock.InsufficientStockError{ProductID: productID, Available: available}
}

// Release returns quantity to available stock.
func (l *Ledger) Release(ctx context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return stock.ErrInvalidQuantity
	}

	tag, err := l.pool.Exec(ctx, releaseStockSQL, productID, quantity)
	if err != nil {
		return fmt.Errorf("releasing %q: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}
