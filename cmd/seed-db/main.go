// Command seed-db applies the schema, upserts the product catalog and
// optionally registers a back-office API key.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/repository"
	"github.com/xenking/kart-fulfillment/internal/seed"
)

func main() {
	var (
		databaseURL  string
		productsFile string
		key          apiKey
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file, .gz accepted")
	flag.StringVar(&key.name, "api-key-name", "backoffice", "name of the back-office API key")
	flag.StringVar(&key.value, "api-key", os.Getenv("KART_BACKOFFICE_API_KEY"), "back-office API key to register, skipped when empty")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, productsFile, key); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

type apiKey struct {
	name  string
	value string
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, productsFile string, key apiKey) error {
	products, err := seed.LoadFile(productsFile)
	if err != nil {
		return errors.Wrapf(err, "read %s", productsFile)
	}

	pool, err := repository.NewPool(ctx, databaseURL, 2)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := repository.NewProductRepository(pool)
	for _, p := range products {
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		lg.Info("Upserted product",
			zap.String("id", p.ID),
			zap.String("name", p.Name),
			zap.Int("stock", p.AvailableQuantity),
		)
	}

	if key.value == "" {
		return nil
	}
	err = repository.NewAPIKeyRepository(pool).Upsert(ctx, auth.APIKeyInfo{
		ID:      key.name,
		KeyHash: auth.HashKey(key.value),
		Name:    key.name,
		Scopes:  []string{auth.ScopeDelivery},
	})
	if err != nil {
		return errors.Wrap(err, "register api key")
	}
	lg.Info("Registered API key", zap.String("name", key.name))
	return nil
}
