// Package app wires the fulfillment service together.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
	"github.com/xenking/kart-fulfillment/internal/domain/cart"
	"github.com/xenking/kart-fulfillment/internal/domain/order"
	"github.com/xenking/kart-fulfillment/internal/domain/payment"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
	"github.com/xenking/kart-fulfillment/internal/domain/stock"
	"github.com/xenking/kart-fulfillment/internal/handler"
	"github.com/xenking/kart-fulfillment/internal/kafka"
	"github.com/xenking/kart-fulfillment/internal/memory"
	"github.com/xenking/kart-fulfillment/internal/razorpay"
	"github.com/xenking/kart-fulfillment/internal/redisx"
	"github.com/xenking/kart-fulfillment/internal/repository"
	"github.com/xenking/kart-fulfillment/internal/seed"
	"github.com/xenking/kart-fulfillment/pkg/health"
	"github.com/xenking/kart-fulfillment/pkg/httpmiddleware"
)

// storage is the set of repositories a backend provides.
type storage struct {
	products product.Repository
	ledger   stock.Ledger
	carts    cart.Repository
	orders   order.Repository
	apiKeys  auth.Repository
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	healthSvc := health.New()
	healthSvc.Add(health.Liveness, "goroutines", time.Second, health.GoroutineCountCheck(10000))

	st, closeStorage, err := openStorage(ctx, lg, cfg, healthSvc)
	if err != nil {
		return err
	}
	defer closeStorage()

	// Payment locks and webhook dedup.
	var (
		locker  payment.Locker  = memory.NewLocker()
		deduper payment.Deduper = memory.NewDeduper(redisx.TTLDedup)
	)
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer func() { _ = rdb.Close() }()
		locker = redisx.NewLocker(rdb)
		deduper = redisx.NewDeduper(rdb, 0)
		healthSvc.Add(health.Readiness, "redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	// Order events.
	var (
		publisher order.Publisher = order.NopPublisher{}
		producer  *kafka.Producer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer = kafka.NewProducer(
			kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic),
			"kart-fulfillment", cfg.Kafka.Buffer, lg.Named("kafka"),
		)
		publisher = producer
	}

	// Domain services.
	cartService := cart.NewService(st.products, st.carts)
	orderService := order.NewService(st.products, st.ledger, st.carts, st.orders, publisher)
	coordinator, err := payment.NewCoordinator(
		payment.Config{
			KeySecret:       []byte(cfg.Payment.KeySecret),
			WebhookSecret:   []byte(cfg.Payment.WebhookSecret),
			Currency:        cfg.Payment.Currency,
			ProviderTimeout: cfg.Payment.Timeout,
			LockTTL:         cfg.Payment.LockTTL,
		},
		st.orders,
		orderService,
		razorpay.New(razorpay.Options{
			BaseURL:        cfg.Payment.BaseURL,
			KeyID:          cfg.Payment.KeyID,
			KeySecret:      cfg.Payment.KeySecret,
			TracerProvider: m.TracerProvider(),
			MeterProvider:  m.MeterProvider(),
		}),
		locker,
		deduper,
		m.TracerProvider(),
		m.MeterProvider(),
	)
	if err != nil {
		return errors.Wrap(err, "create payment coordinator")
	}

	// HTTP.
	h := handler.NewHandler(
		handler.Config{KeyID: cfg.Payment.KeyID},
		cartService,
		orderService,
		coordinator,
		auth.NewAuthenticator(st.apiKeys),
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	limiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
		Key:    httpmiddleware.HeaderKey(handler.HeaderUserID),
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Payment.Timeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(mux,
				httpmiddleware.Recovery(),
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(lg),
				limiter.Middleware(),
				httpmiddleware.LogRequests(),
			),
			"kart-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	// Events are flushed after the server has drained, so they get their own
	// context.
	eventsCtx, stopEvents := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEvents()

	healthSvc.SetReady(true)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return healthSvc.Run(gCtx, 10*time.Second)
	})
	g.Go(func() error {
		return limiter.Run(gCtx)
	})
	if producer != nil {
		g.Go(func() error {
			return producer.Run(eventsCtx)
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		stopEvents()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config, healthSvc *health.Health) (*storage, func(), error) {
	if cfg.Storage == StorageMemory {
		catalog := memory.NewCatalog()
		if cfg.SeedFile != "" {
			products, err := seed.LoadFile(cfg.SeedFile)
			if err != nil {
				return nil, nil, errors.Wrap(err, "load seed file")
			}
			for _, p := range products {
				catalog.Put(p)
			}
			lg.Info("Catalog seeded", zap.Int("products", len(products)))
		}
		keys := make([]auth.APIKeyInfo, len(cfg.BackOffice.APIKeys))
		for i, k := range cfg.BackOffice.APIKeys {
			keys[i] = auth.APIKeyInfo{
				ID:      fmt.Sprintf("config-%d", i),
				KeyHash: auth.HashKey(k),
				Name:    "config",
				Scopes:  []string{auth.ScopeDelivery},
			}
		}
		return &storage{
			products: catalog,
			ledger:   catalog,
			carts:    memory.NewCarts(),
			orders:   memory.NewOrders(catalog),
			apiKeys:  memory.NewAPIKeys(keys...),
		}, func() {}, nil
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create db pool")
	}
	if err := repository.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "run migrations")
	}
	healthSvc.Add(health.Readiness, "postgres", 5*time.Second, health.PingCheck(pool))

	return &storage{
		products: repository.NewProductRepository(pool),
		ledger:   repository.NewLedger(pool),
		carts:    repository.NewCartRepository(pool),
		orders:   repository.NewOrderRepository(pool),
		apiKeys:  repository.NewAPIKeyRepository(pool),
	}, pool.Close, nil
}
