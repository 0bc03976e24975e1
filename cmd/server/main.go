package main

import (
	"context"
	"database/sql"
	stderrors "errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/checkout"
	"github.com/pixelmuse/billing/internal/circuitbreaker"
	"github.com/pixelmuse/billing/internal/config"
	"github.com/pixelmuse/billing/internal/guard"
	"github.com/pixelmuse/billing/internal/httpserver"
	"github.com/pixelmuse/billing/internal/ledger"
	"github.com/pixelmuse/billing/internal/logger"
	"github.com/pixelmuse/billing/internal/metrics"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/internal/pricing"
	"github.com/pixelmuse/billing/internal/providers/creem"
	"github.com/pixelmuse/billing/internal/providers/stripe"
	"github.com/pixelmuse/billing/internal/router"
	"github.com/pixelmuse/billing/internal/subscriptions"
	"github.com/pixelmuse/billing/internal/sweep"
	"github.com/pixelmuse/billing/internal/users"
	"github.com/pixelmuse/billing/internal/webhook"
)

const serviceName = "billing"

var version = "dev" // set via -ldflags at build time

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("BILLING_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     serviceName,
		Version:     version,
		Environment: cfg.Logging.Environment,
	})

	cat, err := catalog.FromConfig(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	appLogger.Info().
		Str("catalog_version", cat.Version()).
		Int("products", len(cat.Entries())).
		Msg("catalog loaded")

	stores, err := openStores(cfg, appLogger)
	if err != nil {
		return err
	}
	defer stores.close(appLogger)

	m := metrics.New(prometheus.DefaultRegisterer)
	validator := pricing.NewValidator(cat, cfg.Billing.ValidationSecret)
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, appLogger)
	ledgerSvc := ledger.NewService(stores.ledger, appLogger)
	subsMgr := subscriptions.NewManager(stores.subs, appLogger)

	var (
		creators  []checkout.SessionCreator
		adapters  []webhook.Adapter
		available = map[orders.Provider]bool{}
	)
	if cfg.Stripe.Configured() {
		a := stripe.NewAdapter(cfg.Stripe)
		creators = append(creators, a)
		adapters = append(adapters, a)
		available[orders.ProviderStripe] = true
	}
	if cfg.Creem.Configured() {
		a := creem.NewAdapter(cfg.Creem)
		creators = append(creators, a)
		adapters = append(adapters, a)
		available[orders.ProviderCreem] = true
	}

	checkoutSvc := checkout.NewService(checkout.Config{
		Catalog:    cat,
		Validator:  validator,
		Duplicates: guard.NewDuplicateDetector(stores.orders, cfg.Billing.DuplicateWindow.Duration),
		RateLimit:  guard.NewRateLimiter(stores.orders, cfg.Billing.MaxOrdersPerHour),
		Router:     router.New(cfg.Routing, available, appLogger),
		OrderStore: stores.orders,
		UserStore:  stores.users,
		Creators:   creators,
		Breakers:   breakers,
		Metrics:    m,
		OrderTTL:   cfg.Billing.OrderTTL.Duration,
	}, appLogger)

	processor := webhook.NewProcessor(webhook.Config{
		Adapters:   adapters,
		OrderStore: stores.orders,
		Validator:  validator,
		Ledger:     ledgerSvc,
		Subs:       subsMgr,
		UserStore:  stores.users,
		Metrics:    m,
	}, appLogger)

	sweeper := sweep.New(stores.orders, cfg.Billing.SweepInterval.Duration, m, appLogger)
	sweeper.Start()
	defer sweeper.Stop()

	server := httpserver.New(cfg, httpserver.Deps{
		Catalog:    cat,
		Checkout:   checkoutSvc,
		Webhooks:   processor,
		OrderStore: stores.orders,
		Ledger:     ledgerSvc,
		Subs:       subsMgr,
	}, appLogger)

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("server starting")
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case sig := <-stop:
		appLogger.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	appLogger.Info().Msg("server stopped")
	return nil
}

// stores bundles the persistence layer. Memory and postgres back every
// repository; mongodb is supported for orders only, with account data held in
// memory alongside it.
type stores struct {
	orders orders.Store
	users  users.Store
	ledger ledger.Store
	subs   subscriptions.Repository
	db     *sql.DB // shared postgres pool, nil otherwise
}

func openStores(cfg *config.Config, log zerolog.Logger) (*stores, error) {
	backend := strings.ToLower(cfg.Storage.Backend)
	if backend == "" {
		switch {
		case cfg.Storage.PostgresURL != "":
			backend = "postgres"
		case cfg.Storage.MongoDBURL != "":
			backend = "mongodb"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		config.ApplyPostgresPoolSettings(db, cfg.Storage.PostgresPool)

		orderStore, err := orders.NewPostgresStoreWithDB(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init order store: %w", err)
		}
		userStore, err := users.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init user store: %w", err)
		}
		ledgerStore, err := ledger.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init ledger store: %w", err)
		}
		subsRepo, err := subscriptions.NewPostgresRepository(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init subscription repository: %w", err)
		}
		return &stores{orders: orderStore, users: userStore, ledger: ledgerStore, subs: subsRepo, db: db}, nil

	case "mongodb":
		orderStore, err := orders.NewStore(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init order store: %w", err)
		}
		log.Warn().Msg("mongodb backend stores orders only; account data is in-memory and lost on restart")
		userStore := users.NewMemoryStore()
		return &stores{
			orders: orderStore,
			users:  userStore,
			ledger: ledger.NewMemoryStore(userStore),
			subs:   subscriptions.NewMemoryRepository(),
		}, nil

	case "memory":
		log.Warn().Msg("in-memory storage loses all billing state on restart; dev/test only")
		userStore := users.NewMemoryStore()
		return &stores{
			orders: orders.NewMemoryStore(),
			users:  userStore,
			ledger: ledger.NewMemoryStore(userStore),
			subs:   subscriptions.NewMemoryRepository(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func (s *stores) close(log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.ledger.Close(ctx); err != nil {
		log.Error().Err(err).Msg("close ledger store")
	}
	if err := s.subs.Close(ctx); err != nil {
		log.Error().Err(err).Msg("close subscription repository")
	}
	if err := s.users.Close(ctx); err != nil {
		log.Error().Err(err).Msg("close user store")
	}
	if err := s.orders.Close(); err != nil {
		log.Error().Err(err).Msg("close order store")
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Error().Err(err).Msg("close postgres pool")
		}
	}
}
