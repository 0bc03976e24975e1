package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/checkout"
	"github.com/pixelmuse/billing/internal/config"
	"github.com/pixelmuse/billing/internal/ledger"
	"github.com/pixelmuse/billing/internal/logger"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/internal/subscriptions"
	"github.com/pixelmuse/billing/internal/webhook"
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg        *config.Config
	catalog    *catalog.Catalog
	checkout   *checkout.Service
	webhooks   *webhook.Processor
	orderStore orders.Store
	ledger     *ledger.Service
	subs       *subscriptions.Manager
	logger     zerolog.Logger
}

// Deps carries the services the HTTP layer exposes.
type Deps struct {
	Catalog    *catalog.Catalog
	Checkout   *checkout.Service
	Webhooks   *webhook.Processor
	OrderStore orders.Store
	Ledger     *ledger.Service
	Subs       *subscriptions.Manager
}

// New builds the HTTP server with a configured router.
func New(cfg *config.Config, deps Deps, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:        cfg,
			catalog:    deps.Catalog,
			checkout:   deps.Checkout,
			webhooks:   deps.Webhooks,
			orderStore: deps.OrderStore,
			ledger:     deps.Ledger,
			subs:       deps.Subs,
			logger:     appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	s.configureRouter(router)
	return s
}

func (s *Server) configureRouter(router chi.Router) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if cfg.RateLimit.Enabled {
		window := cfg.RateLimit.Window.Duration
		if window <= 0 {
			window = time.Minute
		}
		router.Use(httprate.LimitByIP(cfg.RateLimit.PerIPLimit, window))
	}

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", s.health)
		r.Get(prefix+"/v1/products", s.listProducts)
		r.Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Webhook endpoints kept at stable paths: processors retry against the
	// registered URL, so these are never versioned or prefixed away.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post(prefix+"/webhooks/stripe", s.handleWebhook(orders.ProviderStripe))
		r.Post(prefix+"/webhooks/creem", s.handleWebhook(orders.ProviderCreem))
	})

	// Checkout and account endpoints with a longer timeout for processor
	// round trips.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post(prefix+"/v1/checkout", s.createCheckout)
		r.Get(prefix+"/v1/orders/{orderNumber}", s.getOrder)
		r.Get(prefix+"/v1/credits/balance", s.getBalance)
		r.Get(prefix+"/v1/credits/history", s.getCreditHistory)
		r.Get(prefix+"/v1/subscription", s.getSubscription)
		r.Post(prefix+"/v1/subscription/cancel", s.cancelSubscription)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
