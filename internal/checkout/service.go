package checkout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/circuitbreaker"
	"github.com/pixelmuse/billing/internal/errors"
	"github.com/pixelmuse/billing/internal/guard"
	"github.com/pixelmuse/billing/internal/metrics"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/internal/pricing"
	"github.com/pixelmuse/billing/internal/router"
	"github.com/pixelmuse/billing/internal/users"
)

// Session is a processor-hosted checkout session.
type Session struct {
	ID  string
	URL string
}

// SessionCreator creates a hosted checkout session at an external processor.
type SessionCreator interface {
	Provider() orders.Provider
	CreateSession(ctx context.Context, order orders.Order, entry catalog.Entry) (Session, error)
}

// Request is a checkout submission with the amount already converted to major
// units. The HTTP layer owns the minor-unit division; everything below it
// speaks dollars.
type Request struct {
	UserID        string
	CustomerEmail string
	ProductType   catalog.ProductType
	ProductID     string
	BillingCycle  catalog.BillingCycle
	Amount        float64
	Currency      string
	Country       string
	Preferred     orders.Provider
}

// Result is a successful checkout outcome. Free-tier claims succeed with no
// order and no checkout URL; credits for those are granted synchronously by
// the caller's flow, not through a processor.
type Result struct {
	OrderNumber     string
	Provider        orders.Provider
	SessionID       string
	CheckoutURL     string
	ValidatedPrice  float64
	ExpectedCredits int64
	FreeTier        bool
	Warnings        []string
}

// Service coordinates a checkout: existence check, price validation, rate
// limit, duplicate advisory, provider routing, order creation, and session
// creation behind a circuit breaker.
type Service struct {
	catalog    *catalog.Catalog
	validator  *pricing.Validator
	duplicates *guard.DuplicateDetector
	rateLimit  *guard.RateLimiter
	router     *router.ProviderRouter
	orderStore orders.Store
	userStore  users.Store
	creators   map[orders.Provider]SessionCreator
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	orderTTL   time.Duration
	version    string
	log        zerolog.Logger
	now        func() time.Time
}

// Config wires a checkout service.
type Config struct {
	Catalog    *catalog.Catalog
	Validator  *pricing.Validator
	Duplicates *guard.DuplicateDetector
	RateLimit  *guard.RateLimiter
	Router     *router.ProviderRouter
	OrderStore orders.Store
	UserStore  users.Store
	Creators   []SessionCreator
	Breakers   *circuitbreaker.Manager
	Metrics    *metrics.Metrics
	OrderTTL   time.Duration
}

// NewService builds the checkout coordinator.
func NewService(cfg Config, log zerolog.Logger) *Service {
	creators := make(map[orders.Provider]SessionCreator, len(cfg.Creators))
	for _, c := range cfg.Creators {
		creators[c.Provider()] = c
	}
	return &Service{
		catalog:    cfg.Catalog,
		validator:  cfg.Validator,
		duplicates: cfg.Duplicates,
		rateLimit:  cfg.RateLimit,
		router:     cfg.Router,
		orderStore: cfg.OrderStore,
		userStore:  cfg.UserStore,
		creators:   creators,
		breakers:   cfg.Breakers,
		metrics:    cfg.Metrics,
		orderTTL:   cfg.OrderTTL,
		version:    cfg.Catalog.Version(),
		log:        log.With().Str("component", "checkout").Logger(),
		now:        time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create runs the full checkout sequence. Hard gates reject with coded
// errors; the duplicate check only appends a warning.
func (s *Service) Create(ctx context.Context, req Request) (Result, error) {
	start := s.now()
	log := s.log.With().
		Str("user_id", req.UserID).
		Str("product_id", req.ProductID).
		Logger()

	if _, err := s.userStore.Get(ctx, req.UserID); err != nil {
		if err == users.ErrNotFound {
			s.metrics.ObserveRejection("user_not_found")
			return Result{}, errors.New(errors.ErrCodeUserNotFound, "user not found")
		}
		return Result{}, errors.Wrap(errors.ErrCodeDatabaseError, "user lookup failed", err)
	}

	validation := s.validator.Validate(pricing.Claim{
		UserID:       req.UserID,
		ProductType:  req.ProductType,
		ProductID:    req.ProductID,
		BillingCycle: req.BillingCycle,
		Amount:       req.Amount,
		Currency:     req.Currency,
	})
	if !validation.Valid {
		// Full context server-side; the client sees only the category.
		log.Warn().
			Str("reason", validation.Reason).
			Float64("claimed_amount", req.Amount).
			Float64("expected_amount", validation.ExpectedPrice).
			Msg("price validation rejected")
		code := errors.ErrCodePriceMismatch
		msg := "price validation failed"
		if validation.Unknown {
			code = errors.ErrCodeUnknownProduct
			msg = "unknown product"
		}
		s.metrics.ObserveRejection(string(code))
		return Result{}, errors.New(code, msg)
	}

	rate, err := s.rateLimit.Check(ctx, req.UserID)
	if err != nil {
		return Result{}, errors.Wrap(errors.ErrCodeDatabaseError, "rate limit check failed", err)
	}
	if !rate.Allowed {
		log.Warn().Int("count", rate.CurrentCount).Int("limit", rate.Limit).Msg("order rate limit exceeded")
		s.metrics.ObserveRejection(string(errors.ErrCodeRateLimitExceeded))
		return Result{}, errors.Newf(errors.ErrCodeRateLimitExceeded,
			"too many orders, limit is %d per hour", rate.Limit)
	}

	var warnings []string
	dup, err := s.duplicates.Check(ctx, req.UserID, validation.ExpectedPrice, validation.Key.ProductID)
	if err != nil {
		return Result{}, errors.Wrap(errors.ErrCodeDatabaseError, "duplicate check failed", err)
	}
	if dup.IsDuplicate {
		log.Info().Str("existing_order", dup.ExistingOrder.OrderNumber).Msg("duplicate order warning")
		s.metrics.DuplicateWarningsTotal.Inc()
		warnings = append(warnings, dup.Warning())
	}

	if validation.ExpectedPrice == 0 {
		// Free tier never touches a processor. No order row, no session.
		return Result{FreeTier: true, ExpectedCredits: validation.Credits, Warnings: warnings}, nil
	}

	provider, err := s.router.Route(router.Request{
		Preferred:   req.Preferred,
		Country:     req.Country,
		Currency:    validation.Currency,
		ProductType: req.ProductType,
		Amount:      validation.ExpectedPrice,
	})
	if err != nil {
		s.metrics.ObserveRejection(string(errors.ErrCodeNoProviderAvailable))
		return Result{}, err
	}
	creator, ok := s.creators[provider]
	if !ok {
		return Result{}, errors.Newf(errors.ErrCodeNoProviderAvailable, "provider %s has no session creator", provider)
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.orderTTL)
	order := orders.Order{
		ID:            orders.NewID(),
		OrderNumber:   orders.NewOrderNumber(now),
		UserID:        req.UserID,
		CustomerEmail: req.CustomerEmail,
		ProductType:   req.ProductType,
		ProductID:     validation.Key.ProductID,
		BillingCycle:  validation.Key.BillingCycle,
		Amount:        validation.ExpectedPrice,
		Currency:      validation.Currency,
		Provider:      provider,
		Status:        orders.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiredAt:     &expiresAt,
	}
	order.SetMeta(orders.MetaValidationHash, validation.ValidationHash)
	order.SetMeta(orders.MetaValidatedAt, strconv.FormatInt(validation.IssuedAt.Unix(), 10))
	order.SetMeta(orders.MetaExpectedCredits, strconv.FormatInt(validation.Credits, 10))
	order.SetMeta(orders.MetaBillingCycle, string(validation.Key.BillingCycle))
	order.SetMeta(orders.MetaCatalogVersion, s.version)

	if err := s.orderStore.Create(ctx, order); err != nil {
		return Result{}, errors.Wrap(errors.ErrCodeDatabaseError, "order creation failed", err)
	}

	entry, err := s.catalog.Lookup(validation.Key)
	if err != nil {
		return Result{}, errors.Wrap(errors.ErrCodeInternalError, "catalog entry vanished", err)
	}

	session, err := s.createSession(ctx, creator, order, entry)
	if err != nil {
		s.failOrder(ctx, order.ID, err)
		s.metrics.ObserveCheckout(string(provider), "provider_error", s.now().Sub(start))
		log.Error().Err(err).Str("provider", string(provider)).Msg("session creation failed")
		return Result{}, errors.Wrap(errors.ErrCodeProviderError, "payment provider unavailable", err)
	}

	if err := s.orderStore.AttachSession(ctx, order.ID, session.ID); err != nil {
		return Result{}, errors.Wrap(errors.ErrCodeDatabaseError, "session attach failed", err)
	}

	s.metrics.ObserveCheckout(string(provider), "created", s.now().Sub(start))
	log.Info().
		Str("order_number", order.OrderNumber).
		Str("provider", string(provider)).
		Float64("amount", order.Amount).
		Msg("checkout session created")

	return Result{
		OrderNumber:     order.OrderNumber,
		Provider:        provider,
		SessionID:       session.ID,
		CheckoutURL:     session.URL,
		ValidatedPrice:  validation.ExpectedPrice,
		ExpectedCredits: validation.Credits,
		Warnings:        warnings,
	}, nil
}

func (s *Service) createSession(ctx context.Context, creator SessionCreator, order orders.Order, entry catalog.Entry) (Session, error) {
	service := circuitbreaker.ServiceStripe
	if creator.Provider() == orders.ProviderCreem {
		service = circuitbreaker.ServiceCreem
	}
	res, err := s.breakers.Execute(service, func() (interface{}, error) {
		return creator.CreateSession(ctx, order, entry)
	})
	if err != nil {
		return Session{}, err
	}
	session, ok := res.(Session)
	if !ok {
		return Session{}, fmt.Errorf("unexpected session type %T", res)
	}
	return session, nil
}

// failOrder marks the order failed with the provider error recorded. Best
// effort: the sweep expires the order anyway if this write loses a race.
func (s *Service) failOrder(ctx context.Context, orderID string, cause error) {
	_, err := s.orderStore.TransitionTerminal(ctx, orderID, orders.StatusFailed, orders.TerminalUpdate{
		Reason: fmt.Sprintf("session creation failed: %v", cause),
	})
	if err != nil {
		s.log.Error().Err(err).Str("order_id", orderID).Msg("failed to mark order failed")
	}
}
