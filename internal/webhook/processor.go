package webhook

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/errors"
	"github.com/pixelmuse/billing/internal/ledger"
	"github.com/pixelmuse/billing/internal/metrics"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/internal/pricing"
	"github.com/pixelmuse/billing/internal/subscriptions"
	"github.com/pixelmuse/billing/internal/users"
)

// amountTolerance mirrors checkout-side price tolerance: one cent absorbs
// currency rounding between the processor and the catalog.
const amountTolerance = 0.01

// Integrity check names, used in failure reasons and metrics labels.
const (
	CheckAmount      = "amount_match"
	CheckCurrency    = "currency_match"
	CheckHash        = "validation_hash"
	CheckCredits     = "expected_credits"
	CheckUser        = "user_account"
	CheckProductType = "product_type_match"
	CheckEmail       = "customer_email_match"
)

// Processor drives order completion from provider webhooks. Every payment
// passes the integrity gate before credits move: amount, currency, validation
// hash, expected credits, user identity, product type, and customer email are
// all re-checked against what checkout recorded, trusting nothing from the
// wire beyond the signature.
type Processor struct {
	adapters   map[orders.Provider]Adapter
	orderStore orders.Store
	validator  *pricing.Validator
	ledger     *ledger.Service
	subs       *subscriptions.Manager
	userStore  users.Store
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

// Config wires a webhook processor.
type Config struct {
	Adapters   []Adapter
	OrderStore orders.Store
	Validator  *pricing.Validator
	Ledger     *ledger.Service
	Subs       *subscriptions.Manager
	UserStore  users.Store
	Metrics    *metrics.Metrics
}

// NewProcessor builds the webhook processor.
func NewProcessor(cfg Config, log zerolog.Logger) *Processor {
	adapters := make(map[orders.Provider]Adapter, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		adapters[a.Provider()] = a
	}
	return &Processor{
		adapters:   adapters,
		orderStore: cfg.OrderStore,
		validator:  cfg.Validator,
		ledger:     cfg.Ledger,
		subs:       cfg.Subs,
		userStore:  cfg.UserStore,
		metrics:    cfg.Metrics,
		log:        log.With().Str("component", "webhook").Logger(),
		now:        time.Now,
	}
}

// Process handles one webhook delivery. A nil return means the delivery is
// settled and the provider should get a 2xx; integrity failures settle (the
// order is marked failed, redelivery would change nothing). Errors are
// returned only when a retry could succeed (storage outages) or the request
// itself is malformed (bad signature, unparseable payload).
func (p *Processor) Process(ctx context.Context, provider orders.Provider, payload []byte, header http.Header) error {
	start := p.now()
	adapter, ok := p.adapters[provider]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidPayload, "no webhook adapter for provider %s", provider)
	}

	if err := adapter.VerifySignature(payload, header); err != nil {
		p.metrics.ObserveWebhook(string(provider), "invalid_signature", p.now().Sub(start))
		p.log.Warn().Err(err).Str("provider", string(provider)).Msg("webhook signature rejected")
		return errors.Wrap(errors.ErrCodeInvalidSignature, "webhook signature verification failed", err)
	}

	event, err := adapter.ParseEvent(payload)
	if err != nil {
		p.metrics.ObserveWebhook(string(provider), "invalid_payload", p.now().Sub(start))
		return errors.Wrap(errors.ErrCodeInvalidPayload, "webhook payload could not be parsed", err)
	}
	event.Provider = provider

	log := p.log.With().
		Str("provider", string(provider)).
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Logger()

	var outcome string
	switch event.Type {
	case EventCheckoutCompleted:
		outcome, err = p.handleCompleted(ctx, log, event)
	case EventCheckoutFailed:
		outcome, err = p.handleTerminal(ctx, log, event, orders.StatusFailed, "processor reported payment failure")
	case EventCheckoutCancelled:
		outcome, err = p.handleTerminal(ctx, log, event, orders.StatusCancelled, "user cancelled at processor")
	case EventPaymentRefunded:
		outcome, err = p.handleRefund(ctx, log, event)
	case EventSubscriptionCancelled:
		outcome, err = p.handleSubscriptionCancelled(ctx, log, event)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		// Activation happens on checkout completion; these confirm state we
		// already hold.
		outcome = "acknowledged"
	default:
		log.Debug().Msg("ignoring webhook event type")
		outcome = "ignored"
	}
	if err != nil {
		p.metrics.ObserveWebhook(string(provider), "error", p.now().Sub(start))
		return err
	}

	p.metrics.ObserveWebhook(string(provider), outcome, p.now().Sub(start))
	return nil
}

// handleCompleted runs the integrity gate and, on pass, completes the order
// and grants credits.
func (p *Processor) handleCompleted(ctx context.Context, log zerolog.Logger, event Event) (string, error) {
	order, found, err := p.locateOrder(ctx, event)
	if err != nil {
		return "", err
	}
	if !found {
		// Nothing to record a failure against. Settled: redelivery cannot
		// make the order appear.
		log.Warn().
			Str("session_id", event.SessionID).
			Str("order_number", event.OrderNumber).
			Msg("webhook references no known order")
		p.metrics.ObserveIntegrityFailure("order_not_found")
		return "order_not_found", nil
	}
	log = log.With().Str("order_number", order.OrderNumber).Logger()

	// Fresh-read idempotency. A completed order means an earlier delivery
	// won; re-run the grant (a no-op once the reference id landed) so a
	// crash between completion and grant still heals on redelivery.
	if order.Status == orders.StatusCompleted {
		if err := p.grantForOrder(ctx, log, order, event); err != nil {
			return "", err
		}
		log.Info().Msg("duplicate completion webhook, order already completed")
		return "replayed", nil
	}
	if order.Status.IsTerminal() {
		log.Warn().Str("status", string(order.Status)).Msg("completion webhook for terminal order, ignoring")
		return "already_final", nil
	}

	// A completed session is not a paid session for deferred payment
	// methods. Leave the order open; the payment confirmation event
	// completes it, or the sweep expires it.
	if !event.PaymentConfirmed() {
		log.Info().Str("payment_status", event.PaymentStatus).Msg("session completed without payment, waiting for confirmation")
		return "payment_pending", nil
	}

	if check, reason := p.integrityGate(ctx, order, event); check != "" {
		return p.rejectPayment(ctx, log, order, event, check, reason)
	}

	paidAt := p.now().UTC()
	completed, err := p.orderStore.TransitionTerminal(ctx, order.ID, orders.StatusCompleted, orders.TerminalUpdate{
		PaidAt:    &paidAt,
		PaymentID: event.PaymentID,
		Payload:   string(event.Raw),
		EventID:   event.ID,
	})
	if err != nil {
		if stderrors.Is(err, orders.ErrAlreadyFinal) {
			// Lost the race to a concurrent delivery. The winner's state
			// decides; a completed winner still gets the idempotent grant.
			if completed.Status == orders.StatusCompleted {
				if err := p.grantForOrder(ctx, log, completed, event); err != nil {
					return "", err
				}
				return "replayed", nil
			}
			log.Warn().Str("status", string(completed.Status)).Msg("order finalized elsewhere before completion")
			return "already_final", nil
		}
		return "", errors.Wrap(errors.ErrCodeDatabaseError, "order completion failed", err)
	}

	if err := p.grantForOrder(ctx, log, completed, event); err != nil {
		return "", err
	}

	log.Info().
		Float64("amount", completed.Amount).
		Str("payment_id", event.PaymentID).
		Msg("payment completed")
	return "completed", nil
}

// integrityGate runs the checks in order and reports the first failure.
// An empty check name means the payment is clean.
func (p *Processor) integrityGate(ctx context.Context, order orders.Order, event Event) (check, reason string) {
	if math.Abs(event.AmountMajor-order.Amount) >= amountTolerance {
		return CheckAmount, fmt.Sprintf("paid amount %.2f does not match order amount %.2f",
			event.AmountMajor, order.Amount)
	}

	if event.Currency != "" && !strings.EqualFold(event.Currency, order.Currency) {
		return CheckCurrency, fmt.Sprintf("paid currency %s does not match order currency %s",
			event.Currency, order.Currency)
	}

	storedHash := order.Meta(orders.MetaValidationHash)
	validatedAtRaw := order.Meta(orders.MetaValidatedAt)
	creditsRaw := order.Meta(orders.MetaExpectedCredits)
	if storedHash == "" || validatedAtRaw == "" {
		return CheckHash, "order is missing its validation hash"
	}
	validatedAt, err := strconv.ParseInt(validatedAtRaw, 10, 64)
	if err != nil {
		return CheckHash, "order validation timestamp is unreadable"
	}
	credits, err := strconv.ParseInt(creditsRaw, 10, 64)
	if err != nil || credits <= 0 {
		return CheckCredits, "order has no readable expected credit grant"
	}
	key := catalog.Key{
		ProductType:  order.ProductType,
		ProductID:    order.ProductID,
		BillingCycle: order.BillingCycle,
	}
	if !p.validator.VerifyHash(storedHash, order.UserID, key, order.Amount, order.Currency, credits, time.Unix(validatedAt, 0)) {
		return CheckHash, "validation hash does not match order contents"
	}

	// Both adapters stamp user_id into session metadata at creation, so
	// an event without one is anomalous, not merely incomplete.
	if event.UserID == "" {
		return CheckUser, "webhook carries no user identity"
	}
	if event.UserID != order.UserID {
		return CheckUser, fmt.Sprintf("webhook user %s does not match order user", event.UserID)
	}
	if _, err := p.userStore.Get(ctx, order.UserID); err != nil {
		return CheckUser, "order user account no longer exists"
	}

	if event.ProductType != "" && event.ProductType != string(order.ProductType) {
		return CheckProductType, fmt.Sprintf("webhook product type %s does not match order product type %s",
			event.ProductType, order.ProductType)
	}
	if order.CustomerEmail != "" && event.CustomerEmail != "" &&
		!strings.EqualFold(event.CustomerEmail, order.CustomerEmail) {
		return CheckEmail, "webhook customer email does not match the order"
	}

	return "", ""
}

// rejectPayment records an integrity failure on the order and settles the
// delivery. No credits move; the payment stays with the processor for manual
// review and refund.
func (p *Processor) rejectPayment(ctx context.Context, log zerolog.Logger, order orders.Order, event Event, check, reason string) (string, error) {
	p.metrics.ObserveIntegrityFailure(check)
	log.Error().
		Str("check", check).
		Str("reason", reason).
		Msg("payment failed integrity check, no credits granted")

	_, err := p.orderStore.TransitionTerminal(ctx, order.ID, orders.StatusFailed, orders.TerminalUpdate{
		Reason:  fmt.Sprintf("%s: %s", check, reason),
		Payload: string(event.Raw),
		EventID: event.ID,
	})
	if err != nil && !stderrors.Is(err, orders.ErrAlreadyFinal) {
		return "", errors.Wrap(errors.ErrCodeDatabaseError, "recording integrity failure failed", err)
	}
	return "integrity_failure", nil
}

// grantForOrder applies the one completion side effect the product type
// calls for: a ledger grant for credit packs, a plan activation for
// subscriptions. Both are idempotent under redelivery: the grant by
// reference id, the activation by upsert.
func (p *Processor) grantForOrder(ctx context.Context, log zerolog.Logger, order orders.Order, event Event) error {
	credits, err := strconv.ParseInt(order.Meta(orders.MetaExpectedCredits), 10, 64)
	if err != nil || credits <= 0 {
		// Gate guarantees this parses on first completion; a replay of an
		// old malformed order just logs.
		log.Error().Err(err).Msg("completed order has no readable credit grant")
		return nil
	}

	switch order.ProductType {
	case catalog.ProductTypeCreditPack:
		applied, err := p.ledger.GrantPurchase(ctx, order, credits, event.ID)
		if err != nil {
			return errors.Wrap(errors.ErrCodeDatabaseError, "credit grant failed", err)
		}
		if applied {
			p.metrics.ObserveCreditsGranted(credits)
		}
	case catalog.ProductTypeSubscription:
		if _, err := p.subs.Activate(ctx, order, credits, event.ProviderSubID); err != nil {
			return errors.Wrap(errors.ErrCodeDatabaseError, "subscription activation failed", err)
		}
	}
	return nil
}

// handleTerminal settles failure/cancellation notices.
func (p *Processor) handleTerminal(ctx context.Context, log zerolog.Logger, event Event, status orders.Status, reason string) (string, error) {
	order, found, err := p.locateOrder(ctx, event)
	if err != nil {
		return "", err
	}
	if !found {
		log.Debug().Msg("terminal webhook references no known order")
		return "order_not_found", nil
	}
	if order.Status.IsTerminal() {
		return "already_final", nil
	}

	_, err = p.orderStore.TransitionTerminal(ctx, order.ID, status, orders.TerminalUpdate{
		Reason:  reason,
		Payload: string(event.Raw),
		EventID: event.ID,
	})
	if err != nil && !stderrors.Is(err, orders.ErrAlreadyFinal) {
		return "", errors.Wrap(errors.ErrCodeDatabaseError, "order transition failed", err)
	}
	log.Info().Str("order_number", order.OrderNumber).Str("status", string(status)).Msg("order settled from webhook")
	return string(status), nil
}

// handleRefund reverses the completion side effect: credit packs get their
// grant clawed back, subscriptions lose access immediately. A subscription
// purchase never landed in the ledger, so there is nothing to deduct there.
func (p *Processor) handleRefund(ctx context.Context, log zerolog.Logger, event Event) (string, error) {
	order, found, err := p.locateOrder(ctx, event)
	if err != nil {
		return "", err
	}
	if !found || order.Status != orders.StatusCompleted {
		log.Warn().Msg("refund webhook without a completed order, ignoring")
		return "ignored", nil
	}

	if order.ProductType == catalog.ProductTypeSubscription {
		if err := p.subs.Deactivate(ctx, order.UserID); err != nil && !stderrors.Is(err, subscriptions.ErrNotFound) {
			return "", errors.Wrap(errors.ErrCodeDatabaseError, "subscription deactivation failed", err)
		}
		log.Info().Str("order_number", order.OrderNumber).Msg("refund processed, subscription deactivated")
		return "refunded", nil
	}

	credits, err := strconv.ParseInt(order.Meta(orders.MetaExpectedCredits), 10, 64)
	if err != nil || credits <= 0 {
		log.Error().Msg("refunded order has no readable credit grant")
		return "ignored", nil
	}
	applied, err := p.ledger.Refund(ctx, order, credits, event.ID)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeDatabaseError, "credit refund failed", err)
	}
	if applied {
		p.metrics.ObserveCreditsRefunded(credits)
	}
	log.Info().Str("order_number", order.OrderNumber).Int64("credits", credits).Msg("refund processed, credits clawed back")
	return "refunded", nil
}

// handleSubscriptionCancelled marks the user's subscription cancelled.
func (p *Processor) handleSubscriptionCancelled(ctx context.Context, log zerolog.Logger, event Event) (string, error) {
	userID := event.UserID
	if userID == "" {
		if order, found, err := p.locateOrder(ctx, event); err != nil {
			return "", err
		} else if found {
			userID = order.UserID
		}
	}
	if userID == "" {
		log.Warn().Msg("subscription cancellation without a resolvable user, ignoring")
		return "ignored", nil
	}

	if _, err := p.subs.Cancel(ctx, userID); err != nil {
		if stderrors.Is(err, subscriptions.ErrNotFound) {
			return "ignored", nil
		}
		return "", errors.Wrap(errors.ErrCodeDatabaseError, "subscription cancellation failed", err)
	}
	return "subscription_cancelled", nil
}

// locateOrder resolves the order a webhook refers to: checkout session id
// first, metadata order number as the fallback.
func (p *Processor) locateOrder(ctx context.Context, event Event) (orders.Order, bool, error) {
	if event.SessionID != "" {
		order, err := p.orderStore.GetBySessionID(ctx, event.Provider, event.SessionID)
		if err == nil {
			return order, true, nil
		}
		if !stderrors.Is(err, orders.ErrNotFound) {
			return orders.Order{}, false, errors.Wrap(errors.ErrCodeDatabaseError, "order lookup failed", err)
		}
	}
	if event.OrderNumber != "" {
		order, err := p.orderStore.GetByOrderNumber(ctx, event.OrderNumber)
		if err == nil {
			return order, true, nil
		}
		if !stderrors.Is(err, orders.ErrNotFound) {
			return orders.Order{}, false, errors.Wrap(errors.ErrCodeDatabaseError, "order lookup failed", err)
		}
	}
	return orders.Order{}, false, nil
}
