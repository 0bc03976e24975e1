package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/orders"
)

// Manager drives subscription state from completed orders and provider
// subscription events.
type Manager struct {
	repo Repository
	log  zerolog.Logger
	now  func() time.Time
}

// NewManager builds a subscription manager.
func NewManager(repo Repository, log zerolog.Logger) *Manager {
	return &Manager{
		repo: repo,
		log:  log.With().Str("component", "subscription_manager").Logger(),
		now:  time.Now,
	}
}

// WithClock overrides the time source (tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Activate upserts the user's subscription from a completed order. A repeat
// purchase or plan change replaces the existing record; the new period starts
// now, not stacked onto the old period end.
func (m *Manager) Activate(ctx context.Context, order orders.Order, credits int64, providerSubID string) (Subscription, error) {
	if order.ProductType != catalog.ProductTypeSubscription {
		return Subscription{}, fmt.Errorf("order %s is not a subscription purchase", order.OrderNumber)
	}

	now := m.now().UTC()
	sub := Subscription{
		ID:             NewID(),
		UserID:         order.UserID,
		PlanID:         order.ProductID,
		BillingCycle:   order.BillingCycle,
		Status:         StatusActive,
		Provider:       order.Provider,
		ProviderSubID:  providerSubID,
		LastOrderID:    order.ID,
		MonthlyCredits: credits,
		PeriodStart:    now,
		PeriodEnd:      PeriodEnd(now, order.BillingCycle),
	}

	if existing, err := m.repo.GetByUser(ctx, order.UserID); err == nil {
		// Keep the original id so external references stay stable.
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return Subscription{}, fmt.Errorf("load existing subscription: %w", err)
	}

	if err := m.repo.Upsert(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("activate subscription: %w", err)
	}

	m.log.Info().
		Str("user_id", order.UserID).
		Str("plan_id", sub.PlanID).
		Str("billing_cycle", string(sub.BillingCycle)).
		Time("period_end", sub.PeriodEnd).
		Msg("subscription activated")
	return sub, nil
}

// Cancel marks the user's subscription cancelled. Access continues until the
// paid period runs out; IsCurrent handles the cutoff.
func (m *Manager) Cancel(ctx context.Context, userID string) (Subscription, error) {
	sub, err := m.repo.GetByUser(ctx, userID)
	if err != nil {
		return Subscription{}, err
	}
	if sub.Status == StatusCancelled {
		return sub, nil
	}
	sub.Status = StatusCancelled
	if err := m.repo.Upsert(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("cancel subscription: %w", err)
	}
	m.log.Info().
		Str("user_id", userID).
		Time("period_end", sub.PeriodEnd).
		Msg("subscription cancelled, access until period end")
	return sub, nil
}

// Deactivate marks the user's subscription inactive, cutting access
// immediately. Driven by provider-side lapse events.
func (m *Manager) Deactivate(ctx context.Context, userID string) error {
	sub, err := m.repo.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	sub.Status = StatusInactive
	if err := m.repo.Upsert(ctx, sub); err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	return nil
}

// Current returns the user's subscription if it grants access right now.
func (m *Manager) Current(ctx context.Context, userID string) (Subscription, error) {
	sub, err := m.repo.GetByUser(ctx, userID)
	if err != nil {
		return Subscription{}, err
	}
	if !sub.IsCurrent(m.now()) {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}
