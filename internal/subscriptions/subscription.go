package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/orders"
)

// Status is a subscription lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"  // lapsed past the paid period
	StatusCancelled Status = "cancelled" // user-initiated, runs out at period end
)

// ErrNotFound is returned when no subscription matches the lookup.
var ErrNotFound = errors.New("subscription not found")

// Subscription is a user's paid plan. One active subscription per user: a new
// purchase replaces the previous record rather than stacking.
type Subscription struct {
	ID           string               `json:"id"`
	UserID       string               `json:"userId"`
	PlanID       string               `json:"planId"`
	BillingCycle catalog.BillingCycle `json:"billingCycle"`
	Status       Status               `json:"status"`

	Provider       orders.Provider `json:"provider"`
	ProviderSubID  string          `json:"providerSubscriptionId,omitempty"`
	LastOrderID    string          `json:"lastOrderId,omitempty"`
	MonthlyCredits int64           `json:"monthlyCredits"`

	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsCurrent reports whether the subscription grants access at the given time.
// Cancelled subscriptions stay current until the paid period runs out.
func (s Subscription) IsCurrent(now time.Time) bool {
	if s.Status == StatusInactive {
		return false
	}
	return now.Before(s.PeriodEnd)
}

// Repository persists subscriptions keyed by user.
type Repository interface {
	GetByUser(ctx context.Context, userID string) (Subscription, error)
	Upsert(ctx context.Context, sub Subscription) error
	Close(ctx context.Context) error
}

// NewID generates an opaque subscription id.
func NewID() string {
	return uuid.NewString()
}

// PeriodEnd computes the end of a billing period starting at start. Calendar
// arithmetic, not fixed day counts: a monthly period from Jan 31 lands on the
// normalized Mar 2/3 per time.AddDate, matching how processors bill.
func PeriodEnd(start time.Time, cycle catalog.BillingCycle) time.Time {
	switch cycle {
	case catalog.CycleYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 1, 0)
	}
}
