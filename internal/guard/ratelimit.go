package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelmuse/billing/internal/orders"
)

// DefaultMaxOrdersPerHour is the per-user order ceiling.
const DefaultMaxOrdersPerHour = 10

// rateWindow is the trailing window the ceiling applies to.
const rateWindow = time.Hour

// RateResult reports the outcome of an order rate-limit check.
type RateResult struct {
	Allowed      bool
	CurrentCount int
	Limit        int
}

// RateLimiter enforces a per-user order ceiling over a trailing hour.
// Unlike the duplicate detector this is a hard gate. It is a pure read
// against the order store - no separate counter state to keep consistent.
type RateLimiter struct {
	store orders.Store
	max   int
}

// NewRateLimiter builds a limiter over the order store.
func NewRateLimiter(store orders.Store, maxPerHour int) *RateLimiter {
	if maxPerHour <= 0 {
		maxPerHour = DefaultMaxOrdersPerHour
	}
	return &RateLimiter{store: store, max: maxPerHour}
}

// Check counts the user's orders in the trailing hour. The nth order up to
// the limit is allowed; the limit+1th is rejected.
func (r *RateLimiter) Check(ctx context.Context, userID string) (RateResult, error) {
	since := time.Now().Add(-rateWindow)
	count, err := r.store.CountRecent(ctx, userID, since, countedStatuses)
	if err != nil {
		return RateResult{}, fmt.Errorf("rate limit check: %w", err)
	}
	return RateResult{
		Allowed:      count < r.max,
		CurrentCount: count,
		Limit:        r.max,
	}, nil
}
