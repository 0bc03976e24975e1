package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelmuse/billing/internal/orders"
)

// DefaultDuplicateWindow is the trailing window for duplicate detection.
const DefaultDuplicateWindow = 5 * time.Minute

// countedStatuses are the order states that count against duplicate and rate
// checks. Terminal failures don't count: a user whose checkout failed should
// be able to retry immediately.
var countedStatuses = []orders.Status{
	orders.StatusPending,
	orders.StatusCreated,
	orders.StatusCompleted,
}

// DuplicateResult reports the outcome of a duplicate-order check.
type DuplicateResult struct {
	IsDuplicate   bool
	ExistingOrder *orders.Order
}

// Warning renders the advisory message surfaced alongside a successful
// checkout response.
func (r DuplicateResult) Warning() string {
	if !r.IsDuplicate || r.ExistingOrder == nil {
		return ""
	}
	return fmt.Sprintf("a similar order (%s) was placed recently", r.ExistingOrder.OrderNumber)
}

// DuplicateDetector flags repeat submissions (double-clicks, impatient
// retries) of the same purchase. It is advisory: a hit produces a warning,
// not a block. The processor-side idempotency and the webhook's
// completed-status short-circuit are the hard backstop.
type DuplicateDetector struct {
	store  orders.Store
	window time.Duration
}

// NewDuplicateDetector builds a detector over the order store.
func NewDuplicateDetector(store orders.Store, window time.Duration) *DuplicateDetector {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &DuplicateDetector{store: store, window: window}
}

// Check looks for a recent order with matching user, amount, and product id.
// Amount must be in major units - the same unit orders are stored in; a
// caller holding minor units must convert first or the comparison never hits.
func (d *DuplicateDetector) Check(ctx context.Context, userID string, amount float64, productID string) (DuplicateResult, error) {
	since := time.Now().Add(-d.window)
	existing, err := d.store.FindRecentMatching(ctx, userID, amount, productID, since, countedStatuses)
	if err != nil {
		return DuplicateResult{}, fmt.Errorf("duplicate check: %w", err)
	}
	if existing == nil {
		return DuplicateResult{}, nil
	}
	return DuplicateResult{IsDuplicate: true, ExistingOrder: existing}, nil
}
