package subscriptions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/orders"
)

func subOrder(cycle catalog.BillingCycle) orders.Order {
	return orders.Order{
		ID:           "order-1",
		OrderNumber:  "PM-20260301-a1b2c3d4",
		UserID:       "user-1",
		ProductType:  catalog.ProductTypeSubscription,
		ProductID:    "pro",
		BillingCycle: cycle,
		Provider:     orders.ProviderStripe,
	}
}

func TestPeriodEnd(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		cycle catalog.BillingCycle
		want  time.Time
	}{
		{
			name:  "monthly adds one calendar month",
			start: time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
			cycle: catalog.CycleMonthly,
			want:  time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC),
		},
		{
			name:  "yearly adds one calendar year",
			start: time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
			cycle: catalog.CycleYearly,
			want:  time.Date(2027, 3, 15, 10, 0, 0, 0, time.UTC),
		},
		{
			name:  "monthly from jan 31 normalizes",
			start: time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
			cycle: catalog.CycleMonthly,
			want:  time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "yearly across leap day",
			start: time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC),
			cycle: catalog.CycleYearly,
			want:  time.Date(2029, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PeriodEnd(tt.start, tt.cycle)
			if !got.Equal(tt.want) {
				t.Errorf("PeriodEnd = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActivate(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(NewMemoryRepository(), zerolog.Nop()).WithClock(func() time.Time { return fixed })

	sub, err := m.Activate(ctx, subOrder(catalog.CycleMonthly), 2000, "sub_ext_1")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if sub.Status != StatusActive {
		t.Errorf("status = %s, want active", sub.Status)
	}
	if !sub.PeriodEnd.Equal(fixed.AddDate(0, 1, 0)) {
		t.Errorf("period end = %v, want one month out", sub.PeriodEnd)
	}
	if sub.MonthlyCredits != 2000 {
		t.Errorf("monthly credits = %d, want 2000", sub.MonthlyCredits)
	}

	got, err := m.Current(ctx, "user-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.PlanID != "pro" {
		t.Errorf("plan = %s, want pro", got.PlanID)
	}
}

func TestActivate_UpsertReplacesPlan(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(NewMemoryRepository(), zerolog.Nop()).WithClock(func() time.Time { return fixed })

	first, err := m.Activate(ctx, subOrder(catalog.CycleMonthly), 2000, "sub_ext_1")
	if err != nil {
		t.Fatalf("first activate: %v", err)
	}

	upgrade := subOrder(catalog.CycleYearly)
	upgrade.ID = "order-2"
	second, err := m.Activate(ctx, upgrade, 26000, "sub_ext_2")
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}

	if second.ID != first.ID {
		t.Error("upsert should keep the subscription id stable")
	}
	if second.BillingCycle != catalog.CycleYearly {
		t.Errorf("cycle = %s, want yearly after upgrade", second.BillingCycle)
	}
	if !second.PeriodEnd.Equal(fixed.AddDate(1, 0, 0)) {
		t.Errorf("period end = %v, want one year out (not stacked)", second.PeriodEnd)
	}
}

func TestActivate_RejectsCreditPackOrder(t *testing.T) {
	m := NewManager(NewMemoryRepository(), zerolog.Nop())
	order := subOrder(catalog.CycleMonthly)
	order.ProductType = catalog.ProductTypeCreditPack
	if _, err := m.Activate(context.Background(), order, 600, ""); err == nil {
		t.Error("credit pack order must not activate a subscription")
	}
}

func TestCancel_AccessUntilPeriodEnd(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := NewManager(NewMemoryRepository(), zerolog.Nop()).WithClock(clock)

	if _, err := m.Activate(ctx, subOrder(catalog.CycleMonthly), 2000, ""); err != nil {
		t.Fatalf("activate: %v", err)
	}
	sub, err := m.Cancel(ctx, "user-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if sub.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", sub.Status)
	}

	// Still current inside the paid period.
	if _, err := m.Current(ctx, "user-1"); err != nil {
		t.Errorf("cancelled subscription should stay current until period end: %v", err)
	}

	// Past period end the access is gone.
	now = now.AddDate(0, 1, 1)
	if _, err := m.Current(ctx, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after period end", err)
	}
}

func TestDeactivate_CutsAccessImmediately(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryRepository(), zerolog.Nop())

	if _, err := m.Activate(ctx, subOrder(catalog.CycleMonthly), 2000, ""); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := m.Deactivate(ctx, "user-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := m.Current(ctx, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after deactivation", err)
	}
}
