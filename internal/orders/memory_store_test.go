package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pixelmuse/billing/internal/catalog"
)

func newOrder(id string) Order {
	return Order{
		ID:          id,
		OrderNumber: NewOrderNumber(time.Now()),
		UserID:      "user-1",
		ProductType: catalog.ProductTypeCreditPack,
		ProductID:   "starter",
		Amount:      4.90,
		Currency:    "USD",
		Provider:    ProviderStripe,
		Status:      StatusPending,
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := newOrder("o1")

	if err := store.Create(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.AttachSession(ctx, "o1", "cs_1"); err != nil {
		t.Fatalf("attach session: %v", err)
	}
	got, err := store.GetBySessionID(ctx, ProviderStripe, "cs_1")
	if err != nil {
		t.Fatalf("get by session: %v", err)
	}
	if got.Status != StatusCreated {
		t.Errorf("status = %s, want created", got.Status)
	}

	paidAt := time.Now().UTC()
	completed, err := store.TransitionTerminal(ctx, "o1", StatusCompleted, TerminalUpdate{
		PaidAt:    &paidAt,
		PaymentID: "pi_1",
		EventID:   "evt_1",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != StatusCompleted || completed.PaymentID != "pi_1" {
		t.Errorf("completed = %+v", completed)
	}
	if completed.PaidAt == nil || !completed.PaidAt.Equal(paidAt) {
		t.Error("paidAt not stamped")
	}
}

func TestTransitionTerminal_Monotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.TransitionTerminal(ctx, "o1", StatusCompleted, TerminalUpdate{}); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	current, err := store.TransitionTerminal(ctx, "o1", StatusFailed, TerminalUpdate{Reason: "late failure"})
	if !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("err = %v, want ErrAlreadyFinal", err)
	}
	if current.Status != StatusCompleted {
		t.Errorf("returned state = %s, want the winning completed state", current.Status)
	}

	got, _ := store.GetByID(ctx, "o1")
	if got.Status != StatusCompleted {
		t.Errorf("stored status = %s, terminal state must not move", got.Status)
	}
}

func TestTransitionTerminal_RejectsNonTerminal(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Create(context.Background(), newOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.TransitionTerminal(context.Background(), "o1", StatusCreated, TerminalUpdate{}); err == nil {
		t.Error("non-terminal target status must be rejected")
	}
}

func TestTransitionTerminal_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.TransitionTerminal(ctx, "o1", StatusCompleted, TerminalUpdate{}); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("winners = %d, want exactly 1", count)
	}
}

func TestCreate_DuplicateOrderNumber(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := newOrder("o1")
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := newOrder("o2")
	second.OrderNumber = first.OrderNumber
	if err := store.Create(ctx, second); !errors.Is(err, ErrDuplicateOrderNumber) {
		t.Errorf("err = %v, want ErrDuplicateOrderNumber", err)
	}
}

func TestCreate_RequiresPending(t *testing.T) {
	store := NewMemoryStore()
	order := newOrder("o1")
	order.Status = StatusCompleted
	if err := store.Create(context.Background(), order); err == nil {
		t.Error("non-pending create must be rejected")
	}
}

func TestAttachSession_RequiresPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newOrder("o1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.AttachSession(ctx, "o1", "cs_1"); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := store.AttachSession(ctx, "o1", "cs_2"); err == nil {
		t.Error("second attach must fail, order is no longer pending")
	}
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	stale := newOrder("stale")
	stale.ExpiredAt = &past
	fresh := newOrder("fresh")
	fresh.ExpiredAt = &future
	unbounded := newOrder("unbounded") // no deadline, never expires

	for _, o := range []Order{stale, fresh, unbounded} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("create %s: %v", o.ID, err)
		}
	}
	// Terminal orders are skipped even with a past deadline.
	done := newOrder("done")
	done.ExpiredAt = &past
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("create done: %v", err)
	}
	if _, err := store.TransitionTerminal(ctx, "done", StatusCompleted, TerminalUpdate{}); err != nil {
		t.Fatalf("complete done: %v", err)
	}

	count, err := store.ExpireStale(ctx, now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if count != 1 {
		t.Errorf("expired count = %d, want 1", count)
	}

	for id, want := range map[string]Status{
		"stale":     StatusExpired,
		"fresh":     StatusPending,
		"unbounded": StatusPending,
		"done":      StatusCompleted,
	} {
		got, err := store.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != want {
			t.Errorf("%s status = %s, want %s", id, got.Status, want)
		}
	}
}

func TestCloneIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	order := newOrder("o1")
	order.SetMeta("k", "v")
	if err := store.Create(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := store.GetByID(ctx, "o1")
	got.Metadata["k"] = "mutated"

	again, _ := store.GetByID(ctx, "o1")
	if again.Metadata["k"] != "v" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestNewOrderNumberFormat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := NewOrderNumber(now)
	if len(n) != len("PM-20260301-a1b2c3d4") {
		t.Errorf("order number %q has unexpected length", n)
	}
	if n[:12] != "PM-20260301-" {
		t.Errorf("order number %q prefix mismatch", n)
	}
	if n == NewOrderNumber(now) {
		t.Error("two order numbers should not collide")
	}
}
