package orders

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]Order // id -> order

	// Secondary indexes for O(1) lookups
	byOrderNumber map[string]string // orderNumber -> id
	bySession     map[string]string // provider:sessionID -> id
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:        make(map[string]Order),
		byOrderNumber: make(map[string]string),
		bySession:     make(map[string]string),
	}
}

func sessionKey(provider Provider, sessionID string) string {
	return string(provider) + ":" + sessionID
}

// Create persists a new order.
func (m *MemoryStore) Create(_ context.Context, order Order) error {
	if order.ID == "" {
		return fmt.Errorf("orders: id required")
	}
	if order.Status != StatusPending {
		return fmt.Errorf("orders: new order must be pending, got %s", order.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("orders: id already exists: %s", order.ID)
	}
	if _, exists := m.byOrderNumber[order.OrderNumber]; exists {
		return ErrDuplicateOrderNumber
	}

	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	m.orders[order.ID] = order
	m.byOrderNumber[order.OrderNumber] = order.ID
	return nil
}

// GetByID retrieves an order by its opaque id.
func (m *MemoryStore) GetByID(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(order), nil
}

// GetByOrderNumber retrieves an order by its human-readable number.
func (m *MemoryStore) GetByOrderNumber(_ context.Context, orderNumber string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrderNumber[orderNumber]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(m.orders[id]), nil
}

// GetBySessionID retrieves an order by the processor's checkout session id.
func (m *MemoryStore) GetBySessionID(_ context.Context, provider Provider, sessionID string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySession[sessionKey(provider, sessionID)]
	if !ok {
		return Order{}, ErrNotFound
	}
	return cloneOrder(m.orders[id]), nil
}

// AttachSession moves a pending order to created with its session id.
func (m *MemoryStore) AttachSession(_ context.Context, id, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if order.Status != StatusPending {
		return fmt.Errorf("orders: attach session requires pending status, got %s", order.Status)
	}

	order.Status = StatusCreated
	order.CheckoutSessionID = sessionID
	order.UpdatedAt = time.Now()

	m.orders[id] = order
	m.bySession[sessionKey(order.Provider, sessionID)] = id
	return nil
}

// TransitionTerminal atomically finalizes an order. The status check and the
// write happen under one lock, mirroring the conditional UPDATE the SQL
// stores use.
func (m *MemoryStore) TransitionTerminal(_ context.Context, id string, next Status, update TerminalUpdate) (Order, error) {
	if !next.IsTerminal() {
		return Order{}, fmt.Errorf("orders: %s is not a terminal status", next)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if order.Status.IsTerminal() {
		return cloneOrder(order), ErrAlreadyFinal
	}

	order.Status = next
	order.UpdatedAt = time.Now()
	if update.PaidAt != nil {
		paidAt := *update.PaidAt
		order.PaidAt = &paidAt
	}
	if update.PaymentID != "" {
		order.PaymentID = update.PaymentID
	}
	if update.Reason != "" {
		order.SetMeta(MetaFailureReason, update.Reason)
	}
	if update.Payload != "" {
		order.SetMeta(MetaProviderPayload, update.Payload)
	}
	if update.EventID != "" {
		order.SetMeta(MetaProviderEventID, update.EventID)
	}

	m.orders[id] = order
	return cloneOrder(order), nil
}

// CountRecent counts a user's orders created at or after since.
func (m *MemoryStore) CountRecent(_ context.Context, userID string, since time.Time, statuses []Status) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, order := range m.orders {
		if order.UserID != userID {
			continue
		}
		if order.CreatedAt.Before(since) {
			continue
		}
		if !statusIn(order.Status, statuses) {
			continue
		}
		count++
	}
	return count, nil
}

// FindRecentMatching returns the newest matching order within the window.
func (m *MemoryStore) FindRecentMatching(_ context.Context, userID string, amount float64, productID string, since time.Time, statuses []Status) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *Order
	for _, order := range m.orders {
		if order.UserID != userID || order.ProductID != productID {
			continue
		}
		if math.Abs(order.Amount-amount) >= amountTolerance {
			continue
		}
		if order.CreatedAt.Before(since) {
			continue
		}
		if !statusIn(order.Status, statuses) {
			continue
		}
		if newest == nil || order.CreatedAt.After(newest.CreatedAt) {
			clone := cloneOrder(order)
			newest = &clone
		}
	}
	return newest, nil
}

// ExpireStale transitions time-boxed-out pending/created orders to expired.
func (m *MemoryStore) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, order := range m.orders {
		if order.Status != StatusPending && order.Status != StatusCreated {
			continue
		}
		if order.ExpiredAt == nil || order.ExpiredAt.After(now) {
			continue
		}
		order.Status = StatusExpired
		order.UpdatedAt = now
		m.orders[id] = order
		count++
	}
	return count, nil
}

// Close implements the Store interface (no-op for memory).
func (m *MemoryStore) Close() error {
	return nil
}

// cloneOrder copies an order including its metadata bag so callers cannot
// mutate stored state through the returned map.
func cloneOrder(order Order) Order {
	if order.Metadata != nil {
		meta := make(map[string]string, len(order.Metadata))
		for k, v := range order.Metadata {
			meta[k] = v
		}
		order.Metadata = meta
	}
	if order.PaidAt != nil {
		paidAt := *order.PaidAt
		order.PaidAt = &paidAt
	}
	if order.ExpiredAt != nil {
		expiredAt := *order.ExpiredAt
		order.ExpiredAt = &expiredAt
	}
	return order
}
