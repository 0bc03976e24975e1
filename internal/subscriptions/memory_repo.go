package subscriptions

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-memory subscription store for tests and local
// development. One record per user.
type MemoryRepository struct {
	mu     sync.RWMutex
	byUser map[string]Subscription
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byUser: make(map[string]Subscription)}
}

func (r *MemoryRepository) GetByUser(ctx context.Context, userID string) (Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byUser[userID]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (r *MemoryRepository) Upsert(ctx context.Context, sub Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.byUser[sub.UserID]; ok {
		sub.CreatedAt = existing.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	r.byUser[sub.UserID] = sub
	return nil
}

func (r *MemoryRepository) Close(ctx context.Context) error {
	return nil
}
