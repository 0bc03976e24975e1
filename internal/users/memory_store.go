package users

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory user store for tests and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryStore creates an empty in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) Put(ctx context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.users[user.ID] = user
	return nil
}

// AdjustCredits applies a signed delta to the denormalized balance. Called by
// the in-memory ledger inside its own lock ordering; postgres does the same
// adjustment inside the ledger transaction instead.
func (s *MemoryStore) AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	u.Credits += delta
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return u.Credits, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
