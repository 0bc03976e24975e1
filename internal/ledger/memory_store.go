package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pixelmuse/billing/internal/users"
)

// balanceMutator is the slice of the user store the ledger needs: apply a
// signed delta to the denormalized balance.
type balanceMutator interface {
	AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error)
}

// MemoryStore is an in-memory ledger for tests and local development. The
// single mutex makes Apply atomic with respect to the balance adjustment.
type MemoryStore struct {
	mu           sync.Mutex
	entries      []CreditTransaction
	byReference  map[string]struct{}
	userBalances balanceMutator
}

// NewMemoryStore creates an in-memory ledger writing balances through the
// given user store.
func NewMemoryStore(userStore *users.MemoryStore) *MemoryStore {
	return &MemoryStore{
		byReference:  make(map[string]struct{}),
		userBalances: userStore,
	}
}

func (s *MemoryStore) Apply(ctx context.Context, tx CreditTransaction) error {
	if !tx.Type.IsValid() {
		return fmt.Errorf("invalid transaction type %q", tx.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ReferenceID != "" {
		if _, seen := s.byReference[tx.ReferenceID]; seen {
			return ErrDuplicateReference
		}
	}

	if _, err := s.userBalances.AdjustCredits(ctx, tx.UserID, tx.Amount); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	if tx.ID == "" {
		tx.ID = NewTransactionID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, tx)
	if tx.ReferenceID != "" {
		s.byReference[tx.ReferenceID] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Balance(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var balance int64
	found := false
	for _, e := range s.entries {
		if e.UserID == userID {
			balance += e.Amount
			found = true
		}
	}
	if !found {
		return 0, ErrUserNotFound
	}
	return balance, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CreditTransaction
	// Newest first.
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].UserID != userID {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
