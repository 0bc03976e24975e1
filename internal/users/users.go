package users

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

// User is the narrow billing-side view of an account. Credits is the
// denormalized balance; the credit ledger is the authoritative history and
// every balance change goes through it.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store provides user lookup for checkout-time existence checks and balance
// reads. Balance writes happen inside the ledger's atomic apply, not here.
type Store interface {
	Get(ctx context.Context, id string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	Put(ctx context.Context, user User) error
	Close(ctx context.Context) error
}
