package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TxType classifies a credit transaction.
type TxType string

const (
	TxPurchase TxType = "purchase" // credits granted for a paid order
	TxUsage    TxType = "usage"    // credits consumed by generation
	TxRefund   TxType = "refund"   // credits clawed back after a refund
	TxGift     TxType = "gift"     // manual or promotional grant
)

// IsValid reports whether the transaction type is known.
func (t TxType) IsValid() bool {
	switch t {
	case TxPurchase, TxUsage, TxRefund, TxGift:
		return true
	default:
		return false
	}
}

var (
	// ErrDuplicateReference means a transaction with the same reference id was
	// already applied. Callers treat this as an idempotent no-op.
	ErrDuplicateReference = errors.New("ledger: duplicate reference id")

	// ErrUserNotFound means the balance row for the user does not exist.
	ErrUserNotFound = errors.New("ledger: user not found")
)

// CreditTransaction is an append-only ledger entry. Amount is signed: grants
// positive, usage and refund claw-backs negative. ReferenceID carries the
// provider event id for webhook-driven entries; its uniqueness is the last
// line of replay defense.
type CreditTransaction struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Amount         int64     `json:"amount"`
	Type           TxType    `json:"type"`
	Description    string    `json:"description"`
	PaymentOrderID string    `json:"paymentOrderId,omitempty"`
	ReferenceID    string    `json:"referenceId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists ledger entries and keeps the denormalized user balance in
// step. Apply must be atomic: either the entry lands and the balance moves,
// or neither happens.
type Store interface {
	Apply(ctx context.Context, tx CreditTransaction) error
	Balance(ctx context.Context, userID string) (int64, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
	Close(ctx context.Context) error
}

// NewTransactionID generates an opaque ledger entry id.
func NewTransactionID() string {
	return uuid.NewString()
}
