package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/orders"
)

// Service wraps the ledger store with the grant/refund flows the webhook
// processor drives.
type Service struct {
	store Store
	log   zerolog.Logger
}

// NewService builds a ledger service.
func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("component", "credit_ledger").Logger(),
	}
}

// GrantPurchase credits a user for a completed order. The provider event id
// is the reference id, so a replayed webhook becomes a no-op: applied reports
// whether the grant actually landed.
func (s *Service) GrantPurchase(ctx context.Context, order orders.Order, credits int64, eventID string) (applied bool, err error) {
	if credits <= 0 {
		return false, fmt.Errorf("grant requires positive credits, got %d", credits)
	}
	tx := CreditTransaction{
		UserID:         order.UserID,
		Amount:         credits,
		Type:           TxPurchase,
		Description:    fmt.Sprintf("purchase %s (%s)", order.ProductID, order.OrderNumber),
		PaymentOrderID: order.ID,
		ReferenceID:    eventID,
	}
	if err := s.store.Apply(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			s.log.Info().
				Str("order_number", order.OrderNumber).
				Str("reference_id", eventID).
				Msg("credit grant already applied, skipping")
			return false, nil
		}
		return false, fmt.Errorf("grant purchase credits: %w", err)
	}
	s.log.Info().
		Str("user_id", order.UserID).
		Str("order_number", order.OrderNumber).
		Int64("credits", credits).
		Msg("credits granted")
	return true, nil
}

// Refund claws back credits for a refunded order. Amount is the positive
// credit count to remove; the ledger entry is recorded negative.
func (s *Service) Refund(ctx context.Context, order orders.Order, credits int64, eventID string) (applied bool, err error) {
	if credits <= 0 {
		return false, fmt.Errorf("refund requires positive credits, got %d", credits)
	}
	tx := CreditTransaction{
		UserID:         order.UserID,
		Amount:         -credits,
		Type:           TxRefund,
		Description:    fmt.Sprintf("refund %s (%s)", order.ProductID, order.OrderNumber),
		PaymentOrderID: order.ID,
		ReferenceID:    eventID,
	}
	if err := s.store.Apply(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return false, nil
		}
		return false, fmt.Errorf("refund credits: %w", err)
	}
	s.log.Info().
		Str("user_id", order.UserID).
		Str("order_number", order.OrderNumber).
		Int64("credits", credits).
		Msg("credits refunded")
	return true, nil
}

// RecordUsage debits credits consumed by a generation job.
func (s *Service) RecordUsage(ctx context.Context, userID string, credits int64, description string) error {
	if credits <= 0 {
		return fmt.Errorf("usage requires positive credits, got %d", credits)
	}
	tx := CreditTransaction{
		UserID:      userID,
		Amount:      -credits,
		Type:        TxUsage,
		Description: description,
	}
	if err := s.store.Apply(ctx, tx); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Balance reads the user's current credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.store.Balance(ctx, userID)
}

// History lists the user's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	return s.store.ListByUser(ctx, userID, limit)
}
