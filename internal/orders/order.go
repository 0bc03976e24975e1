package orders

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pixelmuse/billing/internal/catalog"
)

// Provider identifies an external payment processor.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderCreem  Provider = "creem"
)

// IsValid reports whether the provider is one of the known processors.
func (p Provider) IsValid() bool {
	return p == ProviderStripe || p == ProviderCreem
}

// Status is an order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"   // persisted, no processor session yet
	StatusCreated   Status = "created"   // processor session attached, awaiting payment
	StatusCompleted Status = "completed" // payment confirmed via webhook
	StatusFailed    Status = "failed"    // integrity or processor failure, reason recorded
	StatusCancelled Status = "cancelled" // user abandoned at the processor
	StatusExpired   Status = "expired"   // time-boxed out by the sweep
)

// IsTerminal reports whether no further transition is permitted from this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Metadata keys carried on orders. The metadata bag holds the validation hash
// and expected credit grant captured at checkout time, and the raw provider
// payload after webhook processing, so the whole transaction is auditable from
// the order row alone.
const (
	MetaValidationHash  = "validation_hash"
	MetaValidatedAt     = "validated_at" // unix seconds; hash input, carried forward unchanged
	MetaExpectedCredits = "expected_credits"
	MetaBillingCycle    = "billing_cycle"
	MetaFailureReason   = "failure_reason"
	MetaProviderError   = "provider_error"
	MetaProviderPayload = "provider_payload"
	MetaProviderEventID = "provider_event_id"
	MetaCatalogVersion  = "catalog_version"
)

// Order is the central billing entity. Amount is stored in major currency
// units (dollars, not cents); callers holding minor units must convert before
// touching this type.
type Order struct {
	ID          string `json:"id"`
	OrderNumber string `json:"orderNumber"`

	UserID        string `json:"userId"`
	CustomerEmail string `json:"customerEmail"`

	ProductType  catalog.ProductType  `json:"productType"`
	ProductID    string               `json:"productId"`
	BillingCycle catalog.BillingCycle `json:"billingCycle"`
	Amount       float64              `json:"amount"`
	Currency     string               `json:"currency"`

	Provider          Provider `json:"paymentProvider"`
	CheckoutSessionID string   `json:"checkoutSessionId,omitempty"`
	PaymentID         string   `json:"paymentId,omitempty"`

	Status    Status     `json:"status"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ExpiredAt *time.Time `json:"expiredAt,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value, tolerating a nil bag.
func (o Order) Meta(key string) string {
	if o.Metadata == nil {
		return ""
	}
	return o.Metadata[key]
}

// SetMeta writes a metadata value, allocating the bag if needed.
func (o *Order) SetMeta(key, value string) {
	if o.Metadata == nil {
		o.Metadata = make(map[string]string)
	}
	o.Metadata[key] = value
}

// NewID generates an opaque order id.
func NewID() string {
	return uuid.NewString()
}

// NewOrderNumber generates a human-readable, globally unique order number.
// Format: PM-20260901-a1b2c3d4. Numbers are never reused; the random suffix
// makes collisions within a day vanishingly unlikely and the store's unique
// index is the backstop.
func NewOrderNumber(now time.Time) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// uuid fallback keeps uniqueness even if the entropy pool misbehaves
		return fmt.Sprintf("PM-%s-%s", now.UTC().Format("20060102"), uuid.NewString()[:8])
	}
	return fmt.Sprintf("PM-%s-%s", now.UTC().Format("20060102"), hex.EncodeToString(b))
}
