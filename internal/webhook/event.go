package webhook

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pixelmuse/billing/internal/orders"
)

// EventType is the normalized event classification shared across processors.
// Adapters translate provider-specific type strings into these.
type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.completed"
	EventCheckoutFailed    EventType = "checkout.failed"
	EventCheckoutCancelled EventType = "checkout.cancelled"

	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionCancelled EventType = "subscription.cancelled"

	EventPaymentRefunded EventType = "payment.refunded"

	// EventIgnored marks provider event types this system does not act on.
	EventIgnored EventType = "ignored"
)

// Event is the normalized webhook envelope. AmountMajor is in major units;
// the adapter owns the minor-unit conversion for providers that send cents.
type Event struct {
	ID       string
	Type     EventType
	Provider orders.Provider

	SessionID   string
	PaymentID   string
	OrderNumber string // metadata fallback when the session id is absent

	UserID        string
	CustomerEmail string
	ProductType   string // echoed back from session metadata
	AmountMajor   float64
	Currency      string

	// PaymentStatus is the provider-reported payment state on checkout
	// events. Empty for providers that only report paid sessions.
	PaymentStatus string

	ProviderSubID string // processor-side subscription id, when present

	Raw json.RawMessage
}

// PaymentConfirmed reports whether the provider says the money moved.
// Stripe fires checkout.session.completed with payment_status "unpaid"
// for deferred payment methods; those sessions must wait for the async
// payment confirmation before any credits move.
func (e Event) PaymentConfirmed() bool {
	switch strings.ToLower(e.PaymentStatus) {
	case "", "paid", "no_payment_required":
		return true
	}
	return false
}

// Adapter translates one processor's webhook dialect: signature scheme and
// payload shape. Implementations must not touch storage.
type Adapter interface {
	Provider() orders.Provider
	VerifySignature(payload []byte, header http.Header) error
	ParseEvent(payload []byte) (Event, error)
}
