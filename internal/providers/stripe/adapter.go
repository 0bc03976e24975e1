package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	stripewebhook "github.com/stripe/stripe-go/v72/webhook"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/checkout"
	"github.com/pixelmuse/billing/internal/config"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/internal/webhook"
)

// Metadata keys stamped onto Stripe sessions so webhooks can find their way
// back to the order without any session-id lookup.
const (
	metaOrderNumber     = "order_number"
	metaUserID          = "user_id"
	metaProductID       = "product_id"
	metaProductType     = "product_type"
	metaValidationHash  = "validation_hash"
	metaExpectedCredits = "expected_credits"
)

// Adapter integrates Stripe Checkout: session creation on the way out,
// signed webhook events on the way back.
type Adapter struct {
	cfg config.StripeConfig
}

// NewAdapter configures the stripe-go client key and returns the adapter.
func NewAdapter(cfg config.StripeConfig) *Adapter {
	stripeapi.Key = cfg.SecretKey
	return &Adapter{cfg: cfg}
}

// Provider identifies this adapter.
func (a *Adapter) Provider() orders.Provider {
	return orders.ProviderStripe
}

// CreateSession builds a hosted Stripe Checkout session for the order.
// Subscriptions use subscription mode; credit packs are one-time payments.
// A pre-created Stripe price is used when the catalog has one, otherwise the
// price data is built inline from the catalog entry.
func (a *Adapter) CreateSession(ctx context.Context, order orders.Order, entry catalog.Entry) (checkout.Session, error) {
	metadata := map[string]string{
		metaOrderNumber:     order.OrderNumber,
		metaUserID:          order.UserID,
		metaProductID:       order.ProductID,
		metaProductType:     string(order.ProductType),
		metaValidationHash:  order.Meta(orders.MetaValidationHash),
		metaExpectedCredits: order.Meta(orders.MetaExpectedCredits),
	}

	mode := stripeapi.CheckoutSessionModePayment
	if order.ProductType == catalog.ProductTypeSubscription {
		mode = stripeapi.CheckoutSessionModeSubscription
	}

	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(mode)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(a.cfg.SuccessURL),
		CancelURL:          stripeapi.String(a.cfg.CancelURL),
		ClientReferenceID:  stripeapi.String(order.OrderNumber),
	}
	params.Metadata = metadata
	params.Context = ctx

	if order.CustomerEmail != "" {
		params.CustomerEmail = stripeapi.String(order.CustomerEmail)
	}
	if mode == stripeapi.CheckoutSessionModePayment {
		// Carry the metadata onto the payment intent too, so refund events
		// (which reference the charge, not the session) stay traceable.
		params.PaymentIntentData = &stripeapi.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		}
	}

	if entry.StripePriceID != "" {
		params.LineItems = []*stripeapi.CheckoutSessionLineItemParams{
			{
				Price:    stripeapi.String(entry.StripePriceID),
				Quantity: stripeapi.Int64(1),
			},
		}
	} else {
		priceData := &stripeapi.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripeapi.String(entry.Currency),
			UnitAmount: stripeapi.Int64(majorToMinor(entry.Price)),
			ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripeapi.String(productName(entry)),
			},
		}
		if mode == stripeapi.CheckoutSessionModeSubscription {
			interval := "month"
			if order.BillingCycle == catalog.CycleYearly {
				interval = "year"
			}
			priceData.Recurring = &stripeapi.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval: stripeapi.String(interval),
			}
		}
		params.LineItems = []*stripeapi.CheckoutSessionLineItemParams{
			{
				PriceData: priceData,
				Quantity:  stripeapi.Int64(1),
			},
		}
	}

	s, err := session.New(params)
	if err != nil {
		return checkout.Session{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return checkout.Session{ID: s.ID, URL: s.URL}, nil
}

// VerifySignature checks the Stripe-Signature header. Verification happens
// inside ConstructEvent; this pre-check keeps the signature failure distinct
// from payload parse failures.
func (a *Adapter) VerifySignature(payload []byte, header http.Header) error {
	if a.cfg.WebhookSecret == "" {
		return errors.New("stripe: webhook secret not configured")
	}
	_, err := stripewebhook.ConstructEvent(payload, header.Get("Stripe-Signature"), a.cfg.WebhookSecret)
	if err != nil {
		return fmt.Errorf("stripe: signature verification: %w", err)
	}
	return nil
}

// ParseEvent normalizes a verified Stripe event. Amounts arrive in cents and
// are converted to major units here.
func (a *Adapter) ParseEvent(payload []byte) (webhook.Event, error) {
	var event stripeapi.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return webhook.Event{}, fmt.Errorf("stripe: decode event: %w", err)
	}

	out := webhook.Event{
		ID:  event.ID,
		Raw: event.Data.Raw,
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		s, err := decodeSession(event.Data.Raw)
		if err != nil {
			return webhook.Event{}, err
		}
		out.Type = webhook.EventCheckoutCompleted
		fillFromSession(&out, s)
	case "checkout.session.async_payment_failed":
		s, err := decodeSession(event.Data.Raw)
		if err != nil {
			return webhook.Event{}, err
		}
		out.Type = webhook.EventCheckoutFailed
		fillFromSession(&out, s)
	case "checkout.session.expired":
		s, err := decodeSession(event.Data.Raw)
		if err != nil {
			return webhook.Event{}, err
		}
		out.Type = webhook.EventCheckoutCancelled
		fillFromSession(&out, s)
	case "charge.refunded":
		var charge stripeapi.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return webhook.Event{}, fmt.Errorf("stripe: decode charge: %w", err)
		}
		out.Type = webhook.EventPaymentRefunded
		out.OrderNumber = charge.Metadata[metaOrderNumber]
		out.UserID = charge.Metadata[metaUserID]
		out.AmountMajor = minorToMajor(charge.AmountRefunded)
		out.Currency = string(charge.Currency)
		if charge.PaymentIntent != nil {
			out.PaymentID = charge.PaymentIntent.ID
		}
	case "customer.subscription.deleted":
		var sub stripeapi.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return webhook.Event{}, fmt.Errorf("stripe: decode subscription: %w", err)
		}
		out.Type = webhook.EventSubscriptionCancelled
		out.ProviderSubID = sub.ID
		out.UserID = sub.Metadata[metaUserID]
	case "customer.subscription.created":
		out.Type = webhook.EventSubscriptionCreated
	case "customer.subscription.updated":
		out.Type = webhook.EventSubscriptionUpdated
	default:
		out.Type = webhook.EventIgnored
	}

	return out, nil
}

func decodeSession(raw []byte) (stripeapi.CheckoutSession, error) {
	var s stripeapi.CheckoutSession
	if len(raw) == 0 {
		return s, errors.New("stripe: empty event payload")
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	return s, nil
}

func fillFromSession(out *webhook.Event, s stripeapi.CheckoutSession) {
	out.SessionID = s.ID
	out.AmountMajor = minorToMajor(s.AmountTotal)
	out.Currency = string(s.Currency)
	out.CustomerEmail = s.CustomerEmail
	out.PaymentStatus = string(s.PaymentStatus)
	if s.Metadata != nil {
		out.OrderNumber = s.Metadata[metaOrderNumber]
		out.UserID = s.Metadata[metaUserID]
		out.ProductType = s.Metadata[metaProductType]
	}
	if out.OrderNumber == "" {
		out.OrderNumber = s.ClientReferenceID
	}
	if s.PaymentIntent != nil {
		out.PaymentID = s.PaymentIntent.ID
	}
	if s.Subscription != nil {
		out.ProviderSubID = s.Subscription.ID
	}
}

// minorToMajor converts Stripe's cent amounts to major units.
func minorToMajor(cents int64) float64 {
	return float64(cents) / 100
}

// majorToMinor converts catalog prices to Stripe's cent amounts.
func majorToMinor(amount float64) int64 {
	return int64(amount*100 + 0.5)
}

func productName(entry catalog.Entry) string {
	if entry.Description != "" {
		return entry.Description
	}
	return entry.Key.ProductID
}
