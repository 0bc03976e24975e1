package creem

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/checkout"
	"github.com/pixelmuse/billing/internal/config"
	"github.com/pixelmuse/billing/internal/httputil"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/internal/webhook"
)

// signatureHeader carries the hex-encoded HMAC-SHA256 of the raw body.
const signatureHeader = "creem-signature"

const defaultTimeout = 15 * time.Second

// Adapter integrates Creem's REST checkout API and signed webhooks.
type Adapter struct {
	cfg    config.CreemConfig
	client *http.Client
}

// NewAdapter builds the Creem adapter with a pooled HTTP client.
func NewAdapter(cfg config.CreemConfig) *Adapter {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{
		cfg:    cfg,
		client: httputil.NewClient(timeout),
	}
}

// Provider identifies this adapter.
func (a *Adapter) Provider() orders.Provider {
	return orders.ProviderCreem
}

type checkoutRequest struct {
	ProductID  string            `json:"product_id"`
	RequestID  string            `json:"request_id"`
	Units      int               `json:"units"`
	SuccessURL string            `json:"success_url,omitempty"`
	Customer   *checkoutCustomer `json:"customer,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type checkoutCustomer struct {
	Email string `json:"email"`
}

type checkoutResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
}

// CreateSession creates a Creem checkout. Creem sessions reference a
// processor-side product, so the catalog entry must carry a creem_product_id.
func (a *Adapter) CreateSession(ctx context.Context, order orders.Order, entry catalog.Entry) (checkout.Session, error) {
	if entry.CreemProductID == "" {
		return checkout.Session{}, fmt.Errorf("creem: catalog entry %s has no creem_product_id", entry.Key)
	}

	body, err := json.Marshal(checkoutRequest{
		ProductID:  entry.CreemProductID,
		RequestID:  order.OrderNumber,
		Units:      1,
		SuccessURL: a.cfg.SuccessURL,
		Customer:   customerFor(order),
		Metadata: map[string]string{
			"order_number":     order.OrderNumber,
			"user_id":          order.UserID,
			"product_id":       order.ProductID,
			"product_type":     string(order.ProductType),
			"validation_hash":  order.Meta(orders.MetaValidationHash),
			"expected_credits": order.Meta(orders.MetaExpectedCredits),
		},
	})
	if err != nil {
		return checkout.Session{}, fmt.Errorf("creem: encode checkout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.cfg.APIBase, "/")+"/v1/checkouts", bytes.NewReader(body))
	if err != nil {
		return checkout.Session{}, fmt.Errorf("creem: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return checkout.Session{}, fmt.Errorf("creem: checkout request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return checkout.Session{}, fmt.Errorf("creem: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return checkout.Session{}, fmt.Errorf("creem: checkout returned %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var out checkoutResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return checkout.Session{}, fmt.Errorf("creem: decode response: %w", err)
	}
	if out.ID == "" || out.CheckoutURL == "" {
		return checkout.Session{}, errors.New("creem: response missing checkout id or url")
	}
	return checkout.Session{ID: out.ID, URL: out.CheckoutURL}, nil
}

// VerifySignature checks the creem-signature header: hex HMAC-SHA256 of the
// raw body keyed with the webhook secret, compared in constant time.
func (a *Adapter) VerifySignature(payload []byte, header http.Header) error {
	if a.cfg.WebhookSecret == "" {
		return errors.New("creem: webhook secret not configured")
	}
	signature := header.Get(signatureHeader)
	if signature == "" {
		return errors.New("creem: missing signature header")
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("creem: signature mismatch")
	}
	return nil
}

type eventEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Object    json.RawMessage `json:"object"`
}

type checkoutObject struct {
	ID        string            `json:"id"`
	RequestID string            `json:"request_id"`
	Metadata  map[string]string `json:"metadata"`
	Customer  struct {
		Email string `json:"email"`
	} `json:"customer"`
	Order struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"` // minor units
		Currency string `json:"currency"`
	} `json:"order"`
	Subscription struct {
		ID string `json:"id"`
	} `json:"subscription"`
}

// ParseEvent normalizes a verified Creem event. Amounts arrive in minor
// units and are converted to major units here.
func (a *Adapter) ParseEvent(payload []byte) (webhook.Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return webhook.Event{}, fmt.Errorf("creem: decode event: %w", err)
	}

	out := webhook.Event{
		ID:  envelope.ID,
		Raw: envelope.Object,
	}

	switch envelope.EventType {
	case "checkout.completed":
		out.Type = webhook.EventCheckoutCompleted
	case "checkout.failed":
		out.Type = webhook.EventCheckoutFailed
	case "checkout.expired":
		out.Type = webhook.EventCheckoutCancelled
	case "refund.created":
		out.Type = webhook.EventPaymentRefunded
	case "subscription.canceled", "subscription.expired":
		out.Type = webhook.EventSubscriptionCancelled
	case "subscription.active":
		out.Type = webhook.EventSubscriptionCreated
	case "subscription.update":
		out.Type = webhook.EventSubscriptionUpdated
	default:
		out.Type = webhook.EventIgnored
		return out, nil
	}

	var obj checkoutObject
	if err := json.Unmarshal(envelope.Object, &obj); err != nil {
		return webhook.Event{}, fmt.Errorf("creem: decode event object: %w", err)
	}
	out.SessionID = obj.ID
	out.PaymentID = obj.Order.ID
	out.AmountMajor = float64(obj.Order.Amount) / 100
	out.Currency = obj.Order.Currency
	out.CustomerEmail = obj.Customer.Email
	out.ProviderSubID = obj.Subscription.ID
	if obj.Metadata != nil {
		out.OrderNumber = obj.Metadata["order_number"]
		out.UserID = obj.Metadata["user_id"]
		out.ProductType = obj.Metadata["product_type"]
	}
	if out.OrderNumber == "" {
		out.OrderNumber = obj.RequestID
	}
	return out, nil
}

func customerFor(order orders.Order) *checkoutCustomer {
	if order.CustomerEmail == "" {
		return nil
	}
	return &checkoutCustomer{Email: order.CustomerEmail}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
