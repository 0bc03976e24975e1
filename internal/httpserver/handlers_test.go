package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/checkout"
	"github.com/pixelmuse/billing/internal/circuitbreaker"
	"github.com/pixelmuse/billing/internal/config"
	"github.com/pixelmuse/billing/internal/guard"
	"github.com/pixelmuse/billing/internal/ledger"
	"github.com/pixelmuse/billing/internal/metrics"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/internal/pricing"
	"github.com/pixelmuse/billing/internal/router"
	"github.com/pixelmuse/billing/internal/subscriptions"
	"github.com/pixelmuse/billing/internal/users"
	"github.com/pixelmuse/billing/internal/webhook"
)

type stubCreator struct {
	provider orders.Provider
	session  checkout.Session
	err      error
}

func (c *stubCreator) Provider() orders.Provider { return c.provider }

func (c *stubCreator) CreateSession(ctx context.Context, order orders.Order, entry catalog.Entry) (checkout.Session, error) {
	if c.err != nil {
		return checkout.Session{}, c.err
	}
	return c.session, nil
}

type stubAdapter struct {
	provider orders.Provider
	sigErr   error
	event    webhook.Event
}

func (a *stubAdapter) Provider() orders.Provider { return a.provider }

func (a *stubAdapter) VerifySignature(payload []byte, header http.Header) error { return a.sigErr }

func (a *stubAdapter) ParseEvent(payload []byte) (webhook.Event, error) {
	evt := a.event
	evt.Provider = a.provider
	return evt, nil
}

type serverFixture struct {
	server     *Server
	orderStore *orders.MemoryStore
	userStore  *users.MemoryStore
	ledger     *ledger.Service
	subs       *subscriptions.Manager
	adapter    *stubAdapter
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	cat, err := catalog.FromConfig(config.CatalogConfig{
		Version: "test-1",
		Products: []config.CatalogProduct{
			{ProductType: "credit_pack", ProductID: "starter", Price: 4.90, Credits: 600, Currency: "USD"},
			{ProductType: "credit_pack", ProductID: "trial", Price: 0, Credits: 20, Currency: "USD"},
			{ProductType: "subscription", ProductID: "pro", BillingCycle: "monthly", Price: 12.90, Credits: 2000, Currency: "USD"},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	orderStore := orders.NewMemoryStore()
	userStore := users.NewMemoryStore()
	if err := userStore.Put(context.Background(), users.User{ID: "user-1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	log := zerolog.Nop()
	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(userStore), log)
	subs := subscriptions.NewManager(subscriptions.NewMemoryRepository(), log)
	validator := pricing.NewValidator(cat, "test-secret-0123456789")
	m := metrics.New(prometheus.NewRegistry())

	checkoutSvc := checkout.NewService(checkout.Config{
		Catalog:    cat,
		Validator:  validator,
		Duplicates: guard.NewDuplicateDetector(orderStore, 5*time.Minute),
		RateLimit:  guard.NewRateLimiter(orderStore, 10),
		Router: router.New(config.RoutingConfig{DefaultProvider: "stripe"},
			map[orders.Provider]bool{orders.ProviderStripe: true}, log),
		OrderStore: orderStore,
		UserStore:  userStore,
		Creators: []checkout.SessionCreator{&stubCreator{
			provider: orders.ProviderStripe,
			session:  checkout.Session{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"},
		}},
		Breakers: circuitbreaker.NewManagerFromConfig(config.CircuitBreakerConfig{Enabled: false}, log),
		Metrics:  m,
		OrderTTL: 24 * time.Hour,
	}, log)

	adapter := &stubAdapter{provider: orders.ProviderStripe}
	processor := webhook.NewProcessor(webhook.Config{
		Adapters:   []webhook.Adapter{adapter},
		OrderStore: orderStore,
		Validator:  validator,
		Ledger:     ledgerSvc,
		Subs:       subs,
		UserStore:  userStore,
		Metrics:    m,
	}, log)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Address:      ":0",
			ReadTimeout:  config.Duration{Duration: 15 * time.Second},
			WriteTimeout: config.Duration{Duration: 15 * time.Second},
			IdleTimeout:  config.Duration{Duration: 60 * time.Second},
		},
	}

	server := New(cfg, Deps{
		Catalog:    cat,
		Checkout:   checkoutSvc,
		Webhooks:   processor,
		OrderStore: orderStore,
		Ledger:     ledgerSvc,
		Subs:       subs,
	}, log)

	return &serverFixture{
		server:     server,
		orderStore: orderStore,
		userStore:  userStore,
		ledger:     ledgerSvc,
		subs:       subs,
		adapter:    adapter,
	}
}

func (f *serverFixture) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	f.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &body)
	return body.Error.Code
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestListProducts(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/products", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body productsResponse
	decodeBody(t, rec, &body)
	if body.CatalogVersion != "test-1" {
		t.Errorf("catalogVersion = %q, want test-1", body.CatalogVersion)
	}
	if len(body.Products) != 3 {
		t.Fatalf("len(products) = %d, want 3", len(body.Products))
	}
	first := body.Products[0]
	if first.ProductID != "starter" || first.AmountCents != 490 {
		t.Errorf("first product = %+v, want starter at 490 cents", first)
	}
}

func TestCreateCheckout(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/checkout", "user-1", createCheckoutRequest{
		ProductType: "credit_pack",
		ProductID:   "starter",
		AmountCents: 490,
		Currency:    "USD",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body createCheckoutResponse
	decodeBody(t, rec, &body)
	if !body.Success {
		t.Error("success = false, want true")
	}
	if body.OrderNumber == "" {
		t.Error("orderNumber is empty")
	}
	if body.SessionID != "cs_test_1" {
		t.Errorf("sessionId = %q, want cs_test_1", body.SessionID)
	}
	if body.Provider != "stripe" {
		t.Errorf("provider = %q, want stripe", body.Provider)
	}
}

func TestCreateCheckout_MissingUserHeader(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/checkout", "", createCheckoutRequest{
		ProductType: "credit_pack",
		ProductID:   "starter",
		AmountCents: 490,
		Currency:    "USD",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "missing_field" {
		t.Errorf("code = %q, want missing_field", code)
	}
}

func TestCreateCheckout_TamperedPrice(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/checkout", "user-1", createCheckoutRequest{
		ProductType: "credit_pack",
		ProductID:   "starter",
		AmountCents: 49, // catalog says 490
		Currency:    "USD",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if code := errorCode(t, rec); code != "price_mismatch" {
		t.Errorf("code = %q, want price_mismatch", code)
	}
}

func TestCreateCheckout_InvalidProductType(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/checkout", "user-1", createCheckoutRequest{
		ProductType: "donation",
		ProductID:   "starter",
		AmountCents: 490,
		Currency:    "USD",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_product_type" {
		t.Errorf("code = %q, want invalid_product_type", code)
	}
}

func TestGetOrder(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/checkout", "user-1", createCheckoutRequest{
		ProductType: "credit_pack",
		ProductID:   "starter",
		AmountCents: 490,
		Currency:    "USD",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout status = %d", rec.Code)
	}
	var created createCheckoutResponse
	decodeBody(t, rec, &created)

	path := fmt.Sprintf("/v1/orders/%s", created.OrderNumber)
	rec = f.do(t, http.MethodGet, path, "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var order orderResponse
	decodeBody(t, rec, &order)
	if order.OrderNumber != created.OrderNumber {
		t.Errorf("orderNumber = %q, want %q", order.OrderNumber, created.OrderNumber)
	}
	if order.Status != "created" {
		t.Errorf("status = %q, want created", order.Status)
	}
	if order.Amount != 4.90 {
		t.Errorf("amount = %v, want 4.90", order.Amount)
	}

	// Another caller's order number reads as absent.
	rec = f.do(t, http.MethodGet, path, "user-2", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("other user status = %d, want 404", rec.Code)
	}
}

func TestGetOrder_Unknown(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/orders/PM-20260101-000000", "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != "order_not_found" {
		t.Errorf("code = %q, want order_not_found", code)
	}
}

func TestGetBalance(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/credits/balance", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body balanceResponse
	decodeBody(t, rec, &body)
	if body.Credits != 0 {
		t.Errorf("credits = %d, want 0 before any grant", body.Credits)
	}

	order := orders.Order{ID: "ord-1", OrderNumber: "PM-1", UserID: "user-1", ProductID: "starter"}
	if _, err := f.ledger.GrantPurchase(context.Background(), order, 600, "evt_1"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	rec = f.do(t, http.MethodGet, "/v1/credits/balance", "user-1", nil)
	decodeBody(t, rec, &body)
	if body.Credits != 600 {
		t.Errorf("credits = %d, want 600 after grant", body.Credits)
	}
}

func TestGetCreditHistory(t *testing.T) {
	f := newServerFixture(t)
	order := orders.Order{ID: "ord-1", OrderNumber: "PM-1", UserID: "user-1", ProductID: "starter"}
	if _, err := f.ledger.GrantPurchase(context.Background(), order, 600, "evt_1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := f.ledger.RecordUsage(context.Background(), "user-1", 10, "image generation"); err != nil {
		t.Fatalf("usage: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/v1/credits/history?limit=1", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body historyResponse
	decodeBody(t, rec, &body)
	if len(body.Transactions) != 1 {
		t.Fatalf("len(transactions) = %d, want 1 with limit=1", len(body.Transactions))
	}
	if body.Transactions[0].Amount != -10 {
		t.Errorf("newest amount = %d, want -10", body.Transactions[0].Amount)
	}
}

func TestGetCreditHistory_BadLimit(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/credits/history?limit=abc", "user-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetSubscription_None(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/subscription", "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSubscriptionLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	order := orders.Order{
		ID:           "ord-sub",
		OrderNumber:  "PM-2",
		UserID:       "user-1",
		ProductType:  catalog.ProductTypeSubscription,
		ProductID:    "pro",
		BillingCycle: catalog.CycleMonthly,
		Provider:     orders.ProviderStripe,
	}
	if _, err := f.subs.Activate(context.Background(), order, 2000, "sub_ext_1"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/v1/subscription", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var sub subscriptions.Subscription
	decodeBody(t, rec, &sub)
	if sub.PlanID != "pro" || sub.Status != subscriptions.StatusActive {
		t.Errorf("subscription = %+v, want active pro plan", sub)
	}

	rec = f.do(t, http.MethodPost, "/v1/subscription/cancel", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	decodeBody(t, rec, &sub)
	if sub.Status != subscriptions.StatusCancelled {
		t.Errorf("status after cancel = %q, want cancelled", sub.Status)
	}

	// Cancelled keeps access until period end.
	rec = f.do(t, http.MethodGet, "/v1/subscription", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status after cancel = %d, want 200 until period end", rec.Code)
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	f := newServerFixture(t)
	f.adapter.sigErr = fmt.Errorf("signature mismatch")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	f.server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_signature" {
		t.Errorf("code = %q, want invalid_signature", code)
	}
}

func TestWebhook_IgnoredEventAcks(t *testing.T) {
	f := newServerFixture(t)
	f.adapter.event = webhook.Event{ID: "evt_x", Type: webhook.EventIgnored}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	f.server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]bool
	decodeBody(t, rec, &body)
	if !body["received"] {
		t.Error("received = false, want true")
	}
}
