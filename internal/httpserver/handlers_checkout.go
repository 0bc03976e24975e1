package httpserver

import (
	"net/http"

	"github.com/pixelmuse/billing/internal/catalog"
	"github.com/pixelmuse/billing/internal/checkout"
	apierrors "github.com/pixelmuse/billing/internal/errors"
	"github.com/pixelmuse/billing/internal/logger"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/pkg/responders"
)

// createCheckoutRequest is the wire shape of a checkout submission. Amounts
// arrive in minor units (cents) and are converted exactly once, here.
type createCheckoutRequest struct {
	ProductType       string `json:"productType"`
	ProductID         string `json:"productId"`
	BillingCycle      string `json:"billingCycle,omitempty"`
	AmountCents       int64  `json:"amountCents"`
	Currency          string `json:"currency"`
	CustomerEmail     string `json:"customerEmail,omitempty"`
	Country           string `json:"country,omitempty"`
	PreferredProvider string `json:"preferredProvider,omitempty"`
}

type createCheckoutResponse struct {
	Success         bool     `json:"success"`
	OrderNumber     string   `json:"orderNumber,omitempty"`
	Provider        string   `json:"provider,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
	CheckoutURL     string   `json:"checkoutUrl,omitempty"`
	ValidatedPrice  float64  `json:"validatedPrice"`
	ExpectedCredits int64    `json:"expectedCredits"`
	FreeTier        bool     `json:"freeTier,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// createCheckout validates and creates a checkout session.
func (s *handlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createCheckoutRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().Err(err).Msg("checkout.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "request body is not valid JSON")
		return
	}
	if req.ProductID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "productId is required")
		return
	}
	productType := catalog.ProductType(req.ProductType)
	if !productType.IsValid() {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidProductType,
			"productType must be subscription or credit_pack", "productType", req.ProductType)
		return
	}
	if req.AmountCents < 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "amountCents must not be negative")
		return
	}
	if req.Currency == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "currency is required")
		return
	}
	cycle := catalog.BillingCycle(req.BillingCycle)
	if req.BillingCycle != "" && !cycle.IsValid() {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField,
			"billingCycle must be monthly, yearly, or none", "billingCycle", req.BillingCycle)
		return
	}

	result, err := s.checkout.Create(r.Context(), checkout.Request{
		UserID:        userID,
		CustomerEmail: req.CustomerEmail,
		ProductType:   productType,
		ProductID:     req.ProductID,
		BillingCycle:  cycle,
		Amount:        float64(req.AmountCents) / 100, // minor to major, exactly once
		Currency:      req.Currency,
		Country:       req.Country,
		Preferred:     orders.Provider(req.PreferredProvider),
	})
	if err != nil {
		apierrors.WriteFromErr(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, createCheckoutResponse{
		Success:         true,
		OrderNumber:     result.OrderNumber,
		Provider:        string(result.Provider),
		SessionID:       result.SessionID,
		CheckoutURL:     result.CheckoutURL,
		ValidatedPrice:  result.ValidatedPrice,
		ExpectedCredits: result.ExpectedCredits,
		FreeTier:        result.FreeTier,
		Warnings:        result.Warnings,
	})
}
