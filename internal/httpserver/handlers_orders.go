package httpserver

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/pixelmuse/billing/internal/errors"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/pkg/responders"
)

type orderResponse struct {
	OrderNumber  string     `json:"orderNumber"`
	ProductType  string     `json:"productType"`
	ProductID    string     `json:"productId"`
	BillingCycle string     `json:"billingCycle,omitempty"`
	Amount       float64    `json:"amount"`
	Currency     string     `json:"currency"`
	Provider     string     `json:"provider"`
	Status       string     `json:"status"`
	PaidAt       *time.Time `json:"paidAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// getOrder returns one of the caller's orders by order number. The internal
// metadata bag (hashes, provider payloads) stays server-side.
func (s *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	orderNumber := chi.URLParam(r, "orderNumber")

	order, err := s.orderStore.GetByOrderNumber(r.Context(), orderNumber)
	if err != nil {
		if stderrors.Is(err, orders.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeOrderNotFound, "order not found")
			return
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "order lookup failed")
		return
	}
	if order.UserID != userID {
		// Someone else's order number reads as absent, not forbidden.
		apierrors.WriteSimpleError(w, apierrors.ErrCodeOrderNotFound, "order not found")
		return
	}

	responders.JSON(w, http.StatusOK, orderResponse{
		OrderNumber:  order.OrderNumber,
		ProductType:  string(order.ProductType),
		ProductID:    order.ProductID,
		BillingCycle: string(order.BillingCycle),
		Amount:       order.Amount,
		Currency:     order.Currency,
		Provider:     string(order.Provider),
		Status:       string(order.Status),
		PaidAt:       order.PaidAt,
		CreatedAt:    order.CreatedAt,
	})
}
