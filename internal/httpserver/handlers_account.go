package httpserver

import (
	stderrors "errors"
	"net/http"
	"strconv"

	apierrors "github.com/pixelmuse/billing/internal/errors"
	"github.com/pixelmuse/billing/internal/ledger"
	"github.com/pixelmuse/billing/internal/logger"
	"github.com/pixelmuse/billing/internal/subscriptions"
	"github.com/pixelmuse/billing/pkg/responders"
)

const defaultHistoryLimit = 50

type balanceResponse struct {
	UserID  string `json:"userId"`
	Credits int64  `json:"credits"`
}

type historyResponse struct {
	UserID       string                     `json:"userId"`
	Transactions []ledger.CreditTransaction `json:"transactions"`
}

// getBalance reads the caller's credit balance. Users with no ledger history
// read as a zero balance rather than an error.
func (s *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	credits, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		if stderrors.Is(err, ledger.ErrUserNotFound) {
			responders.JSON(w, http.StatusOK, balanceResponse{UserID: userID, Credits: 0})
			return
		}
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("balance.read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "balance lookup failed")
		return
	}

	responders.JSON(w, http.StatusOK, balanceResponse{UserID: userID, Credits: credits})
}

// getCreditHistory lists the caller's recent ledger entries, newest first.
func (s *handlers) getCreditHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField,
				"limit must be a positive integer", "limit", raw)
			return
		}
		if parsed > 200 {
			parsed = 200
		}
		limit = parsed
	}

	transactions, err := s.ledger.History(r.Context(), userID, limit)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("credit_history.read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "history lookup failed")
		return
	}
	if transactions == nil {
		transactions = []ledger.CreditTransaction{}
	}

	responders.JSON(w, http.StatusOK, historyResponse{UserID: userID, Transactions: transactions})
}

// getSubscription returns the caller's current subscription. Expired and
// deactivated subscriptions read as absent.
func (s *handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	sub, err := s.subs.Current(r.Context(), userID)
	if err != nil {
		if stderrors.Is(err, subscriptions.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeOrderNotFound, "no active subscription")
			return
		}
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("subscription.read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "subscription lookup failed")
		return
	}

	responders.JSON(w, http.StatusOK, sub)
}

// cancelSubscription marks the caller's subscription cancelled. Access runs
// until the paid period ends, so the current subscription is returned.
func (s *handlers) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	sub, err := s.subs.Cancel(r.Context(), userID)
	if err != nil {
		if stderrors.Is(err, subscriptions.ErrNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeOrderNotFound, "no subscription to cancel")
			return
		}
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("subscription.cancel_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "subscription cancel failed")
		return
	}

	responders.JSON(w, http.StatusOK, sub)
}
