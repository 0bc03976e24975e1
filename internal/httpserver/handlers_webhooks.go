package httpserver

import (
	"io"
	"net/http"

	apierrors "github.com/pixelmuse/billing/internal/errors"
	"github.com/pixelmuse/billing/internal/logger"
	"github.com/pixelmuse/billing/internal/orders"
	"github.com/pixelmuse/billing/pkg/responders"
)

// maxWebhookBody caps webhook payload reads.
const maxWebhookBody = 1 << 20

// handleWebhook returns the handler for one provider's webhook endpoint.
// The raw body is read before anything else: signature schemes sign the
// exact bytes, so any re-encoding would break verification.
func (s *handlers) handleWebhook(provider orders.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			log.Warn().Err(err).Msg("webhook.body_read_failed")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPayload, "could not read webhook body")
			return
		}
		defer r.Body.Close()

		if err := s.webhooks.Process(r.Context(), provider, payload, r.Header); err != nil {
			// Retryable errors get a 5xx so the processor redelivers;
			// signature and payload errors map to 4xx and stop retries.
			apierrors.WriteFromErr(w, err)
			return
		}

		responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}
