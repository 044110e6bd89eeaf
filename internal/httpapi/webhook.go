package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/subsync/pkg/logger"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

type webhookResponse struct {
	Received bool                     `json:"received"`
	Type     subscription.WebhookType `json:"type,omitempty"`
}

// handleWebhook acknowledges deliveries the provider should not retry and
// answers 5xx only for transient failures.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "provider")

	parser, ok := a.parsers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:     "unknown webhook provider",
			RequestID: RequestIDFromContext(ctx),
		})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxWebhookBytes))
	if err != nil {
		writeError(w, r, errors.Join(errBadRequest, err))
		return
	}

	evt, err := a.rec.HandleWebhook(ctx, parser, payload, r.Header)
	resp := webhookResponse{Received: true}
	if evt != nil {
		resp.Type = evt.Type
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, subscription.ErrNotFound):
		// The user may have been deleted; a retry would not change that.
		a.logger.WarnContext(ctx, "webhook acknowledged without a user",
			logger.Provider(name), logger.Error(err))
		writeJSON(w, http.StatusAccepted, resp)
	default:
		a.logger.ErrorContext(ctx, "webhook handling failed", logger.Provider(name), logger.Error(err))
		writeError(w, r, err)
	}
}
