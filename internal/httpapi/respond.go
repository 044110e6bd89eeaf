package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrymomot/subsync/pkg/subscription"
)

// providerUnavailableMessage replaces provider error text, which can carry
// upstream request ids and internal details.
const providerUnavailableMessage = "billing provider is unavailable, try again later"

type errorResponse struct {
	Error     string                 `json:"error"`
	RequestID string                 `json:"request_id,omitempty"`
	Snapshot  *subscription.Snapshot `json:"snapshot,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWithSnapshot(w, r, err, nil)
}

// writeErrorWithSnapshot also returns the snapshot that is now in effect,
// e.g. after a rolled back checkout confirmation.
func writeErrorWithSnapshot(w http.ResponseWriter, r *http.Request, err error, snap *subscription.Snapshot) {
	status := statusFor(err)
	msg := http.StatusText(status)
	switch {
	case status < http.StatusInternalServerError:
		msg = errorMessage(err)
	case status == http.StatusBadGateway:
		msg = providerUnavailableMessage
	}
	if status >= http.StatusInternalServerError {
		recordError(r.Context(), err)
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: RequestIDFromContext(r.Context()),
		Snapshot:  snap,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, subscription.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, subscription.ErrWebhookVerificationFailed),
		errors.Is(err, subscription.ErrInvalidWebhookPayload),
		errors.Is(err, subscription.ErrRecoveryTargetRequired),
		errors.Is(err, subscription.ErrPlanNotFound),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, subscription.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, subscription.ErrProviderUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, subscription.ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage flattens joined errors into one line.
func errorMessage(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", ": ")
}

type errorSlotKey struct{}

// errorSlot carries the cause of a 5xx response back to the Logger middleware.
type errorSlot struct {
	err error
}

func withErrorSlot(ctx context.Context) (context.Context, *errorSlot) {
	slot := &errorSlot{}
	return context.WithValue(ctx, errorSlotKey{}, slot), slot
}

func recordError(ctx context.Context, err error) {
	if slot, ok := ctx.Value(errorSlotKey{}).(*errorSlot); ok {
		slot.err = err
	}
}
