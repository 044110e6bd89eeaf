package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/logger"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

var errBadRequest = errors.New("bad request")

type planResponse struct {
	ID          string                          `json:"id"`
	Name        string                          `json:"name"`
	Description string                          `json:"description,omitempty"`
	Limits      map[subscription.Resource]int64 `json:"limits"`
	Features    []subscription.Feature          `json:"features"`
	Price       subscription.Money              `json:"price"`
	Interval    subscription.BillingInterval    `json:"interval"`
}

func toPlanResponse(p subscription.Plan) planResponse {
	features := p.Features
	if features == nil {
		features = []subscription.Feature{}
	}
	return planResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Limits:      p.Limits,
		Features:    features,
		Price:       p.Price,
		Interval:    p.Interval,
	}
}

type summaryResponse struct {
	Snapshot  *subscription.Snapshot         `json:"snapshot"`
	Plan      planResponse                   `json:"plan"`
	CanCreate map[subscription.Resource]bool `json:"can_create"`
	Usage     subscription.Usage             `json:"usage,omitempty"`
}

type checkoutRequest struct {
	PlanID     string `json:"plan_id"`
	Email      string `json:"email"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type checkoutResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

type confirmRequest struct {
	PlanID string `json:"plan_id"`
}

type portalResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

type recoverRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type recoverResponse struct {
	UserID     uuid.UUID             `json:"user_id"`
	Email      string                `json:"email"`
	CustomerID string                `json:"customer_id"`
	PlanID     string                `json:"plan_id"`
	Snapshot   subscription.Snapshot `json:"snapshot"`
}

func (a *API) listPlans(w http.ResponseWriter, r *http.Request) {
	plans := a.rec.Catalog().Plans()
	resp := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		resp = append(resp, toPlanResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// summary returns the user's current access. The snapshot is synced when the
// cache has nothing fresh; a fresh cached snapshot is served as is.
func (a *API) summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := UserIDFromContext(ctx)

	snap, err := a.rec.Sync(ctx, userID, subscription.SyncOptions{})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := summaryResponse{
		Snapshot:  snap,
		Plan:      toPlanResponse(a.gate.EffectivePlan(ctx, userID)),
		CanCreate: a.gate.Limits(ctx, userID),
	}
	if a.usage != nil {
		counts, err := a.usage.Get(ctx, userID, r.URL.Query().Get("refresh") == "true")
		if err != nil {
			a.logger.WarnContext(ctx, "failed to count usage", logger.UserID(userID), logger.Error(err))
		} else {
			resp.Usage = counts.Counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) sync(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	snap, err := a.rec.Sync(r.Context(), userID, subscription.SyncOptions{Force: true})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PlanID == "" {
		writeError(w, r, errors.Join(errBadRequest, errors.New("plan_id is required")))
		return
	}

	userID, _ := UserIDFromContext(r.Context())
	session, err := a.rec.CreateCheckout(r.Context(), userID, req.PlanID, subscription.CheckoutOptions{
		Email:      req.Email,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{
		ID:        session.ID,
		URL:       session.URL,
		ExpiresAt: session.ExpiresAt,
	})
}

func (a *API) confirmCheckout(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PlanID == "" {
		writeError(w, r, errors.Join(errBadRequest, errors.New("plan_id is required")))
		return
	}

	userID, _ := UserIDFromContext(r.Context())
	snap, err := a.rec.ConfirmCheckout(r.Context(), userID, req.PlanID)
	if err != nil {
		writeErrorWithSnapshot(w, r, err, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	snap, err := a.rec.Cancel(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	snap, err := a.rec.Resume(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) portal(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	session, err := a.rec.PortalURL(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portalResponse{URL: session.URL, ExpiresAt: session.ExpiresAt})
}

func (a *API) recoverSubscription(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	target := subscription.RecoverRequest{Email: strings.TrimSpace(req.Email)}
	if req.UserID != "" {
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			writeError(w, r, errors.Join(errBadRequest, errors.New("user_id must be a UUID")))
			return
		}
		target.UserID = id
	}

	res, err := a.recoverer.Recover(r.Context(), target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recoverResponse{
		UserID:     res.UserID,
		Email:      res.Email,
		CustomerID: res.CustomerID,
		PlanID:     res.PlanID,
		Snapshot:   res.Snapshot,
	})
}

// decodeBody reads an optional JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
