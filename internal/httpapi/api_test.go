package httpapi_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/subsync/internal/httpapi"
	"github.com/dmitrymomot/subsync/pkg/httpserver"
	"github.com/dmitrymomot/subsync/pkg/ratelimiter"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

type errorBody struct {
	Error     string                 `json:"error"`
	RequestID string                 `json:"request_id"`
	Snapshot  *subscription.Snapshot `json:"snapshot"`
}

type summaryBody struct {
	Snapshot subscription.Snapshot `json:"snapshot"`
	Plan     struct {
		ID       string                 `json:"id"`
		Features []subscription.Feature `json:"features"`
	} `json:"plan"`
	CanCreate map[subscription.Resource]bool  `json:"can_create"`
	Usage     map[subscription.Resource]int64 `json:"usage"`
}

func TestAPI_Authentication(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	t.Run("missing user header", func(t *testing.T) {
		t.Parallel()
		rec := ts.do(t, http.MethodGet, "/v1/subscription", uuid.Nil, nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decode[errorBody](t, rec)
		assert.Equal(t, subscription.ErrNotAuthenticated.Error(), body.Error)
		assert.Equal(t, rec.Header().Get(httpapi.RequestIDHeader), body.RequestID)
	})

	t.Run("malformed user header", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/v1/subscription/sync", nil)
		req.Header.Set(httpapi.UserIDHeader, "not-a-uuid")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("plans are public", func(t *testing.T) {
		t.Parallel()
		rec := ts.do(t, http.MethodGet, "/v1/plans", uuid.Nil, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		plans := decode[[]map[string]any](t, rec)
		assert.Len(t, plans, 3)
	})
}

func TestAPI_Summary(t *testing.T) {
	t.Parallel()

	t.Run("new user gets the free plan", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		userID := uuid.New()

		rec := ts.do(t, http.MethodGet, "/v1/subscription", userID, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[summaryBody](t, rec)
		assert.Equal(t, subscription.FreePlanID, body.Snapshot.PlanID)
		assert.Equal(t, subscription.SyncStateSynced, body.Snapshot.SyncState)
		assert.Equal(t, subscription.FreePlanID, body.Plan.ID)
		assert.Empty(t, body.Plan.Features)
		assert.True(t, body.CanCreate[subscription.ResourceProjects])
		assert.Equal(t, int64(3), body.Usage[subscription.ResourceInvoices])
	})

	t.Run("paying user gets the provider plan", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		userID := uuid.New()
		ts.provider.addPaidUser(userID, "ada@example.com", "cus_1", "sub_1", priceYearly)

		rec := ts.do(t, http.MethodGet, "/v1/subscription", userID, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[summaryBody](t, rec)
		assert.Equal(t, "pro_yearly", body.Snapshot.PlanID)
		assert.Equal(t, "sub_1", body.Snapshot.SubscriptionID)
		assert.Equal(t, "pro_yearly", body.Plan.ID)
		assert.Contains(t, body.Plan.Features, subscription.FeatureAPIAccess)
		assert.Equal(t, map[subscription.Resource]bool{
			subscription.ResourceProjects: true,
			subscription.ResourceClients:  true,
			subscription.ResourceInvoices: true,
		}, body.CanCreate)
	})
}

func TestAPI_Checkout(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	userID := uuid.New()

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"creates a session", map[string]string{"plan_id": "pro_monthly"}, http.StatusCreated},
		{"plan is required", map[string]string{}, http.StatusBadRequest},
		{"unknown plan", map[string]string{"plan_id": "enterprise"}, http.StatusBadRequest},
		{"free plan", map[string]string{"plan_id": subscription.FreePlanID}, http.StatusConflict},
		{"unknown field", map[string]string{"plan_id": "pro_monthly", "coupon": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/subscription/checkout", userID, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	t.Run("response carries the hosted url", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/subscription/checkout", userID, map[string]string{"plan_id": "pro_yearly"})

		require.Equal(t, http.StatusCreated, rec.Code)
		body := decode[map[string]any](t, rec)
		assert.Equal(t, "https://pay.example.com/"+priceYearly, body["url"])
		assert.NotContains(t, body, "expires_at")
	})
}

func TestAPI_ConfirmCheckout(t *testing.T) {
	t.Parallel()

	t.Run("confirmed by the provider", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		userID := uuid.New()
		ts.provider.addPaidUser(userID, "ada@example.com", "cus_1", "sub_1", priceMonthly)

		rec := ts.do(t, http.MethodPost, "/v1/subscription/checkout/confirm", userID, map[string]string{"plan_id": "pro_monthly"})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		snap := decode[subscription.Snapshot](t, rec)
		assert.Equal(t, "pro_monthly", snap.PlanID)
		assert.Equal(t, subscription.SyncStateSynced, snap.SyncState)
	})

	t.Run("rolled back when the provider has nothing", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		userID := uuid.New()

		rec := ts.do(t, http.MethodPost, "/v1/subscription/checkout/confirm", userID, map[string]string{"plan_id": "pro_monthly"})

		require.Equal(t, http.StatusNotFound, rec.Code)
		body := decode[errorBody](t, rec)
		assert.Contains(t, body.Error, "payment not confirmed")
		require.NotNil(t, body.Snapshot)
		assert.Equal(t, subscription.FreePlanID, body.Snapshot.PlanID)
	})
}

func TestAPI_CancelResume(t *testing.T) {
	t.Parallel()

	t.Run("no subscription yet", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/v1/subscription/cancel", uuid.New(), nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, decode[errorBody](t, rec).Error, "sync your subscription first")
	})

	t.Run("cancel then resume", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t)
		userID := uuid.New()
		ts.provider.addPaidUser(userID, "ada@example.com", "cus_1", "sub_1", priceMonthly)
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/subscription/sync", userID, nil).Code)

		rec := ts.do(t, http.MethodPost, "/v1/subscription/cancel", userID, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.True(t, decode[subscription.Snapshot](t, rec).CancelAtPeriodEnd)

		rec = ts.do(t, http.MethodPost, "/v1/subscription/cancel", userID, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = ts.do(t, http.MethodPost, "/v1/subscription/resume", userID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decode[subscription.Snapshot](t, rec).CancelAtPeriodEnd)
	})

	t.Run("provider failure", func(t *testing.T) {
		t.Parallel()
		var logs bytes.Buffer
		ts := newTestServer(t, httpapi.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
		userID := uuid.New()
		ts.provider.addPaidUser(userID, "ada@example.com", "cus_1", "sub_1", priceMonthly)
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/subscription/sync", userID, nil).Code)
		ts.provider.updateErr = errors.New("connection reset")

		rec := ts.do(t, http.MethodPost, "/v1/subscription/cancel", userID, nil)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		body := decode[errorBody](t, rec)
		assert.Equal(t, "billing provider is unavailable, try again later", body.Error)
		assert.NotContains(t, rec.Body.String(), "connection reset")
		assert.Contains(t, logs.String(), "status=502")
		assert.Contains(t, logs.String(), "connection reset")
		assert.False(t, ts.rec.Snapshot(context.Background(), userID).CancelAtPeriodEnd)
	})
}

func TestAPI_Portal(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	userID := uuid.New()

	rec := ts.do(t, http.MethodPost, "/v1/subscription/portal", userID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.provider.addPaidUser(userID, "ada@example.com", "cus_9", "sub_9", priceMonthly)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/subscription/sync", userID, nil).Code)

	rec = ts.do(t, http.MethodPost, "/v1/subscription/portal", userID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://portal.example.com/cus_9", decode[map[string]any](t, rec)["url"])
}

func TestAPI_Webhook(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	parser := parserFunc(func(_ context.Context, payload []byte, header http.Header) (*subscription.WebhookEvent, error) {
		if header.Get("X-Signature") != "valid" {
			return nil, subscription.ErrWebhookVerificationFailed
		}
		evt := &subscription.WebhookEvent{Type: subscription.WebhookSubscriptionUpdated, SubscriptionID: "sub_1"}
		if string(payload) == "known" {
			evt.UserID = userID.String()
		} else {
			evt.SubscriptionID = "sub_unknown"
		}
		return evt, nil
	})
	ts := newTestServer(t, httpapi.WithWebhookParser("stub", parser))
	ts.provider.addPaidUser(userID, "ada@example.com", "cus_1", "sub_1", priceMonthly)

	post := func(provider, body, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, strings.NewReader(body))
		req.Header.Set("X-Signature", signature)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("unknown provider", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, post("lemonsqueezy", "known", "valid").Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post("stub", "known", "forged").Code)
	})

	t.Run("syncs the referenced user", func(t *testing.T) {
		rec := post("stub", "known", "valid")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, map[string]any{"received": true, "type": "subscription_updated"}, decode[map[string]any](t, rec))
		snap := ts.rec.Snapshot(context.Background(), userID)
		require.NotNil(t, snap)
		assert.Equal(t, "pro_monthly", snap.PlanID)
	})

	t.Run("unresolvable user is acknowledged", func(t *testing.T) {
		assert.Equal(t, http.StatusAccepted, post("stub", "orphan", "valid").Code)
	})
}

func TestAPI_Recover(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	userID := uuid.New()
	require.NoError(t, ts.profiles.SetEmail(context.Background(), userID, "ada@example.com"))
	ts.provider.addPaidUser(userID, "ada@example.com", "cus_1", "sub_1", priceYearly)

	recoverReq := func(token string, body any) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/recover", strings.NewReader(mustJSON(t, body)))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		ts.handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("requires the admin token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, recoverReq("", map[string]string{"email": "ada@example.com"}).Code)
		assert.Equal(t, http.StatusUnauthorized, recoverReq("wrong", map[string]string{"email": "ada@example.com"}).Code)
	})

	t.Run("requires a target", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, recoverReq(adminToken, map[string]string{}).Code)
		assert.Equal(t, http.StatusBadRequest, recoverReq(adminToken, map[string]string{"user_id": "42"}).Code)
	})

	t.Run("recovers by email", func(t *testing.T) {
		rec := recoverReq(adminToken, map[string]string{"email": "ada@example.com"})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[map[string]any](t, rec)
		assert.Equal(t, userID.String(), body["user_id"])
		assert.Equal(t, "pro_yearly", body["plan_id"])
		assert.Equal(t, "cus_1", body["customer_id"])
	})

	t.Run("not mounted without a token", func(t *testing.T) {
		plain := newTestServer(t, httpapi.WithAdminToken(""))
		rec := httptest.NewRecorder()
		plain.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/admin/recover", strings.NewReader("{}")))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	ts := newTestServer(t,
		httpapi.WithMetrics(reg, reg),
		httpapi.WithHealthChecks(httpserver.Check{Name: "redis", Fn: func(context.Context) error {
			return errors.New("dial tcp: connection refused")
		}}),
	)

	rec := ts.do(t, http.MethodGet, "/health", uuid.Nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health/ready", uuid.Nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `subsync_http_requests_total{method="GET",route="/health",status="200"} 1`)
	assert.Contains(t, rec.Body.String(), `subsync_http_requests_total{method="GET",route="/health/ready",status="503"} 1`)
}

func TestAPI_SyncLimiter(t *testing.T) {
	t.Parallel()

	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	t.Cleanup(store.Close)
	limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{Capacity: 2, RefillRate: 1, RefillInterval: time.Hour})
	require.NoError(t, err)

	ts := newTestServer(t, httpapi.WithSyncLimiter(limiter))
	userID := uuid.New()

	for range 2 {
		rec := ts.do(t, http.MethodPost, "/v1/subscription/sync", userID, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := ts.do(t, http.MethodPost, "/v1/subscription/sync", userID, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, httpapi.ErrRateLimited.Error(), decode[errorBody](t, rec).Error)

	t.Run("cancel shares the budget", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/subscription/cancel", userID, nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("reads are not throttled", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/v1/subscription", userID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("other users keep their budget", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/v1/subscription/sync", uuid.New(), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
