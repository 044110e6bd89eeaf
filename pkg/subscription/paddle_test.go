package subscription_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/subsync/pkg/subscription"
)

func TestNewPaddleProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  subscription.PaddleConfig
		wantErr error
	}{
		{
			name:    "missing api key",
			config:  subscription.PaddleConfig{WebhookSecret: "secret"},
			wantErr: subscription.ErrMissingAPIKey,
		},
		{
			name:    "missing webhook secret",
			config:  subscription.PaddleConfig{APIKey: "key"},
			wantErr: subscription.ErrMissingWebhookSecret,
		},
		{
			name:    "invalid environment",
			config:  subscription.PaddleConfig{APIKey: "key", WebhookSecret: "secret", Environment: "staging"},
			wantErr: subscription.ErrInvalidProviderEnvironment,
		},
		{
			name:   "sandbox",
			config: subscription.PaddleConfig{APIKey: "key", WebhookSecret: "secret", Environment: "sandbox"},
		},
		{
			name:   "production by default",
			config: subscription.PaddleConfig{APIKey: "key", WebhookSecret: "secret"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := subscription.NewPaddleProvider(tt.config)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "paddle", p.Name())
		})
	}
}

func TestPaddleProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, err := subscription.NewPaddleProvider(subscription.PaddleConfig{APIKey: "key", WebhookSecret: "secret", Environment: "sandbox"})
	require.NoError(t, err)

	t.Run("customers cannot be found by external id", func(t *testing.T) {
		t.Parallel()
		c, err := p.GetCustomerByExternalID(ctx, "user-1")
		assert.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("checkout requires a price", func(t *testing.T) {
		t.Parallel()
		_, err := p.CreateCheckoutSession(ctx, subscription.CheckoutRequest{UserID: "user-1"})
		assert.ErrorIs(t, err, subscription.ErrMissingPriceID)
	})

	t.Run("unsigned webhook is rejected", func(t *testing.T) {
		t.Parallel()
		_, err := p.ParseWebhook(ctx, []byte(`{"event_type":"subscription.updated"}`), http.Header{})
		assert.ErrorIs(t, err, subscription.ErrWebhookVerificationFailed)
	})
}

func newPaddle(t *testing.T, mux *http.ServeMux) *subscription.PaddleProvider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := subscription.NewPaddleProvider(subscription.PaddleConfig{
		APIKey:        "pdl_key",
		WebhookSecret: "secret",
		BaseURL:       srv.URL,
	})
	require.NoError(t, err)
	return p
}

func paddleFailure(status int, code string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"type":"request_error","code":"` + code + `","detail":"failure"},"meta":{"request_id":"req_1"}}`))
	}
}

func TestPaddleProvider_API(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /subscriptions/sub_1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer pdl_key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{
			"id":"sub_1","status":"active","customer_id":"ctm_1","created_at":"2025-01-01T00:00:00Z",
			"items":[{"price":{"id":"pri_pro"}}],
			"current_billing_period":{"starts_at":"2025-01-01T00:00:00Z","ends_at":"2025-02-01T00:00:00Z"},
			"custom_data":{"user_id":"user-1"}
		},"meta":{"request_id":"req_1"}}`))
	})
	mux.HandleFunc("GET /subscriptions/sub_gone", paddleFailure(http.StatusNotFound, "not_found"))
	mux.HandleFunc("POST /subscriptions/sub_gone/cancel", paddleFailure(http.StatusNotFound, "not_found"))
	mux.HandleFunc("GET /subscriptions/sub_broken", paddleFailure(http.StatusInternalServerError, "internal_error"))
	p := newPaddle(t, mux)

	t.Run("get subscription", func(t *testing.T) {
		t.Parallel()
		sub, err := p.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)

		start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, subscription.ProviderSubscription{
			ID:                 "sub_1",
			CustomerID:         "ctm_1",
			PriceID:            "pri_pro",
			ExternalUserID:     "user-1",
			Status:             subscription.StatusActive,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
			CreatedAt:          start,
		}, *sub)
	})

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{
			name: "unknown subscription is not found",
			call: func() error {
				_, err := p.GetSubscription(ctx, "sub_gone")
				return err
			},
			wantErr: subscription.ErrNotFound,
		},
		{
			name: "cancelling an unknown subscription is not found",
			call: func() error {
				_, err := p.UpdateSubscription(ctx, "sub_gone", subscription.SubscriptionUpdate{CancelAtPeriodEnd: true})
				return err
			},
			wantErr: subscription.ErrNotFound,
		},
		{
			name: "server errors mean the provider is unavailable",
			call: func() error {
				_, err := p.GetSubscription(ctx, "sub_broken")
				return err
			},
			wantErr: subscription.ErrProviderUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.call()
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantErr == subscription.ErrNotFound {
				assert.NotErrorIs(t, err, subscription.ErrProviderUnavailable)
			}
		})
	}
}
