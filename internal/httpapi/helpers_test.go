package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/subsync/internal/httpapi"
	"github.com/dmitrymomot/subsync/pkg/profile"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

const (
	priceMonthly = "price_monthly"
	priceYearly  = "price_yearly"
	adminToken   = "admin-secret"
)

// stubProvider is an in-memory billing provider.
type stubProvider struct {
	mu        sync.Mutex
	customers []subscription.Customer
	subs      map[string]subscription.ProviderSubscription
	updateErr error
}

func newStubProvider() *stubProvider {
	return &stubProvider{subs: make(map[string]subscription.ProviderSubscription)}
}

func (p *stubProvider) addPaidUser(userID uuid.UUID, email, customerID, subID, priceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	end := time.Date(2026, 11, 15, 0, 0, 0, 0, time.UTC)
	p.customers = append(p.customers, subscription.Customer{ID: customerID, Email: email, ExternalID: userID.String()})
	p.subs[subID] = subscription.ProviderSubscription{
		ID:               subID,
		CustomerID:       customerID,
		PriceID:          priceID,
		ExternalUserID:   userID.String(),
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: &end,
		CreatedAt:        end.AddDate(0, -1, 0),
	}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreateCheckoutSession(_ context.Context, req subscription.CheckoutRequest) (*subscription.CheckoutSession, error) {
	return &subscription.CheckoutSession{ID: "cs_" + req.PriceID, URL: "https://pay.example.com/" + req.PriceID}, nil
}

func (p *stubProvider) GetCustomerByExternalID(_ context.Context, userID string) (*subscription.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.customers {
		if c.ExternalID == userID {
			return &c, nil
		}
	}
	return nil, nil
}

func (p *stubProvider) GetSubscription(_ context.Context, id string) (*subscription.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[id]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return &s, nil
}

func (p *stubProvider) ListSubscriptionsForCustomer(_ context.Context, customerID string) ([]subscription.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []subscription.ProviderSubscription
	for _, s := range p.subs {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *stubProvider) ListCustomers(_ context.Context, filter subscription.CustomerFilter) ([]subscription.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []subscription.Customer
	for _, c := range p.customers {
		if filter.Email == "" || c.Email == filter.Email {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *stubProvider) UpdateSubscription(_ context.Context, id string, upd subscription.SubscriptionUpdate) (*subscription.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return nil, p.updateErr
	}
	s, ok := p.subs[id]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	s.CancelAtPeriodEnd = upd.CancelAtPeriodEnd
	p.subs[id] = s
	return &s, nil
}

func (p *stubProvider) CreateBillingPortalSession(_ context.Context, customerID, _ string) (*subscription.PortalSession, error) {
	return &subscription.PortalSession{URL: "https://portal.example.com/" + customerID}, nil
}

type parserFunc func(ctx context.Context, payload []byte, header http.Header) (*subscription.WebhookEvent, error)

func (f parserFunc) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*subscription.WebhookEvent, error) {
	return f(ctx, payload, header)
}

type testServer struct {
	provider *stubProvider
	profiles *profile.MemoryStore
	rec      *subscription.Reconciler
	handler  http.Handler
}

func newTestServer(t *testing.T, opts ...httpapi.Option) *testServer {
	t.Helper()

	plans := subscription.WithPriceIDs(subscription.DefaultPlans(), map[string][]string{
		"pro_monthly": {priceMonthly},
		"pro_yearly":  {priceYearly},
	})
	catalog, err := subscription.NewCatalog(plans...)
	require.NoError(t, err)

	ts := &testServer{
		provider: newStubProvider(),
		profiles: profile.NewMemoryStore(),
	}
	cache := subscription.NewCache()
	ts.rec = subscription.NewReconciler(catalog, cache, ts.provider, ts.profiles, subscription.WithRetry(1, 0))

	count := func(context.Context, uuid.UUID) (int64, error) { return 3, nil }
	usage := subscription.NewUsageCounter(
		subscription.WithCounter(subscription.ResourceProjects, count),
		subscription.WithCounter(subscription.ResourceClients, count),
		subscription.WithCounter(subscription.ResourceInvoices, count),
	)
	gate := subscription.NewGate(catalog, cache, usage)

	base := []httpapi.Option{
		httpapi.WithUsageCounter(usage),
		httpapi.WithRecoverer(subscription.NewRecoverer(ts.rec)),
		httpapi.WithAdminToken(adminToken),
	}
	ts.handler = httpapi.New(ts.rec, gate, append(base, opts...)...).Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, userID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if userID != uuid.Nil {
		req.Header.Set(httpapi.UserIDHeader, userID.String())
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
