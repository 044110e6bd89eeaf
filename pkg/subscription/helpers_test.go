package subscription_test

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/subsync/pkg/subscription"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req subscription.CheckoutRequest) (*subscription.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.CheckoutSession), args.Error(1)
}

func (m *mockProvider) GetCustomerByExternalID(ctx context.Context, userID string) (*subscription.Customer, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.Customer), args.Error(1)
}

func (m *mockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*subscription.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.ProviderSubscription), args.Error(1)
}

func (m *mockProvider) ListSubscriptionsForCustomer(ctx context.Context, customerID string) ([]subscription.ProviderSubscription, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]subscription.ProviderSubscription), args.Error(1)
}

func (m *mockProvider) ListCustomers(ctx context.Context, filter subscription.CustomerFilter) ([]subscription.Customer, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]subscription.Customer), args.Error(1)
}

func (m *mockProvider) UpdateSubscription(ctx context.Context, subscriptionID string, upd subscription.SubscriptionUpdate) (*subscription.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID, upd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.ProviderSubscription), args.Error(1)
}

func (m *mockProvider) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*subscription.PortalSession, error) {
	args := m.Called(ctx, customerID, returnURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.PortalSession), args.Error(1)
}

type mockParser struct {
	mock.Mock
}

func (m *mockParser) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*subscription.WebhookEvent, error) {
	args := m.Called(ctx, payload, header)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.WebhookEvent), args.Error(1)
}

// memProfiles is a ProfileStore with injectable failures.
type memProfiles struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]subscription.Profile
	getErr   error
	saveErr  error
	saves    int
}

func newMemProfiles() *memProfiles {
	return &memProfiles{profiles: make(map[uuid.UUID]subscription.Profile)}
}

func (s *memProfiles) put(p subscription.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

func (s *memProfiles) get(id uuid.UUID) (subscription.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	return p, ok
}

func (s *memProfiles) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memProfiles) GetProfile(_ context.Context, userID uuid.UUID) (*subscription.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return &p, nil
}

func (s *memProfiles) SaveBilling(_ context.Context, p subscription.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	existing := s.profiles[p.UserID]
	p.Email = existing.Email
	s.profiles[p.UserID] = p
	return nil
}

func (s *memProfiles) FindUserIDByEmail(_ context.Context, email string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.profiles {
		if strings.EqualFold(p.Email, email) {
			return id, nil
		}
	}
	return uuid.Nil, subscription.ErrNotFound
}

func (s *memProfiles) FindUserIDByCustomerID(_ context.Context, customerID string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.profiles {
		if p.CustomerID == customerID {
			return id, nil
		}
	}
	return uuid.Nil, subscription.ErrNotFound
}

func (s *memProfiles) ListPaidUserIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, p := range s.profiles {
		if p.PlanID != "" && p.PlanID != subscription.FreePlanID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []subscription.Event
}

func recordEvents(bus *subscription.EventBus) *eventRecorder {
	r := &eventRecorder{}
	for _, kind := range subscription.EventKinds {
		subscription.Subscribe(bus, kind, func(_ context.Context, e subscription.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
			return nil
		})
	}
	return r
}

func (r *eventRecorder) kinds() []subscription.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]subscription.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *eventRecorder) last() subscription.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return subscription.Event{}
	}
	return r.events[len(r.events)-1]
}

const (
	priceMonthly = "price_monthly"
	priceYearly  = "price_yearly"
)

func testCatalog(t *testing.T) *subscription.Catalog {
	t.Helper()
	plans := subscription.WithPriceIDs(subscription.DefaultPlans(), map[string][]string{
		"pro_monthly": {priceMonthly},
		"pro_yearly":  {priceYearly},
	})
	catalog, err := subscription.NewCatalog(plans...)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return catalog
}

type fixture struct {
	catalog  *subscription.Catalog
	cache    *subscription.Cache
	provider *mockProvider
	profiles *memProfiles
	bus      *subscription.EventBus
	events   *eventRecorder
	clock    *fakeClock
	rec      *subscription.Reconciler
	userID   uuid.UUID
}

func newFixture(t *testing.T, opts ...subscription.ReconcilerOption) *fixture {
	t.Helper()

	f := &fixture{
		catalog:  testCatalog(t),
		provider: &mockProvider{},
		profiles: newMemProfiles(),
		bus:      subscription.NewEventBus(),
		clock:    newFakeClock(),
		userID:   uuid.New(),
	}
	f.cache = subscription.NewCache(subscription.WithCacheClock(f.clock.Now))
	f.events = recordEvents(f.bus)

	base := []subscription.ReconcilerOption{
		subscription.WithEventBus(f.bus),
		subscription.WithRetry(1, 0),
		subscription.WithClock(f.clock.Now),
	}
	f.rec = subscription.NewReconciler(f.catalog, f.cache, f.provider, f.profiles, append(base, opts...)...)
	return f
}

func timePtr(t time.Time) *time.Time { return &t }

func activeSub(id, customerID, priceID string) *subscription.ProviderSubscription {
	return &subscription.ProviderSubscription{
		ID:               id,
		CustomerID:       customerID,
		PriceID:          priceID,
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: timePtr(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)),
		CreatedAt:        time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}
