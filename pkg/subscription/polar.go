package subscription

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	polarProductionURL = "https://api.polar.sh/v1"
	polarSandboxURL    = "https://sandbox-api.polar.sh/v1"
	polarPageSize      = 100
	polarWebhookSkew   = 5 * time.Minute
	polarUserIDKey     = "user_id"
)

// PolarConfig holds configuration for Polar billing provider.
type PolarConfig struct {
	AccessToken   string `env:"POLAR_ACCESS_TOKEN"`
	WebhookSecret string `env:"POLAR_WEBHOOK_SECRET"`
	Environment   string `env:"POLAR_ENVIRONMENT" envDefault:"production"`
	BaseURL       string `env:"POLAR_BASE_URL"`
}

// PolarProvider implements BillingProvider and WebhookParser on Polar's REST API.
// Plan price ids map to Polar product ids.
type PolarProvider struct {
	token         string
	webhookSecret []byte
	baseURL       string
	httpClient    *http.Client
	now           func() time.Time
}

// PolarOption configures a PolarProvider.
type PolarOption func(*PolarProvider)

// WithPolarHTTPClient replaces the default HTTP client.
func WithPolarHTTPClient(c *http.Client) PolarOption {
	return func(p *PolarProvider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithPolarClock replaces time.Now for webhook timestamp checks.
func WithPolarClock(now func() time.Time) PolarOption {
	return func(p *PolarProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPolarProvider creates a Polar provider.
func NewPolarProvider(cfg PolarConfig, opts ...PolarOption) (*PolarProvider, error) {
	if cfg.AccessToken == "" {
		return nil, errors.Join(ErrMissingAPIKey, errors.New("polar"))
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrMissingWebhookSecret, errors.New("polar"))
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch strings.ToLower(cfg.Environment) {
		case "sandbox":
			baseURL = polarSandboxURL
		case "production", "":
			baseURL = polarProductionURL
		default:
			return nil, errors.Join(ErrInvalidProviderEnvironment, fmt.Errorf("polar environment %q", cfg.Environment))
		}
	}

	p := &PolarProvider{
		token:         cfg.AccessToken,
		webhookSecret: []byte(cfg.WebhookSecret),
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *PolarProvider) Name() string { return "polar" }

type polarCustomer struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	ExternalID string `json:"external_id"`
}

type polarSubscription struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	CustomerID         string         `json:"customer_id"`
	ProductID          string         `json:"product_id"`
	CancelAtPeriodEnd  bool           `json:"cancel_at_period_end"`
	CurrentPeriodStart *time.Time     `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time     `json:"current_period_end"`
	CreatedAt          time.Time      `json:"created_at"`
	Metadata           map[string]any `json:"metadata"`
	Customer           *polarCustomer `json:"customer"`
}

type polarPage[T any] struct {
	Items      []T `json:"items"`
	Pagination struct {
		TotalCount int `json:"total_count"`
		MaxPage    int `json:"max_page"`
	} `json:"pagination"`
}

func (p *PolarProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}

	body := map[string]any{
		"products":             []string{req.PriceID},
		"external_customer_id": req.UserID,
		"metadata":             map[string]string{polarUserIDKey: req.UserID},
	}
	if req.SuccessURL != "" {
		body["success_url"] = req.SuccessURL
	}
	if req.Email != "" {
		body["customer_email"] = req.Email
	}
	if req.CustomerID != "" {
		body["customer_id"] = req.CustomerID
	}

	var resp struct {
		ID        string    `json:"id"`
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := p.do(ctx, http.MethodPost, "/checkouts/", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("polar create checkout: %w", err)
	}
	if resp.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutSession{ID: resp.ID, URL: resp.URL, ExpiresAt: resp.ExpiresAt}, nil
}

func (p *PolarProvider) GetCustomerByExternalID(ctx context.Context, userID string) (*Customer, error) {
	var c polarCustomer
	err := p.do(ctx, http.MethodGet, "/customers/external/"+url.PathEscape(userID), nil, nil, &c)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("polar get customer: %w", err)
	}
	return &Customer{ID: c.ID, Email: c.Email, ExternalID: c.ExternalID}, nil
}

func (p *PolarProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	var s polarSubscription
	if err := p.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID), nil, nil, &s); err != nil {
		return nil, fmt.Errorf("polar get subscription: %w", err)
	}
	sub := s.normalize()
	return &sub, nil
}

func (p *PolarProvider) ListSubscriptionsForCustomer(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	var out []ProviderSubscription
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("customer_id", customerID)
		q.Set("limit", strconv.Itoa(polarPageSize))
		q.Set("page", strconv.Itoa(page))

		var resp polarPage[polarSubscription]
		if err := p.do(ctx, http.MethodGet, "/subscriptions/", q, nil, &resp); err != nil {
			return nil, fmt.Errorf("polar list subscriptions: %w", err)
		}
		for _, s := range resp.Items {
			out = append(out, s.normalize())
		}
		if page >= resp.Pagination.MaxPage || len(resp.Items) == 0 {
			return out, nil
		}
	}
}

func (p *PolarProvider) ListCustomers(ctx context.Context, filter CustomerFilter) ([]Customer, error) {
	var out []Customer
	for page := 1; ; page++ {
		q := url.Values{}
		if filter.Email != "" {
			q.Set("email", filter.Email)
		}
		q.Set("limit", strconv.Itoa(polarPageSize))
		q.Set("page", strconv.Itoa(page))

		var resp polarPage[polarCustomer]
		if err := p.do(ctx, http.MethodGet, "/customers/", q, nil, &resp); err != nil {
			return nil, fmt.Errorf("polar list customers: %w", err)
		}
		for _, c := range resp.Items {
			out = append(out, Customer{ID: c.ID, Email: c.Email, ExternalID: c.ExternalID})
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
		if page >= resp.Pagination.MaxPage || len(resp.Items) == 0 {
			return out, nil
		}
	}
}

func (p *PolarProvider) UpdateSubscription(ctx context.Context, subscriptionID string, upd SubscriptionUpdate) (*ProviderSubscription, error) {
	var s polarSubscription
	body := map[string]any{"cancel_at_period_end": upd.CancelAtPeriodEnd}
	if err := p.do(ctx, http.MethodPatch, "/subscriptions/"+url.PathEscape(subscriptionID), nil, body, &s); err != nil {
		return nil, fmt.Errorf("polar update subscription: %w", err)
	}
	sub := s.normalize()
	return &sub, nil
}

func (p *PolarProvider) CreateBillingPortalSession(ctx context.Context, customerID, _ string) (*PortalSession, error) {
	var resp struct {
		CustomerPortalURL string    `json:"customer_portal_url"`
		ExpiresAt         time.Time `json:"expires_at"`
	}
	if err := p.do(ctx, http.MethodPost, "/customer-sessions/", nil, map[string]any{"customer_id": customerID}, &resp); err != nil {
		return nil, fmt.Errorf("polar create customer session: %w", err)
	}
	if resp.CustomerPortalURL == "" {
		return nil, ErrNoPortalURL
	}
	return &PortalSession{URL: resp.CustomerPortalURL, ExpiresAt: resp.ExpiresAt}, nil
}

// ParseWebhook verifies a Standard Webhooks signature
// (webhook-id, webhook-timestamp and webhook-signature headers) and
// normalizes the event.
func (p *PolarProvider) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*WebhookEvent, error) {
	if err := p.verify(payload, header); err != nil {
		return nil, err
	}

	var event struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, errors.Join(ErrInvalidWebhookPayload, err)
	}

	evt := &WebhookEvent{
		ID:            header.Get("webhook-id"),
		Type:          mapPolarEventType(event.Type),
		ProviderEvent: event.Type,
	}
	if evt.Type == WebhookIgnored {
		return evt, nil
	}

	switch {
	case strings.HasPrefix(event.Type, "subscription."):
		var s polarSubscription
		if err := json.Unmarshal(event.Data, &s); err != nil {
			return nil, errors.Join(ErrInvalidWebhookPayload, err)
		}
		sub := s.normalize()
		evt.SubscriptionID = sub.ID
		evt.CustomerID = sub.CustomerID
		evt.UserID = sub.ExternalUserID
	case strings.HasPrefix(event.Type, "order."):
		var o struct {
			SubscriptionID string         `json:"subscription_id"`
			CustomerID     string         `json:"customer_id"`
			Metadata       map[string]any `json:"metadata"`
			Customer       *polarCustomer `json:"customer"`
		}
		if err := json.Unmarshal(event.Data, &o); err != nil {
			return nil, errors.Join(ErrInvalidWebhookPayload, err)
		}
		evt.SubscriptionID = o.SubscriptionID
		evt.CustomerID = o.CustomerID
		evt.UserID = customDataString(o.Metadata, polarUserIDKey)
		if evt.UserID == "" && o.Customer != nil {
			evt.UserID = o.Customer.ExternalID
		}
	}
	return evt, nil
}

func (p *PolarProvider) verify(payload []byte, header http.Header) error {
	id := header.Get("webhook-id")
	ts := header.Get("webhook-timestamp")
	sigs := header.Get("webhook-signature")
	if id == "" || ts == "" || sigs == "" {
		return errors.Join(ErrWebhookVerificationFailed, errors.New("missing webhook headers"))
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.Join(ErrWebhookVerificationFailed, errors.New("invalid webhook timestamp"))
	}
	if d := p.now().Sub(time.Unix(sec, 0)); d > polarWebhookSkew || d < -polarWebhookSkew {
		return errors.Join(ErrWebhookVerificationFailed, errors.New("webhook timestamp outside tolerance"))
	}

	mac := hmac.New(sha256.New, p.webhookSecret)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range strings.Fields(sigs) {
		version, value, ok := strings.Cut(sig, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrWebhookVerificationFailed
}

// SignPolarWebhook produces a webhook-signature header value for payload.
// Used by tests and local tooling that replay deliveries.
func SignPolarWebhook(secret, id string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id + "." + strconv.FormatInt(ts.Unix(), 10) + "."))
	mac.Write(payload)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (p *PolarProvider) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := p.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Join(ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Join(ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Join(ErrNotFound, fmt.Errorf("polar %s %s: %s", method, path, strings.TrimSpace(string(data))))
	case resp.StatusCode >= 300:
		return errors.Join(ErrProviderUnavailable, fmt.Errorf("polar %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Join(ErrProviderUnavailable, fmt.Errorf("decode polar response: %w", err))
	}
	return nil
}

func (s polarSubscription) normalize() ProviderSubscription {
	sub := ProviderSubscription{
		ID:                 s.ID,
		CustomerID:         s.CustomerID,
		PriceID:            s.ProductID,
		Status:             mapPolarStatus(s.Status),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CurrentPeriodStart: copyTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:   copyTime(s.CurrentPeriodEnd),
		CreatedAt:          s.CreatedAt,
		ExternalUserID:     customDataString(s.Metadata, polarUserIDKey),
	}
	if sub.ExternalUserID == "" && s.Customer != nil {
		sub.ExternalUserID = s.Customer.ExternalID
	}
	return sub
}

func mapPolarEventType(t string) WebhookType {
	switch t {
	case "subscription.created":
		return WebhookSubscriptionCreated
	case "subscription.updated", "subscription.active", "subscription.uncanceled":
		return WebhookSubscriptionUpdated
	case "subscription.canceled", "subscription.revoked":
		return WebhookSubscriptionCanceled
	case "order.paid", "order.created":
		return WebhookPaymentSucceeded
	default:
		return WebhookIgnored
	}
}

func mapPolarStatus(s string) Status {
	switch s {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "incomplete":
		return StatusIncomplete
	default:
		return StatusCanceled
	}
}
