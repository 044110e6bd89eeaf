package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// paddleUserIDKey is the custom_data key carrying the internal user id.
const paddleUserIDKey = "user_id"

// PaddleConfig holds configuration for Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	BaseURL       string `env:"PADDLE_BASE_URL"` // overrides the environment's API host
}

// PaddleProvider implements BillingProvider and WebhookParser for Paddle.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

// NewPaddleProvider creates a new Paddle billing provider.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.Join(ErrMissingAPIKey, errors.New("paddle"))
	}
	if config.WebhookSecret == "" {
		return nil, errors.Join(ErrMissingWebhookSecret, errors.New("paddle"))
	}

	var (
		client *paddle.SDK
		err    error
		opts   []paddle.Option
	)
	if config.BaseURL != "" {
		opts = append(opts, paddle.WithBaseURL(config.BaseURL))
	}
	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey, opts...)
	case "production", "":
		client, err = paddle.New(config.APIKey, opts...)
	default:
		return nil, errors.Join(ErrInvalidProviderEnvironment, fmt.Errorf("paddle environment %q", config.Environment))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
	}, nil
}

func (p *PaddleProvider) Name() string { return "paddle" }

// CreateCheckoutSession creates a transaction whose checkout URL is the hosted checkout.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})
	txReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			paddleUserIDKey: req.UserID,
		},
	}
	if req.CustomerID != "" {
		txReq.CustomerID = paddle.PtrTo(req.CustomerID)
	}
	if req.Email != "" {
		txReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	tx, err := p.client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return nil, paddleError("create transaction", err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutSession{
		ID:        tx.ID,
		URL:       *tx.Checkout.URL,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// GetCustomerByExternalID always reports no customer: Paddle customers cannot
// be searched by custom data. Users are found through stored ids, webhooks
// or email recovery instead.
func (p *PaddleProvider) GetCustomerByExternalID(context.Context, string) (*Customer, error) {
	return nil, nil
}

func (p *PaddleProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	s, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return nil, paddleError("get subscription", err)
	}
	sub := toPaddleSubscription(s)
	return &sub, nil
}

func (p *PaddleProvider) ListSubscriptionsForCustomer(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	res, err := p.client.SubscriptionsClient.ListSubscriptions(ctx, &paddle.ListSubscriptionsRequest{
		CustomerID: []string{customerID},
	})
	if err != nil {
		return nil, paddleError("list subscriptions", err)
	}

	var out []ProviderSubscription
	err = res.Iter(ctx, func(s *paddle.Subscription) (bool, error) {
		out = append(out, toPaddleSubscription(s))
		return true, nil
	})
	if err != nil {
		return nil, paddleError("list subscriptions", err)
	}
	return out, nil
}

func (p *PaddleProvider) ListCustomers(ctx context.Context, filter CustomerFilter) ([]Customer, error) {
	req := &paddle.ListCustomersRequest{}
	if filter.Email != "" {
		req.Email = []string{filter.Email}
	}
	res, err := p.client.CustomersClient.ListCustomers(ctx, req)
	if err != nil {
		return nil, paddleError("list customers", err)
	}

	var out []Customer
	err = res.Iter(ctx, func(c *paddle.Customer) (bool, error) {
		out = append(out, Customer{
			ID:         c.ID,
			Email:      c.Email,
			ExternalID: customDataString(c.CustomData, paddleUserIDKey),
		})
		return filter.Limit <= 0 || len(out) < filter.Limit, nil
	})
	if err != nil {
		return nil, paddleError("list customers", err)
	}
	return out, nil
}

// UpdateSubscription schedules a cancellation for the end of the billing
// period, or removes the scheduled cancellation.
func (p *PaddleProvider) UpdateSubscription(ctx context.Context, subscriptionID string, upd SubscriptionUpdate) (*ProviderSubscription, error) {
	var (
		s   *paddle.Subscription
		err error
	)
	if upd.CancelAtPeriodEnd {
		s, err = p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
			SubscriptionID: subscriptionID,
			EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFrom("next_billing_period")),
		})
	} else {
		s, err = p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
			SubscriptionID:  subscriptionID,
			ScheduledChange: paddle.NewNullPatchField[*paddle.SubscriptionScheduledChange](),
		})
	}
	if err != nil {
		return nil, paddleError("update subscription", err)
	}
	sub := toPaddleSubscription(s)
	return &sub, nil
}

func (p *PaddleProvider) CreateBillingPortalSession(ctx context.Context, customerID, _ string) (*PortalSession, error) {
	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, &paddle.CreateCustomerPortalSessionRequest{
		CustomerID: customerID,
	})
	if err != nil {
		return nil, paddleError("create portal session", err)
	}
	if session.URLs.General.Overview == "" {
		return nil, ErrNoPortalURL
	}
	return &PortalSession{
		URL:       session.URLs.General.Overview,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// ParseWebhook verifies the Paddle-Signature header and normalizes the event.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*WebhookEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header = header.Clone()

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrWebhookVerificationFailed, err)
	}
	if !valid {
		return nil, ErrWebhookVerificationFailed
	}

	var paddleEvent struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Data      struct {
			ID             string         `json:"id"`
			SubscriptionID string         `json:"subscription_id"`
			CustomerID     string         `json:"customer_id"`
			CustomData     map[string]any `json:"custom_data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, errors.Join(ErrInvalidWebhookPayload, err)
	}

	evt := &WebhookEvent{
		ID:            paddleEvent.EventID,
		Type:          mapPaddleEventType(paddleEvent.EventType),
		ProviderEvent: paddleEvent.EventType,
		CustomerID:    paddleEvent.Data.CustomerID,
		UserID:        customDataString(paddleEvent.Data.CustomData, paddleUserIDKey),
	}
	switch {
	case strings.HasPrefix(paddleEvent.EventType, "subscription."):
		evt.SubscriptionID = paddleEvent.Data.ID
	case strings.HasPrefix(paddleEvent.EventType, "transaction."):
		evt.SubscriptionID = paddleEvent.Data.SubscriptionID
	}

	return evt, nil
}

func mapPaddleEventType(t string) WebhookType {
	switch t {
	case "subscription.created", "subscription.activated":
		return WebhookSubscriptionCreated
	case "subscription.updated", "subscription.resumed", "subscription.paused", "subscription.past_due":
		return WebhookSubscriptionUpdated
	case "subscription.canceled":
		return WebhookSubscriptionCanceled
	case "transaction.completed":
		return WebhookCheckoutCompleted
	case "transaction.paid":
		return WebhookPaymentSucceeded
	case "transaction.payment_failed":
		return WebhookPaymentFailed
	default:
		return WebhookIgnored
	}
}

func mapPaddleStatus(s string) Status {
	switch strings.ToLower(s) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due":
		return StatusPastDue
	default:
		return StatusCanceled
	}
}

func toPaddleSubscription(s *paddle.Subscription) ProviderSubscription {
	sub := ProviderSubscription{
		ID:             s.ID,
		CustomerID:     s.CustomerID,
		Status:         mapPaddleStatus(string(s.Status)),
		ExternalUserID: customDataString(s.CustomData, paddleUserIDKey),
		CreatedAt:      parsePaddleTime(s.CreatedAt),
	}
	if len(s.Items) > 0 {
		sub.PriceID = s.Items[0].Price.ID
	}
	if s.CurrentBillingPeriod != nil {
		if t := parsePaddleTime(s.CurrentBillingPeriod.StartsAt); !t.IsZero() {
			sub.CurrentPeriodStart = &t
		}
		if t := parsePaddleTime(s.CurrentBillingPeriod.EndsAt); !t.IsZero() {
			sub.CurrentPeriodEnd = &t
		}
	}
	if s.ScheduledChange != nil && string(s.ScheduledChange.Action) == "cancel" {
		sub.CancelAtPeriodEnd = true
	}
	return sub
}

// paddleError maps not_found responses to ErrNotFound; anything else is
// treated as the provider being unavailable.
func paddleError(op string, err error) error {
	if errors.Is(err, paddle.ErrNotFound) {
		return errors.Join(ErrNotFound, fmt.Errorf("paddle %s: %w", op, err))
	}
	return errors.Join(ErrProviderUnavailable, fmt.Errorf("paddle %s: %w", op, err))
}

func parsePaddleTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func customDataString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	v, _ := data[key].(string)
	return v
}
