package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// stripeUserIDKey is the metadata key carrying the internal user id.
const stripeUserIDKey = "user_id"

// StripeConfig holds configuration for Stripe billing provider.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// StripeProvider implements BillingProvider and WebhookParser for Stripe.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider creates a Stripe provider talking to the public API.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	return NewStripeProviderWithBackends(cfg, nil)
}

// NewStripeProviderWithBackends allows overriding the Stripe backends,
// e.g. to point the client at a local stub server.
func NewStripeProviderWithBackends(cfg StripeConfig, backends *stripe.Backends) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.Join(ErrMissingAPIKey, errors.New("stripe"))
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrMissingWebhookSecret, errors.New("stripe"))
	}
	return &StripeProvider{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(req.UserID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{stripeUserIDKey: req.UserID},
		},
	}
	params.Context = ctx
	params.AddMetadata(stripeUserIDKey, req.UserID)
	if req.SuccessURL != "" {
		params.SuccessURL = stripe.String(req.SuccessURL)
	}
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}
	customerID := req.CustomerID
	if customerID == "" && req.UserID != "" {
		var err error
		if customerID, err = p.ensureCustomer(ctx, req.UserID, req.Email); err != nil {
			return nil, err
		}
	}
	switch {
	case customerID != "":
		params.Customer = stripe.String(customerID)
	case req.Email != "":
		params.CustomerEmail = stripe.String(req.Email)
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, stripeError("create checkout session", err)
	}
	if s.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutSession{
		ID:         s.ID,
		URL:        s.URL,
		CustomerID: customerID,
		ExpiresAt:  time.Unix(s.ExpiresAt, 0).UTC(),
	}, nil
}

// ensureCustomer returns the customer tagged with userID, creating one when
// none exists. Customers created by checkout itself carry no user id and
// could not be found again by GetCustomerByExternalID.
func (p *StripeProvider) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	cust, err := p.GetCustomerByExternalID(ctx, userID)
	if err != nil {
		return "", err
	}
	if cust != nil {
		return cust.ID, nil
	}

	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddMetadata(stripeUserIDKey, userID)
	if email != "" {
		params.Email = stripe.String(email)
	}
	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", stripeError("create customer", err)
	}
	return c.ID, nil
}

func (p *StripeProvider) GetCustomerByExternalID(ctx context.Context, userID string) (*Customer, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['%s']:'%s'", stripeUserIDKey, escapeStripeQuery(userID)),
			Context: ctx,
		},
	}
	iter := p.api.Customers.Search(params)
	if iter.Next() {
		return toStripeCustomer(iter.Customer()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, stripeError("search customers", err)
	}
	return nil, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	s, err := p.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, stripeError("get subscription", err)
	}
	sub := toStripeSubscription(s)
	return &sub, nil
}

func (p *StripeProvider) ListSubscriptionsForCustomer(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []ProviderSubscription
	iter := p.api.Subscriptions.List(params)
	for iter.Next() {
		out = append(out, toStripeSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, stripeError("list subscriptions", err)
	}
	return out, nil
}

func (p *StripeProvider) ListCustomers(ctx context.Context, filter CustomerFilter) ([]Customer, error) {
	params := &stripe.CustomerListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	if filter.Email != "" {
		params.Email = stripe.String(filter.Email)
	}

	var out []Customer
	iter := p.api.Customers.List(params)
	for iter.Next() {
		out = append(out, *toStripeCustomer(iter.Customer()))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			return out, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, stripeError("list customers", err)
	}
	return out, nil
}

func (p *StripeProvider) UpdateSubscription(ctx context.Context, subscriptionID string, upd SubscriptionUpdate) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(upd.CancelAtPeriodEnd),
	}
	params.Context = ctx

	s, err := p.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, stripeError("update subscription", err)
	}
	sub := toStripeSubscription(s)
	return &sub, nil
}

func (p *StripeProvider) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}

	s, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, stripeError("create portal session", err)
	}
	if s.URL == "" {
		return nil, ErrNoPortalURL
	}
	// Portal sessions are short-lived and Stripe does not report an expiry.
	return &PortalSession{URL: s.URL, ExpiresAt: time.Now().Add(5 * time.Minute)}, nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the event.
func (p *StripeProvider) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrWebhookVerificationFailed, err)
	}

	evt := &WebhookEvent{
		ID:            event.ID,
		Type:          mapStripeEventType(string(event.Type)),
		ProviderEvent: string(event.Type),
	}
	if evt.Type == WebhookIgnored || event.Data == nil {
		return evt, nil
	}

	switch {
	case strings.HasPrefix(string(event.Type), "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrInvalidWebhookPayload, err)
		}
		evt.SubscriptionID = sub.ID
		evt.UserID = sub.Metadata[stripeUserIDKey]
		if sub.Customer != nil {
			evt.CustomerID = sub.Customer.ID
		}
	case event.Type == "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, errors.Join(ErrInvalidWebhookPayload, err)
		}
		evt.UserID = sess.ClientReferenceID
		if sess.Customer != nil {
			evt.CustomerID = sess.Customer.ID
		}
		if sess.Subscription != nil {
			evt.SubscriptionID = sess.Subscription.ID
		}
	case strings.HasPrefix(string(event.Type), "invoice."):
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, errors.Join(ErrInvalidWebhookPayload, err)
		}
		if inv.Customer != nil {
			evt.CustomerID = inv.Customer.ID
		}
		if inv.Subscription != nil {
			evt.SubscriptionID = inv.Subscription.ID
		}
	}

	return evt, nil
}

func mapStripeEventType(t string) WebhookType {
	switch t {
	case "customer.subscription.created":
		return WebhookSubscriptionCreated
	case "customer.subscription.updated", "customer.subscription.paused", "customer.subscription.resumed":
		return WebhookSubscriptionUpdated
	case "customer.subscription.deleted":
		return WebhookSubscriptionCanceled
	case "checkout.session.completed":
		return WebhookCheckoutCompleted
	case "invoice.paid", "invoice.payment_succeeded":
		return WebhookPaymentSucceeded
	case "invoice.payment_failed":
		return WebhookPaymentFailed
	default:
		return WebhookIgnored
	}
}

func mapStripeStatus(s stripe.SubscriptionStatus) Status {
	switch s {
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return StatusPastDue
	case stripe.SubscriptionStatusIncomplete:
		return StatusIncomplete
	default:
		return StatusCanceled
	}
}

func toStripeSubscription(s *stripe.Subscription) ProviderSubscription {
	sub := ProviderSubscription{
		ID:                s.ID,
		Status:            mapStripeStatus(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		ExternalUserID:    s.Metadata[stripeUserIDKey],
		CreatedAt:         time.Unix(s.Created, 0).UTC(),
	}
	if s.Customer != nil {
		sub.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		sub.PriceID = s.Items.Data[0].Price.ID
	}
	if s.CurrentPeriodStart > 0 {
		t := time.Unix(s.CurrentPeriodStart, 0).UTC()
		sub.CurrentPeriodStart = &t
	}
	if s.CurrentPeriodEnd > 0 {
		t := time.Unix(s.CurrentPeriodEnd, 0).UTC()
		sub.CurrentPeriodEnd = &t
	}
	return sub
}

func toStripeCustomer(c *stripe.Customer) *Customer {
	return &Customer{
		ID:         c.ID,
		Email:      c.Email,
		ExternalID: c.Metadata[stripeUserIDKey],
	}
}

func stripeError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && (serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing) {
		return errors.Join(ErrNotFound, fmt.Errorf("stripe %s: %w", op, err))
	}
	return errors.Join(ErrProviderUnavailable, fmt.Errorf("stripe %s: %w", op, err))
}

func escapeStripeQuery(v string) string {
	return strings.ReplaceAll(v, "'", `\'`)
}
