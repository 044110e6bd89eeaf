package subscription

import (
	"cmp"
	"context"
	"net/http"
	"slices"
	"time"
)

// BillingProvider is the slice of a payment provider's API the reconciler relies on.
// Implementations translate provider payloads into the types below and report a
// missing subscription with ErrNotFound.
type BillingProvider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// CreateCheckoutSession creates a hosted checkout session.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// GetCustomerByExternalID finds the provider customer tagged with the user id.
	// Returns nil, nil when no such customer exists.
	GetCustomerByExternalID(ctx context.Context, userID string) (*Customer, error)

	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	ListSubscriptionsForCustomer(ctx context.Context, customerID string) ([]ProviderSubscription, error)

	// ListCustomers pages through customers matching the filter, stopping at filter.Limit.
	ListCustomers(ctx context.Context, filter CustomerFilter) ([]Customer, error)

	UpdateSubscription(ctx context.Context, subscriptionID string, upd SubscriptionUpdate) (*ProviderSubscription, error)

	// CreateBillingPortalSession returns a short-lived self-service portal link.
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error)
}

// WebhookParser verifies and normalizes provider webhook deliveries.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*WebhookEvent, error)
}

// CheckoutRequest contains data needed to create a checkout session.
type CheckoutRequest struct {
	UserID     string // Internal user id, stored as provider metadata
	PriceID    string // Provider's price/product identifier
	CustomerID string // Existing provider customer, if known
	Email      string // Optional billing email
	SuccessURL string
	CancelURL  string
}

// CheckoutSession represents a hosted checkout session.
type CheckoutSession struct {
	ID         string
	URL        string
	CustomerID string // provider customer the checkout is bound to, when known up front
	ExpiresAt  time.Time
}

// PortalSession represents a customer portal session.
type PortalSession struct {
	URL       string
	ExpiresAt time.Time
}

// Customer is a provider-side customer record.
type Customer struct {
	ID         string
	Email      string
	ExternalID string
}

// CustomerFilter narrows ListCustomers.
type CustomerFilter struct {
	Email string
	Limit int
}

// SubscriptionUpdate carries the only mutable field this package touches.
type SubscriptionUpdate struct {
	CancelAtPeriodEnd bool
}

// ProviderSubscription is a provider subscription normalized to package types.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	ExternalUserID     string
	Status             Status
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CreatedAt          time.Time
}

// WebhookType represents the normalized billing event type.
// Each provider implementation maps its specific events to these types.
type WebhookType string

const (
	WebhookSubscriptionCreated  WebhookType = "subscription_created"
	WebhookSubscriptionUpdated  WebhookType = "subscription_updated"
	WebhookSubscriptionCanceled WebhookType = "subscription_canceled"
	WebhookCheckoutCompleted    WebhookType = "checkout_completed"
	WebhookPaymentSucceeded     WebhookType = "payment_succeeded"
	WebhookPaymentFailed        WebhookType = "payment_failed"
	WebhookIgnored              WebhookType = "ignored"
)

// WebhookEvent represents a normalized webhook event from the billing provider.
type WebhookEvent struct {
	ID             string      // Provider delivery/event id
	Type           WebhookType // Normalized event type
	ProviderEvent  string      // Original provider event name
	SubscriptionID string
	CustomerID     string
	UserID         string // Internal user id from metadata, when present
}

// statusRank orders entitled statuses; lower is better.
func statusRank(s Status) int {
	switch s {
	case StatusActive:
		return 0
	case StatusTrialing:
		return 1
	case StatusPastDue:
		return 2
	case StatusIncomplete:
		return 3
	default:
		return 4
	}
}

// selectSubscription picks the subscription that best represents the customer.
func selectSubscription(subs []ProviderSubscription) *ProviderSubscription {
	if len(subs) == 0 {
		return nil
	}
	sorted := slices.Clone(subs)
	slices.SortStableFunc(sorted, compareSubscriptions)
	best := sorted[0]
	return &best
}

// compareSubscriptions orders entitled statuses first, then the latest period
// end, then the newest. Ties are broken by id so the order is deterministic.
func compareSubscriptions(a, b ProviderSubscription) int {
	if c := cmp.Compare(statusRank(a.Status), statusRank(b.Status)); c != 0 {
		return c
	}
	if c := compareTimeDesc(a.CurrentPeriodEnd, b.CurrentPeriodEnd); c != 0 {
		return c
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func compareTimeDesc(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return b.Compare(*a)
	}
}
