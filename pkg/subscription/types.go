package subscription

// Resource represents a countable per-user resource type.
type Resource string

const (
	ResourceProjects Resource = "projects"
	ResourceClients  Resource = "clients"
	ResourceInvoices Resource = "invoices"
)

// Resources lists every resource class a plan must define a limit for.
var Resources = []Resource{ResourceProjects, ResourceClients, ResourceInvoices}

const (
	// Unlimited indicates no limit for a resource (-1 chosen for SQL compatibility)
	Unlimited int64 = -1
)

// Feature represents a plan-specific capability that can be enabled/disabled.
type Feature string

const (
	FeatureInvoicing            Feature = "invoicing"
	FeatureAdvancedAnalytics    Feature = "advanced_analytics"
	FeatureInvoiceCustomization Feature = "invoice_customization"
	FeatureAPIAccess            Feature = "api_access"
)

// FreePlanID is the plan every user falls back to.
const FreePlanID = "free"

// Money represents a monetary amount in the smallest currency unit.
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// BillingInterval represents the billing frequency for a subscription plan.
type BillingInterval string

const (
	BillingIntervalNone    BillingInterval = "none"
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalAnnual  BillingInterval = "annual"
)

// Status is the provider-reported state of a subscription.
type Status string

const (
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
)

// Entitled reports whether the status grants the plan's limits and features.
// past_due keeps access while the provider retries the payment.
func (s Status) Entitled() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// SyncState describes how a cached snapshot came to be.
// Unknown and syncing are never stored: unknown is the absence of a snapshot
// and syncing only exists while a Sync call is running.
type SyncState string

const (
	SyncStateUnknown    SyncState = "unknown"
	SyncStateSyncing    SyncState = "syncing"
	SyncStateSynced     SyncState = "synced"
	SyncStateFailed     SyncState = "sync_failed"
	SyncStateOptimistic SyncState = "optimistic"
)

// CheckoutOptions contains options for creating a checkout session.
type CheckoutOptions struct {
	Email      string // Pre-fill billing email if known
	SuccessURL string // Redirect after successful payment
	CancelURL  string // Redirect if customer cancels
}

// SyncOptions controls a Sync call.
type SyncOptions struct {
	// Force skips the fresh-cache shortcut and always asks the provider.
	Force bool

	// SubscriptionID and CustomerID are lookup hints from a trusted source,
	// such as a verified webhook. They take precedence over stored ids.
	SubscriptionID string
	CustomerID     string
}
