package subscription

import "errors"

var (
	ErrNotAuthenticated    = errors.New("user is not authenticated")
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	ErrNotFound            = errors.New("subscription not found")
	ErrInvalidState        = errors.New("invalid subscription state")
	ErrPersistenceFailure  = errors.New("subscription persistence failure")

	ErrPlanNotFound             = errors.New("subscription plan not found")
	ErrInvalidPlanConfiguration = errors.New("invalid subscription plan configuration")
	ErrRecoveryTargetRequired   = errors.New("user id or email is required for recovery")
	ErrNoCounterRegistered      = errors.New("no usage counter registered for resource")
	ErrInvalidResyncSchedule    = errors.New("invalid resync schedule")

	// Provider-specific errors
	ErrMissingAPIKey              = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret       = errors.New("billing provider webhook secret is required")
	ErrInvalidProviderEnvironment = errors.New("invalid billing provider environment")
	ErrWebhookVerificationFailed  = errors.New("webhook signature verification failed")
	ErrInvalidWebhookPayload      = errors.New("invalid webhook payload")
	ErrNoCheckoutURL              = errors.New("no checkout URL returned from provider")
	ErrNoPortalURL                = errors.New("no portal URL returned from provider")
	ErrMissingPriceID             = errors.New("price ID is required")
)
