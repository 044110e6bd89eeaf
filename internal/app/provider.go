package app

import (
	"fmt"

	"github.com/dmitrymomot/subsync/pkg/subscription"
)

// Provider is a billing provider that also verifies its own webhooks.
type Provider interface {
	subscription.BillingProvider
	subscription.WebhookParser
}

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case ProviderStripe:
		p, err = subscription.NewStripeProvider(cfg.Stripe)
	case ProviderPaddle:
		p, err = subscription.NewPaddleProvider(cfg.Paddle)
	case ProviderPolar:
		p, err = subscription.NewPolarProvider(cfg.Polar)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// NewCatalog loads plans from cfg.PlansFile, or the built-in set, and attaches
// the configured price ids.
func NewCatalog(cfg Config) (*subscription.Catalog, error) {
	plans := subscription.DefaultPlans()
	if cfg.PlansFile != "" {
		var err error
		if plans, err = subscription.LoadPlansFile(cfg.PlansFile); err != nil {
			return nil, err
		}
	}
	return subscription.NewCatalog(subscription.WithPriceIDs(plans, cfg.priceIDs())...)
}
