package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dmitrymomot/subsync/pkg/httpserver"
	"github.com/dmitrymomot/subsync/pkg/pg"
	"github.com/dmitrymomot/subsync/pkg/redis"
	"github.com/dmitrymomot/subsync/pkg/subscription"
)

const (
	ProviderStripe = "stripe"
	ProviderPaddle = "paddle"
	ProviderPolar  = "polar"

	ProfileStorePostgres = "postgres"
	ProfileStoreMemory   = "memory"
)

// Config is the service configuration, loaded from the environment with config.Load.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL"` // overrides the environment preset

	Provider  string            `env:"BILLING_PROVIDER" envDefault:"stripe"`
	PlansFile string            `env:"PLANS_FILE"`
	PriceIDs  map[string]string `env:"PLAN_PRICE_IDS"` // pro_monthly:price_123,pro_yearly:price_456

	CacheTTL          time.Duration `env:"SUBSCRIPTION_CACHE_TTL" envDefault:"5m"`
	UsageTTL          time.Duration `env:"USAGE_CACHE_TTL" envDefault:"5m"`
	SyncRetries       int           `env:"SYNC_RETRIES" envDefault:"1"`
	SyncRetryDelay    time.Duration `env:"SYNC_RETRY_DELAY" envDefault:"1500ms"`
	SyncCoalescing    bool          `env:"SYNC_COALESCING" envDefault:"false"`
	RecoveryScanLimit int           `env:"RECOVERY_SCAN_LIMIT" envDefault:"500"`
	ResyncSchedule    string        `env:"RESYNC_SCHEDULE"` // cron spec; empty disables
	ResyncTimeout     time.Duration `env:"RESYNC_TIMEOUT" envDefault:"10m"`
	PortalReturnURL   string        `env:"PORTAL_RETURN_URL"`
	SyncRateLimit     int           `env:"SYNC_RATE_LIMIT" envDefault:"10"` // provider-bound requests per user; 0 disables
	SyncRateInterval  time.Duration `env:"SYNC_RATE_INTERVAL" envDefault:"1m"`

	ProfileStore string `env:"PROFILE_STORE" envDefault:"postgres"`
	RedisEnabled bool   `env:"REDIS_ENABLED" envDefault:"true"`
	AdminToken   string `env:"ADMIN_TOKEN"`

	HTTP   httpserver.Config
	PG     pg.Config
	Redis  redis.Config
	Stripe subscription.StripeConfig
	Paddle subscription.PaddleConfig
	Polar  subscription.PolarConfig
}

// Validate checks the choices env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderStripe, ProviderPaddle, ProviderPolar:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider))
	}
	switch c.ProfileStore {
	case ProfileStorePostgres:
		if c.PG.ConnectionString == "" {
			errs = append(errs, ErrPostgresRequired)
		}
	case ProfileStoreMemory:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownProfileStore, c.ProfileStore))
	}
	if c.SyncRateLimit < 0 || (c.SyncRateLimit > 0 && c.SyncRateInterval <= 0) {
		errs = append(errs, fmt.Errorf("%w: sync rate limit %d per %v", ErrInvalidConfig, c.SyncRateLimit, c.SyncRateInterval))
	}
	if c.LogLevel != "" {
		if _, err := c.level(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

func (c Config) level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel)))
	return l, err
}

// priceIDs converts PLAN_PRICE_IDS into the shape WithPriceIDs expects.
func (c Config) priceIDs() map[string][]string {
	out := make(map[string][]string, len(c.PriceIDs))
	for planID, priceID := range c.PriceIDs {
		out[planID] = append(out[planID], strings.TrimSpace(priceID))
	}
	return out
}
