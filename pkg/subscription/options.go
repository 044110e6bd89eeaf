package subscription

import (
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSyncRetries is the number of extra provider attempts per sync.
	DefaultSyncRetries = 1
	// DefaultSyncRetryDelay covers typical webhook-to-API propagation lag.
	DefaultSyncRetryDelay = 1500 * time.Millisecond
)

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEventBus publishes lifecycle events to bus instead of a private one.
func WithEventBus(bus *EventBus) ReconcilerOption {
	return func(r *Reconciler) {
		if bus != nil {
			r.events = bus
		}
	}
}

// WithRetry sets how many times a failed or empty provider fetch is retried
// and the pause between attempts.
func WithRetry(retries int, delay time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if retries >= 0 {
			r.retries = retries
		}
		if delay >= 0 {
			r.retryDelay = delay
		}
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSyncCoalescing makes concurrent syncs for the same user share one provider round-trip.
func WithSyncCoalescing() ReconcilerOption {
	return func(r *Reconciler) {
		r.group = &singleflight.Group{}
	}
}

// WithPortalReturnURL sets where the billing portal sends users back to.
func WithPortalReturnURL(url string) ReconcilerOption {
	return func(r *Reconciler) {
		r.portalReturnURL = url
	}
}
