package subscription

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/cache"
)

// DefaultUsageTTL is how long computed counts are reused.
const DefaultUsageTTL = 5 * time.Minute

// CounterFunc returns the user's current number of a resource.
type CounterFunc func(ctx context.Context, userID uuid.UUID) (int64, error)

// UsageCounters is a point-in-time count of every registered resource.
type UsageCounters struct {
	UserID     uuid.UUID
	Counts     Usage
	ComputedAt time.Time
}

// UsageCounter computes and caches per-user resource counts.
type UsageCounter struct {
	counters map[Resource]CounterFunc
	cache    *cache.LRUCache[uuid.UUID, UsageCounters]
	now      func() time.Time
}

// UsageOption configures a UsageCounter.
type UsageOption func(*usageOptions)

type usageOptions struct {
	counters map[Resource]CounterFunc
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// WithCounter registers the count function for a resource.
// Registering the same resource twice panics.
func WithCounter(res Resource, fn CounterFunc) UsageOption {
	return func(o *usageOptions) {
		if fn == nil {
			return
		}
		if _, exists := o.counters[res]; exists {
			panic(fmt.Sprintf("subscription: counter for %s already registered", res))
		}
		o.counters[res] = fn
	}
}

// WithUsageTTL overrides DefaultUsageTTL.
func WithUsageTTL(ttl time.Duration) UsageOption {
	return func(o *usageOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithUsageClock replaces time.Now.
func WithUsageClock(now func() time.Time) UsageOption {
	return func(o *usageOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewUsageCounter builds a counter with the given options.
func NewUsageCounter(opts ...UsageOption) *UsageCounter {
	o := usageOptions{
		counters: make(map[Resource]CounterFunc),
		ttl:      DefaultUsageTTL,
		capacity: defaultCacheCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &UsageCounter{
		counters: o.counters,
		cache:    cache.NewLRUCache[uuid.UUID, UsageCounters](o.capacity, cache.WithTTL(o.ttl), cache.WithClock(o.now)),
		now:      o.now,
	}
}

// Registered reports whether a counter exists for the resource.
func (u *UsageCounter) Registered(res Resource) bool {
	_, ok := u.counters[res]
	return ok
}

// Get returns the user's counts, from cache unless force is set or the entry expired.
// Nothing is cached when any counter fails.
func (u *UsageCounter) Get(ctx context.Context, userID uuid.UUID, force bool) (UsageCounters, error) {
	if !force {
		if cached, ok := u.cache.Get(userID); ok {
			cached.Counts = maps.Clone(cached.Counts)
			return cached, nil
		}
	}

	counts := make(Usage, len(u.counters))
	for res, fn := range u.counters {
		n, err := fn(ctx, userID)
		if err != nil {
			return UsageCounters{}, errors.Join(ErrPersistenceFailure, fmt.Errorf("count %s: %w", res, err))
		}
		counts[res] = n
	}

	result := UsageCounters{UserID: userID, Counts: counts, ComputedAt: u.now()}
	u.cache.Put(userID, UsageCounters{UserID: userID, Counts: maps.Clone(counts), ComputedAt: result.ComputedAt})
	return result, nil
}

// Invalidate drops the user's cached counts, e.g. after a resource was created.
func (u *UsageCounter) Invalidate(userID uuid.UUID) {
	u.cache.Remove(userID)
}
