package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/cache"
	"github.com/dmitrymomot/subsync/pkg/logger"
)

// DefaultCacheTTL bounds how long a snapshot is trusted without a provider round-trip.
const DefaultCacheTTL = 5 * time.Minute

const defaultCacheCapacity = 10000

// SnapshotStore is the persisted cache tier.
// Load returns nil, nil when nothing is stored for the user.
type SnapshotStore interface {
	Load(ctx context.Context, userID uuid.UUID) (*CacheEntry, error)
	Save(ctx context.Context, entry CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, userID uuid.UUID) error
	DeleteAll(ctx context.Context) error
}

// Cache keeps the latest snapshot per user in memory and, optionally,
// in a persisted store that survives restarts.
// Persisted-tier failures are logged and the cache degrades to memory only.
type Cache struct {
	mem    *cache.LRUCache[uuid.UUID, Snapshot]
	store  SnapshotStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	store    SnapshotStore
	ttl      time.Duration
	capacity int
	now      func() time.Time
	logger   *slog.Logger
}

// WithSnapshotStore adds a persisted tier.
func WithSnapshotStore(store SnapshotStore) CacheOption {
	return func(o *cacheOptions) {
		o.store = store
	}
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(o *cacheOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithCacheCapacity bounds the number of users held in memory.
func WithCacheCapacity(n int) CacheOption {
	return func(o *cacheOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithCacheClock replaces time.Now.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCacheLogger sets the logger for persisted-tier failures.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(o *cacheOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewCache builds a cache. Without WithSnapshotStore it is memory-only.
func NewCache(opts ...CacheOption) *Cache {
	o := cacheOptions{
		ttl:      DefaultCacheTTL,
		capacity: defaultCacheCapacity,
		now:      time.Now,
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Cache{
		mem:    cache.NewLRUCache[uuid.UUID, Snapshot](o.capacity, cache.WithTTL(o.ttl), cache.WithClock(o.now)),
		store:  o.store,
		ttl:    o.ttl,
		now:    o.now,
		logger: o.logger.With(logger.Component("subscription_cache")),
	}
}

// Get returns the user's snapshot, or nil when missing or expired.
// A persisted hit is promoted into memory with its original timestamp.
func (c *Cache) Get(ctx context.Context, userID uuid.UUID) *Snapshot {
	if snap, ok := c.mem.Get(userID); ok {
		out := snap.Clone()
		return &out
	}
	if c.store == nil {
		return nil
	}

	entry, err := c.store.Load(ctx, userID)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to load persisted snapshot",
			logger.UserID(userID), logger.Error(err))
		return nil
	}
	if entry == nil {
		return nil
	}

	if entry.UserID != userID || entry.Snapshot.UserID != userID || c.expired(entry.Timestamp) {
		c.deletePersisted(ctx, userID)
		return nil
	}

	c.mem.PutAt(userID, entry.Snapshot.Clone(), entry.Timestamp)
	out := entry.Snapshot.Clone()
	return &out
}

// Set stores the snapshot in both tiers with a fresh timestamp.
func (c *Cache) Set(ctx context.Context, userID uuid.UUID, snap Snapshot) {
	snap = snap.Clone()
	snap.UserID = userID
	now := c.now()

	c.mem.PutAt(userID, snap, now)
	if c.store == nil {
		return
	}

	entry := CacheEntry{Snapshot: snap, Timestamp: now, UserID: userID}
	if err := c.store.Save(ctx, entry, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "failed to persist snapshot",
			logger.UserID(userID), logger.Error(err))
	}
}

// Clear removes the user's snapshot from both tiers.
func (c *Cache) Clear(ctx context.Context, userID uuid.UUID) {
	c.mem.Remove(userID)
	c.deletePersisted(ctx, userID)
}

// ClearAll drops every cached snapshot.
func (c *Cache) ClearAll(ctx context.Context) {
	c.mem.Clear()
	if c.store == nil {
		return
	}
	if err := c.store.DeleteAll(ctx); err != nil {
		c.logger.WarnContext(ctx, "failed to clear persisted snapshots", logger.Error(err))
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) expired(ts time.Time) bool {
	return c.now().Sub(ts) >= c.ttl
}

func (c *Cache) deletePersisted(ctx context.Context, userID uuid.UUID) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, userID); err != nil {
		c.logger.WarnContext(ctx, "failed to delete persisted snapshot",
			logger.UserID(userID), logger.Error(err))
	}
}

// MemorySnapshotStore is a process-local SnapshotStore.
// Useful for single-instance deployments and tests.
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]CacheEntry
}

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{entries: make(map[uuid.UUID]CacheEntry)}
}

func (s *MemorySnapshotStore) Load(_ context.Context, userID uuid.UUID) (*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[userID]
	if !ok {
		return nil, nil
	}
	e.Snapshot = e.Snapshot.Clone()
	return &e, nil
}

// Save ignores ttl; expiry is enforced by the Cache on read.
func (s *MemorySnapshotStore) Save(_ context.Context, entry CacheEntry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Snapshot = entry.Snapshot.Clone()
	s.entries[entry.UserID] = entry
	return nil
}

func (s *MemorySnapshotStore) Delete(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

func (s *MemorySnapshotStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	return nil
}
