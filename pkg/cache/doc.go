// Package cache provides a generic, thread-safe LRU cache with optional
// time-based expiry.
//
// The cache evicts the least recently used entry once capacity is exceeded,
// and, when created WithTTL, treats entries older than the TTL as missing.
// Expiry is lazy: an expired entry is dropped by the Get that observes it.
//
//	c := cache.NewLRUCache[uuid.UUID, Snapshot](10_000, cache.WithTTL(5*time.Minute))
//	c.Put(userID, snap)
//	snap, ok := c.Get(userID)
//
// PutAt stores a value with an explicit write time, which lets a caller promote
// an entry loaded from a slower tier without extending its lifetime.
// WithClock swaps the time source so expiry can be tested without sleeping.
package cache
