// Package ratelimiter implements a token bucket limiter with in-memory and
// Redis backed stores.
//
// A bucket holds up to Capacity tokens and gains RefillRate tokens every
// RefillInterval. A request that finds too few tokens is denied without
// consuming any, so a client that keeps retrying does not push its own
// reset further away.
//
//	store := ratelimiter.NewMemoryStore()
//	defer store.Close()
//
//	limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{
//		Capacity:       5,
//		RefillRate:     1,
//		RefillInterval: time.Minute,
//	})
//	if err != nil {
//		return err
//	}
//
//	res, err := limiter.Allow(ctx, "sync:"+userID.String())
//	if err != nil {
//		return err
//	}
//	if !res.Allowed() {
//		// wait res.RetryAfter()
//	}
//
// Use NewRedisStore to share buckets between several processes.
package ratelimiter
