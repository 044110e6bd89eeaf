// Package redis wraps github.com/redis/go-redis/v9 with a retrying Connect,
// a readiness Healthcheck and a prefix-scoped Storage used as the persisted
// tier of the subscription snapshot cache.
package redis
