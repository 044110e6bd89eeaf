package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript applies refill and consumption atomically.
// KEYS[1] bucket hash; ARGV: capacity, rate, interval ms, now ms, tokens, max intervals.
var consumeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local n = tonumber(ARGV[5])
local maxIntervals = tonumber(ARGV[6])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	refilled = now
end

local intervals = math.floor((now - refilled) / interval)
if intervals > maxIntervals then
	intervals = maxIntervals
end
if intervals > 0 then
	tokens = math.min(tokens + intervals * rate, capacity)
	refilled = now
end

local remaining = tokens - n
if remaining >= 0 then
	tokens = remaining
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled', refilled)
redis.call('PEXPIRE', KEYS[1], interval * (maxIntervals + 1))
return {remaining, refilled}
`)

// RedisStore shares buckets between processes through Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RedisStoreOption func(*RedisStore)

func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore creates a store whose keys are prefix+key.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) ConsumeTokens(ctx context.Context, key string, n int, cfg Config) (int, time.Time, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.prefix + key},
		cfg.Capacity,
		cfg.RefillRate,
		cfg.RefillInterval.Milliseconds(),
		s.now().UnixMilli(),
		n,
		cfg.maxIntervals(),
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, errors.Join(ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected script result %v", ErrStoreUnavailable, res)
	}
	resetAt := time.UnixMilli(res[1]).Add(cfg.RefillInterval)
	return int(res[0]), resetAt, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
