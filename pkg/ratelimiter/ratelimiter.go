package ratelimiter

import (
	"context"
	"fmt"
	"time"
)

// Config defines the token bucket parameters.
type Config struct {
	Capacity       int           // burst size
	RefillRate     int           // tokens added per interval
	RefillInterval time.Duration // refill period
}

func (c Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %v", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}

// maxIntervals caps the refill count so long idle periods cannot overflow.
func (c Config) maxIntervals() int64 {
	return int64(c.Capacity/c.RefillRate + 1)
}

// Result is the outcome of a single check.
type Result struct {
	Limit     int
	Remaining int // negative when the request was denied
	ResetAt   time.Time
	now       time.Time
}

func (r *Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter returns how long to wait before the next attempt, 0 if allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed() {
		return 0
	}
	return max(r.ResetAt.Sub(r.now), 0)
}

// Store persists bucket state.
type Store interface {
	// ConsumeTokens takes n tokens from the bucket if it holds enough.
	// remaining is negative when it does not; nothing is consumed then.
	ConsumeTokens(ctx context.Context, key string, n int, cfg Config) (remaining int, resetAt time.Time, err error)
	Reset(ctx context.Context, key string) error
}

// Bucket is a token bucket limiter over a Store.
type Bucket struct {
	store  Store
	config Config
	now    func() time.Time
}

// BucketOption configures a Bucket.
type BucketOption func(*Bucket)

// WithBucketClock overrides the clock used for RetryAfter.
func WithBucketClock(now func() time.Time) BucketOption {
	return func(b *Bucket) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBucket(store Store, cfg Config, opts ...BucketOption) (*Bucket, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Bucket{store: store, config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bucket) Allow(ctx context.Context, key string) (*Result, error) {
	return b.AllowN(ctx, key, 1)
}

func (b *Bucket) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: must be positive, got %d", ErrInvalidTokenCount, n)
	}
	return b.consume(ctx, key, n)
}

// Status reports the bucket without consuming tokens.
func (b *Bucket) Status(ctx context.Context, key string) (*Result, error) {
	return b.consume(ctx, key, 0)
}

func (b *Bucket) Reset(ctx context.Context, key string) error {
	return b.store.Reset(ctx, key)
}

func (b *Bucket) consume(ctx context.Context, key string, n int) (*Result, error) {
	remaining, resetAt, err := b.store.ConsumeTokens(ctx, key, n, b.config)
	if err != nil {
		return nil, err
	}
	return &Result{
		Limit:     b.config.Capacity,
		Remaining: remaining,
		ResetAt:   resetAt,
		now:       b.now(),
	}, nil
}
