package subscription_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/subsync/pkg/subscription"
)

func staticCounter(n int64, calls *atomic.Int32) subscription.CounterFunc {
	return func(context.Context, uuid.UUID) (int64, error) {
		if calls != nil {
			calls.Add(1)
		}
		return n, nil
	}
}

func TestUsageCounter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("counts every registered resource", func(t *testing.T) {
		t.Parallel()
		u := subscription.NewUsageCounter(
			subscription.WithCounter(subscription.ResourceProjects, staticCounter(3, nil)),
			subscription.WithCounter(subscription.ResourceInvoices, staticCounter(7, nil)),
		)

		counts, err := u.Get(ctx, uuid.New(), false)
		require.NoError(t, err)
		assert.Equal(t, subscription.Usage{
			subscription.ResourceProjects: 3,
			subscription.ResourceInvoices: 7,
		}, counts.Counts)
		assert.True(t, u.Registered(subscription.ResourceProjects))
		assert.False(t, u.Registered(subscription.ResourceClients))
	})

	t.Run("caches until the ttl or a forced refresh", func(t *testing.T) {
		t.Parallel()
		clock := newFakeClock()
		var calls atomic.Int32
		u := subscription.NewUsageCounter(
			subscription.WithCounter(subscription.ResourceProjects, staticCounter(1, &calls)),
			subscription.WithUsageTTL(time.Minute),
			subscription.WithUsageClock(clock.Now),
		)
		userID := uuid.New()

		_, err := u.Get(ctx, userID, false)
		require.NoError(t, err)
		_, err = u.Get(ctx, userID, false)
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())

		_, err = u.Get(ctx, userID, true)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())

		clock.Advance(time.Minute)
		counts, err := u.Get(ctx, userID, false)
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, clock.Now(), counts.ComputedAt)

		u.Invalidate(userID)
		_, err = u.Get(ctx, userID, false)
		require.NoError(t, err)
		assert.Equal(t, int32(4), calls.Load())
	})

	t.Run("failures are not cached", func(t *testing.T) {
		t.Parallel()
		var fail atomic.Bool
		fail.Store(true)
		u := subscription.NewUsageCounter(subscription.WithCounter(subscription.ResourceClients,
			func(context.Context, uuid.UUID) (int64, error) {
				if fail.Load() {
					return 0, errors.New("db down")
				}
				return 5, nil
			}))
		userID := uuid.New()

		_, err := u.Get(ctx, userID, false)
		require.ErrorIs(t, err, subscription.ErrPersistenceFailure)

		fail.Store(false)
		counts, err := u.Get(ctx, userID, false)
		require.NoError(t, err)
		assert.Equal(t, int64(5), counts.Counts[subscription.ResourceClients])
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() {
			subscription.NewUsageCounter(
				subscription.WithCounter(subscription.ResourceProjects, staticCounter(1, nil)),
				subscription.WithCounter(subscription.ResourceProjects, staticCounter(2, nil)),
			)
		})
	})
}
