package subscription_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/subsync/pkg/subscription"
)

func fullUsage(n int64) *subscription.UsageCounter {
	return subscription.NewUsageCounter(
		subscription.WithCounter(subscription.ResourceProjects, staticCounter(n, nil)),
		subscription.WithCounter(subscription.ResourceClients, staticCounter(n, nil)),
		subscription.WithCounter(subscription.ResourceInvoices, staticCounter(n, nil)),
	)
}

func TestGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown user gets free permissions", func(t *testing.T) {
		t.Parallel()
		gate := subscription.NewGate(testCatalog(t), subscription.NewCache(), fullUsage(5))
		userID := uuid.New()

		assert.Equal(t, subscription.FreePlanID, gate.EffectivePlan(ctx, userID).ID)
		assert.False(t, gate.HasAccess(ctx, userID, subscription.FeatureAdvancedAnalytics))
		assert.True(t, gate.CanCreate(ctx, userID, subscription.ResourceProjects))
	})

	t.Run("grace statuses keep the paid plan", func(t *testing.T) {
		t.Parallel()
		for _, status := range []subscription.Status{
			subscription.StatusActive,
			subscription.StatusTrialing,
			subscription.StatusPastDue,
		} {
			c := subscription.NewCache()
			userID := uuid.New()
			snap := syncedPro(userID)
			snap.Status = status
			c.Set(ctx, userID, snap)

			gate := subscription.NewGate(testCatalog(t), c, nil)
			assert.True(t, gate.HasAccess(ctx, userID, subscription.FeatureInvoicing), status)
		}
	})

	t.Run("canceled and incomplete fall back to free", func(t *testing.T) {
		t.Parallel()
		for _, status := range []subscription.Status{subscription.StatusCanceled, subscription.StatusIncomplete} {
			c := subscription.NewCache()
			userID := uuid.New()
			snap := syncedPro(userID)
			snap.Status = status
			c.Set(ctx, userID, snap)

			gate := subscription.NewGate(testCatalog(t), c, fullUsage(20))
			assert.False(t, gate.HasAccess(ctx, userID, subscription.FeatureInvoicing), status)
			assert.False(t, gate.CanCreate(ctx, userID, subscription.ResourceClients), status)
		}
	})

	t.Run("unknown cached plan is treated as free", func(t *testing.T) {
		t.Parallel()
		c := subscription.NewCache()
		userID := uuid.New()
		snap := syncedPro(userID)
		snap.PlanID = "legacy_gold"
		c.Set(ctx, userID, snap)

		gate := subscription.NewGate(testCatalog(t), c, nil)
		assert.Equal(t, subscription.FreePlanID, gate.EffectivePlan(ctx, userID).ID)
	})

	t.Run("limited resource without a counter is denied", func(t *testing.T) {
		t.Parallel()
		gate := subscription.NewGate(testCatalog(t), subscription.NewCache(), nil)
		userID := uuid.New()

		assert.False(t, gate.CanCreate(ctx, userID, subscription.ResourceInvoices))
		assert.Equal(t, map[subscription.Resource]bool{
			subscription.ResourceProjects: false,
			subscription.ResourceClients:  false,
			subscription.ResourceInvoices: false,
		}, gate.Limits(ctx, userID))
	})

	t.Run("count failure denies limited resources", func(t *testing.T) {
		t.Parallel()
		usage := subscription.NewUsageCounter(subscription.WithCounter(subscription.ResourceProjects,
			func(context.Context, uuid.UUID) (int64, error) { return 0, errors.New("db down") }))
		gate := subscription.NewGate(testCatalog(t), subscription.NewCache(), usage)

		assert.False(t, gate.CanCreate(ctx, uuid.New(), subscription.ResourceProjects))
		assert.Equal(t, map[subscription.Resource]bool{
			subscription.ResourceProjects: false,
			subscription.ResourceClients:  false,
			subscription.ResourceInvoices: false,
		}, gate.Limits(ctx, uuid.New()))
	})

	t.Run("free user at the limit unlocks everything with an optimistic upgrade", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		gate := subscription.NewGate(f.catalog, f.cache, fullUsage(20))

		assert.False(t, gate.CanCreate(ctx, f.userID, subscription.ResourceProjects))
		assert.False(t, gate.CanCreate(ctx, f.userID, subscription.ResourceClients))
		assert.False(t, gate.CanCreate(ctx, f.userID, subscription.ResourceInvoices))
		assert.False(t, gate.HasAccess(ctx, f.userID, subscription.FeatureInvoiceCustomization))

		_, err := f.rec.ApplyOptimistic(ctx, f.userID, "pro_yearly")
		assert.NoError(t, err)

		assert.Equal(t, map[subscription.Resource]bool{
			subscription.ResourceProjects: true,
			subscription.ResourceClients:  true,
			subscription.ResourceInvoices: true,
		}, gate.Limits(ctx, f.userID))
		assert.True(t, gate.HasAccess(ctx, f.userID, subscription.FeatureInvoiceCustomization))
		assert.True(t, gate.HasAccess(ctx, f.userID, subscription.FeatureAPIAccess))
	})
}
