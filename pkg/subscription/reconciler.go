package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

// Reconciler keeps the cached subscription snapshot of each user consistent
// with the billing provider, the profile store and optimistic client updates.
// It holds no per-user state besides the cache, so concurrent calls for the
// same user resolve by last write.
type Reconciler struct {
	catalog  *Catalog
	cache    *Cache
	provider BillingProvider
	profiles ProfileStore
	events   *EventBus
	logger   *slog.Logger

	retries         int
	retryDelay      time.Duration
	now             func() time.Time
	group           *singleflight.Group
	portalReturnURL string
}

// NewReconciler wires a reconciler. All dependencies are required.
func NewReconciler(catalog *Catalog, cache *Cache, provider BillingProvider, profiles ProfileStore, opts ...ReconcilerOption) *Reconciler {
	if catalog == nil || cache == nil || provider == nil || profiles == nil {
		panic("subscription: reconciler requires catalog, cache, provider and profile store")
	}

	r := &Reconciler{
		catalog:    catalog,
		cache:      cache,
		provider:   provider,
		profiles:   profiles,
		events:     NewEventBus(),
		logger:     logger.Discard(),
		retries:    DefaultSyncRetries,
		retryDelay: DefaultSyncRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logger.Component("reconciler"), logger.Provider(provider.Name()))

	return r
}

// Events returns the bus lifecycle events are published on.
func (r *Reconciler) Events() *EventBus {
	return r.events
}

// Catalog returns the plan catalog.
func (r *Reconciler) Catalog() *Catalog {
	return r.catalog
}

// Snapshot returns the cached snapshot without contacting the provider.
func (r *Reconciler) Snapshot(ctx context.Context, userID uuid.UUID) *Snapshot {
	return r.cache.Get(ctx, userID)
}

// ApplyOptimistic grants planID immediately, before the provider confirms it.
// The replaced snapshot is kept so a failed confirmation can roll back to it.
func (r *Reconciler) ApplyOptimistic(ctx context.Context, userID uuid.UUID, planID string) (*Snapshot, error) {
	if userID == uuid.Nil {
		return nil, ErrNotAuthenticated
	}
	plan, ok := r.catalog.Lookup(planID)
	if !ok {
		return nil, errors.Join(ErrPlanNotFound, fmt.Errorf("plan %q", planID))
	}
	if plan.IsFree() {
		return nil, errors.Join(ErrInvalidState, errors.New("free plan cannot be applied optimistically"))
	}

	prev := r.cache.Get(ctx, userID)
	if prev != nil && prev.IsOptimistic() {
		prev = prev.Previous
	}

	snap := Snapshot{
		UserID:    userID,
		PlanID:    plan.ID,
		Status:    StatusActive,
		SyncState: SyncStateOptimistic,
	}
	if prev != nil {
		p := prev.Clone()
		p.Previous = nil
		snap.Previous = &p
		snap.CustomerID = p.CustomerID
	}

	r.cache.Set(ctx, userID, snap)
	r.logger.InfoContext(ctx, "optimistic plan applied", logger.UserID(userID), logger.PlanID(plan.ID))
	r.emit(ctx, EventUpgraded, userID, map[string]any{
		"plan_id":    plan.ID,
		"optimistic": true,
	})

	out := snap.Clone()
	return &out, nil
}

// Sync reconciles the user's snapshot with the provider.
// A cached synced snapshot is returned as is unless opts.Force is set.
// Provider failures never surface as errors: the last good snapshot is kept
// (or rebuilt from the profile) and a failed event is emitted.
func (r *Reconciler) Sync(ctx context.Context, userID uuid.UUID, opts SyncOptions) (*Snapshot, error) {
	if userID == uuid.Nil {
		return nil, ErrNotAuthenticated
	}
	if r.group == nil {
		return r.sync(ctx, userID, opts), nil
	}

	key := userID.String()
	if opts.Force {
		key += ":force"
	}
	v, _, _ := r.group.Do(key, func() (any, error) {
		return r.sync(ctx, userID, opts), nil
	})
	snap := v.(*Snapshot).Clone()
	return &snap, nil
}

// ConfirmCheckout is called after a successful checkout redirect.
// It applies planID optimistically and immediately confirms it with the provider.
// When the provider has no matching subscription the snapshot is rolled back
// and ErrNotFound is returned together with the restored snapshot.
func (r *Reconciler) ConfirmCheckout(ctx context.Context, userID uuid.UUID, planID string) (*Snapshot, error) {
	if _, err := r.ApplyOptimistic(ctx, userID, planID); err != nil {
		return nil, err
	}

	snap, err := r.Sync(ctx, userID, SyncOptions{Force: true})
	if err != nil {
		return nil, err
	}
	if !snap.IsOptimistic() && (snap.PlanID != planID || !snap.Status.Entitled()) {
		return snap, errors.Join(ErrNotFound, errors.New("payment not confirmed by the billing provider; contact support"))
	}
	return snap, nil
}

// Cancel schedules the subscription to end at the close of the current period.
func (r *Reconciler) Cancel(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	return r.setCancelAtPeriodEnd(ctx, userID, true)
}

// Resume reverts a scheduled cancellation.
func (r *Reconciler) Resume(ctx context.Context, userID uuid.UUID) (*Snapshot, error) {
	return r.setCancelAtPeriodEnd(ctx, userID, false)
}

func (r *Reconciler) setCancelAtPeriodEnd(ctx context.Context, userID uuid.UUID, cancel bool) (*Snapshot, error) {
	if userID == uuid.Nil {
		return nil, ErrNotAuthenticated
	}

	current := r.current(ctx, userID, r.loadProfile(ctx, userID))
	if current == nil || current.SubscriptionID == "" {
		return nil, errors.Join(ErrNotFound, errors.New("no active subscription; sync your subscription first"))
	}
	if cancel && current.CancelAtPeriodEnd {
		return nil, errors.Join(ErrInvalidState, errors.New("subscription is already set to cancel"))
	}
	if !cancel && !current.CancelAtPeriodEnd {
		return nil, errors.Join(ErrInvalidState, errors.New("subscription is not set to cancel"))
	}

	_, err := r.provider.UpdateSubscription(ctx, current.SubscriptionID, SubscriptionUpdate{CancelAtPeriodEnd: cancel})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to update subscription",
			logger.UserID(userID), logger.SubscriptionID(current.SubscriptionID), logger.Error(err))
		return nil, providerError(err)
	}

	next := current.Clone()
	next.CancelAtPeriodEnd = cancel
	r.cache.Set(ctx, userID, next)
	r.persist(ctx, next, nil)

	kind := EventCancelled
	if !cancel {
		kind = EventResumed
	}
	r.logger.InfoContext(ctx, "subscription "+string(kind),
		logger.UserID(userID), logger.SubscriptionID(next.SubscriptionID))
	r.emit(ctx, kind, userID, map[string]any{
		"plan_id":              next.PlanID,
		"subscription_id":      next.SubscriptionID,
		"cancel_at_period_end": cancel,
	})

	return &next, nil
}

// current returns the best locally known snapshot: cache first, then profile.
func (r *Reconciler) current(ctx context.Context, userID uuid.UUID, profile *Profile) *Snapshot {
	if snap := r.cache.Get(ctx, userID); snap != nil {
		return snap
	}
	if profile != nil {
		snap := profile.snapshot()
		snap.UserID = userID
		return &snap
	}
	return nil
}

func (r *Reconciler) loadProfile(ctx context.Context, userID uuid.UUID) *Profile {
	p, err := r.profiles.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.WarnContext(ctx, "failed to load profile", logger.UserID(userID), logger.Error(err))
		}
		return nil
	}
	return p
}

func (r *Reconciler) emit(ctx context.Context, kind EventKind, userID uuid.UUID, payload map[string]any) {
	r.events.Emit(ctx, string(kind), Event{
		Kind:      kind,
		UserID:    userID,
		Payload:   payload,
		Timestamp: r.now(),
	})
}

// wait sleeps for the retry delay unless ctx ends first.
func (r *Reconciler) wait(ctx context.Context) error {
	if r.retryDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func providerError(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return errors.Join(ErrProviderUnavailable, err)
}
