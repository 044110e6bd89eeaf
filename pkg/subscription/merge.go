package subscription

import (
	"cmp"
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

// fetchResult is what the provider knows about a user.
type fetchResult struct {
	customerID string
	subs       []ProviderSubscription
}

func (r *Reconciler) sync(ctx context.Context, userID uuid.UUID, opts SyncOptions) *Snapshot {
	cached := r.cache.Get(ctx, userID)
	if !opts.Force && cached != nil && cached.SyncState == SyncStateSynced {
		return cached
	}

	profile := r.loadProfile(ctx, userID)
	optimistic := cached != nil && cached.IsOptimistic()
	wantPlan := ""
	if optimistic {
		wantPlan = cached.PlanID
	}

	var (
		res fetchResult
		sub *ProviderSubscription
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = r.fetch(ctx, userID, opts, profile, cached)
		if err == nil {
			sub = r.pick(res.subs, wantPlan)
			if !optimistic || sub != nil {
				break
			}
		}
		if attempt >= r.retries {
			break
		}
		r.logger.DebugContext(ctx, "retrying subscription fetch",
			logger.UserID(userID), logger.Attempt(attempt+1), logger.Error(err))
		if werr := r.wait(ctx); werr != nil {
			err = werr
			break
		}
	}

	if err != nil {
		return r.fallback(ctx, userID, profile, cached, err)
	}
	if optimistic && sub == nil {
		return r.rollback(ctx, userID, *cached)
	}

	snap := r.merge(ctx, userID, sub, res.customerID, profile, cached)
	r.cache.Set(ctx, userID, snap)
	r.persist(ctx, snap, profile)

	r.logger.InfoContext(ctx, "subscription synced",
		logger.UserID(userID), logger.PlanID(snap.PlanID), logger.SubscriptionID(snap.SubscriptionID))
	r.emit(ctx, EventSynced, userID, map[string]any{
		"plan_id":         snap.PlanID,
		"status":          string(snap.Status),
		"subscription_id": snap.SubscriptionID,
	})

	return &snap
}

// fetch discovers the user's provider subscriptions. The known subscription id
// is tried first, then the customer's subscription list, discovering the
// customer by external id when no customer id is known.
func (r *Reconciler) fetch(ctx context.Context, userID uuid.UUID, opts SyncOptions, profile *Profile, cached *Snapshot) (fetchResult, error) {
	var res fetchResult
	subID, customerID := knownIDs(opts, profile, cached)
	optimistic := cached != nil && cached.IsOptimistic()

	if subID != "" {
		sub, err := r.provider.GetSubscription(ctx, subID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return res, err
		}
		if err == nil && sub != nil {
			customerID = cmp.Or(customerID, sub.CustomerID)
			// An optimistic upgrade may have created a newer subscription,
			// so the customer list is still consulted.
			if sub.Status.Entitled() && !optimistic {
				res.customerID = cmp.Or(sub.CustomerID, customerID)
				res.subs = []ProviderSubscription{*sub}
				return res, nil
			}
			res.subs = append(res.subs, *sub)
		}
	}

	if customerID == "" {
		cust, err := r.provider.GetCustomerByExternalID(ctx, userID.String())
		if err != nil {
			return res, err
		}
		if cust == nil {
			return res, nil
		}
		customerID = cust.ID
	}
	res.customerID = customerID

	subs, err := r.provider.ListSubscriptionsForCustomer(ctx, customerID)
	if err != nil {
		return res, err
	}
	res.subs = mergeSubscriptions(res.subs, subs)
	return res, nil
}

// pick chooses the subscription that represents the user. While an optimistic
// plan is pending only an entitled subscription for that plan (or for an
// unmapped price) counts as a match.
func (r *Reconciler) pick(subs []ProviderSubscription, wantPlan string) *ProviderSubscription {
	if wantPlan == "" {
		return selectSubscription(subs)
	}
	var matching []ProviderSubscription
	for _, s := range subs {
		if !s.Status.Entitled() {
			continue
		}
		if plan, ok := r.catalog.PlanForPrice(s.PriceID); ok && plan.ID != wantPlan {
			continue
		}
		matching = append(matching, s)
	}
	return selectSubscription(matching)
}

// merge builds the snapshot from provider data. Provider values win; the
// profile and the cache only fill identifiers and an unmapped price's plan.
func (r *Reconciler) merge(ctx context.Context, userID uuid.UUID, sub *ProviderSubscription, customerID string, profile *Profile, cached *Snapshot) Snapshot {
	snap := FreeSnapshot(userID)
	snap.CustomerID = customerID
	if snap.CustomerID == "" && profile != nil {
		snap.CustomerID = profile.CustomerID
	}
	if snap.CustomerID == "" && cached != nil {
		snap.CustomerID = cached.CustomerID
	}
	if sub == nil {
		return snap
	}

	snap.SubscriptionID = sub.ID
	snap.CustomerID = cmp.Or(sub.CustomerID, snap.CustomerID)
	snap.Status = sub.Status
	snap.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	snap.CurrentPeriodEnd = copyTime(sub.CurrentPeriodEnd)
	if !sub.Status.Entitled() {
		return snap
	}

	if plan, ok := r.catalog.PlanForPrice(sub.PriceID); ok {
		snap.PlanID = plan.ID
		return snap
	}

	snap.PlanID = r.fallbackPlan(sub.ID, profile, cached)
	r.logger.WarnContext(ctx, "provider price is not mapped to a plan",
		logger.UserID(userID), logger.SubscriptionID(sub.ID),
		logger.PlanID(snap.PlanID), "price_id", sub.PriceID)
	return snap
}

func (r *Reconciler) fallbackPlan(subID string, profile *Profile, cached *Snapshot) string {
	if profile != nil && profile.SubscriptionID == subID {
		if plan, ok := r.catalog.Lookup(profile.PlanID); ok && !plan.IsFree() {
			return plan.ID
		}
	}
	if cached != nil {
		if plan, ok := r.catalog.Lookup(cached.PlanID); ok && !plan.IsFree() {
			return plan.ID
		}
	}
	return FreePlanID
}

// fallback handles an exhausted provider fetch. A cached snapshot is left
// untouched; without one the profile (or the free plan) is cached instead.
func (r *Reconciler) fallback(ctx context.Context, userID uuid.UUID, profile *Profile, cached *Snapshot, err error) *Snapshot {
	r.logger.WarnContext(ctx, "subscription sync failed", logger.UserID(userID), logger.Error(err))

	snap := cached
	if snap == nil {
		s := FreeSnapshot(userID)
		s.SyncState = SyncStateFailed
		if profile != nil {
			s = profile.snapshot()
			s.UserID = userID
		}
		r.cache.Set(ctx, userID, s)
		snap = &s
	}

	r.emit(ctx, EventFailed, userID, map[string]any{
		"reason":  providerError(err).Error(),
		"plan_id": snap.PlanID,
	})
	return snap
}

// rollback reverts an optimistic snapshot the provider could not confirm.
func (r *Reconciler) rollback(ctx context.Context, userID uuid.UUID, optimistic Snapshot) *Snapshot {
	snap := FreeSnapshot(userID)
	snap.CustomerID = optimistic.CustomerID
	if optimistic.Previous != nil {
		snap = optimistic.Previous.Clone()
		snap.Previous = nil
		snap.UserID = userID
	}
	r.cache.Set(ctx, userID, snap)

	r.logger.WarnContext(ctx, "optimistic plan rolled back",
		logger.UserID(userID), logger.PlanID(optimistic.PlanID))
	r.emit(ctx, EventFailed, userID, map[string]any{
		"reason":              "no matching provider subscription",
		"rolled_back_plan_id": optimistic.PlanID,
		"plan_id":             snap.PlanID,
	})
	return &snap
}

// persist writes billing fields to the profile when they changed.
// Failures are logged; the cache already holds the new snapshot.
func (r *Reconciler) persist(ctx context.Context, snap Snapshot, profile *Profile) {
	next := profileFromSnapshot(snap)
	if profile != nil && sameBilling(*profile, next) {
		return
	}
	if err := r.profiles.SaveBilling(ctx, next); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist billing profile",
			logger.UserID(snap.UserID), logger.Error(errors.Join(ErrPersistenceFailure, err)))
	}
}

func sameBilling(a, b Profile) bool {
	if a.PlanID != b.PlanID || a.Status != b.Status ||
		a.CustomerID != b.CustomerID || a.SubscriptionID != b.SubscriptionID ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd {
		return false
	}
	switch {
	case a.CurrentPeriodEnd == nil && b.CurrentPeriodEnd == nil:
		return true
	case a.CurrentPeriodEnd == nil || b.CurrentPeriodEnd == nil:
		return false
	default:
		return a.CurrentPeriodEnd.Equal(*b.CurrentPeriodEnd)
	}
}

func knownIDs(opts SyncOptions, profile *Profile, cached *Snapshot) (subID, customerID string) {
	subID, customerID = opts.SubscriptionID, opts.CustomerID
	if profile != nil {
		subID = cmp.Or(subID, profile.SubscriptionID)
		customerID = cmp.Or(customerID, profile.CustomerID)
	}
	if cached != nil {
		ref := cached
		if cached.IsOptimistic() && cached.Previous != nil {
			ref = cached.Previous
		}
		subID = cmp.Or(subID, ref.SubscriptionID)
		customerID = cmp.Or(customerID, cached.CustomerID, ref.CustomerID)
	}
	return subID, customerID
}

// mergeSubscriptions appends listed subscriptions, replacing known ones by id.
func mergeSubscriptions(known, listed []ProviderSubscription) []ProviderSubscription {
	out := make([]ProviderSubscription, 0, len(known)+len(listed))
	seen := make(map[string]bool, len(listed))
	for _, s := range listed {
		seen[s.ID] = true
	}
	for _, s := range known {
		if !seen[s.ID] {
			out = append(out, s)
		}
	}
	return append(out, listed...)
}
