// Package subscription reconciles per-user subscription state between a
// billing provider, a durable profile store and a two-tier snapshot cache.
//
// The Reconciler is the write path. ApplyOptimistic grants a plan right after
// checkout, Sync confirms it against the provider (or rolls it back), and
// Cancel/Resume toggle cancel-at-period-end. Webhooks only route a forced
// Sync; snapshots are always rebuilt from a fresh provider read.
//
// The Gate is the read path. It answers HasAccess and CanCreate from the
// cached snapshot alone, treating a missing or non-entitled snapshot as the
// free plan, and never calls the provider.
//
// The Recoverer is an operator tool that re-links a paying user by email
// when stored provider ids were lost.
//
// Basic wiring:
//
//	catalog := subscription.MustCatalog(subscription.DefaultPlans()...)
//	cache := subscription.NewCache(subscription.WithSnapshotStore(store))
//	rec := subscription.NewReconciler(catalog, cache, provider, profiles)
//	gate := subscription.NewGate(catalog, cache, usage)
//
//	snap, err := rec.Sync(ctx, userID, subscription.SyncOptions{})
//	if gate.CanCreate(ctx, userID, subscription.ResourceInvoices) { ... }
//
// Lifecycle events (upgraded, synced, cancelled, resumed, failed,
// recovery-failed) are published on an in-process EventBus.
package subscription
