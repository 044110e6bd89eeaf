package subscription

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/logger"
)

// Gate answers entitlement questions from the cached snapshot.
// It never contacts the provider and never returns errors: anything unknown
// is treated as the free plan.
type Gate struct {
	catalog *Catalog
	cache   *Cache
	usage   *UsageCounter
	logger  *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the gate logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate builds a gate. usage may be nil, in which case only unlimited
// resources can be created.
func NewGate(catalog *Catalog, cache *Cache, usage *UsageCounter, opts ...GateOption) *Gate {
	g := &Gate{
		catalog: catalog,
		cache:   cache,
		usage:   usage,
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(logger.Component("feature_gate"))
	return g
}

// EffectivePlan is the plan whose permissions apply to the user right now.
func (g *Gate) EffectivePlan(ctx context.Context, userID uuid.UUID) Plan {
	snap := g.cache.Get(ctx, userID)
	if snap == nil || !snap.Status.Entitled() {
		return g.catalog.GetPlan(FreePlanID)
	}
	return g.catalog.GetPlan(snap.PlanID)
}

// HasAccess reports whether the user's plan enables the feature.
func (g *Gate) HasAccess(ctx context.Context, userID uuid.UUID, feature Feature) bool {
	return g.EffectivePlan(ctx, userID).HasFeature(feature)
}

// CanCreate reports whether the user may create one more of the resource.
// Count failures deny creation.
func (g *Gate) CanCreate(ctx context.Context, userID uuid.UUID, res Resource) bool {
	limit := g.EffectivePlan(ctx, userID).Limit(res)
	if limit == Unlimited {
		return true
	}
	if g.usage == nil || !g.usage.Registered(res) {
		g.logger.WarnContext(ctx, "no usage counter for limited resource",
			logger.UserID(userID), logger.Error(ErrNoCounterRegistered), slog.String("resource", string(res)))
		return false
	}

	counts, err := g.usage.Get(ctx, userID, false)
	if err != nil {
		g.logger.WarnContext(ctx, "failed to count usage", logger.UserID(userID), logger.Error(err))
		return false
	}
	return withinLimit(counts.Counts[res], limit)
}

// Limits reports CanCreate for every resource class in one usage read.
func (g *Gate) Limits(ctx context.Context, userID uuid.UUID) map[Resource]bool {
	plan := g.EffectivePlan(ctx, userID)
	usage := Usage{}
	if g.usage != nil {
		counts, err := g.usage.Get(ctx, userID, false)
		if err != nil {
			g.logger.WarnContext(ctx, "failed to count usage", logger.UserID(userID), logger.Error(err))
			return deniedLimits(plan)
		}
		usage = counts.Counts
	}

	result := CheckLimits(usage, plan)
	for _, res := range Resources {
		if plan.Limit(res) != Unlimited && (g.usage == nil || !g.usage.Registered(res)) {
			result[res] = false
		}
	}
	return result
}

func deniedLimits(plan Plan) map[Resource]bool {
	result := make(map[Resource]bool, len(Resources))
	for _, res := range Resources {
		result[res] = plan.Limit(res) == Unlimited
	}
	return result
}
