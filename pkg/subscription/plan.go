package subscription

import (
	"errors"
	"fmt"
	"slices"
)

// Plan describes a subscription plan and its resource/feature constraints.
// PriceIDs holds the provider price (or product) identifiers that map to this
// plan; the first one is used for checkout.
type Plan struct {
	ID          string
	Name        string
	Description string
	Limits      map[Resource]int64 // -1 represents unlimited
	Features    []Feature
	PriceIDs    []string
	Price       Money
	Interval    BillingInterval
}

// Limit returns the plan's limit for the resource.
func (p Plan) Limit(res Resource) int64 {
	return p.Limits[res]
}

// HasFeature reports whether the plan enables the feature.
func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

// IsFree reports whether the plan is the free fallback plan.
func (p Plan) IsFree() bool {
	return p.ID == FreePlanID
}

// Usage maps each resource class to the user's current count.
type Usage map[Resource]int64

// CheckLimits reports, per resource class, whether the user may create one more.
// An unlimited resource always allows creation.
func CheckLimits(usage Usage, plan Plan) map[Resource]bool {
	result := make(map[Resource]bool, len(Resources))
	for _, res := range Resources {
		result[res] = withinLimit(usage[res], plan.Limit(res))
	}
	return result
}

func withinLimit(current, limit int64) bool {
	if limit == Unlimited {
		return true
	}
	return current < limit
}

// Catalog is the immutable set of plans known to the application.
type Catalog struct {
	plans   map[string]Plan
	byPrice map[string]string
	ordered []string
}

// NewCatalog validates the plans and builds the price reverse lookup.
// The free plan is mandatory because it is the fallback for every unknown state.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		plans:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]string),
	}

	for _, p := range plans {
		if err := validatePlan(p); err != nil {
			return nil, err
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, errors.Join(ErrInvalidPlanConfiguration, fmt.Errorf("duplicate plan %q", p.ID))
		}
		for _, priceID := range p.PriceIDs {
			if owner, dup := c.byPrice[priceID]; dup {
				return nil, errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("price %q is mapped to both %q and %q", priceID, owner, p.ID))
			}
			c.byPrice[priceID] = p.ID
		}
		c.plans[p.ID] = clonePlan(p)
		c.ordered = append(c.ordered, p.ID)
	}

	if _, ok := c.plans[FreePlanID]; !ok {
		return nil, errors.Join(ErrInvalidPlanConfiguration, fmt.Errorf("plan %q is required", FreePlanID))
	}

	return c, nil
}

// MustCatalog is like NewCatalog but panics on invalid configuration.
func MustCatalog(plans ...Plan) *Catalog {
	c, err := NewCatalog(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

// GetPlan returns the plan with the given id.
// Unknown or empty ids resolve to the free plan.
func (c *Catalog) GetPlan(planID string) Plan {
	if p, ok := c.plans[planID]; ok {
		return clonePlan(p)
	}
	return clonePlan(c.plans[FreePlanID])
}

// Lookup returns the plan with the given id without falling back.
func (c *Catalog) Lookup(planID string) (Plan, bool) {
	p, ok := c.plans[planID]
	if !ok {
		return Plan{}, false
	}
	return clonePlan(p), true
}

// PlanForPrice maps a provider price id to the internal plan.
func (c *Catalog) PlanForPrice(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	planID, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, false
	}
	return c.Lookup(planID)
}

// Plans returns all plans in declaration order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.ordered))
	for _, id := range c.ordered {
		out = append(out, clonePlan(c.plans[id]))
	}
	return out
}

func validatePlan(p Plan) error {
	if p.ID == "" {
		return errors.Join(ErrInvalidPlanConfiguration, errors.New("plan id is empty"))
	}
	for _, res := range Resources {
		limit, ok := p.Limits[res]
		if !ok {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %q has no limit for %s", p.ID, res))
		}
		if limit < Unlimited {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %q has invalid limit %d for %s", p.ID, limit, res))
		}
	}
	if p.ID == FreePlanID && len(p.PriceIDs) > 0 {
		return errors.Join(ErrInvalidPlanConfiguration,
			fmt.Errorf("plan %q must not have price ids", FreePlanID))
	}
	for _, priceID := range p.PriceIDs {
		if priceID == "" {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %q has an empty price id", p.ID))
		}
	}
	return nil
}

func clonePlan(p Plan) Plan {
	limits := make(map[Resource]int64, len(p.Limits))
	for k, v := range p.Limits {
		limits[k] = v
	}
	p.Limits = limits
	p.Features = slices.Clone(p.Features)
	p.PriceIDs = slices.Clone(p.PriceIDs)
	return p
}
