// Package billing keeps local subscriptions in step with Stripe and drives
// the side effects of subscription lifecycle transitions.
package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"qrcloud/internal/cache"
	"qrcloud/internal/config"
	"qrcloud/internal/types"
)

// planDefaults are the limits per tier. Zero means unlimited on paid tiers;
// enforcement code must treat 0 as no limit except on the free plan.
var planDefaults = map[types.PlanTier]types.PlanLimits{
	types.PlanFree: {
		MaxQRCodes:       3,
		MaxShortLinks:    10,
		MaxCustomDomains: 0,
		AllowTemplates:   false,
	},
	types.PlanStarter: {
		MaxQRCodes:       50,
		MaxShortLinks:    500,
		MaxCustomDomains: 1,
		AllowTemplates:   true,
	},
	types.PlanPro: {
		MaxQRCodes:       500,
		MaxShortLinks:    5000,
		MaxCustomDomains: 5,
		AllowTemplates:   true,
	},
	types.PlanBusiness: {
		MaxQRCodes:       0,
		MaxShortLinks:    0,
		MaxCustomDomains: 25,
		AllowTemplates:   true,
	},
}

var planNames = map[types.PlanTier]string{
	types.PlanFree:     "Free",
	types.PlanStarter:  "Starter",
	types.PlanPro:      "Pro",
	types.PlanBusiness: "Business",
}

// PlanCatalog maps Stripe price ids to plan tiers.
type PlanCatalog struct {
	tiers map[string]types.PlanTier
}

// NewPlanCatalog builds a catalog from the configured price ids.
func NewPlanCatalog(cfg config.BillingConfig) *PlanCatalog {
	c := &PlanCatalog{tiers: make(map[string]types.PlanTier)}
	for tier, ids := range map[types.PlanTier][]string{
		types.PlanStarter:  cfg.StarterPriceIDs,
		types.PlanPro:      cfg.ProPriceIDs,
		types.PlanBusiness: cfg.BusinessPriceIDs,
	} {
		for _, id := range ids {
			if id != "" {
				c.tiers[id] = tier
			}
		}
	}
	return c
}

// TierForPrice returns the tier of priceID, or free for unknown prices.
func (c *PlanCatalog) TierForPrice(priceID string) types.PlanTier {
	if tier, ok := c.tiers[priceID]; ok {
		return tier
	}
	return types.PlanFree
}

// KnownPrice reports whether priceID is sold.
func (c *PlanCatalog) KnownPrice(priceID string) bool {
	_, ok := c.tiers[priceID]
	return ok
}

// PlanName returns the display name of the plan sold at priceID.
func (c *PlanCatalog) PlanName(priceID string) string {
	tier, ok := c.tiers[priceID]
	if !ok {
		return ""
	}
	return planNames[tier]
}

// LimitsFor returns the limits of tier, falling back to free limits.
func LimitsFor(tier types.PlanTier) types.PlanLimits {
	if limits, ok := planDefaults[tier]; ok {
		return limits
	}
	return planDefaults[types.PlanFree]
}

// PlanResolver derives a user's plan from their subscription and caches the
// result under user_plan:<userId>.
type PlanResolver struct {
	subs    SubscriptionStore
	cache   KeyValueCache
	catalog *PlanCatalog
	ttl     time.Duration
	clock   types.Clock
	logger  *slog.Logger
}

// NewPlanResolver creates a PlanResolver.
func NewPlanResolver(subs SubscriptionStore, kv KeyValueCache, catalog *PlanCatalog, ttl time.Duration, clock types.Clock, logger *slog.Logger) *PlanResolver {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanResolver{subs: subs, cache: kv, catalog: catalog, ttl: ttl, clock: clock, logger: logger}
}

// ResolvePlan returns the user's current plan. Cache errors degrade to a
// store read.
func (r *PlanResolver) ResolvePlan(ctx context.Context, userID string) (*types.UserPlan, error) {
	key := cache.UserPlanKey(userID)

	if raw, found, err := r.cache.Get(ctx, key); err != nil {
		r.logger.WarnContext(ctx, "plan cache read failed", "user_id", userID, "error", err)
	} else if found {
		var plan types.UserPlan
		if err := json.Unmarshal(raw, &plan); err == nil {
			return &plan, nil
		}
		r.logger.WarnContext(ctx, "discarding corrupt plan cache entry", "user_id", userID)
	}

	sub, err := r.subs.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	plan := &types.UserPlan{
		UserID:     userID,
		Tier:       types.PlanFree,
		ResolvedAt: r.clock.Now(),
	}
	if sub != nil {
		plan.Status = sub.Status
		plan.PriceID = sub.PriceID
		if sub.Status.IsLive() {
			plan.Tier = r.catalog.TierForPrice(sub.PriceID)
		}
	}
	plan.Limits = LimitsFor(plan.Tier)

	if raw, err := json.Marshal(plan); err == nil {
		if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
			r.logger.WarnContext(ctx, "plan cache write failed", "user_id", userID, "error", err)
		}
	}
	return plan, nil
}
