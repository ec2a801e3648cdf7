// Package tier resolves a tenant's plan into limits, usage and capabilities.
//
// Resolution cascades plan defaults, then per-tenant overrides, then the
// subscription-status downgrade. Results are memoized per tenant id until
// a writer invalidates them; callers that change plan, limits or
// activation state must call InvalidateTeam or InvalidateOrg right after.
package tier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/fundroom/internal/metrics"
	"github.com/mbd888/fundroom/internal/tenant"
	"github.com/mbd888/fundroom/internal/traces"
)

// Config carries resolver settings. PaywallBypass forces fundroomActive for
// every team and must stay off in production.
type Config struct {
	PaywallBypass bool
	Now           func() time.Time
}

// Resolver computes and caches ResolvedTier and ResolvedOrgTier values.
type Resolver struct {
	store  tenant.Store
	teams  Cache[*ResolvedTier]
	orgs   Cache[*ResolvedOrgTier]
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTeamCache replaces the default in-memory team cache.
func WithTeamCache(c Cache[*ResolvedTier]) Option {
	return func(r *Resolver) { r.teams = c }
}

// WithOrgCache replaces the default in-memory org cache.
func WithOrgCache(c Cache[*ResolvedOrgTier]) Option {
	return func(r *Resolver) { r.orgs = c }
}

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver. Without cache options each resolver gets
// its own unbounded memory caches.
func NewResolver(store tenant.Store, cfg Config, opts ...Option) *Resolver {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Resolver{
		store:  store,
		teams:  NewMemoryCache[*ResolvedTier](0),
		orgs:   NewMemoryCache[*ResolvedOrgTier](0),
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveTeam returns the team's entitlements, from cache when present.
// It fails with tenant.ErrTeamNotFound or ErrUnknownPlan.
func (r *Resolver) ResolveTeam(ctx context.Context, teamID string) (*ResolvedTier, error) {
	if v, ok := r.teams.Get(teamID); ok {
		metrics.TierCacheRequests.WithLabelValues("hit").Inc()
		return v, nil
	}
	metrics.TierCacheRequests.WithLabelValues("miss").Inc()

	// Concurrent misses for one team share a single store read. The read
	// outlives any one caller's cancellation since others may be waiting.
	v, err, _ := r.group.Do("team:"+teamID, func() (any, error) {
		if v, ok := r.teams.Get(teamID); ok {
			return v, nil
		}
		gen := r.teams.Generation(teamID)
		resolved, err := r.computeTeam(context.WithoutCancel(ctx), teamID)
		if err != nil {
			return nil, err
		}
		if !r.teams.SetIfCurrent(teamID, resolved, gen) {
			metrics.TierCacheRequests.WithLabelValues("stale_drop").Inc()
		}
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResolvedTier), nil
}

// ResolveOrg returns the organization's entitlements, from cache when present.
// It fails with tenant.ErrOrgNotFound or ErrUnknownPlan.
func (r *Resolver) ResolveOrg(ctx context.Context, orgID string) (*ResolvedOrgTier, error) {
	if v, ok := r.orgs.Get(orgID); ok {
		metrics.TierCacheRequests.WithLabelValues("hit").Inc()
		return v, nil
	}
	metrics.TierCacheRequests.WithLabelValues("miss").Inc()

	v, err, _ := r.group.Do("org:"+orgID, func() (any, error) {
		if v, ok := r.orgs.Get(orgID); ok {
			return v, nil
		}
		gen := r.orgs.Generation(orgID)
		resolved, err := r.computeOrg(context.WithoutCancel(ctx), orgID)
		if err != nil {
			return nil, err
		}
		if !r.orgs.SetIfCurrent(orgID, resolved, gen) {
			metrics.TierCacheRequests.WithLabelValues("stale_drop").Inc()
		}
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResolvedOrgTier), nil
}

// InvalidateTeam drops the cached entry for a team. A resolve already in
// flight finishes but does not cache its result, and later callers do not
// join it.
func (r *Resolver) InvalidateTeam(teamID string) {
	r.teams.Invalidate(teamID)
	r.group.Forget("team:" + teamID)
}

// InvalidateOrg drops the cached entry for an organization.
func (r *Resolver) InvalidateOrg(orgID string) {
	r.orgs.Invalidate(orgID)
	r.group.Forget("org:" + orgID)
}

// Clear drops every cached entry.
func (r *Resolver) Clear() {
	r.teams.Clear()
	r.orgs.Clear()
}

// Now returns the resolver clock.
func (r *Resolver) Now() time.Time { return r.cfg.Now() }

func (r *Resolver) computeTeam(ctx context.Context, teamID string) (*ResolvedTier, error) {
	ctx, span := traces.StartSpan(ctx, "tier.ResolveTeam", traces.TeamID(teamID))
	defer span.End()

	team, usage, err := r.store.GetTeamWithUsage(ctx, teamID)
	if err != nil {
		return nil, err
	}
	plan, trial, err := ParseTeamPlan(team.Plan)
	if err != nil {
		r.logger.Error("team has unknown plan", "team_id", teamID, "plan", team.Plan)
		return nil, fmt.Errorf("team %s: %w", teamID, err)
	}
	activation, err := r.store.GetActivation(ctx, teamID, tenant.ActivationFundRoom)
	if err != nil {
		return nil, fmt.Errorf("team %s: activation: %w", teamID, err)
	}

	now := r.cfg.Now()
	limits := teamPlanLimits(plan, trial)
	applyOverrides(limits, team.CustomLimits)

	used := map[Resource]int{
		ResourceDocuments:          usage.Documents,
		ResourceLinks:              usage.Links,
		ResourceUsers:              usage.Users,
		ResourceDatarooms:          usage.Datarooms,
		ResourceDomains:            usage.Domains,
		ResourceSignatureDocuments: usage.SignatureDocuments,
	}

	state := teamState(team, trial, now)
	fundroomActive := activation.Status == tenant.ActivationActive || r.cfg.PaywallBypass
	live := !state.Revokes()

	caps := map[Capability]bool{CanViewAnalytics: true}
	for res, capName := range resourceCapability {
		caps[capName] = live && Below(used[res], limits[res])
	}
	caps[CanShareLinks] = live
	caps[CanManageFund] = live && fundroomActive
	caps[CanOnboardLP] = live && fundroomActive
	caps[CanUseBranding] = featureEnabled(plan, team, FeatureBranding)
	caps[CanUseWebhooks] = featureEnabled(plan, team, FeatureWebhooks)
	caps[CanUseScreenshotProtection] = featureEnabled(plan, team, FeatureScreenshotProtection)
	caps[CanUseSSO] = featureEnabled(plan, team, FeatureSSO)

	return &ResolvedTier{
		TeamID:             teamID,
		PlanSlug:           plan.Slug(),
		PlanName:           plan.Name(),
		Plan:               plan,
		IsPaidPlan:         plan != PlanFree,
		IsFreePlan:         plan == PlanFree,
		IsTrial:            trial,
		SubscriptionStatus: state,
		ActivationStatus:   activation.Status,
		FundroomActive:     fundroomActive,
		Limits:             limits,
		Usage:              used,
		Capabilities:       caps,
		ResolvedAt:         now,
	}, nil
}

func (r *Resolver) computeOrg(ctx context.Context, orgID string) (*ResolvedOrgTier, error) {
	ctx, span := traces.StartSpan(ctx, "tier.ResolveOrg", traces.OrgID(orgID))
	defer span.End()

	now := r.cfg.Now()
	org, usage, err := r.store.GetOrgWithUsage(ctx, orgID, tenant.MonthKey(now))
	if err != nil {
		return nil, err
	}
	stored, err := ParseOrgTier(org.Tier)
	if err != nil {
		r.logger.Error("organization has unknown tier", "org_id", orgID, "tier", org.Tier)
		return nil, fmt.Errorf("org %s: %w", orgID, err)
	}
	activation, err := r.store.GetActivation(ctx, orgID, tenant.ActivationAICRM)
	if err != nil {
		return nil, fmt.Errorf("org %s: activation: %w", orgID, err)
	}

	effective := stored
	limits := orgTierLimits(stored)
	applyOverrides(limits, org.CustomLimits)
	if org.SubscriptionStatus == tenant.SubscriptionPastDue {
		effective = OrgFree
		limits = orgTierLimits(OrgFree)
	}

	trialExpired := org.AICRMTrialEndsAt != nil && org.AICRMTrialEndsAt.Before(now)
	revoked := activation.Status == tenant.ActivationSuspended || activation.Status == tenant.ActivationDeactivated
	aiEnabled := org.AICRMEnabled && !trialExpired && !revoked
	if aiEnabled {
		limits[ResourceTemplates] = Unlimited
	}

	used := map[Resource]int{
		ResourceContacts:      usage.Contacts,
		ResourceEsigPerMonth:  usage.EsigThisMonth,
		ResourceSignerStorage: usage.SignerDocuments,
		ResourceTemplates:     usage.Templates,
		ResourceUsers:         usage.Users,
	}

	caps := map[Capability]bool{
		CanViewAnalytics:   true,
		CanAddContacts:     Below(used[ResourceContacts], limits[ResourceContacts]),
		CanSendEsig:        Below(used[ResourceEsigPerMonth], limits[ResourceEsigPerMonth]),
		CanStoreSigners:    Below(used[ResourceSignerStorage], limits[ResourceSignerStorage]),
		CanCreateTemplates: Below(used[ResourceTemplates], limits[ResourceTemplates]),
		CanAddUsers:        Below(used[ResourceUsers], limits[ResourceUsers]),
		HasAIFeatures:      aiEnabled,
	}
	for f, capName := range orgFeatureCapability {
		caps[capName] = effective.Includes(f)
	}

	return &ResolvedOrgTier{
		OrgID:              orgID,
		Tier:               org.Tier,
		TierName:           stored.Name(),
		EffectiveTier:      effective,
		EffectiveTierName:  effective.String(),
		SubscriptionStatus: org.SubscriptionStatus,
		AIActivationStatus: activation.Status,
		AIEnabled:          aiEnabled,
		AITrialExpired:     trialExpired,
		Limits:             limits,
		Usage:              used,
		Capabilities:       caps,
		PipelineStages:     effective.PipelineStages(),
		ResolvedAt:         now,
	}, nil
}

// teamState applies the status priority: paused, cancelled, expired,
// trialing, active, none.
func teamState(t *tenant.Team, trial bool, now time.Time) SubscriptionState {
	switch {
	case t.PausedAt != nil:
		return StatePaused
	case t.CancelledAt != nil:
		return StateCancelled
	case t.EndsAt != nil && t.EndsAt.Before(now):
		return StateExpired
	case trial:
		return StateTrialing
	case t.SubscriptionID != "":
		return StateActive
	default:
		return StateNone
	}
}

// applyOverrides replaces defaults for every known resource present in the
// override map, in either direction. Unknown keys are ignored.
func applyOverrides(limits map[Resource]Limit, overrides tenant.Limits) {
	for key, v := range overrides {
		res := Resource(key)
		if _, known := limits[res]; !known {
			continue
		}
		limits[res] = copyLimit(v)
	}
}

func featureEnabled(p TeamPlan, t *tenant.Team, f TeamFeature) bool {
	if on, ok := t.Features[string(f)]; ok {
		return on
	}
	return p.HasFeature(f)
}
