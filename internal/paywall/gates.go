// Package paywall enforces plan limits and tier-gated features.
//
// Gates compare live usage against the resolved tier and return a Decision.
// A denial is an ordinary business outcome and is returned as a value;
// the error return is reserved for store and configuration failures.
package paywall

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/fundroom/internal/metrics"
	"github.com/mbd888/fundroom/internal/tenant"
	"github.com/mbd888/fundroom/internal/tier"
)

// ErrorKind identifies why a gate denied.
type ErrorKind string

const (
	ContactLimitReached       ErrorKind = "CONTACT_LIMIT_REACHED"
	EsigLimitReached          ErrorKind = "ESIG_LIMIT_REACHED"
	SignerStorageLimitReached ErrorKind = "SIGNER_STORAGE_LIMIT_REACHED"
	TemplateLimitReached      ErrorKind = "TEMPLATE_LIMIT_REACHED"
	ResourceLimitReached      ErrorKind = "RESOURCE_LIMIT_REACHED"
	FeatureGated              ErrorKind = "FEATURE_GATED"
	CapabilityRevoked         ErrorKind = "CAPABILITY_REVOKED"
)

// Meta carries the fields a client needs to render an upgrade prompt.
type Meta struct {
	Current     *int   `json:"current,omitempty"`
	Limit       *int   `json:"limit,omitempty"`
	Feature     string `json:"feature,omitempty"`
	CurrentTier string `json:"currentTier,omitempty"`
	UpgradeURL  string `json:"upgradeUrl,omitempty"`
}

// Decision is the outcome of a gate.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Error   ErrorKind `json:"error,omitempty"`
	Meta    *Meta     `json:"meta,omitempty"`
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// TierSource resolves tenant entitlements. *tier.Resolver implements it.
type TierSource interface {
	ResolveTeam(ctx context.Context, teamID string) (*tier.ResolvedTier, error)
	ResolveOrg(ctx context.Context, orgID string) (*tier.ResolvedOrgTier, error)
	Now() time.Time
}

// UsageStore provides live counts. tenant.Store implements it.
type UsageStore interface {
	GetTeamWithUsage(ctx context.Context, id string) (*tenant.Team, tenant.TeamUsage, error)
	CountContacts(ctx context.Context, orgID string) (int, error)
	CountSignerDocuments(ctx context.Context, orgID string) (int, error)
	CountTemplates(ctx context.Context, orgID string) (int, error)
	EsigUsage(ctx context.Context, orgID, month string) (int, error)
	IncrementEsigUsage(ctx context.Context, orgID, month string) (int, error)
}

// Gates runs limit and feature checks for teams and organizations.
type Gates struct {
	tiers      TierSource
	usage      UsageStore
	upgradeURL string
	logger     *slog.Logger
}

// NewGates creates the gate checker. appBaseURL prefixes upgradeUrl.
func NewGates(tiers TierSource, usage UsageStore, appBaseURL string, logger *slog.Logger) *Gates {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gates{
		tiers:      tiers,
		usage:      usage,
		upgradeURL: strings.TrimRight(appBaseURL, "/") + "/settings/billing",
		logger:     logger,
	}
}

// CheckContactLimit allows adding a contact while the live count is below
// the tier limit.
func (g *Gates) CheckContactLimit(ctx context.Context, orgID string) (Decision, error) {
	return g.orgLimit(ctx, "contacts", orgID, tier.ResourceContacts, ContactLimitReached,
		func(ctx context.Context) (int, error) { return g.usage.CountContacts(ctx, orgID) })
}

// CheckEsigLimit allows sending an envelope while this month's usage is
// below the tier limit. The counter resets with the UTC calendar month.
func (g *Gates) CheckEsigLimit(ctx context.Context, orgID string) (Decision, error) {
	month := tenant.MonthKey(g.tiers.Now())
	return g.orgLimit(ctx, "esig", orgID, tier.ResourceEsigPerMonth, EsigLimitReached,
		func(ctx context.Context) (int, error) { return g.usage.EsigUsage(ctx, orgID, month) })
}

// CheckSignerStorage allows storing another signed document while below
// the tier limit.
func (g *Gates) CheckSignerStorage(ctx context.Context, orgID string) (Decision, error) {
	return g.orgLimit(ctx, "signer_storage", orgID, tier.ResourceSignerStorage, SignerStorageLimitReached,
		func(ctx context.Context) (int, error) { return g.usage.CountSignerDocuments(ctx, orgID) })
}

// TemplateLimit returns the organization's template cap. It is nil
// (unlimited) when the AI add-on is enabled, regardless of tier.
func (g *Gates) TemplateLimit(ctx context.Context, orgID string) (tier.Limit, error) {
	rt, err := g.tiers.ResolveOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return rt.Limits[tier.ResourceTemplates], nil
}

// CheckTemplateLimit allows creating a template while below TemplateLimit.
func (g *Gates) CheckTemplateLimit(ctx context.Context, orgID string) (Decision, error) {
	return g.orgLimit(ctx, "templates", orgID, tier.ResourceTemplates, TemplateLimitReached,
		func(ctx context.Context) (int, error) { return g.usage.CountTemplates(ctx, orgID) })
}

// IncrementEsigUsage records one sent envelope in the current month and
// returns the new count. The store performs the increment atomically.
func (g *Gates) IncrementEsigUsage(ctx context.Context, orgID string) (int, error) {
	return g.usage.IncrementEsigUsage(ctx, orgID, tenant.MonthKey(g.tiers.Now()))
}

// CheckFeatureAccess allows a feature when the organization's effective tier
// includes it. Feature names missing from the table are allowed so new
// features ship ungated until someone gates them.
func (g *Gates) CheckFeatureAccess(ctx context.Context, orgID, feature string) (Decision, error) {
	rt, err := g.tiers.ResolveOrg(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}
	min, known := tier.FeatureMinTier(feature)
	if !known {
		// Unknown features fail open until they are added to the feature table.
		g.logger.Debug("ungated feature requested", "org_id", orgID, "feature", feature)
		metrics.GateDecisions.WithLabelValues("feature", "unknown_feature").Inc()
		return Allow(), nil
	}
	if rt.EffectiveTier >= min {
		return g.record("feature", Allow()), nil
	}
	return g.record("feature", Decision{
		Error: FeatureGated,
		Meta: &Meta{
			Feature:     feature,
			CurrentTier: rt.Tier,
			UpgradeURL:  g.upgradeURL,
		},
	}), nil
}

// CheckTeamResource allows adding one more of a team resource. Teams whose
// subscription is paused, cancelled or expired are denied outright.
func (g *Gates) CheckTeamResource(ctx context.Context, teamID string, res tier.Resource) (Decision, error) {
	rt, err := g.tiers.ResolveTeam(ctx, teamID)
	if err != nil {
		return Decision{}, err
	}
	if rt.SubscriptionStatus.Revokes() {
		return g.record("team_resource", g.revoked(rt, string(res))), nil
	}
	lim, ok := rt.Limits[res]
	if !ok {
		return Decision{}, &UnknownResourceError{Resource: string(res)}
	}
	if lim == nil {
		return g.record("team_resource", Allow()), nil
	}
	_, usage, err := g.usage.GetTeamWithUsage(ctx, teamID)
	if err != nil {
		return Decision{}, err
	}
	current := teamUsageOf(usage, res)
	if current < *lim {
		return g.record("team_resource", Allow()), nil
	}
	return g.record("team_resource", g.limitDenial(ResourceLimitReached, current, *lim, rt.PlanSlug)), nil
}

// RequireTeamCapability allows when the resolved tier grants the capability.
func (g *Gates) RequireTeamCapability(ctx context.Context, teamID string, c tier.Capability) (Decision, error) {
	rt, err := g.tiers.ResolveTeam(ctx, teamID)
	if err != nil {
		return Decision{}, err
	}
	if rt.Can(c) {
		return g.record("team_capability", Allow()), nil
	}
	if rt.SubscriptionStatus.Revokes() {
		return g.record("team_capability", g.revoked(rt, string(c))), nil
	}
	for _, res := range tier.TeamResources() {
		if rc, _ := tier.CapabilityFor(res); rc == c && rt.Limits[res] != nil {
			return g.record("team_capability",
				g.limitDenial(ResourceLimitReached, rt.Usage[res], *rt.Limits[res], rt.PlanSlug)), nil
		}
	}
	return g.record("team_capability", Decision{
		Error: FeatureGated,
		Meta: &Meta{
			Feature:     string(c),
			CurrentTier: rt.PlanSlug,
			UpgradeURL:  g.upgradeURL,
		},
	}), nil
}

func (g *Gates) orgLimit(ctx context.Context, gate, orgID string, res tier.Resource, kind ErrorKind,
	count func(context.Context) (int, error)) (Decision, error) {
	rt, err := g.tiers.ResolveOrg(ctx, orgID)
	if err != nil {
		return Decision{}, err
	}
	lim := rt.Limits[res]
	if lim == nil {
		return g.record(gate, Allow()), nil
	}
	current, err := count(ctx)
	if err != nil {
		return Decision{}, err
	}
	if current < *lim {
		return g.record(gate, Allow()), nil
	}
	return g.record(gate, g.limitDenial(kind, current, *lim, rt.Tier)), nil
}

func (g *Gates) limitDenial(kind ErrorKind, current, limit int, currentTier string) Decision {
	return Decision{
		Error: kind,
		Meta: &Meta{
			Current:     &current,
			Limit:       &limit,
			CurrentTier: currentTier,
			UpgradeURL:  g.upgradeURL,
		},
	}
}

func (g *Gates) revoked(rt *tier.ResolvedTier, feature string) Decision {
	return Decision{
		Error: CapabilityRevoked,
		Meta: &Meta{
			Feature:     feature,
			CurrentTier: rt.PlanSlug,
			UpgradeURL:  g.upgradeURL,
		},
	}
}

func (g *Gates) record(gate string, d Decision) Decision {
	metrics.GateDecisions.WithLabelValues(gate, metrics.Result(d.Allowed)).Inc()
	return d
}

// UnknownResourceError is returned for a resource name no plan limits.
type UnknownResourceError struct {
	Resource string
}

func (e *UnknownResourceError) Error() string {
	return "paywall: unknown resource " + e.Resource
}

func teamUsageOf(u tenant.TeamUsage, res tier.Resource) int {
	switch res {
	case tier.ResourceDocuments:
		return u.Documents
	case tier.ResourceLinks:
		return u.Links
	case tier.ResourceUsers:
		return u.Users
	case tier.ResourceDatarooms:
		return u.Datarooms
	case tier.ResourceDomains:
		return u.Domains
	case tier.ResourceSignatureDocuments:
		return u.SignatureDocuments
	}
	return 0
}
