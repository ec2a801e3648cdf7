package tier

import (
	"time"

	"github.com/mbd888/fundroom/internal/tenant"
)

// Capability names a derived boolean entitlement.
type Capability string

// Team capabilities.
const (
	CanViewAnalytics           Capability = "canViewAnalytics"
	CanAddDocuments            Capability = "canAddDocuments"
	CanAddLinks                Capability = "canAddLinks"
	CanShareLinks              Capability = "canShareLinks"
	CanAddUsers                Capability = "canAddUsers"
	CanAddDatarooms            Capability = "canAddDatarooms"
	CanAddDomains              Capability = "canAddDomains"
	CanSign                    Capability = "canSign"
	CanManageFund              Capability = "canManageFund"
	CanOnboardLP               Capability = "canOnboardLP"
	CanUseBranding             Capability = "canUseBranding"
	CanUseWebhooks             Capability = "canUseWebhooks"
	CanUseScreenshotProtection Capability = "canUseScreenshotProtection"
	CanUseSSO                  Capability = "canUseSSO"
)

// Org capabilities. CanViewAnalytics and CanAddUsers are shared.
const (
	CanAddContacts        Capability = "canAddContacts"
	CanSendEsig           Capability = "canSendEsig"
	CanStoreSigners       Capability = "canStoreSigners"
	CanCreateTemplates    Capability = "canCreateTemplates"
	HasKanban             Capability = "hasKanban"
	HasOutreachQueue      Capability = "hasOutreachQueue"
	HasEmailTracking      Capability = "hasEmailTracking"
	HasCustomBranding     Capability = "hasCustomBranding"
	HasLPOnboarding       Capability = "hasLpOnboarding"
	HasCompliancePipeline Capability = "hasCompliancePipeline"
	HasWireConfirmation   Capability = "hasWireConfirmation"
	HasStagedCommitments  Capability = "hasStagedCommitments"
	HasAIFeatures         Capability = "hasAiFeatures"
)

// resourceCapability maps each limited team resource to the capability
// that reports whether one more can be added.
var resourceCapability = map[Resource]Capability{
	ResourceDocuments:          CanAddDocuments,
	ResourceLinks:              CanAddLinks,
	ResourceUsers:              CanAddUsers,
	ResourceDatarooms:          CanAddDatarooms,
	ResourceDomains:            CanAddDomains,
	ResourceSignatureDocuments: CanSign,
}

// CapabilityFor returns the add-capability guarding a team resource.
func CapabilityFor(r Resource) (Capability, bool) {
	c, ok := resourceCapability[r]
	return c, ok
}

// TeamResources returns the limited team resources in display order.
func TeamResources() []Resource {
	return append([]Resource(nil), teamResources...)
}

// SubscriptionState is the lifecycle state derived from a team's billing
// timestamps.
type SubscriptionState string

const (
	StatePaused    SubscriptionState = "paused"
	StateCancelled SubscriptionState = "cancelled"
	StateExpired   SubscriptionState = "expired"
	StateTrialing  SubscriptionState = "trialing"
	StateActive    SubscriptionState = "active"
	StateNone      SubscriptionState = "none"
)

// Revokes reports whether the state removes active-usage capabilities.
func (s SubscriptionState) Revokes() bool {
	return s == StatePaused || s == StateCancelled || s == StateExpired
}

// ResolvedTier is a team's computed entitlements. Values are shared through
// the cache and must be treated as read-only.
type ResolvedTier struct {
	TeamID             string                  `json:"teamId"`
	PlanSlug           string                  `json:"planSlug"`
	PlanName           string                  `json:"planName"`
	Plan               TeamPlan                `json:"-"`
	IsPaidPlan         bool                    `json:"isPaidPlan"`
	IsFreePlan         bool                    `json:"isFreePlan"`
	IsTrial            bool                    `json:"isTrial"`
	SubscriptionStatus SubscriptionState       `json:"subscriptionStatus"`
	ActivationStatus   tenant.ActivationStatus `json:"activationStatus"`
	FundroomActive     bool                    `json:"fundroomActive"`
	Limits             map[Resource]Limit      `json:"limits"`
	Usage              map[Resource]int        `json:"usage"`
	Capabilities       map[Capability]bool     `json:"capabilities"`
	ResolvedAt         time.Time               `json:"resolvedAt"`
}

// Can reports a capability; unknown names are false.
func (r *ResolvedTier) Can(c Capability) bool { return r.Capabilities[c] }

// ResolvedOrgTier is an organization's computed entitlements. Tier is the
// stored identifier; EffectiveTier is what limits were computed from.
type ResolvedOrgTier struct {
	OrgID              string                    `json:"orgId"`
	Tier               string                    `json:"tier"`
	TierName           string                    `json:"tierName"`
	EffectiveTier      OrgTier                   `json:"-"`
	EffectiveTierName  string                    `json:"effectiveTier"`
	SubscriptionStatus tenant.SubscriptionStatus `json:"subscriptionStatus"`
	AIActivationStatus tenant.ActivationStatus   `json:"aiActivationStatus"`
	AIEnabled          bool                      `json:"aiEnabled"`
	AITrialExpired     bool                      `json:"aiTrialExpired"`
	Limits             map[Resource]Limit        `json:"limits"`
	Usage              map[Resource]int          `json:"usage"`
	Capabilities       map[Capability]bool       `json:"capabilities"`
	PipelineStages     []string                  `json:"pipelineStages"`
	ResolvedAt         time.Time                 `json:"resolvedAt"`
}

// Can reports a capability; unknown names are false.
func (r *ResolvedOrgTier) Can(c Capability) bool { return r.Capabilities[c] }

// Below reports whether usage is strictly under the limit. A nil limit
// never blocks; reaching the limit does.
func Below(usage int, l Limit) bool {
	return l == nil || usage < *l
}
