package tier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPlan is returned when a stored plan or tier identifier has no
// row in the plan tables. It is a configuration error and never defaults
// to unlimited.
var ErrUnknownPlan = errors.New("tier: unknown plan")

// Resource names a countable, limited resource.
type Resource string

// Team resources.
const (
	ResourceDocuments          Resource = "documents"
	ResourceLinks              Resource = "links"
	ResourceUsers              Resource = "users"
	ResourceDatarooms          Resource = "datarooms"
	ResourceDomains            Resource = "domains"
	ResourceSignatureDocuments Resource = "signatureDocuments"
)

// Org resources. ResourceUsers is shared.
const (
	ResourceContacts      Resource = "contacts"
	ResourceEsigPerMonth  Resource = "esigPerMonth"
	ResourceSignerStorage Resource = "signerStorage"
	ResourceTemplates     Resource = "templates"
)

var (
	teamResources = []Resource{ResourceDocuments, ResourceLinks, ResourceUsers, ResourceDatarooms, ResourceDomains, ResourceSignatureDocuments}
	orgResources  = []Resource{ResourceContacts, ResourceEsigPerMonth, ResourceSignerStorage, ResourceTemplates, ResourceUsers}
)

// Limit is a resource cap; nil means unlimited.
type Limit = *int

func limit(n int) Limit { return &n }

// Unlimited is the nil limit.
var Unlimited Limit

// ---------------------------------------------------------------------------
// Team plans
// ---------------------------------------------------------------------------

// TeamPlan is a FundRoom plan. Values are ordered by rank.
type TeamPlan int

const (
	PlanFree TeamPlan = iota
	PlanPro
	PlanBusiness
	PlanDatarooms
	PlanDataroomsPlus
	PlanDataroomsPremium
	numTeamPlans
)

// TrialSuffix marks a trial slug such as "free+drtrial".
const TrialSuffix = "+drtrial"

// trialSeats is the seat count granted while a trial is running.
const trialSeats = 3

// TeamFeature is a plan-gated boolean feature.
type TeamFeature string

const (
	FeatureBranding             TeamFeature = "branding"
	FeatureWebhooks             TeamFeature = "webhooks"
	FeatureScreenshotProtection TeamFeature = "screenshotProtection"
	FeatureSSO                  TeamFeature = "sso"
)

// teamFeatureMinPlan is strictly increasing by plan rank.
var teamFeatureMinPlan = map[TeamFeature]TeamPlan{
	FeatureBranding:             PlanPro,
	FeatureWebhooks:             PlanBusiness,
	FeatureScreenshotProtection: PlanDatarooms,
	FeatureSSO:                  PlanDataroomsPlus,
}

type teamPlanDef struct {
	slug   string
	name   string
	limits map[Resource]Limit
}

var teamPlans = [numTeamPlans]teamPlanDef{
	PlanFree: {
		slug: "free",
		name: "Free",
		limits: map[Resource]Limit{
			ResourceDocuments:          limit(50),
			ResourceLinks:              limit(50),
			ResourceUsers:              limit(1),
			ResourceDatarooms:          limit(0),
			ResourceDomains:            limit(0),
			ResourceSignatureDocuments: limit(5),
		},
	},
	PlanPro: {
		slug: "pro",
		name: "Pro",
		limits: map[Resource]Limit{
			ResourceDocuments:          limit(300),
			ResourceLinks:              Unlimited,
			ResourceUsers:              limit(2),
			ResourceDatarooms:          limit(0),
			ResourceDomains:            limit(0),
			ResourceSignatureDocuments: limit(25),
		},
	},
	PlanBusiness: {
		slug: "business",
		name: "Business",
		limits: map[Resource]Limit{
			ResourceDocuments:          Unlimited,
			ResourceLinks:              Unlimited,
			ResourceUsers:              limit(3),
			ResourceDatarooms:          limit(1),
			ResourceDomains:            limit(5),
			ResourceSignatureDocuments: limit(100),
		},
	},
	PlanDatarooms: {
		slug: "datarooms",
		name: "Data Rooms",
		limits: map[Resource]Limit{
			ResourceDocuments:          Unlimited,
			ResourceLinks:              Unlimited,
			ResourceUsers:              limit(3),
			ResourceDatarooms:          limit(100),
			ResourceDomains:            limit(10),
			ResourceSignatureDocuments: Unlimited,
		},
	},
	PlanDataroomsPlus: {
		slug: "datarooms-plus",
		name: "Data Rooms Plus",
		limits: map[Resource]Limit{
			ResourceDocuments:          Unlimited,
			ResourceLinks:              Unlimited,
			ResourceUsers:              limit(5),
			ResourceDatarooms:          Unlimited,
			ResourceDomains:            Unlimited,
			ResourceSignatureDocuments: Unlimited,
		},
	},
	PlanDataroomsPremium: {
		slug: "datarooms-premium",
		name: "Data Rooms Premium",
		limits: map[Resource]Limit{
			ResourceDocuments:          Unlimited,
			ResourceLinks:              Unlimited,
			ResourceUsers:              limit(10),
			ResourceDatarooms:          Unlimited,
			ResourceDomains:            Unlimited,
			ResourceSignatureDocuments: Unlimited,
		},
	},
}

// Slug returns the stored identifier of the plan.
func (p TeamPlan) Slug() string { return teamPlans[p].slug }

// Name returns the display name of the plan.
func (p TeamPlan) Name() string { return teamPlans[p].name }

// HasFeature reports whether the plan includes a feature.
func (p TeamPlan) HasFeature(f TeamFeature) bool {
	min, ok := teamFeatureMinPlan[f]
	return ok && p >= min
}

// ParseTeamPlan maps a stored slug to its plan and trial flag.
func ParseTeamPlan(slug string) (TeamPlan, bool, error) {
	base, trial := strings.CutSuffix(slug, TrialSuffix)
	for p := TeamPlan(0); p < numTeamPlans; p++ {
		if teamPlans[p].slug == base {
			return p, trial, nil
		}
	}
	return 0, false, fmt.Errorf("%w: %q", ErrUnknownPlan, slug)
}

// teamPlanLimits returns a fresh copy of the plan defaults, with the trial
// seat bump applied.
func teamPlanLimits(p TeamPlan, trial bool) map[Resource]Limit {
	out := make(map[Resource]Limit, len(teamResources))
	for _, r := range teamResources {
		out[r] = copyLimit(teamPlans[p].limits[r])
	}
	if trial {
		seats := out[ResourceUsers]
		if seats != nil && *seats < trialSeats {
			out[ResourceUsers] = limit(trialSeats)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Org tiers
// ---------------------------------------------------------------------------

// OrgTier is a CRM tier. Values are ordered by rank.
type OrgTier int

const (
	OrgFree OrgTier = iota
	OrgCRMPro
	OrgFundRoom
	numOrgTiers
)

var (
	genericPipeline    = []string{"LEAD", "CONTACTED", "INTERESTED", "CONVERTED"}
	compliancePipeline = []string{"LEAD", "NDA_SIGNED", "ACCREDITED", "COMMITTED", "FUNDED"}
)

type orgTierDef struct {
	slug     string
	name     string
	limits   map[Resource]Limit
	pipeline []string
}

var orgTiers = [numOrgTiers]orgTierDef{
	OrgFree: {
		slug: "FREE",
		name: "Free",
		limits: map[Resource]Limit{
			ResourceContacts:      limit(20),
			ResourceEsigPerMonth:  limit(10),
			ResourceSignerStorage: limit(40),
			ResourceTemplates:     limit(2),
			ResourceUsers:         limit(1),
		},
		pipeline: genericPipeline,
	},
	OrgCRMPro: {
		slug: "CRM_PRO",
		name: "CRM Pro",
		limits: map[Resource]Limit{
			ResourceContacts:      limit(5000),
			ResourceEsigPerMonth:  limit(25),
			ResourceSignerStorage: limit(100),
			ResourceTemplates:     limit(5),
			ResourceUsers:         limit(3),
		},
		pipeline: genericPipeline,
	},
	OrgFundRoom: {
		slug: "FUNDROOM",
		name: "FundRoom",
		limits: map[Resource]Limit{
			ResourceContacts:      Unlimited,
			ResourceEsigPerMonth:  Unlimited,
			ResourceSignerStorage: Unlimited,
			ResourceTemplates:     Unlimited,
			ResourceUsers:         Unlimited,
		},
		pipeline: compliancePipeline,
	},
}

// String returns the stored identifier of the tier.
func (t OrgTier) String() string { return orgTiers[t].slug }

// Name returns the display name of the tier.
func (t OrgTier) Name() string { return orgTiers[t].name }

// PipelineStages returns a copy of the tier's ordered pipeline.
func (t OrgTier) PipelineStages() []string {
	out := make([]string, len(orgTiers[t].pipeline))
	copy(out, orgTiers[t].pipeline)
	return out
}

// ParseOrgTier maps a stored identifier to its tier.
func ParseOrgTier(s string) (OrgTier, error) {
	for t := OrgTier(0); t < numOrgTiers; t++ {
		if orgTiers[t].slug == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPlan, s)
}

func orgTierLimits(t OrgTier) map[Resource]Limit {
	out := make(map[Resource]Limit, len(orgResources))
	for _, r := range orgResources {
		out[r] = copyLimit(orgTiers[t].limits[r])
	}
	return out
}

// Catalog validates plan identifiers for writers outside this package.
type Catalog struct{}

// ValidTeamPlan reports whether slug (optionally with a trial suffix) is known.
func (Catalog) ValidTeamPlan(slug string) bool {
	_, _, err := ParseTeamPlan(slug)
	return err == nil
}

// ValidOrgTier reports whether s is a known org tier.
func (Catalog) ValidOrgTier(s string) bool {
	_, err := ParseOrgTier(s)
	return err == nil
}

func copyLimit(l Limit) Limit {
	if l == nil {
		return nil
	}
	n := *l
	return &n
}

// The tables are arrays indexed by the enums; a zero row means a plan was
// added without its limits.
func init() {
	for p := TeamPlan(0); p < numTeamPlans; p++ {
		def := teamPlans[p]
		if def.slug == "" {
			panic(fmt.Sprintf("tier: team plan %d has no table row", p))
		}
		for _, r := range teamResources {
			if _, ok := def.limits[r]; !ok {
				panic(fmt.Sprintf("tier: team plan %s missing limit %s", def.slug, r))
			}
		}
	}
	for t := OrgTier(0); t < numOrgTiers; t++ {
		def := orgTiers[t]
		if def.slug == "" || len(def.pipeline) == 0 {
			panic(fmt.Sprintf("tier: org tier %d has no table row", t))
		}
		for _, r := range orgResources {
			if _, ok := def.limits[r]; !ok {
				panic(fmt.Sprintf("tier: org tier %s missing limit %s", def.slug, r))
			}
		}
	}
}
