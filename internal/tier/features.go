package tier

// OrgFeature names a tier-gated CRM feature.
type OrgFeature string

const (
	FeatureKanban             OrgFeature = "kanban"
	FeatureOutreachQueue      OrgFeature = "outreach_queue"
	FeatureEmailTracking      OrgFeature = "email_tracking"
	FeatureCustomBranding     OrgFeature = "custom_branding"
	FeatureLPOnboarding       OrgFeature = "lp_onboarding"
	FeatureCompliancePipeline OrgFeature = "compliance_pipeline"
	FeatureWireConfirmation   OrgFeature = "wire_confirmation"
	FeatureStagedCommitments  OrgFeature = "staged_commitments"
)

var orgFeatureMinTier = map[OrgFeature]OrgTier{
	FeatureKanban:             OrgCRMPro,
	FeatureOutreachQueue:      OrgCRMPro,
	FeatureEmailTracking:      OrgCRMPro,
	FeatureCustomBranding:     OrgCRMPro,
	FeatureLPOnboarding:       OrgFundRoom,
	FeatureCompliancePipeline: OrgFundRoom,
	FeatureWireConfirmation:   OrgFundRoom,
	FeatureStagedCommitments:  OrgFundRoom,
}

var orgFeatureCapability = map[OrgFeature]Capability{
	FeatureKanban:             HasKanban,
	FeatureOutreachQueue:      HasOutreachQueue,
	FeatureEmailTracking:      HasEmailTracking,
	FeatureCustomBranding:     HasCustomBranding,
	FeatureLPOnboarding:       HasLPOnboarding,
	FeatureCompliancePipeline: HasCompliancePipeline,
	FeatureWireConfirmation:   HasWireConfirmation,
	FeatureStagedCommitments:  HasStagedCommitments,
}

// FeatureMinTier returns the lowest tier that includes a feature. ok is
// false for names not in the table.
func FeatureMinTier(name string) (OrgTier, bool) {
	t, ok := orgFeatureMinTier[OrgFeature(name)]
	return t, ok
}

// Includes reports whether tier t includes the feature.
func (t OrgTier) Includes(f OrgFeature) bool {
	min, ok := orgFeatureMinTier[f]
	return ok && t >= min
}
