package paywall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fundroom/internal/metrics"
	"github.com/mbd888/fundroom/internal/tenant"
	"github.com/mbd888/fundroom/internal/tier"
)

var gateNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store    *tenant.MemoryStore
	resolver *tier.Resolver
	gates    *Gates
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: tenant.NewMemoryStore(), now: gateNow}
	f.resolver = tier.NewResolver(f.store, tier.Config{Now: func() time.Time { return f.now }})
	f.gates = NewGates(f.resolver, f.store, "https://app.fundroom.test/", nil)
	return f
}

func (f *fixture) org(t *testing.T, id, tierName string) {
	t.Helper()
	require.NoError(t, f.store.CreateOrg(context.Background(), &tenant.Organization{
		ID: id, Tier: tierName, SubscriptionStatus: tenant.SubscriptionActive,
	}))
}

func (f *fixture) setTier(t *testing.T, id, tierName string) {
	t.Helper()
	ctx := context.Background()
	o, err := f.store.GetOrg(ctx, id)
	require.NoError(t, err)
	o.Tier = tierName
	require.NoError(t, f.store.UpdateOrg(ctx, o))
	f.resolver.InvalidateOrg(id)
}

func TestCheckFeatureAccess_TierGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.org(t, "org_1", "CRM_PRO")

	d, err := f.gates.CheckFeatureAccess(ctx, "org_1", "lp_onboarding")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, FeatureGated, d.Error)
	require.NotNil(t, d.Meta)
	assert.Equal(t, "CRM_PRO", d.Meta.CurrentTier)
	assert.Equal(t, "lp_onboarding", d.Meta.Feature)
	assert.Equal(t, "https://app.fundroom.test/settings/billing", d.Meta.UpgradeURL)

	f.setTier(t, "org_1", "FUNDROOM")
	d, err = f.gates.CheckFeatureAccess(ctx, "org_1", "lp_onboarding")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Meta)
}

func TestCheckFeatureAccess_CRMFeatures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.org(t, "free", "FREE")
	f.org(t, "pro", "CRM_PRO")

	d, err := f.gates.CheckFeatureAccess(ctx, "free", "kanban")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = f.gates.CheckFeatureAccess(ctx, "pro", "kanban")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckFeatureAccess_UnknownFeatureAllowed(t *testing.T) {
	f := newFixture(t)
	f.org(t, "org_1", "FREE")

	unknown := metrics.GateDecisions.WithLabelValues("feature", "unknown_feature")
	before := testutil.ToFloat64(unknown)

	d, err := f.gates.CheckFeatureAccess(context.Background(), "org_1", "holographic_pitch_deck")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, before+1, testutil.ToFloat64(unknown))
}

func TestCheckFeatureAccess_PastDueUsesFreeTier(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateOrg(context.Background(), &tenant.Organization{
		ID: "org_1", Tier: "FUNDROOM", SubscriptionStatus: tenant.SubscriptionPastDue,
	}))

	d, err := f.gates.CheckFeatureAccess(context.Background(), "org_1", "wire_confirmation")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "FUNDROOM", d.Meta.CurrentTier)
}

func TestCheckContactLimit_AtLimitDenies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.org(t, "org_1", "FREE")
	f.store.SetOrgUsage("org_1", tenant.OrgUsage{Contacts: 20})

	d, err := f.gates.CheckContactLimit(ctx, "org_1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ContactLimitReached, d.Error)
	require.NotNil(t, d.Meta)
	assert.Equal(t, 20, *d.Meta.Current)
	assert.Equal(t, 20, *d.Meta.Limit)
	assert.NotEmpty(t, d.Meta.UpgradeURL)

	f.store.SetOrgUsage("org_1", tenant.OrgUsage{Contacts: 19})
	d, err = f.gates.CheckContactLimit(ctx, "org_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "live count is read on every check")
}

func TestCheckContactLimit_Unlimited(t *testing.T) {
	f := newFixture(t)
	f.org(t, "org_1", "FUNDROOM")
	f.store.SetOrgUsage("org_1", tenant.OrgUsage{Contacts: 1_000_000})

	d, err := f.gates.CheckContactLimit(context.Background(), "org_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckContactLimit_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.gates.CheckContactLimit(context.Background(), "missing")
	assert.ErrorIs(t, err, tenant.ErrOrgNotFound)
}

func TestCheckEsigLimit_ResetsMonthly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.org(t, "org_1", "FREE")

	for i := 0; i < 10; i++ {
		d, err := f.gates.CheckEsigLimit(ctx, "org_1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "send %d", i+1)
		_, err = f.gates.IncrementEsigUsage(ctx, "org_1")
		require.NoError(t, err)
	}

	d, err := f.gates.CheckEsigLimit(ctx, "org_1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, EsigLimitReached, d.Error)
	assert.Equal(t, 10, *d.Meta.Current)

	f.now = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	d, err = f.gates.CheckEsigLimit(ctx, "org_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestIncrementEsigUsage_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.org(t, "org_1", "FUNDROOM")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gates.IncrementEsigUsage(ctx, "org_1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := f.store.EsigUsage(ctx, "org_1", tenant.MonthKey(gateNow))
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestCheckSignerStorage(t *testing.T) {
	f := newFixture(t)
	f.org(t, "org_1", "CRM_PRO")
	f.store.SetOrgUsage("org_1", tenant.OrgUsage{SignerDocuments: 100})

	d, err := f.gates.CheckSignerStorage(context.Background(), "org_1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, SignerStorageLimitReached, d.Error)
	assert.Equal(t, 100, *d.Meta.Limit)
}

func TestTemplateLimit_AIAddOnIsUnlimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateOrg(ctx, &tenant.Organization{ID: "plain", Tier: "FREE"}))
	require.NoError(t, f.store.CreateOrg(ctx, &tenant.Organization{ID: "ai", Tier: "FREE", AICRMEnabled: true}))
	f.store.SetOrgUsage("plain", tenant.OrgUsage{Templates: 2})
	f.store.SetOrgUsage("ai", tenant.OrgUsage{Templates: 2})

	lim, err := f.gates.TemplateLimit(ctx, "plain")
	require.NoError(t, err)
	require.NotNil(t, lim)
	assert.Equal(t, 2, *lim)

	d, err := f.gates.CheckTemplateLimit(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, TemplateLimitReached, d.Error)

	lim, err = f.gates.TemplateLimit(ctx, "ai")
	require.NoError(t, err)
	assert.Nil(t, lim)

	d, err = f.gates.CheckTemplateLimit(ctx, "ai")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckTeamResource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateTeam(ctx, &tenant.Team{ID: "team_1", Plan: "free"}))
	f.store.SetTeamUsage("team_1", tenant.TeamUsage{Documents: 49})

	d, err := f.gates.CheckTeamResource(ctx, "team_1", tier.ResourceDocuments)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	f.store.SetTeamUsage("team_1", tenant.TeamUsage{Documents: 50})
	d, err = f.gates.CheckTeamResource(ctx, "team_1", tier.ResourceDocuments)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ResourceLimitReached, d.Error)
	assert.Equal(t, "free", d.Meta.CurrentTier)

	_, err = f.gates.CheckTeamResource(ctx, "team_1", "spaceships")
	var unknown *UnknownResourceError
	assert.ErrorAs(t, err, &unknown)
}

func TestCheckTeamResource_PausedIsRevoked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	paused := gateNow.Add(-time.Hour)
	require.NoError(t, f.store.CreateTeam(ctx, &tenant.Team{ID: "team_1", Plan: "business", PausedAt: &paused}))

	d, err := f.gates.CheckTeamResource(ctx, "team_1", tier.ResourceDocuments)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CapabilityRevoked, d.Error)
}

func TestRequireTeamCapability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateTeam(ctx, &tenant.Team{ID: "team_1", Plan: "pro", SubscriptionID: "sub_1"}))
	f.store.SetTeamUsage("team_1", tenant.TeamUsage{Users: 2})

	d, err := f.gates.RequireTeamCapability(ctx, "team_1", tier.CanUseBranding)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = f.gates.RequireTeamCapability(ctx, "team_1", tier.CanUseSSO)
	require.NoError(t, err)
	assert.Equal(t, FeatureGated, d.Error)
	assert.Equal(t, "canUseSSO", d.Meta.Feature)

	d, err = f.gates.RequireTeamCapability(ctx, "team_1", tier.CanAddUsers)
	require.NoError(t, err)
	assert.Equal(t, ResourceLimitReached, d.Error)
	assert.Equal(t, 2, *d.Meta.Limit)

	d, err = f.gates.RequireTeamCapability(ctx, "team_1", tier.CanManageFund)
	require.NoError(t, err)
	assert.Equal(t, FeatureGated, d.Error, "fund management needs an active FundRoom activation")
}
