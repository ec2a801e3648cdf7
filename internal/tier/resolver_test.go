package tier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fundroom/internal/tenant"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func intPtr(n int) *int { return &n }

func newTestResolver(t *testing.T, cfg Config) (*Resolver, *tenant.MemoryStore) {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return testNow }
	}
	store := tenant.NewMemoryStore()
	return NewResolver(store, cfg), store
}

func createTeam(t *testing.T, store *tenant.MemoryStore, team *tenant.Team) {
	t.Helper()
	require.NoError(t, store.CreateTeam(context.Background(), team))
}

func createOrg(t *testing.T, store *tenant.MemoryStore, org *tenant.Organization) {
	t.Helper()
	require.NoError(t, store.CreateOrg(context.Background(), org))
}

func TestResolveTeam_NotFound(t *testing.T) {
	r, _ := newTestResolver(t, Config{})
	_, err := r.ResolveTeam(context.Background(), "missing")
	assert.ErrorIs(t, err, tenant.ErrTeamNotFound)
}

func TestResolveTeam_UnknownPlanFailsLoudly(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "enterprise-ultra"})

	_, err := r.ResolveTeam(context.Background(), "team_1")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestResolveTeam_FreePlan(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "free"})
	store.SetTeamUsage("team_1", tenant.TeamUsage{Documents: 10, Users: 1})

	rt, err := r.ResolveTeam(context.Background(), "team_1")
	require.NoError(t, err)

	assert.Equal(t, "free", rt.PlanSlug)
	assert.True(t, rt.IsFreePlan)
	assert.False(t, rt.IsPaidPlan)
	assert.False(t, rt.IsTrial)
	assert.Equal(t, StateNone, rt.SubscriptionStatus)
	assert.Equal(t, tenant.ActivationNone, rt.ActivationStatus)
	assert.False(t, rt.FundroomActive)

	assert.True(t, rt.Can(CanViewAnalytics))
	assert.True(t, rt.Can(CanAddDocuments))
	assert.False(t, rt.Can(CanAddUsers), "usage equal to limit blocks")
	assert.False(t, rt.Can(CanAddDatarooms), "zero limit blocks")
	assert.False(t, rt.Can(CanManageFund))
	assert.False(t, rt.Can(CanUseBranding))
	assert.Equal(t, 10, rt.Usage[ResourceDocuments])
}

func TestResolveTeam_PaidPlanWithSubscription(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "datarooms-plus", SubscriptionID: "sub_1"})

	rt, err := r.ResolveTeam(context.Background(), "team_1")
	require.NoError(t, err)

	assert.True(t, rt.IsPaidPlan)
	assert.Equal(t, StateActive, rt.SubscriptionStatus)
	assert.Nil(t, rt.Limits[ResourceDocuments])
	assert.True(t, rt.Can(CanAddDocuments))
	assert.True(t, rt.Can(CanUseSSO))
	assert.True(t, rt.Can(CanUseScreenshotProtection))
}

func TestResolveTeam_FreePlanIsNeverPaid(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "free", SubscriptionID: "sub_1"})

	rt, err := r.ResolveTeam(context.Background(), "team_1")
	require.NoError(t, err)
	assert.False(t, rt.IsPaidPlan)
	assert.Equal(t, StateActive, rt.SubscriptionStatus)
}

func TestResolveTeam_Trial(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "free+drtrial"})
	store.SetTeamUsage("team_1", tenant.TeamUsage{Users: 2})

	rt, err := r.ResolveTeam(context.Background(), "team_1")
	require.NoError(t, err)
	assert.Equal(t, "free", rt.PlanSlug)
	assert.Equal(t, "Free", rt.PlanName)
	assert.True(t, rt.IsTrial)
	assert.True(t, rt.IsFreePlan)
	assert.Equal(t, StateTrialing, rt.SubscriptionStatus)
	assert.Equal(t, 3, *rt.Limits[ResourceUsers])
	assert.True(t, rt.Can(CanAddUsers))
}

func TestResolveTeam_StatusPriority(t *testing.T) {
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)

	tests := []struct {
		name string
		team tenant.Team
		want SubscriptionState
	}{
		{"paused wins over cancelled", tenant.Team{PausedAt: &past, CancelledAt: &past}, StatePaused},
		{"cancelled wins over expired", tenant.Team{CancelledAt: &past, EndsAt: &past}, StateCancelled},
		{"expired", tenant.Team{EndsAt: &past, SubscriptionID: "sub"}, StateExpired},
		{"future end is active", tenant.Team{EndsAt: &future, SubscriptionID: "sub"}, StateActive},
		{"trial", tenant.Team{Plan: "pro+drtrial", SubscriptionID: "sub"}, StateTrialing},
		{"none", tenant.Team{}, StateNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, trial, _ := ParseTeamPlan(tt.team.Plan)
			assert.Equal(t, tt.want, teamState(&tt.team, trial, testNow))
		})
	}
}

func TestResolveTeam_InactiveStatusRevokesUsageButNotAnalytics(t *testing.T) {
	past := testNow.Add(-time.Hour)
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "business", SubscriptionID: "sub_1", PausedAt: &past})
	require.NoError(t, store.SetActivation(context.Background(), &tenant.Activation{
		TenantID: "team_1", Kind: tenant.ActivationFundRoom, Status: tenant.ActivationActive,
	}))

	rt, err := r.ResolveTeam(context.Background(), "team_1")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, rt.SubscriptionStatus)
	assert.True(t, rt.FundroomActive)
	assert.True(t, rt.Can(CanViewAnalytics))
	for _, c := range []Capability{CanSign, CanManageFund, CanShareLinks, CanAddDocuments, CanOnboardLP} {
		assert.False(t, rt.Can(c), "%s should be revoked while paused", c)
	}
	assert.True(t, rt.Can(CanUseWebhooks), "plan features survive the downgrade")
}

func TestResolveTeam_Activation(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "datarooms", SubscriptionID: "sub_1"})

	rt, err := r.ResolveTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.False(t, rt.Can(CanManageFund))

	for _, status := range []tenant.ActivationStatus{tenant.ActivationSuspended, tenant.ActivationDeactivated} {
		require.NoError(t, store.SetActivation(ctx, &tenant.Activation{TenantID: "team_1", Kind: tenant.ActivationFundRoom, Status: status}))
		r.InvalidateTeam("team_1")
		rt, err = r.ResolveTeam(ctx, "team_1")
		require.NoError(t, err)
		assert.False(t, rt.FundroomActive)
		assert.False(t, rt.Can(CanOnboardLP))
	}

	require.NoError(t, store.SetActivation(ctx, &tenant.Activation{TenantID: "team_1", Kind: tenant.ActivationFundRoom, Status: tenant.ActivationActive}))
	r.InvalidateTeam("team_1")
	rt, err = r.ResolveTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.True(t, rt.Can(CanManageFund))
	assert.True(t, rt.Can(CanOnboardLP))
}

func TestResolveTeam_PaywallBypass(t *testing.T) {
	r, store := newTestResolver(t, Config{PaywallBypass: true})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "free"})

	rt, err := r.ResolveTeam(context.Background(), "team_1")
	require.NoError(t, err)
	assert.Equal(t, tenant.ActivationNone, rt.ActivationStatus)
	assert.True(t, rt.FundroomActive)
	assert.True(t, rt.Can(CanManageFund))
}

func TestResolveTeam_OverridePrecedence(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{
		ID:   "team_1",
		Plan: "pro",
		CustomLimits: tenant.Limits{
			"documents": intPtr(1000), // raised from 300
			"links":     intPtr(5),    // lowered from unlimited
			"users":     nil,          // raised to unlimited
			"bogus":     intPtr(1),
		},
	})
	store.SetTeamUsage("team_1", tenant.TeamUsage{Documents: 500, Links: 5, Users: 40})

	rt, err := r.ResolveTeam(context.Background(), "team_1")
	require.NoError(t, err)
	assert.Equal(t, 1000, *rt.Limits[ResourceDocuments])
	assert.Equal(t, 5, *rt.Limits[ResourceLinks])
	assert.Nil(t, rt.Limits[ResourceUsers])
	assert.NotContains(t, rt.Limits, Resource("bogus"))

	assert.True(t, rt.Can(CanAddDocuments))
	assert.False(t, rt.Can(CanAddLinks))
	assert.True(t, rt.Can(CanAddUsers))
}

func TestResolveTeam_FeatureFlagOverride(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{
		ID:       "team_1",
		Plan:     "free",
		Features: map[string]bool{"sso": true},
	})
	rt, err := r.ResolveTeam(context.Background(), "team_1")
	require.NoError(t, err)
	assert.True(t, rt.Can(CanUseSSO))
	assert.False(t, rt.Can(CanUseBranding))
}

func TestResolveTeam_CacheCoherence(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "pro"})

	first, err := r.ResolveTeam(ctx, "team_1")
	require.NoError(t, err)
	second, err := r.ResolveTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), store.UsageReads())

	r.InvalidateTeam("team_1")
	third, err := r.ResolveTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, int64(2), store.UsageReads())
}

func TestResolveTeam_StaleUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "free"})

	rt, err := r.ResolveTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, "free", rt.PlanSlug)

	team, err := store.GetTeam(ctx, "team_1")
	require.NoError(t, err)
	team.Plan = "business"
	require.NoError(t, store.UpdateTeam(ctx, team))

	rt, _ = r.ResolveTeam(ctx, "team_1")
	assert.Equal(t, "free", rt.PlanSlug)

	r.Clear()
	rt, err = r.ResolveTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, "business", rt.PlanSlug)
}

// gatedStore holds the first GetTeamWithUsage call after it has read the
// team, so tests can change state while a resolve is in flight.
type gatedStore struct {
	*tenant.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: tenant.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) GetTeamWithUsage(ctx context.Context, id string) (*tenant.Team, tenant.TeamUsage, error) {
	team, usage, err := s.MemoryStore.GetTeamWithUsage(ctx, id)
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	if ctx.Err() != nil {
		return nil, tenant.TeamUsage{}, ctx.Err()
	}
	return team, usage, err
}

func upgradeTeam(t *testing.T, store *tenant.MemoryStore, teamID, plan string) {
	t.Helper()
	ctx := context.Background()
	team, err := store.GetTeam(ctx, teamID)
	require.NoError(t, err)
	team.Plan = plan
	require.NoError(t, store.UpdateTeam(ctx, team))
}

func TestResolveTeam_InvalidationDuringResolveIsKept(t *testing.T) {
	for name, invalidate := range map[string]func(*Resolver){
		"invalidate": func(r *Resolver) { r.InvalidateTeam("team_1") },
		"clear":      func(r *Resolver) { r.Clear() },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newGatedStore()
			createTeam(t, store.MemoryStore, &tenant.Team{ID: "team_1", Plan: "free"})
			r := NewResolver(store, Config{Now: func() time.Time { return testNow }})

			inflight := make(chan *ResolvedTier, 1)
			go func() {
				rt, err := r.ResolveTeam(ctx, "team_1")
				assert.NoError(t, err)
				inflight <- rt
			}()

			<-store.entered
			upgradeTeam(t, store.MemoryStore, "team_1", "business")
			invalidate(r)
			close(store.release)

			old := <-inflight
			require.NotNil(t, old)
			assert.Equal(t, "free", old.PlanSlug)

			rt, err := r.ResolveTeam(ctx, "team_1")
			require.NoError(t, err)
			assert.Equal(t, "business", rt.PlanSlug)
		})
	}
}

func TestResolveTeam_CancelledCallerDoesNotFailSharedRead(t *testing.T) {
	store := newGatedStore()
	createTeam(t, store.MemoryStore, &tenant.Team{ID: "team_1", Plan: "pro"})
	r := NewResolver(store, Config{Now: func() time.Time { return testNow }})

	callerCtx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := r.ResolveTeam(callerCtx, "team_1")
		errs <- err
	}()

	<-store.entered
	cancel()
	close(store.release)

	require.NoError(t, <-errs)
	cached, ok := r.teams.Get("team_1")
	require.True(t, ok)
	assert.Equal(t, "pro", cached.PlanSlug)
}

func TestResolveTeam_ConcurrentMissesShareOneRead(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createTeam(t, store, &tenant.Team{ID: "team_1", Plan: "pro"})

	var wg sync.WaitGroup
	results := make([]*ResolvedTier, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rt, err := r.ResolveTeam(context.Background(), "team_1")
			assert.NoError(t, err)
			results[i] = rt
		}(i)
	}
	wg.Wait()

	for _, rt := range results[1:] {
		assert.Same(t, results[0], rt)
	}
	assert.LessOrEqual(t, store.UsageReads(), int64(2))
}

func TestResolveOrg_Basics(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createOrg(t, store, &tenant.Organization{ID: "org_1", Tier: "FREE", SubscriptionStatus: tenant.SubscriptionNone})
	store.SetOrgUsage("org_1", tenant.OrgUsage{Contacts: 20, Templates: 1})

	rt, err := r.ResolveOrg(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, "FREE", rt.Tier)
	assert.Equal(t, OrgFree, rt.EffectiveTier)
	assert.False(t, rt.Can(CanAddContacts))
	assert.True(t, rt.Can(CanCreateTemplates))
	assert.False(t, rt.Can(HasKanban))
	assert.Equal(t, genericPipeline, rt.PipelineStages)
}

func TestResolveOrg_NotFoundAndUnknownTier(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	_, err := r.ResolveOrg(context.Background(), "missing")
	assert.ErrorIs(t, err, tenant.ErrOrgNotFound)

	createOrg(t, store, &tenant.Organization{ID: "org_1", Tier: "GOLD"})
	_, err = r.ResolveOrg(context.Background(), "org_1")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestResolveOrg_PastDueActsAsFree(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createOrg(t, store, &tenant.Organization{
		ID:                 "org_1",
		Tier:               "FUNDROOM",
		SubscriptionStatus: tenant.SubscriptionPastDue,
		CustomLimits:       tenant.Limits{"contacts": intPtr(100000)},
	})

	rt, err := r.ResolveOrg(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, "FUNDROOM", rt.Tier, "stored tier is reported unchanged")
	assert.Equal(t, OrgFree, rt.EffectiveTier)
	assert.Equal(t, "FREE", rt.EffectiveTierName)
	assert.Equal(t, 20, *rt.Limits[ResourceContacts])
	assert.False(t, rt.Can(HasLPOnboarding))
	assert.Equal(t, genericPipeline, rt.PipelineStages)
}

func TestResolveOrg_FundRoomTier(t *testing.T) {
	r, store := newTestResolver(t, Config{})
	createOrg(t, store, &tenant.Organization{ID: "org_1", Tier: "FUNDROOM", SubscriptionStatus: tenant.SubscriptionActive})

	rt, err := r.ResolveOrg(context.Background(), "org_1")
	require.NoError(t, err)
	assert.True(t, rt.Can(HasLPOnboarding))
	assert.True(t, rt.Can(HasKanban))
	assert.Nil(t, rt.Limits[ResourceContacts])
	assert.Equal(t, compliancePipeline, rt.PipelineStages)
}

func TestResolveOrg_AITrial(t *testing.T) {
	ctx := context.Background()
	past := testNow.Add(-time.Minute)
	future := testNow.Add(24 * time.Hour)

	r, store := newTestResolver(t, Config{})
	createOrg(t, store, &tenant.Organization{ID: "expired", Tier: "FREE", AICRMEnabled: true, AICRMTrialEndsAt: &past})
	createOrg(t, store, &tenant.Organization{ID: "running", Tier: "FREE", AICRMEnabled: true, AICRMTrialEndsAt: &future})
	createOrg(t, store, &tenant.Organization{ID: "suspended", Tier: "FREE", AICRMEnabled: true})
	require.NoError(t, store.SetActivation(ctx, &tenant.Activation{TenantID: "suspended", Kind: tenant.ActivationAICRM, Status: tenant.ActivationSuspended}))

	rt, err := r.ResolveOrg(ctx, "expired")
	require.NoError(t, err)
	assert.True(t, rt.AITrialExpired)
	assert.False(t, rt.Can(HasAIFeatures))
	assert.Equal(t, 2, *rt.Limits[ResourceTemplates])

	rt, err = r.ResolveOrg(ctx, "running")
	require.NoError(t, err)
	assert.True(t, rt.Can(HasAIFeatures))
	assert.Nil(t, rt.Limits[ResourceTemplates], "AI add-on lifts the template cap")

	rt, err = r.ResolveOrg(ctx, "suspended")
	require.NoError(t, err)
	assert.False(t, rt.AIEnabled)
}

func TestResolveOrg_EsigUsesCurrentMonth(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(t, Config{})
	createOrg(t, store, &tenant.Organization{ID: "org_1", Tier: "FREE"})
	for i := 0; i < 10; i++ {
		_, err := store.IncrementEsigUsage(ctx, "org_1", "2026-09")
		require.NoError(t, err)
	}
	_, err := store.IncrementEsigUsage(ctx, "org_1", tenant.MonthKey(testNow))
	require.NoError(t, err)

	rt, err := r.ResolveOrg(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 1, rt.Usage[ResourceEsigPerMonth])
	assert.True(t, rt.Can(CanSendEsig))
}

func TestResolveOrg_CacheReference(t *testing.T) {
	ctx := context.Background()
	r, store := newTestResolver(t, Config{})
	createOrg(t, store, &tenant.Organization{ID: "org_1", Tier: "CRM_PRO"})

	a, err := r.ResolveOrg(ctx, "org_1")
	require.NoError(t, err)
	b, err := r.ResolveOrg(ctx, "org_1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, int64(1), store.UsageReads())

	r.InvalidateOrg("org_1")
	c, err := r.ResolveOrg(ctx, "org_1")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestBelow(t *testing.T) {
	assert.True(t, Below(19, intPtr(20)))
	assert.False(t, Below(20, intPtr(20)))
	assert.False(t, Below(21, intPtr(20)))
	assert.True(t, Below(1_000_000, nil))
}
