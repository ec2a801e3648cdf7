package tenant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestMemoryStore_TeamCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	team := &Team{
		ID:           "team_1",
		Name:         "Acme Capital",
		Plan:         "pro",
		CustomLimits: Limits{"documents": intPtr(500)},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, store.CreateTeam(ctx, team))

	got, err := store.GetTeam(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Capital", got.Name)
	assert.Equal(t, 500, *got.CustomLimits["documents"])

	// Mutating the returned copy must not leak into the store.
	*got.CustomLimits["documents"] = 1
	again, _ := store.GetTeam(ctx, "team_1")
	assert.Equal(t, 500, *again.CustomLimits["documents"])

	got.Plan = "business"
	require.NoError(t, store.UpdateTeam(ctx, got))
	again, _ = store.GetTeam(ctx, "team_1")
	assert.Equal(t, "business", again.Plan)

	assert.ErrorIs(t, store.CreateTeam(ctx, team), ErrAlreadyExists)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.GetTeam(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrTeamNotFound)

	_, _, err = store.GetTeamWithUsage(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrTeamNotFound)

	_, _, err = store.GetOrgWithUsage(ctx, "nonexistent", "2026-10")
	assert.ErrorIs(t, err, ErrOrgNotFound)

	err = store.UpdateOrg(ctx, &Organization{ID: "nonexistent"})
	assert.ErrorIs(t, err, ErrOrgNotFound)

	_, err = store.GetTeamByStripeCustomer(ctx, "cus_missing")
	assert.ErrorIs(t, err, ErrTeamNotFound)
}

func TestMemoryStore_UsageReads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateTeam(ctx, &Team{ID: "team_1", Plan: "free"}))
	store.SetTeamUsage("team_1", TeamUsage{Documents: 7, Users: 2})

	_, usage, err := store.GetTeamWithUsage(ctx, "team_1")
	require.NoError(t, err)
	assert.Equal(t, 7, usage.Documents)
	assert.Equal(t, 2, usage.Users)
	assert.EqualValues(t, 1, store.UsageReads())
}

func TestMemoryStore_ActivationDefaultsToNone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a, err := store.GetActivation(ctx, "team_1", ActivationFundRoom)
	require.NoError(t, err)
	assert.Equal(t, ActivationNone, a.Status)

	require.NoError(t, store.SetActivation(ctx, &Activation{TenantID: "team_1", Kind: ActivationFundRoom, Status: ActivationActive}))
	a, _ = store.GetActivation(ctx, "team_1", ActivationFundRoom)
	assert.Equal(t, ActivationActive, a.Status)

	// Different kind is independent.
	a, _ = store.GetActivation(ctx, "team_1", ActivationAICRM)
	assert.Equal(t, ActivationNone, a.Status)
}

func TestMemoryStore_EsigUsageIsPerMonth(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateOrg(ctx, &Organization{ID: "org_1", Tier: "FREE"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.IncrementEsigUsage(ctx, "org_1", "2026-10")
		}()
	}
	wg.Wait()

	n, err := store.EsigUsage(ctx, "org_1", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	n, _ = store.EsigUsage(ctx, "org_1", "2026-11")
	assert.Equal(t, 0, n)

	_, usage, err := store.GetOrgWithUsage(ctx, "org_1", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, 50, usage.EsigThisMonth)
}

func TestMonthKey_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	ts := time.Date(2026, 10, 31, 22, 0, 0, 0, loc) // 2026-11-01 03:00 UTC
	assert.Equal(t, "2026-11", MonthKey(ts))
}
