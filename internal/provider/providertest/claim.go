package providertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

const claimTTL = 45 * time.Second

func claimReq(campaignID string, force bool, now time.Time) types.ClaimRequest {
	return types.ClaimRequest{CampaignID: campaignID, Force: force, Now: now, ClaimTTL: claimTTL}
}

func seed(t *testing.T, prov provider.Provider, st types.RunState) {
	t.Helper()
	ok, err := prov.CompareAndSwapRunState(context.Background(), 0, st)
	require.NoError(t, err)
	require.True(t, ok, "seed %s", st.CampaignID)
}

// TestClaimIdle verifies a claim on a missing record creates a pending one.
func TestClaimIdle(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := baseTime()

	res, err := prov.ClaimForTrigger(ctx, claimReq("ct-claim-idle", false, now))
	require.NoError(t, err)
	assert.Equal(t, types.ClaimGranted, res.Outcome)
	assert.Equal(t, types.RunIdle, res.Previous.Status)
	assert.Equal(t, types.RunPending, res.Current.Status)
	assert.Empty(t, res.Current.RunID)
	assert.Equal(t, 1, res.Current.Version)

	got, err := prov.GetRunState(ctx, "ct-claim-idle")
	require.NoError(t, err)
	assert.Equal(t, types.RunPending, got.Status)
	require.NotNil(t, got.TriggeredAt)
	assert.True(t, now.Equal(*got.TriggeredAt))
	require.NotNil(t, got.ClaimExpiresAt)
	assert.True(t, now.Add(claimTTL).Equal(*got.ClaimExpiresAt))
}

// TestClaimConflict verifies pending and running records reject claims, even forced.
func TestClaimConflict(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := baseTime()

	seed(t, prov, types.RunState{CampaignID: "ct-claim-running", Status: types.RunRunning, RunID: "r1", Version: 1, UpdatedAt: now})
	seed(t, prov, types.RunState{
		CampaignID:     "ct-claim-pending",
		Status:         types.RunPending,
		TriggeredAt:    ptr(now),
		ClaimExpiresAt: ptr(now.Add(claimTTL)),
		Version:        1,
		UpdatedAt:      now,
	})

	for _, id := range []string{"ct-claim-running", "ct-claim-pending"} {
		for _, force := range []bool{false, true} {
			res, err := prov.ClaimForTrigger(ctx, claimReq(id, force, now))
			require.NoError(t, err)
			assert.Equal(t, types.ClaimConflict, res.Outcome, "%s force=%v", id, force)
		}
		got, err := prov.GetRunState(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Version, "rejected claim must not write")
	}
}

// TestClaimCooldown verifies cooldown rejection and force override.
func TestClaimCooldown(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := baseTime()
	until := now.Add(5 * time.Minute)

	seed(t, prov, types.RunState{
		CampaignID:    "ct-claim-cooldown",
		Status:        types.RunSuccess,
		RunID:         "r1",
		CompletedAt:   ptr(now.Add(-5 * time.Minute)),
		JobCount:      ptr(12),
		CooldownUntil: ptr(until),
		Version:       3,
		UpdatedAt:     now,
	})

	res, err := prov.ClaimForTrigger(ctx, claimReq("ct-claim-cooldown", false, now))
	require.NoError(t, err)
	assert.Equal(t, types.ClaimCooldown, res.Outcome)
	require.NotNil(t, res.Current.CooldownUntil)
	assert.True(t, until.Equal(*res.Current.CooldownUntil))

	res, err = prov.ClaimForTrigger(ctx, claimReq("ct-claim-cooldown", true, now))
	require.NoError(t, err)
	assert.Equal(t, types.ClaimGranted, res.Outcome)
	assert.True(t, res.Current.Forced)
	assert.Nil(t, res.Current.JobCount)
	assert.Equal(t, 4, res.Current.Version)

	// Expired cooldown is claimable without force
	seed(t, prov, types.RunState{
		CampaignID:    "ct-claim-expired",
		Status:        types.RunCooldown,
		CooldownUntil: ptr(now.Add(-time.Second)),
		Version:       2,
		UpdatedAt:     now,
	})
	res, err = prov.ClaimForTrigger(ctx, claimReq("ct-claim-expired", false, now))
	require.NoError(t, err)
	assert.Equal(t, types.ClaimGranted, res.Outcome)
}

// TestClaimStale verifies an abandoned claim past its deadline can be reclaimed.
func TestClaimStale(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := baseTime()

	seed(t, prov, types.RunState{
		CampaignID:     "ct-claim-stale",
		Status:         types.RunPending,
		TriggeredAt:    ptr(now.Add(-time.Minute)),
		ClaimExpiresAt: ptr(now.Add(-time.Second)),
		Version:        1,
		UpdatedAt:      now,
	})

	res, err := prov.ClaimForTrigger(ctx, claimReq("ct-claim-stale", false, now))
	require.NoError(t, err)
	assert.Equal(t, types.ClaimGranted, res.Outcome)
	assert.Equal(t, 2, res.Current.Version)
}

// TestClaimRace fires concurrent claims and verifies exactly one is granted.
func TestClaimRace(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := baseTime()
	const n = 20

	outcomes := make([]types.ClaimOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := prov.ClaimForTrigger(ctx, claimReq("ct-claim-race", false, now))
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	counts := map[types.ClaimOutcome]int{}
	for _, o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[types.ClaimGranted])
	assert.Equal(t, n-1, counts[types.ClaimConflict])
}

// TestReleaseRestores verifies a released claim writes back the exact
// pre-claim record.
func TestReleaseRestores(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := baseTime()

	prev := types.RunState{
		CampaignID:    "ct-release",
		Status:        types.RunFailed,
		RunID:         "r-old",
		TriggeredAt:   ptr(now.Add(-20 * time.Minute)),
		CompletedAt:   ptr(now.Add(-15 * time.Minute)),
		ErrorMessage:  "boom",
		CooldownUntil: ptr(now.Add(-5 * time.Minute)),
		Version:       7,
		UpdatedAt:     now.Add(-15 * time.Minute),
	}
	seed(t, prov, prev)

	res, err := prov.ClaimForTrigger(ctx, claimReq("ct-release", false, now))
	require.NoError(t, err)
	require.Equal(t, types.ClaimGranted, res.Outcome)

	restored := lifecycle.Restore(res.Previous, res.Current, now)
	ok, err := prov.CompareAndSwapRunState(ctx, res.Current.Version, restored)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := prov.GetRunState(ctx, "ct-release")
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, got.Status)
	assert.Equal(t, "r-old", got.RunID)
	assert.Equal(t, "boom", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, prev.CompletedAt.Equal(*got.CompletedAt))
	require.NotNil(t, got.CooldownUntil)
	assert.True(t, prev.CooldownUntil.Equal(*got.CooldownUntil))
	assert.Nil(t, got.ClaimExpiresAt)
	assert.Equal(t, 9, got.Version)
}
