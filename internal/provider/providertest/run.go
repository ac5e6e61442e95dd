package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// TestRunStateGetInit verifies not-found, lazy init and idempotent init.
func TestRunStateGetInit(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	_, err := prov.GetRunState(ctx, "ct-init")
	assert.True(t, errors.Is(err, provider.ErrNotFound))

	st, err := prov.InitRunState(ctx, "ct-init")
	require.NoError(t, err)
	assert.Equal(t, types.RunIdle, st.Status)
	assert.Equal(t, 0, st.Version)

	got, err := prov.GetRunState(ctx, "ct-init")
	require.NoError(t, err)
	assert.Equal(t, "ct-init", got.CampaignID)
	assert.Equal(t, types.RunIdle, got.Status)

	// Init does not overwrite an existing record
	next := *got
	next.Status = types.RunCooldown
	next.CooldownUntil = ptr(baseTime())
	next.Version = 1
	ok, err := prov.CompareAndSwapRunState(ctx, 0, next)
	require.NoError(t, err)
	require.True(t, ok)

	again, err := prov.InitRunState(ctx, "ct-init")
	require.NoError(t, err)
	assert.Equal(t, types.RunCooldown, again.Status)
	assert.Equal(t, 1, again.Version)
}

// TestRunStateList verifies status filtering and limit.
func TestRunStateList(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := baseTime()

	for i := 0; i < 4; i++ {
		st := types.RunState{
			CampaignID: fmt.Sprintf("ct-list-%d", i),
			Status:     types.RunRunning,
			RunID:      fmt.Sprintf("run-%d", i),
			Version:    1,
			UpdatedAt:  now,
		}
		if i == 3 {
			st.Status = types.RunSuccess
		}
		ok, err := prov.CompareAndSwapRunState(ctx, 0, st)
		require.NoError(t, err)
		require.True(t, ok)
	}

	running, err := prov.ListRunStates(ctx, []types.RunStatus{types.RunRunning}, "", 10)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, st := range running {
		assert.Equal(t, types.RunRunning, st.Status)
		ids[st.CampaignID] = true
	}
	for i := 0; i < 3; i++ {
		assert.True(t, ids[fmt.Sprintf("ct-list-%d", i)])
	}
	assert.False(t, ids["ct-list-3"])

	limited, err := prov.ListRunStates(ctx, []types.RunStatus{types.RunRunning}, "ct-list", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "ct-list-0", limited[0].CampaignID)
	assert.Equal(t, "ct-list-1", limited[1].CampaignID)

	rest, err := prov.ListRunStates(ctx, []types.RunStatus{types.RunRunning}, limited[1].CampaignID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "ct-list-2", rest[0].CampaignID)

	mixed, err := prov.ListRunStates(ctx, []types.RunStatus{types.RunRunning, types.RunSuccess}, "ct-list-1", 2)
	require.NoError(t, err)
	require.Len(t, mixed, 2)
	assert.Equal(t, "ct-list-2", mixed[0].CampaignID)
	assert.Equal(t, "ct-list-3", mixed[1].CampaignID)
}

// TestCompareAndSwap verifies CAS with correct and stale versions.
func TestCompareAndSwap(t *testing.T, prov provider.Provider) {
	ctx := context.Background()
	now := baseTime()

	st := types.RunState{
		CampaignID:  "ct-cas",
		Status:      types.RunPending,
		TriggeredAt: ptr(now),
		Version:     1,
		UpdatedAt:   now,
	}
	ok, err := prov.CompareAndSwapRunState(ctx, 0, st)
	require.NoError(t, err)
	require.True(t, ok)

	// Correct version succeeds
	st2 := st
	st2.Status = types.RunRunning
	st2.RunID = "run-cas"
	st2.Version = 2
	ok, err = prov.CompareAndSwapRunState(ctx, 1, st2)
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale version fails
	st3 := st2
	st3.Status = types.RunSuccess
	st3.Version = 3
	ok, err = prov.CompareAndSwapRunState(ctx, 1, st3)
	require.NoError(t, err)
	assert.False(t, ok)

	// Creating over an existing record fails
	ok, err = prov.CompareAndSwapRunState(ctx, 0, st3)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := prov.GetRunState(ctx, "ct-cas")
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, got.Status)
	assert.Equal(t, "run-cas", got.RunID)
	assert.Equal(t, 2, got.Version)
	require.NotNil(t, got.TriggeredAt)
	assert.True(t, now.Equal(*got.TriggeredAt))
}

// TestCASRaceCondition verifies exactly 1 goroutine wins a concurrent CAS.
func TestCASRaceCondition(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	st := types.RunState{CampaignID: "ct-race", Status: types.RunRunning, RunID: "r", Version: 1}
	ok, err := prov.CompareAndSwapRunState(ctx, 0, st)
	require.NoError(t, err)
	require.True(t, ok)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			next := st
			next.Status = types.RunSuccess
			next.JobCount = ptr(id)
			next.Version = 2
			ok, err := prov.CompareAndSwapRunState(ctx, 1, next)
			if err == nil && ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load(), "exactly 1 goroutine should win the CAS")
}
