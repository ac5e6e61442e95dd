package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/internal/provider/memory"
	"github.com/dwsmith1983/runguard/internal/provider/providertest"
	"github.com/dwsmith1983/runguard/pkg/types"
)

func TestConformance(t *testing.T) {
	providertest.RunAll(t, memory.New())
}

func TestUpdateRetriesLostRace(t *testing.T) {
	ctx := context.Background()
	p := memory.New()
	p.Put(types.RunState{CampaignID: "c1", Status: types.RunRunning, RunID: "r1", Version: 1})

	calls := 0
	got, changed, err := provider.Update(ctx, p, "c1", func(st types.RunState) (types.RunState, bool, error) {
		calls++
		if calls == 1 {
			// A concurrent writer bumps the version between read and CAS.
			bumped := st
			bumped.Version = 2
			p.Put(bumped)
		}
		next := st
		next.Status = types.RunSuccess
		next.Version = st.Version + 1
		return next, true, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, types.RunSuccess, got.Status)
}

func TestLockClock(t *testing.T) {
	ctx := context.Background()
	p := memory.New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	ok, err := p.AcquireLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, err = p.AcquireLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
