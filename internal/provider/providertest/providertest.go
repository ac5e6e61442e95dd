// Package providertest provides shared conformance tests for provider.Provider
// implementations. Call RunAll from a test function to verify a provider
// satisfies the full behavioral contract.
package providertest

import (
	"testing"
	"time"

	"github.com/dwsmith1983/runguard/internal/provider"
)

// RunAll runs the complete provider conformance suite as subtests.
func RunAll(t *testing.T, prov provider.Provider) {
	t.Helper()

	t.Run("RunStateGetInit", func(t *testing.T) { TestRunStateGetInit(t, prov) })
	t.Run("RunStateList", func(t *testing.T) { TestRunStateList(t, prov) })
	t.Run("CompareAndSwap", func(t *testing.T) { TestCompareAndSwap(t, prov) })
	t.Run("CASRaceCondition", func(t *testing.T) { TestCASRaceCondition(t, prov) })
	t.Run("ClaimIdle", func(t *testing.T) { TestClaimIdle(t, prov) })
	t.Run("ClaimConflict", func(t *testing.T) { TestClaimConflict(t, prov) })
	t.Run("ClaimCooldown", func(t *testing.T) { TestClaimCooldown(t, prov) })
	t.Run("ClaimStale", func(t *testing.T) { TestClaimStale(t, prov) })
	t.Run("ClaimRace", func(t *testing.T) { TestClaimRace(t, prov) })
	t.Run("ReleaseRestores", func(t *testing.T) { TestReleaseRestores(t, prov) })
	t.Run("Locking", func(t *testing.T) { TestLocking(t, prov) })
	t.Run("LockExpiry", func(t *testing.T) { TestLockExpiry(t, prov) })
}

// baseTime is truncated so every backend round-trips it exactly.
func baseTime() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func ptr[T any](v T) *T { return &v }
