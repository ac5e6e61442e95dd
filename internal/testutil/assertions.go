package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// WaitFor polls check every 10ms until it returns true or timeout is reached.
func WaitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

// WaitForRunStatus polls until the stored record for campaignID has status.
func WaitForRunStatus(t *testing.T, prov provider.Provider, campaignID string, status types.RunStatus, timeout time.Duration) types.RunState {
	t.Helper()
	var st types.RunState
	WaitFor(t, timeout, func() bool {
		got, err := prov.GetRunState(context.Background(), campaignID)
		if err != nil {
			return false
		}
		st = *got
		return st.Status == status
	}, "run status "+string(status)+" for "+campaignID)
	return st
}

// SameRecord reports whether a and b hold the same run record, ignoring the
// CAS version and update time.
func SameRecord(a, b types.RunState) bool {
	a.Version, b.Version = 0, 0
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a.CampaignID == b.CampaignID &&
		a.Status == b.Status &&
		a.RunID == b.RunID &&
		timeEq(a.TriggeredAt, b.TriggeredAt) &&
		timeEq(a.CompletedAt, b.CompletedAt) &&
		intEq(a.JobCount, b.JobCount) &&
		a.ErrorMessage == b.ErrorMessage &&
		timeEq(a.CooldownUntil, b.CooldownUntil) &&
		a.Forced == b.Forced &&
		timeEq(a.ClaimExpiresAt, b.ClaimExpiresAt)
}

func timeEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func intEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
