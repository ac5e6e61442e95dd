package dynamodb

import (
	"time"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// PK/SK prefix constants.
const (
	prefixCampaign  = "CAMPAIGN#"
	prefixLock      = "LOCK#"
	prefixRunStatus = "RUNSTATUS#"

	skRunState = "RUNSTATE"
	skLock     = "LOCK"

	gsi1 = "GSI1"
)

func campaignPK(id string) string { return prefixCampaign + id }
func lockPK(key string) string     { return prefixLock + key }

func runStateSK() string { return skRunState }
func lockSK() string     { return skLock }

// statusGSI1PK groups run states by status so the reconciler can list
// in-flight and cooling-down campaigns without a scan.
func statusGSI1PK(s types.RunStatus) string { return prefixRunStatus + string(s) }

func ttlEpoch(now time.Time, d time.Duration) int64 {
	return now.Add(d).Unix()
}

// epochMillis returns t as Unix milliseconds, or 0 when t is nil. Condition
// expressions compare these numeric shadows instead of the RFC 3339 strings.
func epochMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}
