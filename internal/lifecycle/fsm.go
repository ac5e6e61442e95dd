// Package lifecycle implements the campaign run state machine: allowed
// transitions, the trigger claim decision, cooldown windows and the
// read-side snapshot rules.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// ErrRunMismatch is returned when an orchestrator report names a run that is
// not the campaign's current run.
var ErrRunMismatch = errors.New("run id does not match current run")

// Transition table: from -> allowed tos. Release of a failed claim is a
// restore, not a transition, and bypasses this table.
var validTransitions = map[types.RunStatus][]types.RunStatus{
	types.RunIdle:     {types.RunPending},
	types.RunPending:  {types.RunRunning, types.RunSuccess, types.RunFailed, types.RunIdle, types.RunCooldown},
	types.RunRunning:  {types.RunSuccess, types.RunFailed},
	types.RunSuccess:  {types.RunCooldown, types.RunIdle, types.RunPending},
	types.RunFailed:   {types.RunCooldown, types.RunIdle, types.RunPending},
	types.RunCooldown: {types.RunIdle, types.RunPending},
}

// CanTransition checks if transitioning from one run status to another is valid.
func CanTransition(from, to types.RunStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates and returns an error if the transition is invalid.
func Transition(from, to types.RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the status records a finished run outcome.
func IsTerminal(status types.RunStatus) bool {
	return status == types.RunSuccess || status == types.RunFailed
}

// IsActive returns true if a run is claimed or in flight.
func IsActive(status types.RunStatus) bool {
	return status == types.RunPending || status == types.RunRunning
}

// Cooldowns holds the per-outcome cooldown durations.
type Cooldowns struct {
	Success time.Duration
	Error   time.Duration
}

// DefaultCooldown applies to both outcomes unless configured otherwise.
const DefaultCooldown = 10 * time.Minute

// DefaultCooldowns returns the same cooldown for success and error.
func DefaultCooldowns() Cooldowns {
	return Cooldowns{Success: DefaultCooldown, Error: DefaultCooldown}
}

// For returns the cooldown that applies after a run ends in status.
func (c Cooldowns) For(status types.RunStatus) time.Duration {
	if status == types.RunFailed {
		return c.Error
	}
	return c.Success
}

// CooldownActive reports whether now falls inside the record's cooldown window.
func CooldownActive(st types.RunState, now time.Time) bool {
	return st.CooldownUntil != nil && now.Before(*st.CooldownUntil)
}

// IsStaleClaim reports whether st is a claim whose owner never attached a run
// id before the claim deadline passed.
func IsStaleClaim(st types.RunState, now time.Time) bool {
	return st.Status == types.RunPending &&
		st.RunID == "" &&
		st.ClaimExpiresAt != nil &&
		!now.Before(*st.ClaimExpiresAt)
}

// EvaluateClaim decides whether a trigger may claim st. Every store backend
// must encode the same predicate in its conditional update.
func EvaluateClaim(st types.RunState, force bool, now time.Time) types.ClaimOutcome {
	switch st.Status {
	case types.RunRunning:
		return types.ClaimConflict
	case types.RunPending:
		if !IsStaleClaim(st, now) {
			return types.ClaimConflict
		}
	}
	if !force && CooldownActive(st, now) {
		return types.ClaimCooldown
	}
	return types.ClaimGranted
}

// Claimed builds the pending record written by a granted claim. The cooldown
// window is carried over so a stale claim can be reverted without losing it.
func Claimed(prev types.RunState, req types.ClaimRequest) types.RunState {
	now := req.Now
	expires := now.Add(req.ClaimTTL)
	next := prev
	next.CampaignID = req.CampaignID
	next.Status = types.RunPending
	next.RunID = ""
	next.TriggeredAt = &now
	next.CompletedAt = nil
	next.JobCount = nil
	next.ErrorMessage = ""
	next.Forced = req.Force
	next.ClaimExpiresAt = &expires
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return next
}

// Restore returns prev re-versioned on top of claimed, which is what a
// released claim writes back.
func Restore(prev, claimed types.RunState, now time.Time) types.RunState {
	restored := prev
	restored.CampaignID = claimed.CampaignID
	restored.Version = claimed.Version + 1
	restored.UpdatedAt = now
	return restored
}

// Started records the run id accepted by the orchestrator.
func Started(claimed types.RunState, runID string, now time.Time) types.RunState {
	next := claimed
	next.RunID = runID
	next.ClaimExpiresAt = nil
	next.Version = claimed.Version + 1
	next.UpdatedAt = now
	return next
}

// Apply folds an orchestrator report for runID into st. It returns the next
// record and whether anything changed. Reports for a different run return
// ErrRunMismatch.
func Apply(st types.RunState, runID string, report types.OrchestratorStatus, now time.Time, cd Cooldowns) (types.RunState, bool, error) {
	if runID == "" || st.RunID != runID {
		return st, false, ErrRunMismatch
	}
	if !IsActive(st.Status) {
		// Already finished; duplicate callbacks and late polls are no-ops.
		return st, false, nil
	}

	var to types.RunStatus
	switch report.State {
	case types.OrchestratorQueued:
		return st, false, nil
	case types.OrchestratorRunning:
		if st.Status == types.RunRunning {
			return st, false, nil
		}
		to = types.RunRunning
	case types.OrchestratorSucceeded:
		to = types.RunSuccess
	case types.OrchestratorFailed:
		to = types.RunFailed
	default:
		return st, false, fmt.Errorf("unknown orchestrator state %q", report.State)
	}
	if err := Transition(st.Status, to); err != nil {
		return st, false, err
	}

	next := st
	next.Status = to
	next.Version = st.Version + 1
	next.UpdatedAt = now
	next.ClaimExpiresAt = nil
	if IsTerminal(to) {
		completed := now
		until := completed.Add(cd.For(to))
		next.CompletedAt = &completed
		next.CooldownUntil = &until
		if to == types.RunSuccess {
			next.JobCount = report.JobCount
			next.ErrorMessage = ""
		} else {
			next.JobCount = nil
			next.ErrorMessage = report.Error
			if next.ErrorMessage == "" {
				next.ErrorMessage = "pipeline run failed"
			}
		}
	}
	return next, true, nil
}

// Settle advances time-driven states: terminal results older than resultHold
// move to cooldown, expired cooldowns move to idle and stale claims are
// reverted. It returns the next record and whether anything changed.
func Settle(st types.RunState, now time.Time, resultHold time.Duration) (types.RunState, bool) {
	next := st
	switch {
	case IsTerminal(st.Status):
		if st.CompletedAt != nil && now.Before(st.CompletedAt.Add(resultHold)) && CooldownActive(st, now) {
			return st, false
		}
		if CooldownActive(st, now) {
			next.Status = types.RunCooldown
		} else {
			next.Status = types.RunIdle
		}
	case st.Status == types.RunCooldown:
		if CooldownActive(st, now) {
			return st, false
		}
		next.Status = types.RunIdle
	case IsStaleClaim(st, now):
		next.ClaimExpiresAt = nil
		next.TriggeredAt = nil
		next.Forced = false
		if CooldownActive(st, now) {
			next.Status = types.RunCooldown
		} else {
			next.Status = types.RunIdle
		}
	default:
		return st, false
	}
	next.Version = st.Version + 1
	next.UpdatedAt = now
	return next, true
}

// Effective returns the read-side view of st at now: an expired cooldown or a
// stale claim reads as idle, and fields that do not belong to the reported
// status are cleared.
func Effective(st types.RunState, now time.Time) types.RunState {
	out := st
	switch {
	case IsTerminal(st.Status) || st.Status == types.RunCooldown:
		if !CooldownActive(st, now) {
			out.Status = types.RunIdle
		}
	case IsStaleClaim(st, now):
		if CooldownActive(st, now) {
			out.Status = types.RunCooldown
		} else {
			out.Status = types.RunIdle
		}
		out.TriggeredAt = nil
	}
	if IsActive(out.Status) {
		out.JobCount = nil
		out.CompletedAt = nil
	}
	if out.Status != types.RunFailed {
		out.ErrorMessage = ""
	}
	out.ClaimExpiresAt = nil
	return out
}
