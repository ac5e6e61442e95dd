package types

import "time"

// DefaultIntentTTL is how long a client-side pending intent stays renderable.
const DefaultIntentTTL = 5 * time.Minute

// PendingIntent is the client-local, advisory record that a trigger was sent
// and no authoritative status has been observed yet.
type PendingIntent struct {
	CampaignID string    `json:"campaign_id"`
	RunID      string    `json:"run_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Forced     bool      `json:"forced"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// NewPendingIntent creates an intent expiring ttl after now.
func NewPendingIntent(campaignID string, forced bool, now time.Time, ttl time.Duration) PendingIntent {
	if ttl <= 0 {
		ttl = DefaultIntentTTL
	}
	return PendingIntent{
		CampaignID: campaignID,
		CreatedAt:  now,
		Forced:     forced,
		ExpiresAt:  now.Add(ttl),
	}
}

// Expired reports whether the intent is no longer renderable at now.
func (p PendingIntent) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ClaimRequest is the input to an atomic trigger claim.
type ClaimRequest struct {
	CampaignID string
	Force      bool
	Now        time.Time
	// ClaimTTL bounds how long an unacknowledged claim (pending, no run id)
	// blocks other triggers if the claiming process dies.
	ClaimTTL time.Duration
}

// ClaimResult is the outcome of an atomic trigger claim. Previous is the
// pre-claim record and is what a release restores.
type ClaimResult struct {
	Outcome  ClaimOutcome
	Previous RunState
	Current  RunState
}

// OrchestratorStatus is the normalized status of a run as reported by the
// orchestrator adapter or its completion callback.
type OrchestratorStatus struct {
	State    OrchestratorState `json:"state"`
	JobCount *int              `json:"job_count,omitempty"`
	Error    string            `json:"error,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// Terminal reports whether the orchestrator state is final.
func (s OrchestratorStatus) Terminal() bool {
	return s.State == OrchestratorSucceeded || s.State == OrchestratorFailed
}
