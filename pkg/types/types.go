package types

import "time"

// Campaign is the subset of the externally owned campaign entity that the
// trigger path needs.
type Campaign struct {
	ID       string `yaml:"id" json:"id" gorm:"column:id;primaryKey"`
	Owner    string `yaml:"owner" json:"owner" gorm:"column:owner"`
	IsActive bool   `yaml:"isActive" json:"is_active" gorm:"column:is_active"`
}

// Identity is the authenticated requester.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// IsAdmin reports whether the identity holds administrative privilege.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// RunState is the authoritative per-campaign run record.
type RunState struct {
	CampaignID     string     `json:"campaign_id" dynamodbav:"campaignId"`
	Status         RunStatus  `json:"status" dynamodbav:"status"`
	RunID          string     `json:"run_id" dynamodbav:"runId"`
	TriggeredAt    *time.Time `json:"triggered_at" dynamodbav:"triggeredAt,omitempty"`
	CompletedAt    *time.Time `json:"completed_at" dynamodbav:"completedAt,omitempty"`
	JobCount       *int       `json:"job_count" dynamodbav:"jobCount,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty" dynamodbav:"errorMessage,omitempty"`
	CooldownUntil  *time.Time `json:"cooldown_until" dynamodbav:"cooldownUntil,omitempty"`
	Forced         bool       `json:"forced" dynamodbav:"forced"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty" dynamodbav:"claimExpiresAt,omitempty"`
	Version        int        `json:"version" dynamodbav:"version"`
	UpdatedAt      time.Time  `json:"updated_at" dynamodbav:"updatedAt"`
}

// NewIdleRunState returns the initial record for a campaign with no runs.
func NewIdleRunState(campaignID string) RunState {
	return RunState{CampaignID: campaignID, Status: RunIdle}
}

// Event is a run lifecycle notification.
type Event struct {
	Kind       EventKind              `json:"kind"`
	CampaignID string                 `json:"campaign_id"`
	RunID      string                 `json:"run_id,omitempty"`
	Status     RunStatus              `json:"status,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}
