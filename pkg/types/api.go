package types

import "time"

// TriggerRequest is the body of POST /campaigns/{id}/run.
type TriggerRequest struct {
	Force bool `json:"force"`
}

// TriggerResponse is the 202 body of an accepted trigger.
type TriggerResponse struct {
	CampaignID  string     `json:"campaign_id"`
	RunID       string     `json:"run_id"`
	Status      RunStatus  `json:"status"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	Forced      bool       `json:"forced"`
}

// StatusResponse is the body of GET /campaigns/{id}/run/status.
type StatusResponse struct {
	CampaignID    string     `json:"campaign_id"`
	Status        RunStatus  `json:"status"`
	RunID         string     `json:"run_id"`
	JobCount      *int       `json:"job_count"`
	TriggeredAt   *time.Time `json:"triggered_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	CooldownUntil *time.Time `json:"cooldown_until"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Forced        bool       `json:"forced"`
}

// NewStatusResponse renders a read-side run snapshot.
func NewStatusResponse(st RunState) StatusResponse {
	return StatusResponse{
		CampaignID:    st.CampaignID,
		Status:        st.Status,
		RunID:         st.RunID,
		JobCount:      st.JobCount,
		TriggeredAt:   st.TriggeredAt,
		CompletedAt:   st.CompletedAt,
		CooldownUntil: st.CooldownUntil,
		ErrorMessage:  st.ErrorMessage,
		Forced:        st.Forced,
	}
}

// CallbackRequest is the body of POST /campaigns/{id}/run/callback, sent by
// the pipeline when it changes state.
type CallbackRequest struct {
	// CampaignID is set on queued callbacks; the HTTP route carries it in
	// the path instead.
	CampaignID string            `json:"campaign_id,omitempty"`
	RunID      string            `json:"run_id"`
	State      OrchestratorState `json:"state"`
	JobCount   *int              `json:"job_count,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Report converts the callback into the orchestrator status it reports.
func (c CallbackRequest) Report() OrchestratorStatus {
	return OrchestratorStatus{State: c.State, JobCount: c.JobCount, Error: c.Error}
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error         string     `json:"error"`
	Kind          ErrorKind  `json:"kind"`
	Retryable     bool       `json:"retryable"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}
