// Package types defines the public domain types for runguard: campaign run
// state, claim results, pending intents and the error taxonomy shared by the
// server and the client coordinator.
package types

// RunStatus represents the server-side lifecycle state of a campaign run.
type RunStatus string

// RunStatus values represent the lifecycle states of a campaign run.
const (
	RunIdle     RunStatus = "idle"
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "error"
	RunCooldown RunStatus = "cooldown"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunIdle, RunPending, RunRunning, RunSuccess, RunFailed, RunCooldown:
		return true
	}
	return false
}

// Role is the authorization role carried by a requester identity.
type Role string

// Role values.
const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ClaimOutcome is the result of an atomic trigger claim.
type ClaimOutcome string

// ClaimOutcome values.
const (
	ClaimGranted  ClaimOutcome = "claimed"
	ClaimConflict ClaimOutcome = "conflict"
	ClaimCooldown ClaimOutcome = "cooldown"
)

// OrchestratorState is the normalized state reported by an orchestrator adapter.
type OrchestratorState string

const (
	OrchestratorQueued    OrchestratorState = "queued"
	OrchestratorRunning   OrchestratorState = "running"
	OrchestratorSucceeded OrchestratorState = "succeeded"
	OrchestratorFailed    OrchestratorState = "failed"
)

// EventKind classifies run lifecycle events published to downstream consumers.
type EventKind string

// EventKind values enumerate the published lifecycle events.
const (
	EventRunClaimed   EventKind = "RUN_CLAIMED"
	EventRunStarted   EventKind = "RUN_STARTED"
	EventRunReleased  EventKind = "RUN_RELEASED"
	EventRunRunning   EventKind = "RUN_RUNNING"
	EventRunCompleted EventKind = "RUN_COMPLETED"
	EventRunCooldown  EventKind = "RUN_COOLDOWN"
	EventRunIdle      EventKind = "RUN_IDLE"
)
