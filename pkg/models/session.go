package models

import "time"

// AutonomyLevel controls how much write-risk a session may execute without
// human approval. It is configured at session creation and never changes for
// the session's lifetime.
type AutonomyLevel int

const (
	// AutonomyReadOnly never auto-executes; everything requires approval.
	AutonomyReadOnly AutonomyLevel = iota

	// AutonomyRecommend auto-executes read-only plans only.
	AutonomyRecommend

	// AutonomyAssisted auto-executes read-only and low-risk-write plans.
	AutonomyAssisted

	// AutonomySupervised auto-executes unconditionally. Reserved tier.
	AutonomySupervised
)

// Valid reports whether the level is one of the defined tiers.
func (a AutonomyLevel) Valid() bool {
	return a >= AutonomyReadOnly && a <= AutonomySupervised
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionIdle            SessionStatus = "idle"
	SessionPlanning        SessionStatus = "planning"
	SessionExecuting       SessionStatus = "executing"
	SessionExecutingQueued SessionStatus = "executing_queued"
	SessionWaitingApproval SessionStatus = "waiting_approval"
	SessionCompleted       SessionStatus = "completed"
	SessionCompletedErrors SessionStatus = "completed_with_errors"
	SessionError           SessionStatus = "error"
	SessionInterrupted     SessionStatus = "interrupted"
)

// Running reports whether an execution loop currently owns the session.
func (s SessionStatus) Running() bool {
	switch s {
	case SessionPlanning, SessionExecuting, SessionExecutingQueued:
		return true
	default:
		return false
	}
}

// Session is a conversation thread with a fixed autonomy level.
//
// Invariants: at most one non-terminal plan is outstanding at any time, and
// PendingPlanID is set exactly when Status is SessionWaitingApproval. The
// QueuedMessage slot has capacity one with last-write-wins overwrite
// semantics.
type Session struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Autonomy      AutonomyLevel `json:"autonomy_level"`
	Status        SessionStatus `json:"status"`
	QueuedMessage *Message      `json:"queued_message,omitempty"`
	PendingPlanID string        `json:"pending_plan_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastActivity  time.Time     `json:"last_activity"`
}

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now
	s.LastActivity = now
}
