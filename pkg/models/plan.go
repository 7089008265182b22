package models

import (
	"encoding/json"
	"time"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanProposed  PlanStatus = "proposed"
	PlanApproved  PlanStatus = "approved"
	PlanRejected  PlanStatus = "rejected"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Terminal reports whether the plan can no longer change state.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanRejected, PlanCompleted, PlanFailed:
		return true
	default:
		return false
	}
}

// StepStatus is the execution state of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepDenied    StepStatus = "denied"
)

// Step is one tool invocation inside a plan. The identity fields (ToolName,
// Args, Risk) are fixed at detection time; only the execution record mutates.
type Step struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args"`
	Risk       RiskLevel       `json:"risk_level"`

	Status StepStatus `json:"status"`
	Result string     `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Plan is a detected multi-step tool-call proposal. Steps are append-only at
// creation and never mutate afterwards except for their execution records.
type Plan struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Purpose   string     `json:"purpose"`
	Steps     []Step     `json:"steps"`
	MaxRisk   RiskLevel  `json:"max_risk_level"`
	Status    PlanStatus `json:"status"`

	// AutoExecuting records the gate decision made once at creation.
	AutoExecuting bool `json:"auto_executing"`

	// Generation fences approvals: it is the session's message count at
	// detection time. An approval arriving after newer user input is stale.
	Generation int `json:"generation"`

	CreatedAt   time.Time     `json:"created_at"`
	ApprovedAt  time.Time     `json:"approved_at,omitempty"`
	ExecutedAt  time.Time     `json:"executed_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
}

// FailedSteps returns the steps that did not succeed.
func (p *Plan) FailedSteps() []Step {
	var failed []Step
	for _, s := range p.Steps {
		if s.Status == StepFailed || s.Status == StepDenied {
			failed = append(failed, s)
		}
	}
	return failed
}
