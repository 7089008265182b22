package models

import "time"

// EventType categorizes lifecycle events for filtering and display.
type EventType string

const (
	EventSessionCreated     EventType = "session.created"
	EventSessionPlanning    EventType = "session.planning"
	EventSessionExecuting   EventType = "session.executing"
	EventSessionQueued      EventType = "session.queued"
	EventSessionWaiting     EventType = "session.waiting_approval"
	EventSessionCompleted   EventType = "session.completed"
	EventSessionError       EventType = "session.error"
	EventSessionInterrupted EventType = "session.interrupted"

	EventPlanProposed  EventType = "plan.proposed"
	EventPlanApproved  EventType = "plan.approved"
	EventPlanRejected  EventType = "plan.rejected"
	EventPlanExecuting EventType = "plan.executing"
	EventPlanCompleted EventType = "plan.completed"
	EventPlanFailed    EventType = "plan.failed"

	EventToolStarted   EventType = "tool.started"
	EventToolSucceeded EventType = "tool.succeeded"
	EventToolFailed    EventType = "tool.failed"
	EventToolDenied    EventType = "tool.denied"
	EventToolDropped   EventType = "tool.dropped"

	EventTextDelta EventType = "model.text_delta"
)

// Event is a lifecycle notification broadcast on the per-session bus.
// Events are emitted, not persisted; durable state lives in the store and is
// written synchronously before publish.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	PlanID    string         `json:"plan_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
