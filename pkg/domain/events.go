package domain

import "time"

// EventType identifies the kind of event flowing through the event bus.
type EventType string

const (
	EventTypeNodeStatusUpdate     EventType = "node.status_update"
	EventTypePlanExecutionStarted EventType = "plan.started"
	EventTypePlanExecutionEnded   EventType = "plan.ended"
	EventTypeInterruptProcessed   EventType = "interrupt.processed"
	EventTypeBarrierDown          EventType = "barrier.down"
)

// Event topics
const (
	TopicNodeStatus = "node.status"
	TopicPlan       = "plan.events"
)

// Event is published after a successful transition or lifecycle change.
type Event struct {
	ID              string                 `json:"id"`
	Type            EventType              `json:"type"`
	PlanExecutionID string                 `json:"plan_execution_id"`
	NodeExecutionID string                 `json:"node_execution_id,omitempty"`
	StepType        string                 `json:"step_type,omitempty"`
	Status          Status                 `json:"status,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	Data            map[string]interface{} `json:"data,omitempty"`
}
