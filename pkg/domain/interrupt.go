package domain

import "time"

// InterruptType is the kind of course change an interrupt requests.
type InterruptType string

const (
	InterruptTypeAbortAll InterruptType = "ABORT_ALL"
)

// IsValid reports whether t is a supported interrupt type.
func (t InterruptType) IsValid() bool {
	return t == InterruptTypeAbortAll
}

// InterruptState tracks how far an interrupt has been consumed.
type InterruptState string

const (
	InterruptStateRegistered              InterruptState = "REGISTERED"
	InterruptStateProcessing              InterruptState = "PROCESSING"
	InterruptStateProcessedSuccessfully   InterruptState = "PROCESSED_SUCCESSFULLY"
	InterruptStateProcessedUnsuccessfully InterruptState = "PROCESSED_UNSUCCESSFULLY"
	InterruptStateDiscarded               InterruptState = "DISCARDED"
)

// Interrupt is a request to alter the course of a running plan execution.
type Interrupt struct {
	ID              string         `json:"id"`
	Type            InterruptType  `json:"type"`
	PlanExecutionID string         `json:"plan_execution_id"`
	State           InterruptState `json:"state"`
	CreatedBy       string         `json:"created_by,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
