package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalStateTransition matches every *IllegalStateTransitionError.
	ErrIllegalStateTransition = errors.New("illegal state transition")

	// ErrInterruptProcessingFailed matches every *InterruptProcessingFailedError.
	ErrInterruptProcessingFailed = errors.New("interrupt processing failed")

	// ErrLockNotAcquired is returned when a named lock could not be
	// obtained within its wait bound. Callers treat it as retryable.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrTaskAbortFailed marks a dispatched task that could not be aborted.
	ErrTaskAbortFailed = errors.New("task abort failed")

	ErrNodeExecutionNotFound = errors.New("node execution not found")
	ErrPlanExecutionNotFound = errors.New("plan execution not found")
	ErrInterruptNotFound     = errors.New("interrupt not found")
	ErrInterruptExists       = errors.New("interrupt already exists")
	ErrBarrierNotFound       = errors.New("barrier not found")
	ErrTaskNotFound          = errors.New("task not found")
	ErrStepNotRegistered     = errors.New("step type not registered")
)

// IllegalStateTransitionError reports a transition whose current status is
// not an allowed predecessor of the requested status.
type IllegalStateTransitionError struct {
	NodeExecutionID string
	Current         Status
	Requested       Status
}

func (e *IllegalStateTransitionError) Error() string {
	if e.Requested == "" {
		return fmt.Sprintf("unexpected status %s for node execution %s", e.Current, e.NodeExecutionID)
	}
	if e.NodeExecutionID == "" {
		return fmt.Sprintf("illegal state transition from %s to %s", e.Current, e.Requested)
	}
	return fmt.Sprintf("illegal state transition from %s to %s for node execution %s",
		e.Current, e.Requested, e.NodeExecutionID)
}

func (e *IllegalStateTransitionError) Is(target error) bool {
	return target == ErrIllegalStateTransition
}

// InterruptProcessingFailedError reports a node execution that could not
// reach its terminal status while an interrupt was processed.
type InterruptProcessingFailedError struct {
	InterruptType   InterruptType
	PlanExecutionID string
	NodeExecutionID string
	Err             error
}

func (e *InterruptProcessingFailedError) Error() string {
	return fmt.Sprintf("%s failed for plan execution %s, node execution %s: %v",
		e.InterruptType, e.PlanExecutionID, e.NodeExecutionID, e.Err)
}

func (e *InterruptProcessingFailedError) Unwrap() error {
	return e.Err
}

func (e *InterruptProcessingFailedError) Is(target error) bool {
	return target == ErrInterruptProcessingFailed
}
