package domain

import (
	"fmt"
	"strings"
)

// Status is the execution state of a node execution.
type Status string

const (
	// In progress statuses
	StatusRunning             Status = "RUNNING"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusTimedWaiting        Status = "TIMED_WAITING"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusTaskWaiting         Status = "TASK_WAITING"
	StatusDiscontinuing       Status = "DISCONTINUING"

	// Final statuses
	StatusQueued    Status = "QUEUED"
	StatusSkipped   Status = "SKIPPED"
	StatusPaused    Status = "PAUSED"
	StatusAborted   Status = "ABORTED"
	StatusErrored   Status = "ERRORED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
	StatusSucceeded Status = "SUCCEEDED"
)

// allStatuses lists every status in declaration order. The index of a
// status in this slice is its bit in a StatusSet.
var allStatuses = []Status{
	StatusRunning,
	StatusInterventionWaiting,
	StatusTimedWaiting,
	StatusAsyncWaiting,
	StatusTaskWaiting,
	StatusDiscontinuing,
	StatusQueued,
	StatusSkipped,
	StatusPaused,
	StatusAborted,
	StatusErrored,
	StatusFailed,
	StatusExpired,
	StatusSucceeded,
}

var statusOrdinals = func() map[Status]uint {
	m := make(map[Status]uint, len(allStatuses))
	for i, s := range allStatuses {
		m[s] = uint(i)
	}
	return m
}()

// AllStatuses returns every known status in declaration order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a string into a Status. Matching is case-insensitive.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := statusOrdinals[st]; !ok {
		return "", fmt.Errorf("unknown status: %q", s)
	}
	return st, nil
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	_, ok := statusOrdinals[s]
	return ok
}

func (s Status) String() string {
	return string(s)
}

// MarshalText implements encoding.TextMarshaler. The zero Status encodes
// as an empty string.
func (s Status) MarshalText() ([]byte, error) {
	if s != "" && !s.IsValid() {
		return nil, fmt.Errorf("unknown status: %q", string(s))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = ""
		return nil
	}
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s Status) IsFinalizable() bool { return finalizableStatuses.Contains(s) }
func (s Status) IsPositive() bool    { return positiveStatuses.Contains(s) }
func (s Status) IsBroke() bool       { return brokeStatuses.Contains(s) }
func (s Status) IsResumable() bool   { return resumableStatuses.Contains(s) }
func (s Status) IsFlowing() bool     { return flowingStatuses.Contains(s) }
func (s Status) IsFinal() bool       { return finalStatuses.Contains(s) }
func (s Status) IsRetryable() bool   { return retryableStatuses.Contains(s) }

// StatusSet is an immutable set of statuses backed by a bitmask.
type StatusSet struct {
	bits uint16
}

// NewStatusSet builds a set from the given statuses. Unknown statuses are ignored.
func NewStatusSet(statuses ...Status) StatusSet {
	var set StatusSet
	for _, s := range statuses {
		if ord, ok := statusOrdinals[s]; ok {
			set.bits |= 1 << ord
		}
	}
	return set
}

// Contains reports whether s is a member of the set.
func (set StatusSet) Contains(s Status) bool {
	ord, ok := statusOrdinals[s]
	if !ok {
		return false
	}
	return set.bits&(1<<ord) != 0
}

// Len returns the number of statuses in the set.
func (set StatusSet) Len() int {
	n := 0
	for b := set.bits; b != 0; b &= b - 1 {
		n++
	}
	return n
}

// IsEmpty reports whether the set has no members.
func (set StatusSet) IsEmpty() bool {
	return set.bits == 0
}

// Union returns a set holding the members of both sets.
func (set StatusSet) Union(other StatusSet) StatusSet {
	return StatusSet{bits: set.bits | other.bits}
}

// Without returns a copy of the set with the given statuses removed.
func (set StatusSet) Without(statuses ...Status) StatusSet {
	return StatusSet{bits: set.bits &^ NewStatusSet(statuses...).bits}
}

// Statuses returns the members in declaration order.
func (set StatusSet) Statuses() []Status {
	out := make([]Status, 0, set.Len())
	for i, s := range allStatuses {
		if set.bits&(1<<uint(i)) != 0 {
			out = append(out, s)
		}
	}
	return out
}

// Strings returns the members as strings, in declaration order.
func (set StatusSet) Strings() []string {
	statuses := set.Statuses()
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (set StatusSet) String() string {
	return "{" + strings.Join(set.Strings(), ",") + "}"
}

// Status groups
var (
	finalizableStatuses = NewStatusSet(StatusQueued, StatusRunning, StatusPaused, StatusAsyncWaiting,
		StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing)

	positiveStatuses = NewStatusSet(StatusSucceeded, StatusSkipped)

	brokeStatuses = NewStatusSet(StatusFailed, StatusErrored)

	resumableStatuses = NewStatusSet(StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting,
		StatusTimedWaiting, StatusInterventionWaiting)

	flowingStatuses = NewStatusSet(StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
		StatusDiscontinuing)

	finalStatuses = NewStatusSet(StatusQueued, StatusSkipped, StatusPaused, StatusAborted, StatusErrored,
		StatusFailed, StatusExpired, StatusSucceeded)

	retryableStatuses = NewStatusSet(StatusFailed, StatusErrored, StatusExpired)
)

func FinalizableStatuses() StatusSet { return finalizableStatuses }
func PositiveStatuses() StatusSet    { return positiveStatuses }
func BrokeStatuses() StatusSet       { return brokeStatuses }
func ResumableStatuses() StatusSet   { return resumableStatuses }
func FlowingStatuses() StatusSet     { return flowingStatuses }
func FinalStatuses() StatusSet       { return finalStatuses }
func RetryableStatuses() StatusSet   { return retryableStatuses }

var allowedPredecessors = map[Status]StatusSet{
	StatusRunning: NewStatusSet(StatusQueued, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting,
		StatusInterventionWaiting, StatusPaused),
	StatusInterventionWaiting: brokeStatuses,
	StatusTimedWaiting:        NewStatusSet(StatusQueued, StatusRunning),
	StatusAsyncWaiting:        NewStatusSet(StatusQueued, StatusRunning),
	StatusTaskWaiting:         NewStatusSet(StatusQueued, StatusRunning),
	StatusPaused:              NewStatusSet(StatusQueued, StatusRunning),
	StatusDiscontinuing: NewStatusSet(StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting,
		StatusTimedWaiting, StatusInterventionWaiting, StatusPaused),
	StatusSkipped:   NewStatusSet(StatusQueued),
	StatusQueued:    NewStatusSet(StatusPaused),
	StatusAborted:   finalizableStatuses,
	StatusSucceeded: finalizableStatuses,
	StatusErrored:   finalizableStatuses,
	StatusFailed:    finalizableStatuses,
}

// AllowedPredecessors returns the statuses from which a transition into
// target is legal. EXPIRED and unknown targets have no legal predecessor.
func AllowedPredecessors(target Status) StatusSet {
	return allowedPredecessors[target]
}

// CanTransition reports whether current -> target is a legal transition.
func CanTransition(current, target Status) bool {
	return AllowedPredecessors(target).Contains(current)
}

// ValidateTransition returns an *IllegalStateTransitionError when the
// transition current -> target is not legal.
func ValidateTransition(current, target Status) error {
	if CanTransition(current, target) {
		return nil
	}
	return &IllegalStateTransitionError{Current: current, Requested: target}
}
