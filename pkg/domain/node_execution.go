package domain

import (
	"time"
)

// ExecutionMode is how a step is facilitated.
type ExecutionMode string

const (
	ExecutionModeSync     ExecutionMode = "SYNC"
	ExecutionModeAsync    ExecutionMode = "ASYNC"
	ExecutionModeTask     ExecutionMode = "TASK"
	ExecutionModeChild    ExecutionMode = "CHILD"
	ExecutionModeChildren ExecutionMode = "CHILDREN"
)

// IsValid reports whether m is a known execution mode.
func (m ExecutionMode) IsValid() bool {
	switch m {
	case ExecutionModeSync, ExecutionModeAsync, ExecutionModeTask, ExecutionModeChild, ExecutionModeChildren:
		return true
	}
	return false
}

// IsChildSpawning reports whether the mode fans out into child node executions.
func (m ExecutionMode) IsChildSpawning() bool {
	return m == ExecutionModeChild || m == ExecutionModeChildren
}

// IsTaskSpawning reports whether the mode dispatches an external task.
func (m ExecutionMode) IsTaskSpawning() bool {
	return m == ExecutionModeTask
}

// LevelGroup tags the scope a level belongs to.
type LevelGroup string

const (
	LevelGroupPipeline  LevelGroup = "PIPELINE"
	LevelGroupStage     LevelGroup = "STAGE"
	LevelGroupStepGroup LevelGroup = "STEP_GROUP"
	LevelGroupStep      LevelGroup = "STEP"
)

// Level is one hop of the runtime path from the plan root to a node execution.
type Level struct {
	SetupID    string     `json:"setup_id"`
	RuntimeID  string     `json:"runtime_id"`
	Identifier string     `json:"identifier"`
	Group      LevelGroup `json:"group,omitempty"`
	StepType   string     `json:"step_type"`
}

// ExecutableResponse is what a step returned when it was facilitated.
type ExecutableResponse struct {
	Mode        ExecutionMode `json:"mode"`
	TaskID      string        `json:"task_id,omitempty"`
	TaskMode    string        `json:"task_mode,omitempty"`
	CallbackIDs []string      `json:"callback_ids,omitempty"`
	ChildIDs    []string      `json:"child_ids,omitempty"`
}

// InterruptEffect records an interrupt applied to a node execution.
type InterruptEffect struct {
	InterruptID   string        `json:"interrupt_id"`
	InterruptType InterruptType `json:"interrupt_type"`
	AppliedAt     time.Time     `json:"applied_at"`
}

// NodeExecution is one run of a plan node within a plan execution.
type NodeExecution struct {
	ID              string `json:"id"`
	PlanExecutionID string `json:"plan_execution_id"`
	ParentID        string `json:"parent_id,omitempty"`
	PreviousID      string `json:"previous_id,omitempty"`
	NextID          string `json:"next_id,omitempty"`

	PlanNodeID string  `json:"plan_node_id"`
	Identifier string  `json:"identifier"`
	Name       string  `json:"name,omitempty"`
	StepType   string  `json:"step_type"`
	Levels     []Level `json:"levels"`

	Status Status        `json:"status"`
	Mode   ExecutionMode `json:"mode,omitempty"`

	ResolvedStepParameters map[string]interface{} `json:"resolved_step_parameters,omitempty"`
	ExecutableResponses    []ExecutableResponse   `json:"executable_responses,omitempty"`
	InterruptHistories     []InterruptEffect      `json:"interrupt_histories,omitempty"`
	FailureMessage         string                 `json:"failure_message,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int64      `json:"version"`
}

// LatestExecutableResponse returns the most recent response, or nil.
func (n *NodeExecution) LatestExecutableResponse() *ExecutableResponse {
	if len(n.ExecutableResponses) == 0 {
		return nil
	}
	return &n.ExecutableResponses[len(n.ExecutableResponses)-1]
}

// IsChildSpawningMode reports whether the node has fanned out children.
func (n *NodeExecution) IsChildSpawningMode() bool {
	return n.Mode.IsChildSpawning()
}

// IsTaskSpawningMode reports whether the node dispatched an external task.
func (n *NodeExecution) IsTaskSpawningMode() bool {
	return n.Mode.IsTaskSpawning()
}

// CurrentLevel returns the level of the node execution itself.
func (n *NodeExecution) CurrentLevel() *Level {
	if len(n.Levels) == 0 {
		return nil
	}
	return &n.Levels[len(n.Levels)-1]
}

// NearestLevel returns the closest level (walking up from the current one)
// with the given group.
func (n *NodeExecution) NearestLevel(group LevelGroup) *Level {
	for i := len(n.Levels) - 1; i >= 0; i-- {
		if n.Levels[i].Group == group {
			return &n.Levels[i]
		}
	}
	return nil
}

// HasInterrupt reports whether the interrupt was applied to this node.
func (n *NodeExecution) HasInterrupt(interruptID string) bool {
	for _, h := range n.InterruptHistories {
		if h.InterruptID == interruptID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy suitable for mutation outside a store.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}
	c := *n
	c.Levels = append([]Level(nil), n.Levels...)
	if n.ResolvedStepParameters != nil {
		c.ResolvedStepParameters = make(map[string]interface{}, len(n.ResolvedStepParameters))
		for k, v := range n.ResolvedStepParameters {
			c.ResolvedStepParameters[k] = v
		}
	}
	if n.ExecutableResponses != nil {
		c.ExecutableResponses = make([]ExecutableResponse, len(n.ExecutableResponses))
		for i, r := range n.ExecutableResponses {
			r.CallbackIDs = append([]string(nil), r.CallbackIDs...)
			r.ChildIDs = append([]string(nil), r.ChildIDs...)
			c.ExecutableResponses[i] = r
		}
	}
	c.InterruptHistories = append([]InterruptEffect(nil), n.InterruptHistories...)
	if n.StartedAt != nil {
		t := *n.StartedAt
		c.StartedAt = &t
	}
	if n.EndedAt != nil {
		t := *n.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// PlanExecution is one run of a plan graph.
type PlanExecution struct {
	ID        string                 `json:"id"`
	PlanID    string                 `json:"plan_id"`
	Plan      *PlanGraph             `json:"plan"`
	Status    Status                 `json:"status"`
	Inputs    map[string]interface{} `json:"inputs,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	EndedAt   *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
	Version   int64                  `json:"version"`
}
