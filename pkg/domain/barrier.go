package domain

import "time"

// BarrierStepType is the step type of the barrier step itself.
const BarrierStepType = "BARRIER"

// BarrierRefParameter is the step parameter naming the barrier a barrier step waits on.
const BarrierRefParameter = "barrier_ref"

// BarrierState is the lifecycle state of a barrier instance.
type BarrierState string

const (
	BarrierStateStanding BarrierState = "STANDING"
	BarrierStateDown     BarrierState = "DOWN"
)

// BarrierPositionType is the scope a barrier position is registered for.
type BarrierPositionType string

const (
	BarrierPositionStage     BarrierPositionType = "STAGE"
	BarrierPositionStepGroup BarrierPositionType = "STEP_GROUP"
	BarrierPositionStep      BarrierPositionType = "STEP"
)

// PositionTypeForGroup maps a level group onto a barrier position type.
func PositionTypeForGroup(group LevelGroup) (BarrierPositionType, bool) {
	switch group {
	case LevelGroupStage:
		return BarrierPositionStage, true
	case LevelGroupStepGroup:
		return BarrierPositionStepGroup, true
	case LevelGroupStep:
		return BarrierPositionStep, true
	}
	return "", false
}

// BarrierPosition binds a static barrier step declaration to the runtime
// instances of its stage, step group and step.
type BarrierPosition struct {
	StageSetupID     string `json:"stage_setup_id,omitempty"`
	StepGroupSetupID string `json:"step_group_setup_id,omitempty"`
	StepSetupID      string `json:"step_setup_id"`

	StageRuntimeID     string `json:"stage_runtime_id,omitempty"`
	StepGroupRuntimeID string `json:"step_group_runtime_id,omitempty"`
	StepRuntimeID      string `json:"step_runtime_id,omitempty"`
}

// BarrierArrival records a party that reached the barrier wait.
type BarrierArrival struct {
	NodeExecutionID    string    `json:"node_execution_id"`
	StageRuntimeID     string    `json:"stage_runtime_id,omitempty"`
	StepGroupRuntimeID string    `json:"step_group_runtime_id,omitempty"`
	ArrivedAt          time.Time `json:"arrived_at"`
}

// BarrierExecutionInstance is one synchronization point of a plan execution.
type BarrierExecutionInstance struct {
	Identifier      string       `json:"identifier"`
	Name            string       `json:"name,omitempty"`
	PlanExecutionID string       `json:"plan_execution_id"`
	State           BarrierState `json:"state"`

	// ExpectedCount is the number of parties to wait for. Zero means the
	// count is derived from the registered positions.
	ExpectedCount int               `json:"expected_count,omitempty"`
	Positions     []BarrierPosition `json:"positions"`
	Arrivals      []BarrierArrival  `json:"arrivals,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Expected returns the number of parties the barrier waits for. For an
// open-ended barrier every position is one party; positions bound to the
// same step runtime instance count once.
func (b *BarrierExecutionInstance) Expected() int {
	if b.ExpectedCount > 0 {
		return b.ExpectedCount
	}
	bound := make(map[string]struct{})
	total := 0
	for _, p := range b.Positions {
		if p.StepRuntimeID == "" {
			total++
			continue
		}
		if _, ok := bound[p.StepRuntimeID]; !ok {
			bound[p.StepRuntimeID] = struct{}{}
			total++
		}
	}
	return total
}

// HasArrived reports whether the node execution already arrived.
func (b *BarrierExecutionInstance) HasArrived(nodeExecutionID string) bool {
	for _, a := range b.Arrivals {
		if a.NodeExecutionID == nodeExecutionID {
			return true
		}
	}
	return false
}

// IsDown reports whether the barrier has been released.
func (b *BarrierExecutionInstance) IsDown() bool {
	return b.State == BarrierStateDown
}

// Clone returns a deep copy of the instance.
func (b *BarrierExecutionInstance) Clone() *BarrierExecutionInstance {
	if b == nil {
		return nil
	}
	c := *b
	c.Positions = append([]BarrierPosition(nil), b.Positions...)
	c.Arrivals = append([]BarrierArrival(nil), b.Arrivals...)
	return &c
}
