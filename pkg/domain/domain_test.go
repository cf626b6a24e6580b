package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdviserObtainment_Applies(t *testing.T) {
	next := AdviserObtainment{Type: AdviserTypeNextStep, NextNodeID: "b"}
	assert.True(t, next.Applies(StatusSucceeded))
	assert.True(t, next.Applies(StatusSkipped))
	assert.False(t, next.Applies(StatusFailed))

	onFail := AdviserObtainment{Type: AdviserTypeOnFail, NextNodeID: "rollback"}
	assert.True(t, onFail.Applies(StatusErrored))
	assert.False(t, onFail.Applies(StatusAborted))

	explicit := AdviserObtainment{Type: AdviserTypeOnFail, Statuses: []Status{StatusExpired}}
	assert.True(t, explicit.Applies(StatusExpired))
	assert.False(t, explicit.Applies(StatusFailed))
}

func TestPlanGraph_Ancestors(t *testing.T) {
	g := &PlanGraph{
		RootNodeID: "pipeline",
		Nodes: map[string]*PlanNode{
			"pipeline": {ID: "pipeline", Children: []string{"build"}},
			"build": {ID: "build", Children: []string{"compile"}, AdviserObtainments: []AdviserObtainment{
				{Type: AdviserTypeNextStep, NextNodeID: "deploy"},
			}},
			"compile": {ID: "compile"},
			"deploy":  {ID: "deploy", Children: []string{"push"}},
			"push":    {ID: "push"},
		},
	}

	parents := g.Parents()
	assert.Equal(t, "", parents["pipeline"])
	assert.Equal(t, "pipeline", parents["deploy"])

	var ids []string
	for _, n := range g.Ancestors("push") {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"deploy", "pipeline"}, ids)
	assert.Empty(t, g.Ancestors("pipeline"))

	_, err := g.Node("missing")
	assert.EqualError(t, err, "plan node not found: missing")
}

func TestPlanNode_Mode(t *testing.T) {
	assert.Equal(t, ExecutionModeSync, (&PlanNode{}).Mode())
	n := &PlanNode{FacilitatorObtainments: []FacilitatorObtainment{{Mode: ExecutionModeChildren}}}
	assert.Equal(t, ExecutionModeChildren, n.Mode())
	assert.True(t, n.Mode().IsChildSpawning())
	assert.True(t, ExecutionModeTask.IsTaskSpawning())
	assert.False(t, ExecutionMode("LATER").IsValid())
}

func TestBarrierExecutionInstance_Expected(t *testing.T) {
	b := &BarrierExecutionInstance{Positions: []BarrierPosition{
		{StepSetupID: "a"},
		{StepSetupID: "b"},
		{StepSetupID: "c", StepRuntimeID: "ne-1"},
		{StepSetupID: "c", StepRuntimeID: "ne-1"},
		{StepSetupID: "c", StepRuntimeID: "ne-2"},
	}}
	assert.Equal(t, 4, b.Expected())

	b.ExpectedCount = 2
	assert.Equal(t, 2, b.Expected())
}

func TestBarrierExecutionInstance_Clone(t *testing.T) {
	b := &BarrierExecutionInstance{
		Identifier: "ship",
		Positions:  []BarrierPosition{{StepSetupID: "a"}},
		Arrivals:   []BarrierArrival{{NodeExecutionID: "ne-1"}},
	}
	c := b.Clone()
	c.Positions[0].StepRuntimeID = "ne-9"
	c.Arrivals = append(c.Arrivals, BarrierArrival{NodeExecutionID: "ne-2"})

	assert.Empty(t, b.Positions[0].StepRuntimeID)
	assert.True(t, b.HasArrived("ne-1"))
	assert.False(t, b.HasArrived("ne-2"))
	assert.Nil(t, (*BarrierExecutionInstance)(nil).Clone())
}

func TestPositionTypeForGroup(t *testing.T) {
	pt, ok := PositionTypeForGroup(LevelGroupStepGroup)
	require.True(t, ok)
	assert.Equal(t, BarrierPositionStepGroup, pt)

	_, ok = PositionTypeForGroup(LevelGroupPipeline)
	assert.False(t, ok)
}

func TestNodeExecution_Helpers(t *testing.T) {
	ne := &NodeExecution{
		ID:   "ne-1",
		Mode: ExecutionModeTask,
		Levels: []Level{
			{Group: LevelGroupStage, RuntimeID: "stage-1"},
			{Group: LevelGroupStep, RuntimeID: "ne-1"},
		},
		ExecutableResponses: []ExecutableResponse{
			{Mode: ExecutionModeTask, TaskID: "t-1"},
		},
		InterruptHistories: []InterruptEffect{{InterruptID: "int-1"}},
	}

	assert.Equal(t, LevelGroupStep, ne.CurrentLevel().Group)
	assert.Equal(t, "stage-1", ne.NearestLevel(LevelGroupStage).RuntimeID)
	assert.Nil(t, ne.NearestLevel(LevelGroupStepGroup))
	assert.True(t, ne.IsTaskSpawningMode())
	assert.True(t, ne.HasInterrupt("int-1"))

	c := ne.Clone()
	c.Levels[0].RuntimeID = "changed"
	c.ExecutableResponses[0].TaskID = "changed"
	assert.Equal(t, "stage-1", ne.Levels[0].RuntimeID)
	assert.Equal(t, "t-1", ne.LatestExecutableResponse().TaskID)
}
