package plan

import (
	"testing"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	g, err := LoadFile("testdata/release.yaml")
	require.NoError(t, err)

	assert.Equal(t, "release", g.ID)
	assert.Equal(t, "pipeline", g.RootNodeID)
	assert.Len(t, g.Nodes, 8)
	require.Len(t, g.Barriers, 1)
	assert.Equal(t, "ship", g.Barriers[0].Identifier)
	assert.Zero(t, g.Barriers[0].ExpectedCount)

	build := g.Nodes["build"]
	assert.Equal(t, domain.ExecutionModeChildren, build.Mode())
	assert.Equal(t, domain.LevelGroupStage, build.Group)
	assert.Equal(t, []string{"linux", "darwin"}, build.Children)
	assert.Equal(t, "build", build.Identifier)

	linux := g.Nodes["linux"]
	assert.Equal(t, "compile", linux.StringParameter("task_type"))
	assert.Equal(t, domain.ExecutionModeTask, linux.Mode())

	publish := g.Nodes["publish"]
	assert.Equal(t, "publish_artifacts", publish.Identifier)
	assert.Equal(t, domain.ExecutionModeSync, publish.Mode())
	assert.Equal(t, "false", publish.SkipCondition)
	require.Len(t, publish.AdviserObtainments, 1)
	adviser := publish.AdviserObtainments[0]
	assert.Equal(t, domain.AdviserTypeOnFail, adviser.Type)
	assert.Equal(t, []domain.Status{domain.StatusFailed, domain.StatusErrored}, adviser.Statuses)

	assert.Equal(t, "ship", g.Nodes["darwin-gate"].StringParameter(domain.BarrierRefParameter))
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile("testdata/nope.yaml")
	assert.Error(t, err)
}

func TestParse_JSON(t *testing.T) {
	g, err := Parse([]byte(`{"id": "p", "root": "a", "nodes": [{"id": "a", "step_type": "NOOP"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "a", g.Nodes["a"].Identifier)
	assert.Empty(t, g.Nodes["a"].FacilitatorObtainments)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "missing root", doc: "id: p\nnodes:\n  - id: a\n    step_type: NOOP\n"},
		{name: "no nodes", doc: "id: p\nroot: a\nnodes: []\n"},
		{name: "unknown field", doc: "id: p\nroot: a\ntimeout: 5\nnodes:\n  - id: a\n    step_type: NOOP\n"},
		{name: "unknown mode", doc: "id: p\nroot: a\nnodes:\n  - id: a\n    step_type: NOOP\n    mode: LATER\n"},
		{name: "unknown adviser status", doc: "id: p\nroot: a\nnodes:\n  - id: a\n    step_type: NOOP\n    advisers:\n      - type: NEXT_STEP\n        next_node_id: a\n        statuses: [DONE]\n"},
		{name: "negative barrier count", doc: "id: p\nroot: a\nbarriers:\n  - identifier: b\n    expected_count: -1\nnodes:\n  - id: a\n    step_type: NOOP\n"},
		{name: "node without step type", doc: "id: p\nroot: a\nnodes:\n  - id: a\n"},
		{name: "not yaml", doc: "id: [p"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_DuplicateNode(t *testing.T) {
	_, err := Parse([]byte("id: p\nroot: a\nnodes:\n  - id: a\n    step_type: NOOP\n  - id: a\n    step_type: NOOP\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node ID: a")
}
