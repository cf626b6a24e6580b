package codec

import (
	"testing"
	"time"

	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripNodeExecution(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	ne := &domain.NodeExecution{
		ID:              "ne-1",
		PlanExecutionID: "pe-1",
		PlanNodeID:      "build",
		StepType:        "TASK",
		Status:          domain.StatusTaskWaiting,
		Mode:            domain.ExecutionModeTask,
		Levels:          []domain.Level{{SetupID: "build", RuntimeID: "ne-1", Group: domain.LevelGroupStep}},
		ResolvedStepParameters: map[string]interface{}{
			"goos":   "linux",
			"nested": map[string]interface{}{"retries": uint64(3)},
		},
		ExecutableResponses: []domain.ExecutableResponse{{Mode: domain.ExecutionModeTask, TaskID: "task-1"}},
		StartedAt:           &started,
		Version:             4,
	}

	raw, err := Marshal(ne)
	require.NoError(t, err)

	var decoded domain.NodeExecution
	require.NoError(t, Unmarshal(raw, &decoded))

	assert.Equal(t, ne.Status, decoded.Status)
	assert.Equal(t, ne.Levels, decoded.Levels)
	assert.Equal(t, "linux", decoded.ResolvedStepParameters["goos"])
	assert.Equal(t, map[string]interface{}{"retries": uint64(3)}, decoded.ResolvedStepParameters["nested"])
	assert.Equal(t, "task-1", decoded.LatestExecutableResponse().TaskID)
	require.NotNil(t, decoded.StartedAt)
	assert.True(t, started.Equal(*decoded.StartedAt))
	assert.Equal(t, int64(4), decoded.Version)
}

func TestStatusIsEncodedAsText(t *testing.T) {
	raw, err := Marshal(struct {
		Status domain.Status `json:"status"`
	}{domain.StatusSucceeded})
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, Unmarshal(raw, &generic))
	assert.Equal(t, "SUCCEEDED", generic["status"])
}

func TestStatusRoundTripKeepsGroups(t *testing.T) {
	groups := func(s domain.Status) []bool {
		return []bool{
			s.IsFinalizable(), s.IsPositive(), s.IsBroke(), s.IsResumable(),
			s.IsFlowing(), s.IsFinal(), s.IsRetryable(),
		}
	}

	statuses := domain.AllStatuses()
	require.Len(t, statuses, 14)
	for _, s := range statuses {
		raw, err := Marshal(&domain.NodeExecution{ID: "ne-1", Status: s})
		require.NoError(t, err, s)

		var decoded domain.NodeExecution
		require.NoError(t, Unmarshal(raw, &decoded), s)
		assert.Equal(t, s, decoded.Status)
		assert.Equal(t, groups(s), groups(decoded.Status), s)
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := map[string]interface{}{"zeta": 1, "alpha": 2, "mid": []string{"x", "y"}}

	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestUnmarshalRejectsUnknownStatus(t *testing.T) {
	raw, err := Marshal(map[string]string{"status": "DONE"})
	require.NoError(t, err)

	var decoded struct {
		Status domain.Status `json:"status"`
	}
	assert.Error(t, Unmarshal(raw, &decoded))
}
