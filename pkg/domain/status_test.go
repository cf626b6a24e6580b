package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// legal lists every allowed current -> target pair.
var legal = map[Status][]Status{
	StatusRunning:             {StatusQueued, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusInterventionWaiting, StatusPaused},
	StatusInterventionWaiting: {StatusFailed, StatusErrored},
	StatusTimedWaiting:        {StatusQueued, StatusRunning},
	StatusAsyncWaiting:        {StatusQueued, StatusRunning},
	StatusTaskWaiting:         {StatusQueued, StatusRunning},
	StatusPaused:              {StatusQueued, StatusRunning},
	StatusDiscontinuing:       {StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusInterventionWaiting, StatusPaused},
	StatusSkipped:             {StatusQueued},
	StatusQueued:              {StatusPaused},
	StatusAborted:             {StatusQueued, StatusRunning, StatusPaused, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing},
	StatusSucceeded:           {StatusQueued, StatusRunning, StatusPaused, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing},
	StatusErrored:             {StatusQueued, StatusRunning, StatusPaused, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing},
	StatusFailed:              {StatusQueued, StatusRunning, StatusPaused, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing},
}

func TestCanTransition_FullTable(t *testing.T) {
	require.Len(t, AllStatuses(), 14)

	for _, target := range AllStatuses() {
		allowed := NewStatusSet(legal[target]...)
		for _, current := range AllStatuses() {
			want := allowed.Contains(current)
			assert.Equal(t, want, CanTransition(current, target), "%s -> %s", current, target)

			err := ValidateTransition(current, target)
			if want {
				assert.NoError(t, err, "%s -> %s", current, target)
				continue
			}
			var illegal *IllegalStateTransitionError
			require.ErrorAs(t, err, &illegal, "%s -> %s", current, target)
			assert.Equal(t, current, illegal.Current)
			assert.Equal(t, target, illegal.Requested)
			assert.True(t, errors.Is(err, ErrIllegalStateTransition))
		}
	}
}

func TestAllowedPredecessors_ExpiredAndUnknown(t *testing.T) {
	assert.True(t, AllowedPredecessors(StatusExpired).IsEmpty())
	assert.True(t, AllowedPredecessors(Status("BOGUS")).IsEmpty())
}

func TestStatusGroups(t *testing.T) {
	tests := []struct {
		name    string
		set     StatusSet
		check   func(Status) bool
		members []Status
	}{
		{"finalizable", FinalizableStatuses(), Status.IsFinalizable, []Status{
			StatusQueued, StatusRunning, StatusPaused, StatusAsyncWaiting,
			StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing,
		}},
		{"positive", PositiveStatuses(), Status.IsPositive, []Status{
			StatusSucceeded, StatusSkipped,
		}},
		{"broke", BrokeStatuses(), Status.IsBroke, []Status{
			StatusFailed, StatusErrored,
		}},
		{"resumable", ResumableStatuses(), Status.IsResumable, []Status{
			StatusQueued, StatusRunning, StatusAsyncWaiting, StatusTaskWaiting,
			StatusTimedWaiting, StatusInterventionWaiting,
		}},
		{"flowing", FlowingStatuses(), Status.IsFlowing, []Status{
			StatusRunning, StatusAsyncWaiting, StatusTaskWaiting, StatusTimedWaiting, StatusDiscontinuing,
		}},
		{"final", FinalStatuses(), Status.IsFinal, []Status{
			StatusQueued, StatusSkipped, StatusPaused, StatusAborted,
			StatusErrored, StatusFailed, StatusExpired, StatusSucceeded,
		}},
		{"retryable", RetryableStatuses(), Status.IsRetryable, []Status{
			StatusFailed, StatusErrored, StatusExpired,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.members, tt.set.Statuses())

			want := NewStatusSet(tt.members...)
			for _, s := range AllStatuses() {
				assert.Equal(t, want.Contains(s), tt.check(s), s)
			}
		})
	}
}

// groupMemberships lists every group predicate of s, in a fixed order.
func groupMemberships(s Status) []bool {
	return []bool{
		s.IsFinalizable(), s.IsPositive(), s.IsBroke(), s.IsResumable(),
		s.IsFlowing(), s.IsFinal(), s.IsRetryable(),
	}
}

func TestStatus_JSONRoundTripKeepsGroups(t *testing.T) {
	require.Len(t, AllStatuses(), 14)
	for _, s := range AllStatuses() {
		raw, err := json.Marshal(s)
		require.NoError(t, err, s)

		var decoded Status
		require.NoError(t, json.Unmarshal(raw, &decoded), s)
		assert.Equal(t, s, decoded)
		assert.Equal(t, groupMemberships(s), groupMemberships(decoded), s)
	}
}

func TestStatusSet(t *testing.T) {
	set := NewStatusSet(StatusSucceeded, StatusRunning, Status("BOGUS"), StatusRunning)

	assert.Equal(t, 2, set.Len())
	assert.Equal(t, []Status{StatusRunning, StatusSucceeded}, set.Statuses())
	assert.Equal(t, "{RUNNING,SUCCEEDED}", set.String())
	assert.False(t, set.Contains(Status("BOGUS")))

	without := set.Without(StatusRunning)
	assert.Equal(t, []string{"SUCCEEDED"}, without.Strings())
	assert.True(t, set.Contains(StatusRunning), "Without must not modify the receiver")

	union := without.Union(NewStatusSet(StatusFailed))
	assert.Equal(t, 2, union.Len())
	assert.True(t, StatusSet{}.IsEmpty())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" async_waiting ")
	require.NoError(t, err)
	assert.Equal(t, StatusAsyncWaiting, s)

	_, err = ParseStatus("PAUSING")
	assert.EqualError(t, err, `unknown status: "PAUSING"`)
}

func TestStatus_JSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		Status Status `json:"status"`
	}{StatusTaskWaiting})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"TASK_WAITING"}`, string(raw))

	var decoded struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"succeeded"}`), &decoded))
	assert.Equal(t, StatusSucceeded, decoded.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"DONE"}`), &decoded))

	_, err = json.Marshal(Status("DONE"))
	assert.Error(t, err)
}
