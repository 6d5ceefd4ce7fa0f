package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/plan"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("tester", TaskCreated{
		TaskID:     "t1",
		UserPrompt: "do the thing",
		InitialPlan: plan.Definition{
			Title:    "thing",
			Subtasks: []plan.SubtaskDef{{ID: "a", Name: "only step"}},
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "tester", env.Source)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, KindTaskCreated, env.Kind)
	assert.False(t, env.Timestamp.IsZero())

	data, err := Decode[TaskCreated](env)
	require.NoError(t, err)
	assert.Equal(t, "t1", data.TaskID)
	assert.Equal(t, "do the thing", data.UserPrompt)
	require.Len(t, data.InitialPlan.Subtasks, 1)
	assert.Equal(t, "a", data.InitialPlan.Subtasks[0].ID)
}

func TestEnvelopeIDsAreMonotonic(t *testing.T) {
	a, err := NewEnvelope("tester", SubtaskCompleted{TaskID: "t1", SubtaskID: "a"})
	require.NoError(t, err)
	b, err := NewEnvelope("tester", SubtaskCompleted{TaskID: "t1", SubtaskID: "b"})
	require.NoError(t, err)
	assert.Less(t, a.ID, b.ID, "ulids sort by creation time")
}

func TestStreamFor(t *testing.T) {
	tests := []struct {
		kind   Kind
		stream string
	}{
		{KindTaskCreated, StreamTaskCreation},
		{KindSubtaskCompleted, StreamSubtaskCompletion},
		{KindSubtaskFailed, StreamSubtaskFailure},
		{KindHumanInputRequired, StreamHumanInteraction},
		{KindHumanInputProvided, StreamHumanResponses},
		{KindToolCallInitiated, StreamToolCalls},
		{KindToolCallResult, StreamToolCalls},
		{KindSubtaskDispatch, StreamSubtaskDispatch},
	}
	for _, tt := range tests {
		stream, err := StreamFor(tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.stream, stream)
	}

	_, err := StreamFor(Kind("bogus"))
	assert.Error(t, err)
}

func TestDispatchStreamFor(t *testing.T) {
	assert.Equal(t, "subtask_dispatch.agent-1", DispatchStreamFor("agent-1"))
}

func TestDecodeRejectsMismatchedPayload(t *testing.T) {
	env, err := NewEnvelope("tester", ToolCallResult{ToolCallID: "c1", IsSuccess: true})
	require.NoError(t, err)
	env.Data = []byte(`{"tool_call_id": 42}`)

	_, err = Decode[ToolCallResult](env)
	assert.Error(t, err)
}
