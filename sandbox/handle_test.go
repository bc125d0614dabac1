package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidStateTransition(t *testing.T) {
	tests := []struct {
		src, dst State
		valid    bool
	}{
		{Creating, Running, true},
		{Creating, Failed, true},
		{Creating, Stopping, false},
		{Creating, Removed, false},
		{Running, Stopping, true},
		{Running, Failed, true},
		{Running, Removed, false},
		{Running, Creating, false},
		{Stopping, Removed, true},
		{Stopping, Failed, true},
		{Stopping, Running, false},
		{Removed, Failed, false},
		{Removed, Running, false},
		{Failed, Removed, false},
		{Failed, Creating, false},
	}

	for _, tt := range tests {
		t.Run(tt.src.String()+"->"+tt.dst.String(), func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidStateTransition(tt.src, tt.dst))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CREATING", Creating.String())
	assert.Equal(t, "RUNNING", Running.String())
	assert.Equal(t, "STOPPING", Stopping.String())
	assert.Equal(t, "REMOVED", Removed.String())
	assert.Equal(t, "FAILED", Failed.String())
	assert.Equal(t, "State(42)", State(42).String())

	assert.True(t, Removed.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Stopping.Terminal())
}

func TestHandleTransition(t *testing.T) {
	t.Run("HappyPath", func(t *testing.T) {
		h := &Handle{ID: "c0ffee", State: Creating}

		require.NoError(t, h.Transition(Running))
		require.NoError(t, h.Transition(Stopping))
		require.NoError(t, h.Transition(Removed))

		assert.Equal(t, Removed, h.State)
		assert.Equal(t, []State{Creating, Running, Stopping, Removed}, h.States())
		require.Len(t, h.Transitions, 3)
		assert.False(t, h.Transitions[0].At.IsZero())
	})

	t.Run("FailedFromStopping", func(t *testing.T) {
		h := &Handle{ID: "c0ffee", State: Creating}

		require.NoError(t, h.Transition(Running))
		require.NoError(t, h.Transition(Stopping))
		require.NoError(t, h.Transition(Failed))
		assert.Equal(t, []State{Creating, Running, Stopping, Failed}, h.States())
	})

	t.Run("InvalidTransitionKeepsState", func(t *testing.T) {
		h := &Handle{ID: "c0ffee", State: Creating}

		err := h.Transition(Removed)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid transition from CREATING to REMOVED")
		assert.Equal(t, Creating, h.State)
		assert.Empty(t, h.Transitions)
		assert.Equal(t, []State{Creating}, h.States())
	})

	t.Run("TerminalStatesAreFinal", func(t *testing.T) {
		h := &Handle{ID: "c0ffee", State: Failed}
		require.Error(t, h.Transition(Running))
		require.Error(t, h.Transition(Removed))
	})
}
