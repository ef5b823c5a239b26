package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus_Transitions(t *testing.T) {
	allowed := []struct {
		from, to RunStatus
	}{
		{RunStatusRunning, RunStatusPaused},
		{RunStatusRunning, RunStatusCompleted},
		{RunStatusRunning, RunStatusFailed},
		{RunStatusRunning, RunStatusCancelled},
		{RunStatusPaused, RunStatusRunning},
		{RunStatusPaused, RunStatusCompleted},
		{RunStatusPaused, RunStatusFailed},
		{RunStatusPaused, RunStatusCancelled},
	}
	for _, tc := range allowed {
		next, err := tc.from.Transition(tc.to)
		assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.to, next)
	}

	for _, terminal := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled} {
		assert.True(t, terminal.IsTerminal())
		for _, to := range []RunStatus{RunStatusRunning, RunStatusPaused, RunStatusCompleted} {
			_, err := terminal.Transition(to)
			assert.Error(t, err, "%s must be terminal", terminal)
		}
	}

	_, err := RunStatusRunning.Transition(RunStatusRunning)
	assert.Error(t, err)
}

func TestStepStatus_Transitions(t *testing.T) {
	assert.True(t, StepStatusRunning.CanTransition(StepStatusWaitingApproval))
	assert.True(t, StepStatusWaitingApproval.CanTransition(StepStatusCompleted))
	assert.False(t, StepStatusCompleted.CanTransition(StepStatusRunning))
	assert.False(t, StepStatusPending.CanTransition(StepStatusWaitingApproval))
	assert.True(t, StepStatusSkipped.IsTerminal())
	assert.False(t, StepStatusWaitingApproval.IsTerminal())
}
