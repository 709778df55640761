package production

import (
	"testing"

	"github.com/bobarin/adreel/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.WorkflowState
		want     bool
	}{
		{models.WorkflowStateDraft, models.WorkflowStateAwaitingApproval, true},
		{models.WorkflowStateDraft, models.WorkflowStateInProduction, false},
		{models.WorkflowStateAwaitingApproval, models.WorkflowStateInProduction, true},
		{models.WorkflowStateInProduction, models.WorkflowStateCompleted, true},
		{models.WorkflowStateInProduction, models.WorkflowStateFailed, true},
		{models.WorkflowStateInProduction, models.WorkflowStateAwaitingApproval, true},
		{models.WorkflowStateInProduction, models.WorkflowStateInProduction, false},
		{models.WorkflowStateCompleted, models.WorkflowStateInProduction, true},
		{models.WorkflowStateFailed, models.WorkflowStateInProduction, true},
		{models.WorkflowStateCompleted, models.WorkflowStateDraft, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanSettle(t *testing.T) {
	assert.True(t, CanSettle(models.VideoStatusProcessing, models.VideoStatusCompleted))
	assert.True(t, CanSettle(models.VideoStatusProcessing, models.VideoStatusCancelled))
	assert.False(t, CanSettle(models.VideoStatusProcessing, models.VideoStatusProcessing))
	assert.False(t, CanSettle(models.VideoStatusFailed, models.VideoStatusCompleted))
	assert.False(t, CanSettle(models.VideoStatusCompleted, models.VideoStatusFailed))
}

func TestStateAfter(t *testing.T) {
	state, ok := StateAfter(models.VideoStatusCancelled)
	assert.True(t, ok)
	assert.Equal(t, models.WorkflowStateAwaitingApproval, state)

	_, ok = StateAfter(models.VideoStatusProcessing)
	assert.False(t, ok)
}
