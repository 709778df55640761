package production

import "github.com/bobarin/adreel/internal/models"

// conversationTransitions lists every legal workflow move. completed and failed
// may relaunch (revision and retry respectively).
var conversationTransitions = map[models.WorkflowState][]models.WorkflowState{
	models.WorkflowStateDraft: {
		models.WorkflowStateAwaitingApproval,
	},
	models.WorkflowStateAwaitingApproval: {
		models.WorkflowStateInProduction,
	},
	models.WorkflowStateInProduction: {
		models.WorkflowStateCompleted,
		models.WorkflowStateFailed,
		models.WorkflowStateAwaitingApproval, // cancel
	},
	models.WorkflowStateCompleted: {
		models.WorkflowStateInProduction,
	},
	models.WorkflowStateFailed: {
		models.WorkflowStateInProduction,
	},
}

// CanTransition reports whether a conversation may move from one state to another.
func CanTransition(from, to models.WorkflowState) bool {
	for _, next := range conversationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanLaunch reports whether a production may start from state.
func CanLaunch(state models.WorkflowState) bool {
	return CanTransition(state, models.WorkflowStateInProduction)
}

// CanSettle reports whether a video may move from one status to another.
// Only processing videos move, and only to a terminal status.
func CanSettle(from, to models.VideoStatus) bool {
	return from == models.VideoStatusProcessing && to.IsTerminal()
}

// StateAfter maps a terminal video status to the conversation state it leaves behind.
func StateAfter(status models.VideoStatus) (models.WorkflowState, bool) {
	switch status {
	case models.VideoStatusCompleted:
		return models.WorkflowStateCompleted, true
	case models.VideoStatusFailed:
		return models.WorkflowStateFailed, true
	case models.VideoStatusCancelled:
		return models.WorkflowStateAwaitingApproval, true
	}
	return "", false
}

// refunds reports whether settling to status gives the credits back.
func refunds(status models.VideoStatus) bool {
	return status == models.VideoStatusFailed || status == models.VideoStatusCancelled
}
