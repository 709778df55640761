package models

import (
	"testing"
	"time"
)

func TestLeaseHeld(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name    string
		lease   Lease
		held    bool
		expired bool
	}{
		{"free", Lease{}, false, false},
		{"locked and live", Lease{Locked: true, ExpiresAt: &future}, true, false},
		{"locked but expired", Lease{Locked: true, ExpiresAt: &past}, false, true},
		{"locked without expiry", Lease{Locked: true}, false, true},
		{"expiry without flag", Lease{ExpiresAt: &future}, false, false},
		{"expires exactly now", Lease{Locked: true, ExpiresAt: &now}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.lease.Held(now); got != tt.held {
				t.Errorf("Held() = %v, want %v", got, tt.held)
			}
			if got := tt.lease.Expired(now); got != tt.expired {
				t.Errorf("Expired() = %v, want %v", got, tt.expired)
			}
		})
	}
}

func TestVideoStatusIsTerminal(t *testing.T) {
	if VideoStatusProcessing.IsTerminal() {
		t.Error("processing must not be terminal")
	}

	for _, s := range []VideoStatus{VideoStatusCompleted, VideoStatusFailed, VideoStatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestWorkflowStates(t *testing.T) {
	states := []WorkflowState{
		WorkflowStateDraft,
		WorkflowStateAwaitingApproval,
		WorkflowStateInProduction,
		WorkflowStateCompleted,
		WorkflowStateFailed,
	}

	for _, state := range states {
		if state == "" {
			t.Errorf("empty state found")
		}
	}
}
