package models

import (
	"errors"
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions
		{"Queued to Processing", JobStatusQueued, JobStatusProcessing, false},
		{"Queued to Cancelled", JobStatusQueued, JobStatusCancelled, false},
		{"Queued to Failed", JobStatusQueued, JobStatusFailed, false},
		{"Processing to Queued", JobStatusProcessing, JobStatusQueued, false},
		{"Processing to Completed", JobStatusProcessing, JobStatusCompleted, false},
		{"Processing to Failed", JobStatusProcessing, JobStatusFailed, false},
		{"Processing to Cancelled", JobStatusProcessing, JobStatusCancelled, false},

		// Invalid transitions
		{"Queued to Completed", JobStatusQueued, JobStatusCompleted, true},
		{"Completed to Processing", JobStatusCompleted, JobStatusProcessing, true},
		{"Completed to Failed", JobStatusCompleted, JobStatusFailed, true},
		{"Failed to Queued", JobStatusFailed, JobStatusQueued, true},
		{"Cancelled to Queued", JobStatusCancelled, JobStatusQueued, true},
		{"Unknown source", JobStatus("paused"), JobStatusQueued, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidState) {
				t.Errorf("expected ErrInvalidState, got %v", err)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    JobStatus
		expected bool
	}{
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusCancelled, true},
		{JobStatusQueued, false},
		{JobStatusProcessing, false},
	}

	for _, tt := range tests {
		if got := IsTerminalState(tt.state); got != tt.expected {
			t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, got, tt.expected)
		}
	}
}

func TestRecordTransition(t *testing.T) {
	job := &Job{ID: "job-1", Status: JobStatusQueued}
	now := time.Now()

	if err := job.RecordTransition(JobStatusProcessing, "assigned to node-1", now); err != nil {
		t.Fatalf("RecordTransition failed: %v", err)
	}
	if err := job.RecordTransition(JobStatusCompleted, "", now); err != nil {
		t.Fatalf("RecordTransition failed: %v", err)
	}
	if err := job.RecordTransition(JobStatusQueued, "", now); err == nil {
		t.Fatal("expected error leaving terminal state")
	}

	if job.Status != JobStatusCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
	if len(job.StateTransitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(job.StateTransitions))
	}
	if job.StateTransitions[0].Reason != "assigned to node-1" {
		t.Errorf("unexpected reason %q", job.StateTransitions[0].Reason)
	}
}
