package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusProcessing: true, // Queue → Processing (node reserved and dispatched)
		JobStatusCancelled:  true, // Queue → Cancelled (user cancels)
		JobStatusFailed:     true, // Queue → Failed (retry budget exhausted)
	},
	JobStatusProcessing: {
		JobStatusQueued:    true, // Processing → Queued (failover or dispatch retry)
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s: %w", from, ErrInvalidState)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s: %w", from, to, ErrInvalidState)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// RecordTransition validates and applies a state change, appending it to the audit trail
func (j *Job) RecordTransition(to JobStatus, reason string, at time.Time) error {
	if err := ValidateTransition(j.Status, to); err != nil {
		return err
	}
	j.StateTransitions = append(j.StateTransitions, StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: at,
		Reason:    reason,
	})
	j.Status = to
	return nil
}
