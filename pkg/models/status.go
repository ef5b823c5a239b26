package models

import "fmt"

// runTransitions lists the allowed run status edges.
//
//	running ──► paused ──► running
//	   │           │
//	   ▼           ▼
//	completed / failed / cancelled
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusRunning: {RunStatusPaused, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	RunStatusPaused:  {RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending:         {StepStatusRunning, StepStatusSkipped},
	StepStatusRunning:         {StepStatusWaitingApproval, StepStatusCompleted, StepStatusFailed, StepStatusSkipped},
	StepStatusWaitingApproval: {StepStatusCompleted, StepStatusFailed, StepStatusSkipped},
}

// IsTerminal returns true for completed, failed and cancelled runs.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusPaused, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransition checks if a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next or an error if the edge is not allowed.
func (s RunStatus) Transition(next RunStatus) (RunStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("invalid run transition: %s -> %s", s, next)
	}
	return next, nil
}

// IsTerminal returns true once a step can no longer change.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// CanTransition checks if a step may move from s to next.
func (s StepStatus) CanTransition(next StepStatus) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next or an error if the edge is not allowed.
func (s StepStatus) Transition(next StepStatus) (StepStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("invalid step transition: %s -> %s", s, next)
	}
	return next, nil
}
